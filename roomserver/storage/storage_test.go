package storage_test

import (
	"context"
	"encoding/base64"
	"reflect"
	"testing"
	"time"

	"github.com/spencerc99/playhtml-sub002/internal/caching"
	"github.com/spencerc99/playhtml-sub002/internal/sqlutil"
	"github.com/spencerc99/playhtml-sub002/roomserver/api"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/test"
)

func mustCreateDatabase(t *testing.T, dbType test.DBType) (storage.Database, func()) {
	t.Helper()
	connStr, closeDB := test.PrepareDBConnectionString(t, dbType)
	cm := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	db, err := storage.Open(cm, &config.DatabaseOptions{
		ConnectionString: config.DataSource(connStr),
	}, caches)
	if err != nil {
		t.Fatalf("storage.Open returned %s", err)
	}
	return db, closeDB
}

func TestDocuments(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()

		t.Run("missing document reports not found", func(t *testing.T) {
			_, found, err := db.SelectDocument(ctx, "never-saved")
			if err != nil {
				t.Fatalf("SelectDocument: %v", err)
			}
			if found {
				t.Fatalf("expected not found for unsaved room")
			}
		})

		t.Run("snapshot round trips", func(t *testing.T) {
			snapshot := []byte{0x01, 0x02, 0xFF, 0x00, 0x7F}
			if err := db.UpsertDocument(ctx, "room-a", snapshot); err != nil {
				t.Fatalf("UpsertDocument: %v", err)
			}
			got, found, err := db.SelectDocument(ctx, "room-a")
			if err != nil {
				t.Fatalf("SelectDocument: %v", err)
			}
			if !found {
				t.Fatalf("expected document to be found")
			}
			if !reflect.DeepEqual(snapshot, got) {
				t.Fatalf("expected snapshot %v, got %v", snapshot, got)
			}
		})

		t.Run("stored column is base64", func(t *testing.T) {
			snapshot := []byte("raw snapshot bytes")
			if err := db.UpsertDocument(ctx, "room-b", snapshot); err != nil {
				t.Fatalf("UpsertDocument: %v", err)
			}
			raw, createdAt, found, err := db.SelectRawDocument(ctx, "room-b")
			if err != nil {
				t.Fatalf("SelectRawDocument: %v", err)
			}
			if !found {
				t.Fatalf("expected raw document to be found")
			}
			if createdAt == 0 {
				t.Fatalf("expected a created_at timestamp")
			}
			decoded, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				t.Fatalf("stored column is not valid base64: %v", err)
			}
			if !reflect.DeepEqual(snapshot, decoded) {
				t.Fatalf("expected decoded column %v, got %v", snapshot, decoded)
			}
		})

		t.Run("upsert replaces previous snapshot", func(t *testing.T) {
			if err := db.UpsertDocument(ctx, "room-c", []byte("one")); err != nil {
				t.Fatalf("UpsertDocument: %v", err)
			}
			if err := db.UpsertDocument(ctx, "room-c", []byte("two")); err != nil {
				t.Fatalf("UpsertDocument: %v", err)
			}
			got, _, err := db.SelectDocument(ctx, "room-c")
			if err != nil {
				t.Fatalf("SelectDocument: %v", err)
			}
			if string(got) != "two" {
				t.Fatalf("expected replacement snapshot, got %q", got)
			}
		})

		t.Run("replace swaps snapshot and epoch together", func(t *testing.T) {
			if err := db.UpsertDocument(ctx, "room-d", []byte("before")); err != nil {
				t.Fatalf("UpsertDocument: %v", err)
			}
			epoch := time.Now().UnixMilli()
			if err := db.ReplaceDocument(ctx, "room-d", []byte("after"), epoch); err != nil {
				t.Fatalf("ReplaceDocument: %v", err)
			}
			got, _, err := db.SelectDocument(ctx, "room-d")
			if err != nil {
				t.Fatalf("SelectDocument: %v", err)
			}
			if string(got) != "after" {
				t.Fatalf("expected replaced snapshot, got %q", got)
			}
			gotEpoch, found, err := db.GetStoredResetEpoch(ctx, "room-d")
			if err != nil {
				t.Fatalf("GetStoredResetEpoch: %v", err)
			}
			if !found || gotEpoch != epoch {
				t.Fatalf("expected stored epoch %d, got %d (found=%v)", epoch, gotEpoch, found)
			}
		})

		t.Run("names list every saved room", func(t *testing.T) {
			names, err := db.SelectDocumentNames(ctx)
			if err != nil {
				t.Fatalf("SelectDocumentNames: %v", err)
			}
			want := map[string]bool{"room-a": true, "room-b": true, "room-c": true, "room-d": true}
			for _, name := range names {
				delete(want, name)
			}
			if len(want) != 0 {
				t.Fatalf("missing rooms in names listing: %v", want)
			}
		})
	})
}

func TestRoomRedirects(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()

		t.Run("lookup misses return empty", func(t *testing.T) {
			target, err := db.GetRoomRedirect(ctx, "no-such-room")
			if err != nil {
				t.Fatalf("GetRoomRedirect: %v", err)
			}
			if target != "" {
				t.Fatalf("expected empty redirect, got %q", target)
			}
		})

		t.Run("redirect round trips", func(t *testing.T) {
			if err := db.UpsertDocument(ctx, "canonical-room", []byte("doc")); err != nil {
				t.Fatalf("UpsertDocument: %v", err)
			}
			redirect := api.RoomRedirect{
				OldName:   "legacy-room",
				NewName:   "canonical-room",
				CreatedAt: time.Now().UnixMilli(),
				Migrated:  true,
			}
			if err := db.UpsertRoomRedirect(ctx, redirect); err != nil {
				t.Fatalf("UpsertRoomRedirect: %v", err)
			}
			target, err := db.GetRoomRedirect(ctx, "legacy-room")
			if err != nil {
				t.Fatalf("GetRoomRedirect: %v", err)
			}
			if target != "canonical-room" {
				t.Fatalf("expected redirect to canonical-room, got %q", target)
			}
			redirects, err := db.SelectRedirectsTo(ctx, "canonical-room")
			if err != nil {
				t.Fatalf("SelectRedirectsTo: %v", err)
			}
			if len(redirects) != 1 || redirects[0].OldName != "legacy-room" || !redirects[0].Migrated {
				t.Fatalf("unexpected redirects: %+v", redirects)
			}
		})

		t.Run("purging a room removes its redirects", func(t *testing.T) {
			docDeleted, redirectsDeleted, err := db.PurgeRoom(ctx, "canonical-room")
			if err != nil {
				t.Fatalf("PurgeRoom: %v", err)
			}
			if !docDeleted || redirectsDeleted != 1 {
				t.Fatalf("expected document and 1 redirect deleted, got doc=%v redirects=%d", docDeleted, redirectsDeleted)
			}
			target, err := db.GetRoomRedirect(ctx, "legacy-room")
			if err != nil {
				t.Fatalf("GetRoomRedirect: %v", err)
			}
			if target != "" {
				t.Fatalf("expected redirect to be removed, got %q", target)
			}
			_, found, err := db.SelectDocument(ctx, "canonical-room")
			if err != nil {
				t.Fatalf("SelectDocument: %v", err)
			}
			if found {
				t.Fatalf("expected document to be deleted")
			}
		})
	})
}

func TestSubscribers(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()
		now := time.Now().UnixMilli()

		t.Run("renewal keeps the original created_at", func(t *testing.T) {
			first := api.Subscriber{
				ConsumerRoomID: "consumer-1",
				ElementIDs:     []string{"lamp"},
				CreatedAt:      now - 5000,
				LastSeen:       now - 5000,
				LeaseMS:        60000,
			}
			if err := db.UpsertSubscriber(ctx, "source-room", first); err != nil {
				t.Fatalf("UpsertSubscriber: %v", err)
			}
			renewed := first
			renewed.ElementIDs = []string{"lamp", "counter"}
			renewed.CreatedAt = now
			renewed.LastSeen = now
			if err := db.UpsertSubscriber(ctx, "source-room", renewed); err != nil {
				t.Fatalf("UpsertSubscriber: %v", err)
			}
			subs, err := db.SelectSubscribers(ctx, "source-room")
			if err != nil {
				t.Fatalf("SelectSubscribers: %v", err)
			}
			if len(subs) != 1 {
				t.Fatalf("expected 1 subscriber, got %d", len(subs))
			}
			if subs[0].CreatedAt != first.CreatedAt {
				t.Fatalf("expected created_at %d to survive renewal, got %d", first.CreatedAt, subs[0].CreatedAt)
			}
			if subs[0].LastSeen != now {
				t.Fatalf("expected last_seen %d, got %d", now, subs[0].LastSeen)
			}
			if !reflect.DeepEqual(subs[0].ElementIDs, []string{"lamp", "counter"}) {
				t.Fatalf("expected renewed element ids, got %v", subs[0].ElementIDs)
			}
		})

		t.Run("prune honours per-subscriber leases", func(t *testing.T) {
			stale := api.Subscriber{
				ConsumerRoomID: "consumer-stale",
				ElementIDs:     []string{"lamp"},
				CreatedAt:      now - 100000,
				LastSeen:       now - 100000,
				LeaseMS:        1000,
			}
			longLease := api.Subscriber{
				ConsumerRoomID: "consumer-long",
				ElementIDs:     []string{"lamp"},
				CreatedAt:      now - 100000,
				LastSeen:       now - 100000,
				LeaseMS:        10 * 24 * 60 * 60 * 1000,
			}
			if err := db.UpsertSubscriber(ctx, "source-room", stale); err != nil {
				t.Fatalf("UpsertSubscriber: %v", err)
			}
			if err := db.UpsertSubscriber(ctx, "source-room", longLease); err != nil {
				t.Fatalf("UpsertSubscriber: %v", err)
			}
			pruned, err := db.PruneSubscribers(ctx, "source-room", now)
			if err != nil {
				t.Fatalf("PruneSubscribers: %v", err)
			}
			if pruned != 1 {
				t.Fatalf("expected 1 pruned subscriber, got %d", pruned)
			}
			subs, err := db.SelectSubscribers(ctx, "source-room")
			if err != nil {
				t.Fatalf("SelectSubscribers: %v", err)
			}
			for _, sub := range subs {
				if sub.ConsumerRoomID == "consumer-stale" {
					t.Fatalf("stale subscriber survived prune")
				}
			}
		})

		t.Run("remove reports how many rows went away", func(t *testing.T) {
			removed, err := db.RemoveSubscriber(ctx, "source-room", "consumer-long")
			if err != nil {
				t.Fatalf("RemoveSubscriber: %v", err)
			}
			if removed != 1 {
				t.Fatalf("expected 1 removed, got %d", removed)
			}
			removed, err = db.RemoveSubscriber(ctx, "source-room", "consumer-long")
			if err != nil {
				t.Fatalf("RemoveSubscriber: %v", err)
			}
			if removed != 0 {
				t.Fatalf("expected 0 removed on second delete, got %d", removed)
			}
		})
	})
}

func TestSharedRefs(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()
		now := time.Now().UnixMilli()

		t.Run("refs round trip", func(t *testing.T) {
			ref := api.SharedRef{
				SourceRoomID: "source-room",
				ElementIDs:   []string{"lamp", "sign"},
				LastSeen:     now,
			}
			if err := db.UpsertSharedRef(ctx, "consumer-room", ref); err != nil {
				t.Fatalf("UpsertSharedRef: %v", err)
			}
			refs, err := db.SelectSharedRefs(ctx, "consumer-room")
			if err != nil {
				t.Fatalf("SelectSharedRefs: %v", err)
			}
			if len(refs) != 1 || !reflect.DeepEqual(refs[0], ref) {
				t.Fatalf("unexpected refs: %+v", refs)
			}
		})

		t.Run("prune removes refs older than the lease", func(t *testing.T) {
			old := api.SharedRef{
				SourceRoomID: "old-source",
				ElementIDs:   []string{"lamp"},
				LastSeen:     now - 100000,
			}
			if err := db.UpsertSharedRef(ctx, "consumer-room", old); err != nil {
				t.Fatalf("UpsertSharedRef: %v", err)
			}
			pruned, err := db.PruneSharedRefs(ctx, "consumer-room", now, 50000)
			if err != nil {
				t.Fatalf("PruneSharedRefs: %v", err)
			}
			if pruned != 1 {
				t.Fatalf("expected 1 pruned ref, got %d", pruned)
			}
			refs, err := db.SelectSharedRefs(ctx, "consumer-room")
			if err != nil {
				t.Fatalf("SelectSharedRefs: %v", err)
			}
			if len(refs) != 1 || refs[0].SourceRoomID != "source-room" {
				t.Fatalf("expected only the fresh ref to survive, got %+v", refs)
			}
		})
	})
}

func TestPermissions(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()

		t.Run("replace swaps the whole map", func(t *testing.T) {
			first := map[string]api.Permission{
				"lamp": api.PermissionReadWrite,
				"sign": api.PermissionReadOnly,
			}
			if err := db.ReplacePermissions(ctx, "room-p", first); err != nil {
				t.Fatalf("ReplacePermissions: %v", err)
			}
			second := map[string]api.Permission{
				"counter": api.PermissionReadOnly,
			}
			if err := db.ReplacePermissions(ctx, "room-p", second); err != nil {
				t.Fatalf("ReplacePermissions: %v", err)
			}
			got, err := db.SelectPermissions(ctx, "room-p")
			if err != nil {
				t.Fatalf("SelectPermissions: %v", err)
			}
			if !reflect.DeepEqual(second, got) {
				t.Fatalf("expected %v, got %v", second, got)
			}
		})

		t.Run("single upserts overwrite in place", func(t *testing.T) {
			if err := db.UpsertPermission(ctx, "room-p", "counter", api.PermissionReadWrite); err != nil {
				t.Fatalf("UpsertPermission: %v", err)
			}
			got, err := db.SelectPermissions(ctx, "room-p")
			if err != nil {
				t.Fatalf("SelectPermissions: %v", err)
			}
			if got["counter"] != api.PermissionReadWrite {
				t.Fatalf("expected read-write, got %q", got["counter"])
			}
		})
	})
}

func TestRoomMeta(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()
		now := time.Now().UnixMilli()

		t.Run("epoch defaults to not found", func(t *testing.T) {
			_, found, err := db.GetStoredResetEpoch(ctx, "room-m")
			if err != nil {
				t.Fatalf("GetStoredResetEpoch: %v", err)
			}
			if found {
				t.Fatalf("expected no stored epoch")
			}
		})

		t.Run("epoch persists", func(t *testing.T) {
			if err := db.SetResetEpoch(ctx, "room-m", now); err != nil {
				t.Fatalf("SetResetEpoch: %v", err)
			}
			epoch, found, err := db.GetStoredResetEpoch(ctx, "room-m")
			if err != nil {
				t.Fatalf("GetStoredResetEpoch: %v", err)
			}
			if !found || epoch != now {
				t.Fatalf("expected epoch %d, got %d (found=%v)", now, epoch, found)
			}
		})

		t.Run("armed alarms come back ordered", func(t *testing.T) {
			if err := db.SetAlarm(ctx, "room-late", now+5000); err != nil {
				t.Fatalf("SetAlarm: %v", err)
			}
			if err := db.SetAlarm(ctx, "room-early", now+1000); err != nil {
				t.Fatalf("SetAlarm: %v", err)
			}
			alarms, err := db.SelectArmedAlarms(ctx)
			if err != nil {
				t.Fatalf("SelectArmedAlarms: %v", err)
			}
			if len(alarms) != 2 {
				t.Fatalf("expected 2 armed alarms, got %d", len(alarms))
			}
			if alarms[0].RoomID != "room-early" || alarms[1].RoomID != "room-late" {
				t.Fatalf("expected alarms ordered by alarm_at, got %+v", alarms)
			}
		})

		t.Run("alarm of zero disarms", func(t *testing.T) {
			if err := db.SetAlarm(ctx, "room-early", 0); err != nil {
				t.Fatalf("SetAlarm: %v", err)
			}
			alarms, err := db.SelectArmedAlarms(ctx)
			if err != nil {
				t.Fatalf("SelectArmedAlarms: %v", err)
			}
			if len(alarms) != 1 || alarms[0].RoomID != "room-late" {
				t.Fatalf("expected only room-late to stay armed, got %+v", alarms)
			}
		})
	})
}

func TestPurgeRoom(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db, closeDB := mustCreateDatabase(t, dbType)
		defer closeDB()
		ctx := context.Background()
		now := time.Now().UnixMilli()

		if err := db.UpsertDocument(ctx, "room-purge", []byte("doc")); err != nil {
			t.Fatalf("UpsertDocument: %v", err)
		}
		if err := db.UpsertSubscriber(ctx, "room-purge", api.Subscriber{
			ConsumerRoomID: "consumer", ElementIDs: []string{"lamp"},
			CreatedAt: now, LastSeen: now, LeaseMS: 60000,
		}); err != nil {
			t.Fatalf("UpsertSubscriber: %v", err)
		}
		if err := db.UpsertSharedRef(ctx, "room-purge", api.SharedRef{
			SourceRoomID: "source", ElementIDs: []string{"lamp"}, LastSeen: now,
		}); err != nil {
			t.Fatalf("UpsertSharedRef: %v", err)
		}
		if err := db.UpsertPermission(ctx, "room-purge", "lamp", api.PermissionReadOnly); err != nil {
			t.Fatalf("UpsertPermission: %v", err)
		}
		if err := db.SetResetEpoch(ctx, "room-purge", now); err != nil {
			t.Fatalf("SetResetEpoch: %v", err)
		}
		if err := db.SetAlarm(ctx, "room-purge", now+60000); err != nil {
			t.Fatalf("SetAlarm: %v", err)
		}

		docDeleted, redirectsDeleted, err := db.PurgeRoom(ctx, "room-purge")
		if err != nil {
			t.Fatalf("PurgeRoom: %v", err)
		}
		if !docDeleted || redirectsDeleted != 0 {
			t.Fatalf("expected document deleted without redirects, got doc=%v redirects=%d", docDeleted, redirectsDeleted)
		}

		if _, found, err := db.SelectDocument(ctx, "room-purge"); err != nil || found {
			t.Fatalf("expected no document after purge, found=%v err=%v", found, err)
		}
		subs, err := db.SelectSubscribers(ctx, "room-purge")
		if err != nil || len(subs) != 0 {
			t.Fatalf("expected no subscribers after purge, got %+v err=%v", subs, err)
		}
		refs, err := db.SelectSharedRefs(ctx, "room-purge")
		if err != nil || len(refs) != 0 {
			t.Fatalf("expected no shared refs after purge, got %+v err=%v", refs, err)
		}
		perms, err := db.SelectPermissions(ctx, "room-purge")
		if err != nil || len(perms) != 0 {
			t.Fatalf("expected no permissions after purge, got %+v err=%v", perms, err)
		}
		// The epoch was cached when it was set; the purge has to evict it,
		// not just delete the row.
		if _, found, err := db.GetStoredResetEpoch(ctx, "room-purge"); err != nil || found {
			t.Fatalf("expected no stored epoch after purge, found=%v err=%v", found, err)
		}
		alarms, err := db.SelectArmedAlarms(ctx)
		if err != nil || len(alarms) != 0 {
			t.Fatalf("expected no armed alarms after purge, got %+v err=%v", alarms, err)
		}

		docDeleted, redirectsDeleted, err = db.PurgeRoom(ctx, "room-purge")
		if err != nil {
			t.Fatalf("PurgeRoom: %v", err)
		}
		if docDeleted || redirectsDeleted != 0 {
			t.Fatalf("expected second purge to find nothing, got doc=%v redirects=%d", docDeleted, redirectsDeleted)
		}
	})
}

package caching

// SnapshotCache caches serialized room snapshots so that reloading a
// recently active room does not have to hit the database.
type SnapshotCache interface {
	GetRoomSnapshot(roomID string) (blob []byte, ok bool)
	StoreRoomSnapshot(roomID string, blob []byte)
	// EvictRoomSnapshot removes a cached snapshot, forcing the next load
	// to read from the database. Used after raw restores.
	EvictRoomSnapshot(roomID string)
}

func (c Caches) GetRoomSnapshot(roomID string) ([]byte, bool) {
	return c.Snapshots.Get(roomID)
}

func (c Caches) StoreRoomSnapshot(roomID string, blob []byte) {
	c.Snapshots.Set(roomID, blob)
}

func (c Caches) EvictRoomSnapshot(roomID string) {
	c.Snapshots.Unset(roomID)
}

// RoomEpochCache caches the stored reset epoch per room, saving a database
// read on the epoch guard that runs before every save.
type RoomEpochCache interface {
	GetRoomEpoch(roomID string) (epoch int64, ok bool)
	StoreRoomEpoch(roomID string, epoch int64)
	EvictRoomEpoch(roomID string)
}

func (c Caches) GetRoomEpoch(roomID string) (int64, bool) {
	return c.RoomEpochs.Get(roomID)
}

func (c Caches) StoreRoomEpoch(roomID string, epoch int64) {
	c.RoomEpochs.Set(roomID, epoch)
}

func (c Caches) EvictRoomEpoch(roomID string) {
	c.RoomEpochs.Unset(roomID)
}

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"fmt"

	_ "github.com/lib/pq"

	"github.com/spencerc99/playhtml-sub002/internal/caching"
	"github.com/spencerc99/playhtml-sub002/internal/sqlutil"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage/shared"
	"github.com/spencerc99/playhtml-sub002/setup/config"
)

// A Database is used to store room documents and bridge state in a
// postgres database.
type Database struct {
	shared.Database
}

// Open a postgres database.
func Open(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions, cache *caching.Caches) (*Database, error) {
	var d Database
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, fmt.Errorf("sqlutil.Open: %w", err)
	}

	documents, err := NewPostgresDocumentsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresDocumentsTable: %w", err)
	}
	redirects, err := NewPostgresRedirectsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresRedirectsTable: %w", err)
	}
	subscribers, err := NewPostgresSubscribersTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresSubscribersTable: %w", err)
	}
	sharedRefs, err := NewPostgresSharedRefsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresSharedRefsTable: %w", err)
	}
	permissions, err := NewPostgresPermissionsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresPermissionsTable: %w", err)
	}
	meta, err := NewPostgresRoomMetaTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresRoomMetaTable: %w", err)
	}

	d.Database = shared.Database{
		DB:               db,
		Cache:            cache,
		Writer:           writer,
		DocumentsTable:   documents,
		RedirectsTable:   redirects,
		SubscribersTable: subscribers,
		SharedRefsTable:  sharedRefs,
		PermissionsTable: permissions,
		MetaTable:        meta,
	}
	return &d, nil
}

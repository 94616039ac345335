// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spencerc99/playhtml-sub002/internal/caching"
	"github.com/spencerc99/playhtml-sub002/internal/sqlutil"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage/shared"
	"github.com/spencerc99/playhtml-sub002/setup/config"
)

// A Database is a sqlite3 backed room store.
type Database struct {
	shared.Database
}

// Open a sqlite3 database and prepare the statements for all tables.
func Open(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions, cache *caching.Caches) (*Database, error) {
	var d Database
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, fmt.Errorf("sqlutil.Connection: %w", err)
	}

	documents, err := NewSqliteDocumentsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSqliteDocumentsTable: %w", err)
	}
	redirects, err := NewSqliteRedirectsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSqliteRedirectsTable: %w", err)
	}
	subscribers, err := NewSqliteSubscribersTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSqliteSubscribersTable: %w", err)
	}
	sharedRefs, err := NewSqliteSharedRefsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSqliteSharedRefsTable: %w", err)
	}
	permissions, err := NewSqlitePermissionsTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSqlitePermissionsTable: %w", err)
	}
	meta, err := NewSqliteRoomMetaTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSqliteRoomMetaTable: %w", err)
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

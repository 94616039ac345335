// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/spencerc99/playhtml-sub002/internal/caching"
	"github.com/spencerc99/playhtml-sub002/internal/sqlutil"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage/postgres"
	"github.com/spencerc99/playhtml-sub002/roomserver/storage/sqlite3"
	"github.com/spencerc99/playhtml-sub002/setup/config"
)

// Open opens a database connection.
func Open(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions, cache *caching.Caches) (Database, error) {
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.Open(conMan, dbProperties, cache)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.Open(conMan, dbProperties, cache)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}

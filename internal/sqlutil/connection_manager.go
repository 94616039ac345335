// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

// Connections hands out database connections to components. Components that
// share a connection string share the underlying connection and, importantly,
// its writer, so that SQLite writes from different components still serialize
// on one goroutine.
type Connections struct {
	mutex          sync.Mutex
	connections    map[config.DataSource]connection
	globalConfig   config.DatabaseOptions
	processContext *process.ProcessContext
}

type connection struct {
	db     *sql.DB
	writer Writer
}

// NewConnectionManager creates a new connection manager. The global database
// options are used for any component that doesn't specify its own.
func NewConnectionManager(processCtx *process.ProcessContext, globalConfig config.DatabaseOptions) *Connections {
	return &Connections{
		connections:    map[config.DataSource]connection{},
		globalConfig:   globalConfig,
		processContext: processCtx,
	}
}

// Connection returns an open database connection for the given options,
// opening one if none exists yet. An empty connection string falls back to
// the global database options.
func (c *Connections) Connection(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if dbProperties.ConnectionString == "" {
		if c.globalConfig.ConnectionString == "" {
			return nil, nil, fmt.Errorf("no database connections configured")
		}
		dbProperties = &c.globalConfig
	}
	if conn, ok := c.connections[dbProperties.ConnectionString]; ok {
		return conn.db, conn.writer, nil
	}
	writer := NewDummyWriter()
	if dbProperties.ConnectionString.IsSQLite() {
		writer = NewExclusiveWriter()
	}
	db, err := Open(dbProperties, writer)
	if err != nil {
		return nil, nil, err
	}
	c.connections[dbProperties.ConnectionString] = connection{db: db, writer: writer}
	return db, writer, nil
}

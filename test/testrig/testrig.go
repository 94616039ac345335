// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package testrig

import (
	"fmt"
	"testing"

	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/process"
	"github.com/spencerc99/playhtml-sub002/test"
)

// CreateConfig sets up a config pointed at a fresh test database and an
// in-memory JetStream, plus a process context for the components under test.
// The returned closer drains started components before tearing the database
// down.
func CreateConfig(t *testing.T, dbType test.DBType) (*config.PlaySync, *process.ProcessContext, func()) {
	var cfg config.PlaySync
	cfg.Defaults(config.DefaultOpts{
		Generate:       true,
		SingleDatabase: false,
	})
	cfg.Global.JetStream.InMemory = true
	cfg.Global.JetStream.NoLog = true
	cfg.Global.JetStream.StoragePath = config.Path(t.TempDir())
	// Distinct prefixes keep the sqlite and postgres subtests apart on the
	// shared embedded server.
	cfg.Global.JetStream.TopicPrefix = fmt.Sprintf("Test_%d_", dbType)

	connStr, closeDB := test.PrepareDBConnectionString(t, dbType)
	cfg.Global.DatabaseOptions = config.DatabaseOptions{
		ConnectionString:       config.DataSource(connStr),
		MaxOpenConnections:     10,
		MaxIdleConnections:     2,
		ConnMaxLifetimeSeconds: 60,
	}

	processCtx := process.NewProcessContext()
	return &cfg, processCtx, func() {
		processCtx.ShutdownPlaysync()
		processCtx.WaitForComponentsToFinish()
		closeDB()
	}
}

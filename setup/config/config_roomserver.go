// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import "time"

type RoomServer struct {
	Global *Global `yaml:"-"`

	// The RoomServer database stores CRDT snapshots, room redirects,
	// subscribers, shared references, shared permissions and per-room
	// metadata. Falls back to the global database when unset.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// How often the autosave tick fires for a dirty document. The tick is
	// skipped entirely while the reset latch is held or when the document's
	// epoch trails the stored one.
	AutosaveIntervalMS int64 `yaml:"autosave_interval_ms"`

	// How long after an admin reset the save latch stays engaged, giving
	// in-flight observer work time to drain against the old generation.
	ResetSettleDelayMS int64 `yaml:"reset_settle_delay_ms"`

	// How often the per-room alarm fires to prune expired subscribers and
	// shared references.
	PruneIntervalMS int64 `yaml:"prune_interval_ms"`

	// Lease applied to subscribers and shared references that do not carry
	// their own. Entries unseen for longer than this are pruned.
	DefaultLeaseMS int64 `yaml:"default_lease_ms"`
}

const (
	defaultAutosaveInterval = 3 * time.Second
	defaultResetSettleDelay = 2 * time.Second
	defaultPruneInterval    = 4 * time.Hour
	defaultLease            = 12 * time.Hour
)

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.AutosaveIntervalMS = defaultAutosaveInterval.Milliseconds()
	c.ResetSettleDelayMS = defaultResetSettleDelay.Milliseconds()
	c.PruneIntervalMS = defaultPruneInterval.Milliseconds()
	c.DefaultLeaseMS = defaultLease.Milliseconds()
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:roomserver.db"
	}
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "room_server.autosave_interval_ms", c.AutosaveIntervalMS)
	checkPositive(configErrs, "room_server.reset_settle_delay_ms", c.ResetSettleDelayMS)
	checkPositive(configErrs, "room_server.prune_interval_ms", c.PruneIntervalMS)
	checkPositive(configErrs, "room_server.default_lease_ms", c.DefaultLeaseMS)
	if c.Global.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "room_server.database.connection_string", string(c.Database.ConnectionString))
	}
}

func (c *RoomServer) AutosaveInterval() time.Duration {
	return time.Duration(c.AutosaveIntervalMS) * time.Millisecond
}

func (c *RoomServer) ResetSettleDelay() time.Duration {
	return time.Duration(c.ResetSettleDelayMS) * time.Millisecond
}

func (c *RoomServer) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalMS) * time.Millisecond
}

func (c *RoomServer) DefaultLease() time.Duration {
	return time.Duration(c.DefaultLeaseMS) * time.Millisecond
}

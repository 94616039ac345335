// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import "github.com/Masterminds/semver/v3"

type SyncAPI struct {
	Global *Global `yaml:"-"`

	// Origins allowed to open websocket connections. Empty allows any origin,
	// which matches the embeddable nature of playhtml widgets.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Clients older than this semver constraint get a compatibility warning
	// frame after the handshake. Empty disables the check.
	MinClientVersion string `yaml:"min_client_version"`

	// Outbound websocket send queue per connection. Slow consumers that fill
	// the queue are dropped rather than allowed to stall the room.
	SendQueueSize int `yaml:"send_queue_size"`

	Fulltext Fulltext `yaml:"search"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.SendQueueSize = 256
	c.Fulltext.Defaults(opts)
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	if c.MinClientVersion != "" {
		if _, err := semver.NewConstraint(c.MinClientVersion); err != nil {
			configErrs.Add("invalid value for config key \"sync_api.min_client_version\": " + err.Error())
		}
	}
	checkPositive(configErrs, "sync_api.send_queue_size", int64(c.SendQueueSize))
	c.Fulltext.Verify(configErrs)
}

type Fulltext struct {
	Enabled bool `yaml:"enabled"`
	// The path where the fulltext index of shared element values is stored.
	IndexPath Path `yaml:"index_path"`
	// Keep the index in memory only. Useful for tests; the index is rebuilt
	// from snapshots as rooms load.
	InMemory bool `yaml:"in_memory"`
	// The language most likely to be written in the indexed values, used to
	// pick the bleve analyzer.
	Language string `yaml:"language"`
}

func (c *Fulltext) Defaults(opts DefaultOpts) {
	c.Enabled = false
	c.IndexPath = "./searchindex"
	c.Language = "en"
}

func (c *Fulltext) Verify(configErrs *ConfigErrors) {
	if !c.Enabled {
		return
	}
	if !c.InMemory {
		checkNotEmpty(configErrs, "sync_api.search.index_path", string(c.IndexPath))
	}
	checkNotEmpty(configErrs, "sync_api.search.language", c.Language)
}

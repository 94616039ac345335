// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import "time"

type Global struct {
	// InstanceName identifies this coordinator in logs, metrics and the
	// embedded NATS server name.
	InstanceName string `yaml:"instance_name"`

	// The address to bind the HTTP listener (sync websocket, bridge RPC,
	// admin) to.
	ListenAddress string `yaml:"listen_address"`

	// The database used for CRDT snapshots, redirects and per-room state.
	// Individual components may override this with their own database options.
	DatabaseOptions DatabaseOptions `yaml:"database"`

	// Embedded NATS JetStream, carrying the per-room update stream consumed
	// by the bridge observers.
	JetStream JetStream `yaml:"jetstream"`

	Metrics Metrics `yaml:"metrics"`

	Sentry Sentry `yaml:"sentry"`

	Cache CacheOptions `yaml:"cache"`

	// Rate limiting for the bridge RPC and admin endpoints.
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	c.InstanceName = "playsync"
	c.ListenAddress = ":8787"
	c.JetStream.Defaults(opts)
	c.DatabaseOptions.Defaults(20)
	c.Cache.Defaults()
	c.RateLimiting.Defaults()
	if opts.Generate {
		if opts.SingleDatabase {
			c.DatabaseOptions.ConnectionString = "file:playsync.db"
		}
	}
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.instance_name", c.InstanceName)
	checkNotEmpty(configErrs, "global.listen_address", c.ListenAddress)
	c.JetStream.Verify(configErrs)
	c.Metrics.Verify(configErrs)
	c.Sentry.Verify(configErrs)
	c.RateLimiting.Verify(configErrs)
}

// The configuration to use for Prometheus metrics.
type Metrics struct {
	// Whether or not metrics are enabled.
	Enabled bool `yaml:"enabled"`

	// Use BasicAuth for Authorization on the metrics endpoint.
	BasicAuth struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"basic_auth"`
}

func (c *Metrics) Verify(configErrs *ConfigErrors) {}

// The configuration to use for Sentry error reporting.
type Sentry struct {
	Enabled bool `yaml:"enabled"`
	// The DSN to connect to e.g "https://examplePublicKey@o0.ingest.sentry.io/0"
	// See https://docs.sentry.io/platforms/go/configuration/options/
	DSN string `yaml:"dsn"`
	// The environment e.g "production"
	// See https://docs.sentry.io/platforms/go/configuration/environments/
	Environment string `yaml:"environment"`
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.DSN)
	}
}

type DatabaseOptions struct {
	// The connection string, file:filename.db or postgres://server....
	ConnectionString DataSource `yaml:"connection_string"`
	// Maximum open connections to the DB (0 = use default, negative means unlimited)
	MaxOpenConnections int `yaml:"max_open_conns"`
	// Maximum idle connections to the DB (0 = use default, negative means unlimited)
	MaxIdleConnections int `yaml:"max_idle_conns"`
	// maximum amount of time (in seconds) a connection may be reused (<= 0 means unlimited)
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime"`
}

func (c *DatabaseOptions) Defaults(conns int) {
	c.MaxOpenConnections = conns
	c.MaxIdleConnections = 2
	c.ConnMaxLifetimeSeconds = -1
}

// MaxIdleConns returns maximum idle connections to the DB
func (c DatabaseOptions) MaxIdleConns() int {
	return c.MaxIdleConnections
}

// MaxOpenConns returns maximum open connections to the DB
func (c DatabaseOptions) MaxOpenConns() int {
	return c.MaxOpenConnections
}

// ConnMaxLifetime returns maximum amount of time a connection may be reused
func (c DatabaseOptions) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// CacheOptions configures the in-memory snapshot cache sat in front of the
// persistence store.
type CacheOptions struct {
	EstimatedMaxSize DataUnit `yaml:"max_size_estimated"`
	MaxAgeMS         int64    `yaml:"max_age_ms"`
}

func (c *CacheOptions) Defaults() {
	c.EstimatedMaxSize = 64 * 1024 * 1024 // 64mb
	c.MaxAgeMS = int64(time.Hour / time.Millisecond)
}

func (c CacheOptions) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMS) * time.Millisecond
}

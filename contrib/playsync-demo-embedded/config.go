package embedded

import (
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/spencerc99/playhtml-sub002/setup/config"
)

// ServerConfig contains configuration for the embedded coordinator
type ServerConfig struct {
	// Basic identity, shown in logs and metrics
	InstanceName string

	// Storage paths
	DatabasePath  string
	JetStreamPath string

	// Base URL of the peer coordinator that cross-room updates are delivered
	// to. Empty disables outbound bridge deliveries, which is the right
	// setting when every room lives on this process.
	PeerBaseURL string

	// Token expected by the room admin endpoints. Empty leaves them open.
	AdminToken string

	// Origins allowed to open sync websockets. Empty admits every origin.
	AllowedOrigins []string

	// HTTP client used for bridge deliveries. When nil a client honouring
	// the bridge allow/deny network lists is built.
	HTTPClient *http.Client

	// Feature flags
	EnableMetrics   bool
	MetricsUsername string
	MetricsPassword string

	// Throttle the bridge RPC and admin endpoints per caller IP, using the
	// default threshold and cooloff. Off by default.
	EnableRateLimiting bool

	// Cache configuration
	CacheMaxSize int64
	CacheMaxAge  time.Duration

	// Custom config options
	RawPlaySyncConfig *config.PlaySync
}

// DefaultConfig returns a configuration with sensible defaults for an embedded coordinator
func DefaultConfig() ServerConfig {
	return ServerConfig{
		InstanceName:  "playsync-embedded",
		DatabasePath:  "./playsync.db",
		JetStreamPath: "./jetstream",
		EnableMetrics: false,
		CacheMaxSize:  64 * 1024 * 1024, // 64 MB
		CacheMaxAge:   time.Hour,
	}
}

// toPlaySyncConfig converts the ServerConfig to a PlaySync config
func (c *ServerConfig) toPlaySyncConfig() (*config.PlaySync, error) {
	// If a raw config was provided, use that as the base
	if c.RawPlaySyncConfig != nil {
		return c.RawPlaySyncConfig, nil
	}

	if c.DatabasePath == "" {
		return nil, errors.New("embedded: DatabasePath must be set")
	}
	if c.JetStreamPath == "" {
		return nil, errors.New("embedded: JetStreamPath must be set")
	}

	// Create a new base config
	cfg := &config.PlaySync{}
	cfg.Defaults(config.DefaultOpts{Generate: true, SingleDatabase: true})

	// Set basic identity configuration
	if c.InstanceName != "" {
		cfg.Global.InstanceName = c.InstanceName
	}

	// Set storage paths
	cfg.Global.DatabaseOptions.ConnectionString = config.DataSource("file:" + c.DatabasePath)
	cfg.Global.JetStream.StoragePath = config.Path(c.JetStreamPath)

	// Configure caching
	cfg.Global.Cache.EstimatedMaxSize = config.DataUnit(c.CacheMaxSize)
	cfg.Global.Cache.MaxAgeMS = c.CacheMaxAge.Milliseconds()

	// Configure the bridge and the sync websocket surface
	cfg.Bridge.PeerBaseURL = c.PeerBaseURL
	cfg.SyncAPI.AllowedOrigins = c.AllowedOrigins

	// Configure the room admin endpoints
	cfg.AdminAPI.Token = c.AdminToken

	// Configure rate limiting
	cfg.Global.RateLimiting.Enabled = c.EnableRateLimiting

	// Set up metrics
	if c.EnableMetrics {
		cfg.Global.Metrics.Enabled = true
		if c.MetricsUsername != "" && c.MetricsPassword != "" {
			cfg.Global.Metrics.BasicAuth = struct {
				Username string `yaml:"username"`
				Password string `yaml:"password"`
			}{
				Username: c.MetricsUsername,
				Password: c.MetricsPassword,
			}
		}
	}

	return cfg, nil
}

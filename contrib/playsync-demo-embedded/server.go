package embedded

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/spencerc99/playhtml-sub002/bridgeapi"
	"github.com/spencerc99/playhtml-sub002/internal"
	"github.com/spencerc99/playhtml-sub002/internal/caching"
	"github.com/spencerc99/playhtml-sub002/internal/fulltext"
	"github.com/spencerc99/playhtml-sub002/internal/httputil"
	"github.com/spencerc99/playhtml-sub002/internal/sqlutil"
	"github.com/spencerc99/playhtml-sub002/roomserver"
	"github.com/spencerc99/playhtml-sub002/setup"
	"github.com/spencerc99/playhtml-sub002/setup/base"
	"github.com/spencerc99/playhtml-sub002/setup/config"
	"github.com/spencerc99/playhtml-sub002/setup/jetstream"
	"github.com/spencerc99/playhtml-sub002/setup/process"
)

// Server represents an embedded sync coordinator
type Server struct {
	processCtx   *process.ProcessContext
	cfg          *config.PlaySync
	httpClient   *http.Client
	httpServer   *http.Server
	natsInstance *jetstream.NATSInstance
	monolith     *setup.Monolith
	tracerCloser io.Closer
	serverMutex  sync.Mutex
	running      bool
}

// NewServer creates a new embedded sync coordinator
func NewServer(config ServerConfig) (*Server, error) {
	// Convert to the full coordinator config
	playsyncConfig, err := config.toPlaySyncConfig()
	if err != nil {
		return nil, err
	}

	// Create process context
	processCtx := process.NewProcessContext()

	// Set up basic logging configuration
	internal.SetupStdLogging()
	internal.SetupHookLogging(playsyncConfig.Logging)
	internal.SetupPprof()

	// Display version info
	logrus.Infof("PlaySync version %s", internal.VersionString())
	if playsyncConfig.AdminAPI.AuthDisabled() {
		logrus.Warn("Room admin endpoints accept unauthenticated requests")
	}

	// Create embedded server
	server := &Server{
		processCtx:   processCtx,
		cfg:          playsyncConfig,
		httpClient:   config.HTTPClient,
		running:      false,
		natsInstance: &jetstream.NATSInstance{},
	}

	return server, nil
}

// Start initialises and starts the embedded coordinator on the provided listener
func (s *Server) Start(ctx context.Context, listener net.Listener) error {
	s.serverMutex.Lock()
	defer s.serverMutex.Unlock()

	if s.running {
		return nil
	}

	// Set up tracing. The closer is held until Stop so spans keep flowing
	// for the lifetime of the server rather than the lifetime of this call.
	closer, err := s.cfg.SetupTracing()
	if err != nil {
		return errors.Wrap(err, "failed to start opentracing")
	}
	s.tracerCloser = closer

	// Create the HTTP client used for bridge deliveries
	httpClient := s.httpClient
	if httpClient == nil {
		httpClient = base.CreateClient(s.cfg)
	}

	// Set up connection manager and component APIs
	cm := sqlutil.NewConnectionManager(s.processCtx, s.cfg.Global.DatabaseOptions)
	routers := httputil.NewRouters()
	caches := caching.NewRistrettoCache(s.cfg.Global.Cache.EstimatedMaxSize, s.cfg.Global.Cache.MaxAge(), caching.EnableMetrics)

	// Create the room coordinator API
	rsAPI := roomserver.NewInternalAPI(s.processCtx, s.cfg, cm, s.natsInstance, caches, caching.EnableMetrics)

	// Create the bridge fanout and link the APIs together
	bridgeSender := bridgeapi.NewBridgeSender(s.cfg, rsAPI, httpClient, caching.EnableMetrics)
	rsAPI.SetBridgeSender(bridgeSender)

	// Open the full text index when search is enabled
	var fts *fulltext.Search
	if s.cfg.SyncAPI.Fulltext.Enabled {
		if fts, err = fulltext.New(s.processCtx, s.cfg.SyncAPI.Fulltext); err != nil {
			return errors.Wrap(err, "failed to open full text database")
		}
	}

	// Initialise monolith
	s.monolith = &setup.Monolith{
		Config: s.cfg,
		Client: httpClient,

		RoomserverAPI: rsAPI,
		BridgeSender:  bridgeSender,
		Fulltext:      fts,
	}
	s.monolith.AddAllPublicRoutes(s.processCtx, s.cfg, routers, s.natsInstance, caching.EnableMetrics)

	// Configure liveness and readiness endpoints
	base.ConfigureMonitorEndpoints(s.processCtx, routers)

	// Set up external router and server handlers
	externalRouter := mux.NewRouter().SkipClean(true).UseEncodedPath()

	// Expose the room APIs directly rather than putting them under an /api path
	externalRouter.PathPrefix(httputil.MonitorPathPrefix).Handler(routers.Monitor)
	externalRouter.PathPrefix(httputil.PublicRoomPathPrefix).Handler(routers.Room)

	// Set up not found and method not allowed handlers
	externalRouter.NotFoundHandler = httputil.NotFoundCORSHandler
	externalRouter.MethodNotAllowedHandler = httputil.NotAllowedHandler

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         listener.Addr().String(),
		WriteTimeout: base.HTTPServerTimeout,
		Handler:      externalRouter,
		BaseContext: func(_ net.Listener) context.Context {
			return s.processCtx.Context()
		},
	}

	// Start HTTP server
	go func() {
		logrus.Infof("Starting embedded sync coordinator on %s", listener.Addr().String())
		s.processCtx.ComponentStarted()

		if err := s.httpServer.Serve(listener); err != nil {
			if err != http.ErrServerClosed {
				logrus.WithError(err).Error("Failed to serve HTTP")
			}
		}

		logrus.Info("HTTP server stopped")
		s.processCtx.ComponentFinished()
	}()

	s.running = true
	return nil
}

// Stop gracefully stops the embedded coordinator. Rooms are saved and detached
// before the HTTP server shuts down.
func (s *Server) Stop(ctx context.Context) error {
	s.serverMutex.Lock()
	defer s.serverMutex.Unlock()

	if !s.running {
		return nil
	}

	// Signal shutdown to process context
	s.processCtx.ShutdownPlaysync()

	// Wait for shutdown to complete
	<-s.processCtx.WaitForShutdown()

	if s.tracerCloser != nil {
		s.tracerCloser.Close() // nolint: errcheck
	}

	s.running = false
	return s.httpServer.Shutdown(ctx)
}

// GetProcessContext returns the internal process context
func (s *Server) GetProcessContext() *process.ProcessContext {
	return s.processCtx
}

// GetConfig returns the PlaySync configuration
func (s *Server) GetConfig() *config.PlaySync {
	return s.cfg
}

// GetMonolith returns the internal monolith instance
func (s *Server) GetMonolith() *setup.Monolith {
	return s.monolith
}

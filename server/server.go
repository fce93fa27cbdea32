// Package server wires the crewdock subsystems into a single HTTP
// server: the control API, the WebSocket event channel, the process
// supervisor, and the usage collector.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/crewdock/crewdock/internal/logging"
	"github.com/crewdock/crewdock/internal/metrics"
	"github.com/crewdock/crewdock/internal/server/api"
	"github.com/crewdock/crewdock/internal/server/config"
	"github.com/crewdock/crewdock/internal/server/db"
	"github.com/crewdock/crewdock/internal/server/procmgr"
	"github.com/crewdock/crewdock/internal/server/store"
	"github.com/crewdock/crewdock/internal/server/usage"
	"github.com/crewdock/crewdock/internal/server/ws"
)

// Server is a crewdock server instance.
type Server struct {
	cfg        *config.Config
	sqlDB      *sql.DB
	queries    *store.Queries
	clients    *ws.ClientManager
	procMgr    *procmgr.Manager
	collector  *usage.Collector
	server     *http.Server
	shutdownCh chan struct{}
}

// New creates a server: it opens the database, runs migrations,
// reconciles orphaned agent rows from a previous lifetime, and wires
// all subsystems. Call Serve to start listening.
func New(cfg *config.Config) (*Server, error) {
	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	queries := store.New(sqlDB)

	shutdownCh := make(chan struct{})
	clients := ws.NewClientManager()
	events := ws.NewEventBroadcaster(clients)
	msgHandler := ws.NewMessageHandler(clients)

	procMgr := procmgr.New(queries, events, procmgr.Config{
		Binary:    cfg.Agent.Binary,
		Model:     cfg.Agent.Model,
		StopGrace: cfg.Agent.StopGrace,
	})

	// No process survives a server restart; rows claiming one are stale.
	if _, err := procMgr.RecoverOrphans(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("recover orphans: %w", err)
	}

	collector := usage.New(queries, events, usage.Config{
		Interval:    cfg.Usage.Interval,
		DailyLimit:  cfg.Usage.DailyLimit,
		WeeklyLimit: cfg.Usage.WeeklyLimit,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", api.New(queries, procMgr).Routes())
	mux.Handle("/ws", ws.Handler(clients, msgHandler, shutdownCh))
	mux.Handle("/metrics", promhttp.Handler())

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	return &Server{
		cfg:     cfg,
		sqlDB:   sqlDB,
		queries: queries,
		clients: clients,
		procMgr: procMgr,
		server: &http.Server{
			Handler:           h2cHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		collector:  collector,
		shutdownCh: shutdownCh,
	}, nil
}

// Queries returns the server's store for direct database access.
func (s *Server) Queries() *store.Queries {
	return s.queries
}

// Serve starts listening on the configured address. It blocks until ctx
// is cancelled, then performs graceful shutdown: stop accepting new
// connections, stop all agent processes, drain in-flight requests,
// checkpoint the WAL, and close the database.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	go s.collector.Run(bgCtx)
	go s.sweepStaleClients(bgCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("server shutting down...")

		// 1. Reject new WebSocket connections.
		close(s.shutdownCh)
		bgCancel()

		// 2. Stop all agent processes and wait for their exits.
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s.procMgr.StopAll(stopCtx)
		cancel()

		// 3. Drain in-flight HTTP requests.
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = s.server.Shutdown(drainCtx)
		cancel()

		close(shutdownDone)
	}()

	slog.Info("server listening", "addr", s.cfg.Addr)
	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}

// sweepStaleClients periodically closes WebSocket sessions that have
// stopped pinging.
func (s *Server) sweepStaleClients(ctx context.Context) {
	interval := s.cfg.WS.PingMaxIdle / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.SweepStale(s.clients, s.cfg.WS.PingMaxIdle)
		}
	}
}

// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi implements HttpApi: the HTTP surface (mostly reads,
// plus subscription and admin expiry writes) over
// StatsEngine, Store, SubscriptionSvc, Scheduler, and CommandBot listed
// in the external interfaces table, plus the /metrics and /health
// operational endpoints and a couple of test-only mock endpoints that
// insert data through the same path production ingestion uses.
package httpapi

import (
	"context"
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/meshstats/meshstats/internal/codec"
	"github.com/meshstats/meshstats/internal/commandbot"
	"github.com/meshstats/meshstats/internal/scheduler"
	"github.com/meshstats/meshstats/internal/stats"
	"github.com/meshstats/meshstats/internal/store"
	"github.com/meshstats/meshstats/internal/subscriptions"
	"github.com/meshstats/meshstats/lib/clock"
)

//go:embed static
var staticFS embed.FS

// Store is the subset of *store.Store handlers need directly, beyond
// what Stats and Subscriptions already wrap.
type Store interface {
	LatestPackets(ctx context.Context, n int) ([]store.Packet, error)
	UserPackets(ctx context.Context, nodeID uint32, n int) ([]store.Packet, error)
	UserGatewayCounts(ctx context.Context, nodeID uint32, limit int) ([]int64, error)
	RecentCommandLogs(ctx context.Context, n int) ([]store.CommandLogEntry, error)
	UserCommandLogs(ctx context.Context, nodeID uint32, n int) ([]store.CommandLogEntry, error)
	Info(ctx context.Context) (store.DatabaseInfo, error)
	Expire(ctx context.Context, cutoff time.Time) error
	Ping(ctx context.Context) error
	UpsertNode(ctx context.Context, nodeID uint32, name string) error
}

// Stats is the subset of *stats.Engine handlers need.
type Stats interface {
	DayStat(ctx context.Context, date time.Time) (stats.DayStat, error)
	HourlyStat(ctx context.Context, date time.Time) ([]stats.HourlyStat, error)
	RollingStats(ctx context.Context) (stats.RollingStats, error)
	Comparisons(ctx context.Context) (stats.Comparisons, error)
	NetworkStats(ctx context.Context) (stats.NetworkStats, error)
	GatewayPercentiles(ctx context.Context, sampleCap int) (stats.GatewayPercentiles, error)
	TopSenders(ctx context.Context, start, end time.Time, limit int) ([]store.TopSender, error)
}

// Subscriptions is the subset of *subscriptions.Service handlers need.
type Subscriptions interface {
	Subscribe(ctx context.Context, nodeID uint32, variant string) error
	Unsubscribe(ctx context.Context, nodeID uint32) error
	ActiveSubscribers(ctx context.Context, variantFilter string) ([]store.Subscription, error)
}

// Grouper is the subset of *grouper.PacketGrouper the /mock/message test
// affordance needs: it feeds a synthetic observation through the exact
// same channel the MQTT ingest path uses.
type Grouper interface {
	Ingest(ctx context.Context, obs codec.Observation, gatewayID string, arrival time.Time) error
}

// Scheduler is the subset of *scheduler.Scheduler handlers need.
type Scheduler interface {
	Status() []scheduler.Job
}

// CommandBot is the subset of *commandbot.Bot handlers need. A nil
// CommandBot in Config means the bot is disabled; handlers report that
// via the health endpoint instead of failing.
type CommandBot interface {
	Status() commandbot.Status
}

// Metrics exposes the Prometheus handler for GET /metrics and the
// counters logRequests records against every served request.
type Metrics interface {
	Handler() http.Handler
	ObserveHTTPRequest(route string, status int, duration time.Duration)
}

// Config configures a Server.
type Config struct {
	Store         Store
	Stats         Stats
	Subscriptions Subscriptions
	Grouper       Grouper
	Scheduler     Scheduler
	CommandBot    CommandBot // nil if CommandBot is disabled
	Metrics       Metrics

	// MQTTStatus reports a short human-readable ingest connection state
	// for GET /health. Required.
	MQTTStatus func() string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server is the HttpApi component: an *http.Server whose handler is the
// full middleware chain (logging, gzip, panic recovery) over the mux.
type Server struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	server *http.Server
}

// New builds a Server bound to addr (host:port). It does not listen;
// call Run to serve until ctx is cancelled.
func New(addr string, cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{cfg: cfg, clock: cfg.Clock, logger: cfg.Logger}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := s.recoverPanic(gzhttp.GzipHandler(s.logRequests(mux)))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stats/last", s.handleStatsLast)
	mux.HandleFunc("GET /stats/last/{n}", s.handleStatsLast)
	mux.HandleFunc("GET /stats/today", s.handleStatsToday)
	mux.HandleFunc("GET /stats/today/detailed", s.handleStatsTodayDetailed)
	mux.HandleFunc("GET /stats/comparisons", s.handleStatsComparisons)
	mux.HandleFunc("GET /stats/rolling", s.handleStatsRolling)
	mux.HandleFunc("GET /stats/user/{node_id}/last", s.handleStatsUserLast)
	mux.HandleFunc("GET /stats/user/{node_id}/last/{n}", s.handleStatsUserLast)
	mux.HandleFunc("GET /stats/{date}", s.handleStatsDate)

	mux.HandleFunc("GET /users/{node_id}/messages", s.handleUserMessages)
	mux.HandleFunc("GET /users/{node_id}/gateways", s.handleUserGateways)
	mux.HandleFunc("GET /users/{node_id}/gateway_percentiles", s.handleUserGatewayPercentiles)

	mux.HandleFunc("GET /messages/recent", s.handleMessagesRecent)
	mux.HandleFunc("GET /messages/detailed", s.handleMessagesDetailed)

	mux.HandleFunc("GET /subscriptions", s.handleSubscriptionsList)
	mux.HandleFunc("POST /subscribe/{node_id}/{variant}", s.handleSubscribe)
	mux.HandleFunc("DELETE /subscribe/{node_id}", s.handleUnsubscribe)

	mux.HandleFunc("GET /network/stats", s.handleNetworkStats)
	mux.HandleFunc("GET /network/top_senders", s.handleNetworkTopSenders)

	mux.HandleFunc("GET /bot/stats", s.handleBotStats)
	mux.HandleFunc("GET /bot/commands/recent", s.handleBotCommandsRecent)
	mux.HandleFunc("GET /bot/commands/user/{id}", s.handleBotCommandsUser)

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /admin/database/info", s.handleAdminDatabaseInfo)
	mux.HandleFunc("DELETE /admin/database/expire", s.handleAdminDatabaseExpire)

	mux.HandleFunc("POST /mock/message", s.handleMockMessage)
	mux.HandleFunc("POST /mock/user", s.handleMockUser)

	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}

	staticContent, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic("httpapi: embedded static assets missing: " + err.Error())
	}
	mux.Handle("GET /", http.FileServer(http.FS(staticContent)))
}

// Run listens and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errc
	}
}

// Handler exposes the fully-wrapped handler for tests via httptest.
func (s *Server) Handler() http.Handler { return s.server.Handler }

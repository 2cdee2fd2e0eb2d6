// Package relay is the orchestrator that ties all relay components together.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/arc/relay/internal/api"
	"github.com/agentrelay/arc/relay/internal/auth"
	"github.com/agentrelay/arc/relay/internal/config"
	"github.com/agentrelay/arc/relay/internal/metrics"
	"github.com/agentrelay/arc/relay/internal/registry"
	"github.com/agentrelay/arc/relay/internal/router"
	"github.com/agentrelay/arc/relay/internal/session"
	"github.com/agentrelay/arc/relay/internal/store"
	"github.com/agentrelay/arc/relay/internal/subscription"
)

const (
	shutdownTimeout = 30 * time.Second
	purgeInterval   = time.Hour
)

// Snapshot is a point-in-time view of relay state.
type Snapshot struct {
	Sessions      int
	Identities    int
	Subscriptions int
}

// Relay is the main relay process.
type Relay struct {
	cfg      *config.Config
	store    store.Store
	audit    *store.Auditor
	registry *registry.Registry
	sessions *session.Table
	subs     *subscription.Index
	metrics  *metrics.Metrics
	router   *router.Router
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new relay from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	// Initialize storage.
	db, err := store.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	audit := store.NewAuditor(db, logger)

	reg, err := registry.New(ctx, db, audit, logger, registry.Options{
		IDPrefix:    cfg.Registry.IDPrefix,
		MaxAttempts: cfg.Registry.MaxAttempts,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init registry: %w", err)
	}

	var gatherer prometheus.Gatherer
	var m *metrics.Metrics
	if cfg.Stats.MetricsEnabled() {
		gatherer, m = metrics.NewRegistry()
	} else {
		m = metrics.New(prometheus.NewRegistry())
	}

	sessions := session.NewTable()
	subs := subscription.NewIndex()

	opts := router.Options{
		RelayName:       cfg.Relay.Name,
		Extensions:      cfg.Relay.Extensions,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		SendQueue:       cfg.Relay.SendQueue,
	}
	if !cfg.Relay.DisableKeepalive {
		opts.PingInterval = cfg.Relay.PingInterval.Duration
		opts.PongWait = cfg.Relay.PongWait.Duration
	}
	rt := router.New(auth.NewGate(reg), sessions, subs, audit, m, logger, opts)

	apiSrv := api.NewServer(api.Deps{
		Registry: reg,
		Sessions: sessions,
		Subs:     subs,
		Store:    db,
		Router:   rt,
		Metrics:  m,
		Gatherer: gatherer,
	}, cfg, logger)

	r := &Relay{
		cfg:      cfg,
		store:    db,
		audit:    audit,
		registry: reg,
		sessions: sessions,
		subs:     subs,
		metrics:  m,
		router:   rt,
		api:      apiSrv,
		logger:   logger.With("component", "relay"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			r.logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return r, nil
}

// Handler returns the relay's HTTP handler.
func (r *Relay) Handler() http.Handler {
	return r.api.Handler()
}

// Snapshot returns the current session, identity and subscription counts.
func (r *Relay) Snapshot() Snapshot {
	return Snapshot{
		Sessions:      r.sessions.Count(),
		Identities:    r.registry.Stats().Registered,
		Subscriptions: r.subs.Edges(),
	}
}

// Close ends every live session and closes the store. It is for relays
// whose Handler is served by the caller instead of Serve.
func (r *Relay) Close(ctx context.Context) error {
	err := r.router.Shutdown(ctx)
	if cerr := r.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Run listens on the configured address and serves until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Server.Addr)
	if err != nil {
		_ = r.store.Close()
		return fmt.Errorf("listen: %w", err)
	}
	return r.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then closes every session,
// stops the HTTP server and closes the store. It returns ctx.Err() after
// a clean shutdown.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           r.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if r.cfg.Server.TLSCert != "" && r.cfg.Server.TLSKey != "" {
			r.logger.Info("relay listening", "addr", ln.Addr().String(), "path", r.cfg.Server.Path, "tls", true)
			err = srv.ServeTLS(ln, r.cfg.Server.TLSCert, r.cfg.Server.TLSKey)
		} else {
			r.logger.Warn("TLS not configured, running without encryption (development only)")
			r.logger.Info("relay listening", "addr", ln.Addr().String(), "path", r.cfg.Server.Path)
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		r.runStatsReporter(gctx, r.cfg.Stats.Interval.Duration)
		return nil
	})

	if retention := r.cfg.Storage.AuditRetention.Duration; retention > 0 {
		g.Go(func() error {
			r.runAuditPurger(gctx, purgeInterval, retention)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		r.shutdown(srv)
		return nil
	})

	err := g.Wait()
	r.logger.Info("closing store")
	_ = r.store.Close()
	if err != nil {
		return err
	}
	r.logger.Info("shutdown complete")
	return ctx.Err()
}

func (r *Relay) shutdown(srv *http.Server) {
	r.logger.Info("shutting down relay gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting handshakes before closing sessions, so no new session
	// slips in behind the sweep.
	if err := srv.Shutdown(ctx); err != nil {
		r.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		_ = srv.Close()
	} else {
		r.logger.Info("http server stopped gracefully")
	}

	if err := r.router.Shutdown(ctx); err != nil {
		r.logger.Warn("sessions did not close in time", "error", err)
	}
}

func (r *Relay) runStatsReporter(ctx context.Context, interval time.Duration) {
	r.reportStats()
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reportStats()
		}
	}
}

func (r *Relay) reportStats() Snapshot {
	snap := r.Snapshot()
	r.metrics.SetSnapshot(snap.Sessions, snap.Identities, snap.Subscriptions)
	r.logger.Info("relay stats",
		"sessions", snap.Sessions,
		"identities", snap.Identities,
		"subscriptions", snap.Subscriptions)
	return snap
}

func (r *Relay) runAuditPurger(ctx context.Context, every, retention time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.purgeAudit(ctx, retention)
		}
	}
}

func (r *Relay) purgeAudit(ctx context.Context, retention time.Duration) {
	n, err := r.audit.Purge(ctx, retention)
	if err != nil {
		r.logger.Warn("retention purge: audit events failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}

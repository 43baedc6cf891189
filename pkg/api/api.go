// Package api exposes the presentation engine over HTTP: subject login,
// the launch decision, slide fetching and the gateway endpoints the
// client talks to while a slide is playing.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/presentoor/presentoor/pkg/catalog"
	"github.com/presentoor/presentoor/pkg/config"
	"github.com/presentoor/presentoor/pkg/identity"
	"github.com/presentoor/presentoor/pkg/presenter"
	"github.com/presentoor/presentoor/pkg/store"
	"github.com/presentoor/presentoor/pkg/sweeper"
	"github.com/presentoor/presentoor/pkg/widget"
	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout         = 10 * time.Second
	identityCleanupInterval = 15 * time.Minute
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	catalog    catalog.Catalog
	identity   *identity.Manager
	engine     *presenter.Engine
	sweeper    *sweeper.Sweeper
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start initializes the store, catalog and engine, then starts the HTTP
// server and the reclamation sweeper.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if err := s.store.SeedSubjects(ctx, s.cfg.Identity.Subjects); err != nil {
		return fmt.Errorf("seeding subjects: %w", err)
	}

	cat, err := catalog.NewDirCatalog(s.log, s.cfg.Catalog.Dir)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	s.catalog = cat

	s.identity = identity.NewManager(
		s.log, s.store, s.cfg.Identity.SessionTTLDuration(),
	)

	s.engine = presenter.NewEngine(s.log, s.store, cat, widget.NewRegistry())

	s.sweeper = sweeper.New(s.log, sweeper.Config{
		KeepAliveWindow: s.cfg.Liveness.KeepAliveWindowDuration(),
		GracePeriod:     s.cfg.Liveness.GracePeriodDuration(),
		FlagInterval:    s.cfg.Liveness.FlagIntervalDuration(),
		PurgeInterval:   s.cfg.Liveness.PurgeIntervalDuration(),
	}, s.engine)

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Periodically drop expired identity sessions and launch nonces.
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(identityCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.identity.Sweep(ctx); err != nil {
					s.log.WithError(err).
						Warn("Failed to clean expired identity sessions")
				}

				cutoff := time.Now().UTC().Add(-identityCleanupInterval)
				if err := s.store.DeleteStalePendingLaunches(ctx, cutoff); err != nil {
					s.log.WithError(err).
						Warn("Failed to clean stale pending launches")
				}
			case <-s.done:
				return
			}
		}
	}()

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	// Start the sweeper after the API is listening so clients can ping
	// before the first reclamation pass runs.
	if err := s.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the HTTP server, the sweeper and the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.sweeper != nil {
		s.sweeper.Stop()
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

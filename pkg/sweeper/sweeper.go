// Package sweeper schedules the abandoned-session reclamation passes:
// flagging live sessions whose subject went quiet and purging flagged
// ones whose client stopped pinging.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Reclaimer runs the two reclamation passes. Each pass is idempotent
// over unchanged state.
type Reclaimer interface {
	FlagStale(ctx context.Context, window time.Duration) (int, error)
	PurgeFlagged(ctx context.Context, grace time.Duration) (int, error)
}

// Config sets the reclamation windows and sweep cadence.
type Config struct {
	// KeepAliveWindow is how long a live session may go without subject
	// activity before it is flagged.
	KeepAliveWindow time.Duration
	// GracePeriod is how long a flagged session may go without a ping
	// before it is purged.
	GracePeriod time.Duration
	// FlagInterval is the cadence of the flagging sweep.
	FlagInterval time.Duration
	// PurgeInterval is the cadence of the purging sweep.
	PurgeInterval time.Duration
}

// Sweeper periodically runs the reclamation passes until stopped.
type Sweeper struct {
	log       logrus.FieldLogger
	cfg       Config
	reclaimer Reclaimer

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a sweeper over the given reclaimer.
func New(log logrus.FieldLogger, cfg Config, reclaimer Reclaimer) *Sweeper {
	return &Sweeper{
		log:       log.WithField("component", "sweeper"),
		cfg:       cfg,
		reclaimer: reclaimer,
		done:      make(chan struct{}),
	}
}

// Start launches the flag and purge loops. The two run on independent
// tickers so a slow purge never delays flagging.
func (s *Sweeper) Start(ctx context.Context) error {
	s.wg.Add(2)

	go s.flagLoop(ctx)
	go s.purgeLoop(ctx)

	s.log.WithFields(logrus.Fields{
		"keep_alive_window": s.cfg.KeepAliveWindow,
		"grace_period":      s.cfg.GracePeriod,
		"flag_interval":     s.cfg.FlagInterval,
		"purge_interval":    s.cfg.PurgeInterval,
	}).Info("Session sweeper started")

	return nil
}

// Stop terminates the sweep loops and waits for them to drain.
func (s *Sweeper) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Sweeper) flagLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlagInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := s.reclaimer.FlagStale(ctx, s.cfg.KeepAliveWindow)
			if err != nil {
				s.log.WithError(err).Error("Flag sweep failed")

				continue
			}

			if flagged > 0 {
				s.log.WithField("count", flagged).Debug("Flag sweep done")
			}
		}
	}
}

func (s *Sweeper) purgeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.reclaimer.PurgeFlagged(ctx, s.cfg.GracePeriod)
			if err != nil {
				s.log.WithError(err).Error("Purge sweep failed")

				continue
			}

			if purged > 0 {
				s.log.WithField("count", purged).Debug("Purge sweep done")
			}
		}
	}
}

// RunOnce performs a single flag pass followed by a purge pass. Used by
// the one-shot sweep command.
func (s *Sweeper) RunOnce(ctx context.Context) (flagged, purged int, err error) {
	flagged, err = s.reclaimer.FlagStale(ctx, s.cfg.KeepAliveWindow)
	if err != nil {
		return 0, 0, err
	}

	purged, err = s.reclaimer.PurgeFlagged(ctx, s.cfg.GracePeriod)
	if err != nil {
		return flagged, 0, err
	}

	return flagged, purged, nil
}

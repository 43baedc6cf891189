package presenter

import (
	"context"
	"sync"
	"time"

	"github.com/presentoor/presentoor/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// FlagStale clears the keep-alive flag on every alive live session whose
// subject has been inactive for longer than the window. The next ping
// from a flagged client reads keep_alive=false and hangs itself up.
// Sessions that never saw any activity age from their creation time.
func (e *Engine) FlagStale(ctx context.Context, window time.Duration) (int, error) {
	sessions, err := e.store.ListAliveLiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	flagged := 0

	for i := range sessions {
		ls := &sessions[i]

		if !ls.KeepAlive {
			continue
		}

		ref := ls.DateCreated
		if ls.LastActivity != nil {
			ref = *ls.LastActivity
		}

		if now.Sub(ref) <= window {
			continue
		}

		ok, err := e.flagOne(ctx, ls.Token)
		if err != nil {
			e.log.WithError(err).
				WithField("live_session", ls.Token).
				Error("Failed to flag stale live session")

			continue
		}

		if !ok {
			continue
		}

		flagged++

		e.log.WithFields(logrus.Fields{
			"live_session": ls.Token,
			"subject":      ls.SubjectID,
			"idle":         now.Sub(ref).Round(time.Second),
		}).Info("Flagged stale live session")
	}

	return flagged, nil
}

// flagOne clears the keep-alive flag on one session under the subject
// lock, re-reading the row first so a hangup or a client ping that won
// the race is never clobbered with a stale copy.
func (e *Engine) flagOne(ctx context.Context, token string) (bool, error) {
	ls, err := e.store.GetLiveSession(ctx, token)
	if err != nil {
		return false, err
	}

	unlock := e.lockSubject(ls.SubjectID)
	defer unlock()

	ls, err = e.store.GetLiveSession(ctx, token)
	if err != nil {
		return false, err
	}

	if !ls.Alive || !ls.KeepAlive {
		return false, nil
	}

	ls.KeepAlive = false

	if err := e.store.UpdateLiveSession(ctx, ls); err != nil {
		return false, err
	}

	return true, nil
}

// purgeConcurrency bounds how many reclamations run at once; each one
// is a handful of row updates, so a small bound keeps the sweep from
// saturating the database.
const purgeConcurrency = 4

// PurgeFlagged reclaims flagged live sessions whose client has also
// stopped pinging for the grace period: the session is hung up with a
// pause, which completes the attempt if nothing remains. Running it
// twice over the same state changes nothing, so overlapping sweeps are
// harmless. Sessions that never pinged age from their creation time.
// Per-session failures are logged and skipped, not fatal.
func (e *Engine) PurgeFlagged(ctx context.Context, grace time.Duration) (int, error) {
	sessions, err := e.store.ListFlaggedLiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()

	var (
		mu     sync.Mutex
		purged int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(purgeConcurrency)

	for i := range sessions {
		ls := sessions[i]

		ref := ls.DateCreated
		if ls.LastPing != nil {
			ref = *ls.LastPing
		}

		if now.Sub(ref) <= grace {
			continue
		}

		g.Go(func() error {
			if err := e.purgeOne(gctx, ls.Token); err != nil {
				e.log.WithError(err).
					WithField("live_session", ls.Token).
					Error("Failed to purge live session")

				return nil
			}

			mu.Lock()
			purged++
			mu.Unlock()

			e.log.WithFields(logrus.Fields{
				"live_session": ls.Token,
				"subject":      ls.SubjectID,
			}).Info("Purged abandoned live session")

			return nil
		})
	}

	_ = g.Wait()

	return purged, nil
}

// purgeOne reclaims a single live session under the subject lock,
// re-reading it first in case a hangup won the race.
func (e *Engine) purgeOne(ctx context.Context, token string) error {
	ls, err := e.store.GetLiveSession(ctx, token)
	if err != nil {
		return err
	}

	unlock := e.lockSubject(ls.SubjectID)
	defer unlock()

	ls, err = e.store.GetLiveSession(ctx, token)
	if err != nil {
		return err
	}

	if !ls.Alive {
		return nil
	}

	return e.hangup(ctx, ls, store.StatusPaused)
}

package presenter

import (
	"context"
	"fmt"
	"time"

	"github.com/presentoor/presentoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// attach creates the live-session pointer for an experiment session.
// The caller holds the subject lock; the single-live-session rule is
// re-checked here because the launch decision and the attach are
// separate requests.
func (e *Engine) attach(
	ctx context.Context,
	subject *store.Subject,
	es *store.ExperimentSession,
	meta ClientMeta,
) (*store.LiveSession, error) {
	alive, err := e.store.ListAliveLiveSessionsBySubject(ctx, subject.ID)
	if err != nil {
		return nil, err
	}

	if len(alive) > 0 {
		return nil, &Blockage{Reason: BlockedLiveElsewhere, Experiment: es.ExperimentName}
	}

	now := time.Now().UTC()

	ls := &store.LiveSession{
		Token:               newToken(),
		ExperimentSessionID: es.ID,
		SubjectID:           subject.ID,
		DateCreated:         now,
		KeepAlive:           true,
		Alive:               true,
		UserAgent:           meta.UserAgent,
		IPAddress:           meta.IPAddress,
		ServerInfo:          e.serverInfo,
	}

	if err := e.store.CreateLiveSession(ctx, ls); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"subject":            subject.Username,
		"experiment":         es.ExperimentName,
		"experiment_session": es.ID,
	}).Info("Live session attached")

	return ls, nil
}

// stopNowplaying force-completes the open slide, if any, and clears the
// nowplaying pointer. Safe to call when nothing is playing.
func (e *Engine) stopNowplaying(
	ctx context.Context,
	ls *store.LiveSession,
	now time.Time,
) error {
	playlist, err := e.store.GetPlaylistByExperimentSession(ctx, ls.ExperimentSessionID)
	if err != nil {
		return err
	}

	slides, err := e.store.ListSlideSessions(ctx, playlist.ID)
	if err != nil {
		return err
	}

	for i := range slides {
		s := &slides[i]

		if !s.Started || s.Completed {
			continue
		}

		s.Completed = true
		s.CompletedAt = &now
		s.PingToken = nil

		if err := e.store.UpdateSlideSession(ctx, s); err != nil {
			return fmt.Errorf("force-completing slide %q: %w", s.Name, err)
		}
	}

	if ls.IsNowplaying || ls.NowplayingPingToken != nil {
		ls.IsNowplaying = false
		ls.NowplayingPingToken = nil
		ls.LastActivity = &now

		if err := e.store.UpdateLiveSession(ctx, ls); err != nil {
			return err
		}
	}

	return nil
}

// hangup ends a live session: the open slide is force-completed, the
// pointer is soft-deleted and the experiment session transitions to the
// given status. A pause with no slides remaining is promoted to a
// completion. The caller holds the subject lock.
func (e *Engine) hangup(
	ctx context.Context,
	ls *store.LiveSession,
	status string,
) error {
	now := time.Now().UTC()

	if err := e.stopNowplaying(ctx, ls, now); err != nil {
		return err
	}

	ls.Alive = false
	ls.KeepAlive = false
	ls.LastActivity = &now

	if err := e.store.UpdateLiveSession(ctx, ls); err != nil {
		return err
	}

	es, err := e.store.GetExperimentSession(ctx, ls.ExperimentSessionID)
	if err != nil {
		return err
	}

	playlist, err := e.store.GetPlaylistByExperimentSession(ctx, es.ID)
	if err != nil {
		return err
	}

	slides, err := e.store.ListSlideSessions(ctx, playlist.ID)
	if err != nil {
		return err
	}

	resumable := status == store.StatusPaused || status == store.StatusPartCompleted
	if resumable && progressOf(slides).Remaining == 0 {
		status = store.StatusCompleted
	}

	if status == store.StatusCompleted && !playlist.Completed {
		playlist.Completed = true
		playlist.CompletedAt = &now

		if err := e.store.UpdatePlaylistSession(ctx, playlist); err != nil {
			return err
		}
	}

	es.Status = status
	es.LastActivity = now

	if status == store.StatusCompleted {
		es.DateCompleted = &now
	}

	if err := e.store.UpdateExperimentSession(ctx, es); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"experiment_session": es.ID,
		"status":             status,
	}).Info("Live session hung up")

	return nil
}

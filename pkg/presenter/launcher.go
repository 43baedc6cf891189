package presenter

import (
	"context"
	"errors"
	"time"

	"github.com/presentoor/presentoor/pkg/catalog"
	"github.com/presentoor/presentoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// LauncherKind classifies the launch decision outcome.
type LauncherKind string

const (
	// LaunchInitial starts the subject's first attempt.
	LaunchInitial LauncherKind = "initial"
	// LaunchRepeat starts a fresh attempt after a completed one.
	LaunchRepeat LauncherKind = "repeat"
	// LaunchPaused resumes a suspended attempt at the next unstarted slide.
	LaunchPaused LauncherKind = "paused"
	// LaunchLive reattaches the same browser to its running attempt.
	LaunchLive LauncherKind = "live"
)

// Launcher is a successful launch decision. The ping token is a
// single-use nonce the client must present to fetch the slide.
type Launcher struct {
	Kind         LauncherKind        `json:"kind"`
	Experiment   *catalog.Experiment `json:"experiment"`
	PingToken    string              `json:"ping_uid"`
	Attempt      int                 `json:"attempt"`
	Progress     *Progress           `json:"progress,omitempty"`
	LastActivity *time.Time          `json:"last_activity,omitempty"`
}

// Launch decides how, or whether, the subject may enter the named
// experiment from the browser identified by browserToken. A refusal is
// returned as a *Blockage error; anything else is a server fault.
func (e *Engine) Launch(
	ctx context.Context,
	subject *store.Subject,
	experimentName, browserToken string,
) (*Launcher, error) {
	exp, err := e.catalog.GetExperiment(experimentName)
	if err != nil {
		return nil, err
	}

	unlock := e.lockSubject(subject.ID)
	defer unlock()

	alive, err := e.store.ListAliveLiveSessionsBySubject(ctx, subject.ID)
	if err != nil {
		return nil, err
	}

	if len(alive) > 1 {
		return nil, consistencyErrorf(
			"subject %d has %d alive live sessions", subject.ID, len(alive),
		)
	}

	if len(alive) == 1 {
		return e.launchAgainstLive(ctx, subject, exp, browserToken, &alive[0])
	}

	return e.launchFresh(ctx, subject, exp)
}

// launchAgainstLive handles the case where the subject already has a
// live session somewhere.
func (e *Engine) launchAgainstLive(
	ctx context.Context,
	subject *store.Subject,
	exp *catalog.Experiment,
	browserToken string,
	ls *store.LiveSession,
) (*Launcher, error) {
	if browserToken == "" || browserToken != ls.Token {
		return nil, &Blockage{Reason: BlockedLiveElsewhere, Experiment: exp.Name}
	}

	es, err := e.store.GetExperimentSession(ctx, ls.ExperimentSessionID)
	if err != nil {
		return nil, err
	}

	if !es.IsLive() {
		return nil, consistencyErrorf(
			"alive live session %s points at %s experiment session %s",
			ls.Token, es.Status, es.ID,
		)
	}

	if es.ExperimentName != exp.Name {
		return nil, &Blockage{Reason: BlockedWrongExperiment, Experiment: exp.Name}
	}

	if ls.IsNowplaying {
		// The browser never hung up its slide. Force-complete it and
		// refuse this launch so the client retries with a clean slate.
		now := time.Now().UTC()
		if err := e.stopNowplaying(ctx, ls, now); err != nil {
			return nil, err
		}

		e.log.WithFields(logrus.Fields{
			"subject":    subject.Username,
			"experiment": exp.Name,
		}).Warn("Launch while a slide was still playing, slide force-completed")

		return nil, &Blockage{Reason: BlockedNowplaying, Experiment: exp.Name}
	}

	progress, err := e.progress(ctx, es.ID)
	if err != nil {
		return nil, err
	}

	pingToken := newToken()
	pending := &store.PendingLaunch{
		PingToken:           pingToken,
		SubjectID:           subject.ID,
		ExperimentName:      exp.Name,
		Kind:                string(LaunchLive),
		LiveToken:           &ls.Token,
		ExperimentSessionID: &ls.ExperimentSessionID,
		CreatedAt:           time.Now().UTC(),
	}

	if err := e.store.PutPendingLaunch(ctx, pending); err != nil {
		return nil, err
	}

	return &Launcher{
		Kind:       LaunchLive,
		Experiment: exp,
		PingToken:  pingToken,
		Attempt:    es.Attempt,
		Progress:   &progress,
	}, nil
}

// launchFresh handles the case where the subject has no live session.
func (e *Engine) launchFresh(
	ctx context.Context,
	subject *store.Subject,
	exp *catalog.Experiment,
) (*Launcher, error) {
	latest, err := e.store.GetLatestExperimentSession(ctx, subject.ID, exp.Name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		return e.pendLaunch(ctx, subject, exp, LaunchInitial, 0, nil)
	}

	switch latest.Status {
	case store.StatusPaused, store.StatusInitialized, store.StatusPartCompleted:
		progress, err := e.progress(ctx, latest.ID)
		if err != nil {
			return nil, err
		}

		launcher, err := e.pendLaunch(
			ctx, subject, exp, LaunchPaused, latest.Attempt, &latest.ID,
		)
		if err != nil {
			return nil, err
		}

		launcher.Progress = &progress
		launcher.LastActivity = &latest.LastActivity

		return launcher, nil
	case store.StatusCompleted:
		completions, err := e.store.CountCompletions(ctx, subject.ID, exp.Name)
		if err != nil {
			return nil, err
		}

		if !subject.UnlimitedAttempts &&
			exp.MaxAttempts > 0 &&
			completions >= int64(exp.MaxAttempts) {
			return nil, &Blockage{Reason: BlockedAttemptsCompleted, Experiment: exp.Name}
		}

		return e.pendLaunch(ctx, subject, exp, LaunchRepeat, latest.Attempt+1, nil)
	case store.StatusLive:
		// A live experiment session with no alive pointer means a
		// reclamation was interrupted.
		return nil, consistencyErrorf(
			"experiment session %s is live but no alive live session exists",
			latest.ID,
		)
	default:
		return nil, consistencyErrorf(
			"experiment session %s has unknown status %q", latest.ID, latest.Status,
		)
	}
}

// pendLaunch persists the launch nonce and builds the launcher view.
func (e *Engine) pendLaunch(
	ctx context.Context,
	subject *store.Subject,
	exp *catalog.Experiment,
	kind LauncherKind,
	attempt int,
	experimentSessionID *string,
) (*Launcher, error) {
	pingToken := newToken()
	pending := &store.PendingLaunch{
		PingToken:           pingToken,
		SubjectID:           subject.ID,
		ExperimentName:      exp.Name,
		Kind:                string(kind),
		ExperimentSessionID: experimentSessionID,
		CreatedAt:           time.Now().UTC(),
	}

	if err := e.store.PutPendingLaunch(ctx, pending); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"subject":    subject.Username,
		"experiment": exp.Name,
		"kind":       kind,
		"attempt":    attempt,
	}).Debug("Launch decided")

	return &Launcher{
		Kind:       kind,
		Experiment: exp,
		PingToken:  pingToken,
		Attempt:    attempt,
	}, nil
}

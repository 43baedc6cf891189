// Package presenter implements the session state machine: launch
// decisions, playlist traversal, live-session lifecycle and the widget
// gateway. All persistent state lives in the store; the engine only
// serializes and validates transitions.
package presenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/presentoor/presentoor/pkg/catalog"
	"github.com/presentoor/presentoor/pkg/store"
	"github.com/presentoor/presentoor/pkg/widget"
	"github.com/sirupsen/logrus"
)

// Engine drives experiment sessions for all subjects.
type Engine struct {
	log     logrus.FieldLogger
	store   store.Store
	catalog catalog.Catalog
	widgets *widget.Registry

	mu           sync.Mutex
	subjectLocks map[uint]*sync.Mutex

	// serverInfo is collected once at startup, best effort.
	serverInfo string
}

// NewEngine creates a presentation engine on top of the given store,
// catalog and widget registry.
func NewEngine(
	log logrus.FieldLogger,
	st store.Store,
	cat catalog.Catalog,
	widgets *widget.Registry,
) *Engine {
	e := &Engine{
		log:          log.WithField("component", "presenter"),
		store:        st,
		catalog:      cat,
		widgets:      widgets,
		subjectLocks: make(map[uint]*sync.Mutex),
	}

	e.serverInfo = collectServerInfo(e.log)

	return e
}

// lockSubject serializes session transitions per subject. The launch
// decision and the attach both read-then-write the set of alive live
// sessions, so they must not interleave for the same subject.
func (e *Engine) lockSubject(subjectID uint) func() {
	e.mu.Lock()

	m, ok := e.subjectLocks[subjectID]
	if !ok {
		m = &sync.Mutex{}
		e.subjectLocks[subjectID] = m
	}

	e.mu.Unlock()

	m.Lock()

	return m.Unlock
}

// newToken generates an unguessable token for session ids, live-session
// cookies and ping nonces.
func newToken() string {
	return uuid.NewString()
}

// WidgetRef identifies a widget on the slide being presented.
type WidgetRef struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Rank int    `json:"rank"`
}

// SlideView is what the client needs to present the next slide.
type SlideView struct {
	LiveToken      string      `json:"-"`
	ExperimentName string      `json:"experiment_name"`
	SlideName      string      `json:"slide_name"`
	Rank           int         `json:"rank"`
	PingToken      string      `json:"ping_uid"`
	Widgets        []WidgetRef `json:"widgets"`
	Progress       Progress    `json:"progress"`
}

// FetchSlide resolves a pending launch by its ping token, attaches (or
// reattaches) a live session and advances the playlist to the next
// slide. An unknown or mismatched token is refused with ErrStaleToken,
// forcing the client back through the launch decision.
func (e *Engine) FetchSlide(
	ctx context.Context,
	subject *store.Subject,
	experimentName, pingToken string,
	meta ClientMeta,
) (*SlideView, error) {
	unlock := e.lockSubject(subject.ID)
	defer unlock()

	pending, err := e.store.GetPendingLaunch(ctx, pingToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrStaleToken
		}

		return nil, err
	}

	if pending.SubjectID != subject.ID || pending.ExperimentName != experimentName {
		return nil, ErrStaleToken
	}

	var (
		ls *store.LiveSession
		es *store.ExperimentSession
	)

	switch LauncherKind(pending.Kind) {
	case LaunchInitial, LaunchRepeat:
		es, err = e.createAttempt(ctx, subject, experimentName)
		if err != nil {
			return nil, err
		}

		ls, err = e.attach(ctx, subject, es, meta)
	case LaunchPaused:
		if pending.ExperimentSessionID == nil {
			return nil, consistencyErrorf(
				"paused launch %s carries no experiment session", pingToken,
			)
		}

		es, err = e.store.GetExperimentSession(ctx, *pending.ExperimentSessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrStaleToken
			}

			return nil, err
		}

		if es.IsCompleted() {
			return nil, ErrStaleToken
		}

		ls, err = e.attach(ctx, subject, es, meta)
	case LaunchLive:
		if pending.LiveToken == nil {
			return nil, consistencyErrorf(
				"live launch %s carries no live token", pingToken,
			)
		}

		ls, err = e.store.GetLiveSession(ctx, *pending.LiveToken)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrStaleToken
			}

			return nil, err
		}

		if !ls.Alive {
			return nil, ErrStaleToken
		}

		es, err = e.store.GetExperimentSession(ctx, ls.ExperimentSessionID)
		if err != nil {
			return nil, fmt.Errorf("resolving live experiment session: %w", err)
		}
	default:
		return nil, consistencyErrorf("unknown pending launch kind %q", pending.Kind)
	}

	if err != nil {
		return nil, err
	}

	slide, widgets, progress, err := e.advance(ctx, es, pingToken)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	ls.NowplayingPingToken = &pingToken
	ls.IsNowplaying = true
	ls.LastActivity = &now

	if err := e.store.UpdateLiveSession(ctx, ls); err != nil {
		return nil, err
	}

	es.Status = store.StatusLive
	es.LastActivity = now

	if err := e.store.UpdateExperimentSession(ctx, es); err != nil {
		return nil, err
	}

	if err := e.store.DeletePendingLaunch(ctx, pingToken); err != nil {
		return nil, err
	}

	refs := make([]WidgetRef, 0, len(widgets))
	for _, w := range widgets {
		refs = append(refs, WidgetRef{Name: w.Name, Kind: w.Kind, Rank: w.Rank})
	}

	e.log.WithFields(logrus.Fields{
		"subject":    subject.Username,
		"experiment": experimentName,
		"slide":      slide.Name,
		"rank":       slide.Rank,
	}).Info("Slide launched")

	return &SlideView{
		LiveToken:      ls.Token,
		ExperimentName: experimentName,
		SlideName:      slide.Name,
		Rank:           slide.Rank,
		PingToken:      pingToken,
		Widgets:        refs,
		Progress:       progress,
	}, nil
}

// createAttempt materializes a new experiment session for the subject.
// The caller holds the subject lock.
func (e *Engine) createAttempt(
	ctx context.Context,
	subject *store.Subject,
	experimentName string,
) (*store.ExperimentSession, error) {
	// A concurrent fetch in another browser may have attached between
	// launch and now. The single-live-session rule is enforced here as
	// well, not just at launch time.
	alive, err := e.store.ListAliveLiveSessionsBySubject(ctx, subject.ID)
	if err != nil {
		return nil, err
	}

	if len(alive) > 0 {
		return nil, &Blockage{Reason: BlockedLiveElsewhere, Experiment: experimentName}
	}

	exp, err := e.catalog.GetExperiment(experimentName)
	if err != nil {
		return nil, err
	}

	attempt := 0

	latest, err := e.store.GetLatestExperimentSession(ctx, subject.ID, experimentName)

	switch {
	case err == nil:
		if !latest.IsCompleted() {
			// Launch would have routed this to a resume.
			return nil, ErrStaleToken
		}

		attempt = latest.Attempt + 1
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}

	es, playlist, slides, widgets, err := e.materialize(exp, subject.ID, attempt)
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateExperimentSession(ctx, es, playlist, slides, widgets); err != nil {
		return nil, err
	}

	return es, nil
}

// materialize builds the persistent playlist rows for a new attempt,
// sampling and shuffling the slide definitions if the experiment asks
// for it and fixing each widget's per-session parameters.
func (e *Engine) materialize(
	exp *catalog.Experiment,
	subjectID uint,
	attempt int,
) (
	*store.ExperimentSession,
	*store.PlaylistSession,
	[]store.SlideSession,
	[]store.WidgetSession,
	error,
) {
	defs := make([]catalog.Slide, len(exp.Slides))
	copy(defs, exp.Slides)

	if exp.SampleSize > 0 && exp.SampleSize < len(defs) {
		picked := rand.Perm(len(defs))[:exp.SampleSize]
		sort.Ints(picked)

		sampled := make([]catalog.Slide, 0, exp.SampleSize)
		for _, i := range picked {
			sampled = append(sampled, defs[i])
		}

		defs = sampled
	}

	if exp.Shuffle {
		rand.Shuffle(len(defs), func(i, j int) {
			defs[i], defs[j] = defs[j], defs[i]
		})
	}

	now := time.Now().UTC()

	es := &store.ExperimentSession{
		ID:             newToken(),
		SubjectID:      subjectID,
		ExperimentName: exp.Name,
		VersionLabel:   exp.VersionLabel,
		Attempt:        attempt,
		Status:         store.StatusInitialized,
		DateStarted:    now,
		LastActivity:   now,
	}

	playlist := &store.PlaylistSession{
		ID:                  newToken(),
		ExperimentSessionID: es.ID,
	}

	var (
		slides  []store.SlideSession
		widgets []store.WidgetSession
	)

	for rank, def := range defs {
		slide := store.SlideSession{
			ID:                newToken(),
			PlaylistSessionID: playlist.ID,
			Name:              def.Name,
			Rank:              rank,
		}
		slides = append(slides, slide)

		for wrank, wdef := range def.Widgets {
			impl, err := e.widgets.Get(wdef.Kind)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf(
					"slide %q widget %q: %w", def.Name, wdef.Name, err,
				)
			}

			prepared, err := impl.Prepare(widget.Payload(wdef.Params))
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf(
					"preparing slide %q widget %q: %w", def.Name, wdef.Name, err,
				)
			}

			params, err := json.Marshal(prepared)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf(
					"encoding params for widget %q: %w", wdef.Name, err,
				)
			}

			widgets = append(widgets, store.WidgetSession{
				ID:             newToken(),
				SlideSessionID: slide.ID,
				Name:           wdef.Name,
				Kind:           wdef.Kind,
				Rank:           wrank,
				Params:         string(params),
			})
		}
	}

	return es, playlist, slides, widgets, nil
}

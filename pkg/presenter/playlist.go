package presenter

import (
	"context"
	"fmt"
	"time"

	"github.com/presentoor/presentoor/pkg/store"
)

// Progress counts a playlist's traversal state. Recomputed from slide
// rows on demand, never stored.
type Progress struct {
	Completed int `json:"completed"`
	Remaining int `json:"remaining"`
	Total     int `json:"total"`
}

func progressOf(slides []store.SlideSession) Progress {
	p := Progress{Total: len(slides)}

	for _, s := range slides {
		if s.Completed {
			p.Completed++
		}
	}

	p.Remaining = p.Total - p.Completed

	return p
}

// progress recomputes traversal counts for an experiment session.
func (e *Engine) progress(ctx context.Context, experimentSessionID string) (Progress, error) {
	playlist, err := e.store.GetPlaylistByExperimentSession(ctx, experimentSessionID)
	if err != nil {
		return Progress{}, err
	}

	slides, err := e.store.ListSlideSessions(ctx, playlist.ID)
	if err != nil {
		return Progress{}, err
	}

	return progressOf(slides), nil
}

// advance starts the next unstarted slide of the experiment session and
// tags it with the launch's ping token. A slide that is started but not
// completed means the previous fetch was never hung up, which is an
// invalid transition here; the launch path clears that state first.
func (e *Engine) advance(
	ctx context.Context,
	es *store.ExperimentSession,
	pingToken string,
) (*store.SlideSession, []store.WidgetSession, Progress, error) {
	playlist, err := e.store.GetPlaylistByExperimentSession(ctx, es.ID)
	if err != nil {
		return nil, nil, Progress{}, err
	}

	slides, err := e.store.ListSlideSessions(ctx, playlist.ID)
	if err != nil {
		return nil, nil, Progress{}, err
	}

	var next *store.SlideSession

	for i := range slides {
		s := &slides[i]

		if s.Started && !s.Completed {
			return nil, nil, Progress{}, fmt.Errorf(
				"%w: slide %q (rank %d) is still open", ErrInvalidTransition, s.Name, s.Rank,
			)
		}

		if next == nil && !s.Started {
			next = s
		}
	}

	if next == nil {
		return nil, nil, Progress{}, ErrNoSlidesRemaining
	}

	now := time.Now().UTC()

	next.Started = true
	next.StartedAt = &now
	next.PingToken = &pingToken

	if err := e.store.UpdateSlideSession(ctx, next); err != nil {
		return nil, nil, Progress{}, err
	}

	if !playlist.Started {
		playlist.Started = true
		playlist.StartedAt = &now
	}

	playlist.CurrentSlideRank = &next.Rank

	if err := e.store.UpdatePlaylistSession(ctx, playlist); err != nil {
		return nil, nil, Progress{}, err
	}

	widgets, err := e.store.ListWidgetSessions(ctx, next.ID)
	if err != nil {
		return nil, nil, Progress{}, err
	}

	return next, widgets, progressOf(slides), nil
}

// currentSlide resolves the slide tagged with the given ping token.
func (e *Engine) currentSlide(
	ctx context.Context,
	experimentSessionID, pingToken string,
) (*store.SlideSession, error) {
	playlist, err := e.store.GetPlaylistByExperimentSession(ctx, experimentSessionID)
	if err != nil {
		return nil, err
	}

	slides, err := e.store.ListSlideSessions(ctx, playlist.ID)
	if err != nil {
		return nil, err
	}

	for i := range slides {
		s := &slides[i]

		if s.PingToken != nil && *s.PingToken == pingToken {
			return s, nil
		}
	}

	return nil, ErrStaleToken
}

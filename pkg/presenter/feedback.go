package presenter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/presentoor/presentoor/pkg/store"
	"github.com/presentoor/presentoor/pkg/widget"
)

// WidgetResult is one widget's recorded outcome in a feedback summary.
type WidgetResult struct {
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	Response widget.Payload `json:"response,omitempty"`
}

// SlideResult groups widget results per slide.
type SlideResult struct {
	Name    string         `json:"name"`
	Rank    int            `json:"rank"`
	Widgets []WidgetResult `json:"widgets"`
}

// AttemptSummary is the feedback view of one experiment attempt.
type AttemptSummary struct {
	Attempt       int           `json:"attempt"`
	Status        string        `json:"status"`
	DateStarted   time.Time     `json:"date_started"`
	DateCompleted *time.Time    `json:"date_completed,omitempty"`
	Progress      Progress      `json:"progress"`
	Slides        []SlideResult `json:"slides"`
}

// Feedback summarizes every attempt the subject has made at the named
// experiment, with the recorded widget responses per slide. Slides that
// were never started are omitted.
func (e *Engine) Feedback(
	ctx context.Context,
	subject *store.Subject,
	experimentName string,
) ([]AttemptSummary, error) {
	sessions, err := e.store.ListExperimentSessions(ctx, subject.ID, experimentName)
	if err != nil {
		return nil, err
	}

	summaries := make([]AttemptSummary, 0, len(sessions))

	for i := range sessions {
		es := &sessions[i]

		summary, err := e.summarizeAttempt(ctx, es)
		if err != nil {
			return nil, err
		}

		summaries = append(summaries, *summary)
	}

	return summaries, nil
}

func (e *Engine) summarizeAttempt(
	ctx context.Context,
	es *store.ExperimentSession,
) (*AttemptSummary, error) {
	playlist, err := e.store.GetPlaylistByExperimentSession(ctx, es.ID)
	if err != nil {
		return nil, err
	}

	slides, err := e.store.ListSlideSessions(ctx, playlist.ID)
	if err != nil {
		return nil, err
	}

	summary := &AttemptSummary{
		Attempt:       es.Attempt,
		Status:        es.Status,
		DateStarted:   es.DateStarted,
		DateCompleted: es.DateCompleted,
		Progress:      progressOf(slides),
	}

	for j := range slides {
		s := &slides[j]

		if !s.Started {
			continue
		}

		widgets, err := e.store.ListWidgetSessions(ctx, s.ID)
		if err != nil {
			return nil, err
		}

		result := SlideResult{Name: s.Name, Rank: s.Rank}

		for k := range widgets {
			ws := &widgets[k]

			wr := WidgetResult{Name: ws.Name, Kind: ws.Kind}

			if ws.Response != "" {
				response := widget.Payload{}
				if err := json.Unmarshal([]byte(ws.Response), &response); err == nil {
					wr.Response = response
				}
			}

			result.Widgets = append(result.Widgets, wr)
		}

		summary.Slides = append(summary.Slides, result)
	}

	return summary, nil
}

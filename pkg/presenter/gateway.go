package presenter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/presentoor/presentoor/pkg/store"
	"github.com/presentoor/presentoor/pkg/widget"
)

// Hangup actions a client may request for its playlist.
const (
	HangupActionPause    = "pause"
	HangupActionStop     = "stop"
	HangupActionFeedback = "feedback"
)

// HangupResult reports the end state of a playlist hangup.
type HangupResult struct {
	Experiment string   `json:"experiment"`
	Status     string   `json:"status"`
	Progress   Progress `json:"progress"`
}

// NowplayingResult reports the state of the playlist after a slide
// hangup.
type NowplayingResult struct {
	Experiment string   `json:"experiment"`
	Progress   Progress `json:"progress"`
}

// resolveLive loads the caller's live session and verifies both that it
// is alive and that the presented ping token is the one currently
// playing. Gateway calls with anything else are refused.
func (e *Engine) resolveLive(
	ctx context.Context,
	browserToken, pingToken string,
) (*store.LiveSession, error) {
	if browserToken == "" {
		return nil, ErrStaleToken
	}

	ls, err := e.store.GetLiveSession(ctx, browserToken)
	if err != nil {
		return nil, ErrStaleToken
	}

	if !ls.Alive {
		return nil, ErrNotLive
	}

	if ls.NowplayingPingToken == nil || *ls.NowplayingPingToken != pingToken {
		return nil, ErrStaleToken
	}

	return ls, nil
}

// stampActivity records subject interaction on both the live session and
// its experiment session.
func (e *Engine) stampActivity(
	ctx context.Context,
	ls *store.LiveSession,
	now time.Time,
) error {
	ls.LastActivity = &now

	if err := e.store.UpdateLiveSession(ctx, ls); err != nil {
		return err
	}

	es, err := e.store.GetExperimentSession(ctx, ls.ExperimentSessionID)
	if err != nil {
		return err
	}

	es.LastActivity = now

	return e.store.UpdateExperimentSession(ctx, es)
}

// loadWidget resolves the named widget on the currently playing slide.
func (e *Engine) loadWidget(
	ctx context.Context,
	ls *store.LiveSession,
	pingToken, widgetName string,
) (*store.WidgetSession, widget.Widget, widget.Payload, error) {
	slide, err := e.currentSlide(ctx, ls.ExperimentSessionID, pingToken)
	if err != nil {
		return nil, nil, nil, err
	}

	ws, err := e.store.GetWidgetSession(ctx, slide.ID, widgetName)
	if err != nil {
		return nil, nil, nil, err
	}

	impl, err := e.widgets.Get(ws.Kind)
	if err != nil {
		return nil, nil, nil, err
	}

	params := widget.Payload{}
	if ws.Params != "" {
		if err := json.Unmarshal([]byte(ws.Params), &params); err != nil {
			return nil, nil, nil, fmt.Errorf(
				"decoding params for widget %q: %w", ws.Name, err,
			)
		}
	}

	return ws, impl, params, nil
}

// WidgetGet serves the presentation data for a widget on the playing
// slide and marks it started.
func (e *Engine) WidgetGet(
	ctx context.Context,
	browserToken, pingToken, widgetName string,
) (widget.Payload, error) {
	ls, err := e.resolveLive(ctx, browserToken, pingToken)
	if err != nil {
		return nil, err
	}

	unlock := e.lockSubject(ls.SubjectID)
	defer unlock()

	ls, err = e.resolveLive(ctx, browserToken, pingToken)
	if err != nil {
		return nil, err
	}

	ws, impl, params, err := e.loadWidget(ctx, ls, pingToken, widgetName)
	if err != nil {
		return nil, err
	}

	out, err := impl.Get(ctx, params)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if !ws.Started {
		ws.Started = true
		ws.StartedAt = &now

		if err := e.store.UpdateWidgetSession(ctx, ws); err != nil {
			return nil, err
		}
	}

	if err := e.stampActivity(ctx, ls, now); err != nil {
		return nil, err
	}

	return out, nil
}

// WidgetPost records the subject's response for a widget on the playing
// slide, marks it completed and returns the widget's feedback.
func (e *Engine) WidgetPost(
	ctx context.Context,
	browserToken, pingToken, widgetName string,
	data widget.Payload,
) (widget.Payload, error) {
	ls, err := e.resolveLive(ctx, browserToken, pingToken)
	if err != nil {
		return nil, err
	}

	unlock := e.lockSubject(ls.SubjectID)
	defer unlock()

	ls, err = e.resolveLive(ctx, browserToken, pingToken)
	if err != nil {
		return nil, err
	}

	ws, impl, params, err := e.loadWidget(ctx, ls, pingToken, widgetName)
	if err != nil {
		return nil, err
	}

	feedback, err := impl.Post(ctx, params, data)
	if err != nil {
		return nil, err
	}

	response, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding response for widget %q: %w", ws.Name, err)
	}

	now := time.Now().UTC()

	ws.Response = string(response)
	ws.Completed = true
	ws.CompletedAt = &now

	if !ws.Started {
		ws.Started = true
		ws.StartedAt = &now
	}

	if err := e.store.UpdateWidgetSession(ctx, ws); err != nil {
		return nil, err
	}

	if err := e.stampActivity(ctx, ls, now); err != nil {
		return nil, err
	}

	return feedback, nil
}

// Ping stamps the heartbeat on the caller's live session and reports
// whether the server still wants the client to keep playing. A ping
// against a session that has already been reclaimed is a no-op, not an
// error; the client sees keep_alive=false and hangs up. The write runs
// under the subject lock so a concurrent purge cannot be overwritten
// with a stale copy of the row.
func (e *Engine) Ping(
	ctx context.Context,
	browserToken, pingToken string,
) (bool, error) {
	ls, err := e.store.GetLiveSession(ctx, browserToken)
	if err != nil {
		return false, ErrStaleToken
	}

	unlock := e.lockSubject(ls.SubjectID)
	defer unlock()

	ls, err = e.store.GetLiveSession(ctx, ls.Token)
	if err != nil {
		return false, ErrStaleToken
	}

	if !ls.Alive {
		return false, nil
	}

	if ls.NowplayingPingToken == nil || *ls.NowplayingPingToken != pingToken {
		return false, ErrStaleToken
	}

	now := time.Now().UTC()
	ls.LastPing = &now

	if err := e.store.UpdateLiveSession(ctx, ls); err != nil {
		return false, err
	}

	return ls.KeepAlive, nil
}

// SetKeepAlive lets the client flip its own keep-alive flag. True
// resets the flag and stamps the heartbeat. False is the client's
// explicit goodbye and runs a full pause hangup, so the subject is
// free to launch elsewhere immediately instead of waiting out the
// sweeper. Against a reclaimed session it is a no-op, like Ping.
func (e *Engine) SetKeepAlive(
	ctx context.Context,
	browserToken, pingToken string,
	keepAlive bool,
) (bool, error) {
	ls, err := e.store.GetLiveSession(ctx, browserToken)
	if err != nil {
		return false, ErrStaleToken
	}

	unlock := e.lockSubject(ls.SubjectID)
	defer unlock()

	ls, err = e.store.GetLiveSession(ctx, ls.Token)
	if err != nil {
		return false, ErrStaleToken
	}

	if !ls.Alive {
		return false, nil
	}

	if ls.NowplayingPingToken == nil || *ls.NowplayingPingToken != pingToken {
		return false, ErrStaleToken
	}

	now := time.Now().UTC()
	ls.LastPing = &now

	if !keepAlive {
		if err := e.hangup(ctx, ls, store.StatusPaused); err != nil {
			return false, err
		}

		return false, nil
	}

	ls.KeepAlive = true

	if err := e.store.UpdateLiveSession(ctx, ls); err != nil {
		return false, err
	}

	return true, nil
}

// HangupNowplaying completes the playing slide and clears the nowplaying
// pointer. The live session stays attached; the client follows up with
// either a relaunch or a playlist hangup.
func (e *Engine) HangupNowplaying(
	ctx context.Context,
	browserToken, pingToken string,
) (*NowplayingResult, error) {
	ls, err := e.resolveLive(ctx, browserToken, pingToken)
	if err != nil {
		return nil, err
	}

	unlock := e.lockSubject(ls.SubjectID)
	defer unlock()

	// Re-read under the lock; a sweep may have reclaimed the session.
	ls, err = e.store.GetLiveSession(ctx, ls.Token)
	if err != nil {
		return nil, ErrStaleToken
	}

	if !ls.Alive {
		return nil, ErrNotLive
	}

	now := time.Now().UTC()

	if err := e.stopNowplaying(ctx, ls, now); err != nil {
		return nil, err
	}

	es, err := e.store.GetExperimentSession(ctx, ls.ExperimentSessionID)
	if err != nil {
		return nil, err
	}

	es.LastActivity = now

	if err := e.store.UpdateExperimentSession(ctx, es); err != nil {
		return nil, err
	}

	progress, err := e.progress(ctx, es.ID)
	if err != nil {
		return nil, err
	}

	return &NowplayingResult{
		Experiment: es.ExperimentName,
		Progress:   progress,
	}, nil
}

// HangupPlaylist ends the caller's live session. A pause keeps the
// attempt resumable unless nothing is left to play, in which case it
// completes. Stop and feedback both close out the attempt for good,
// skipped slides included.
func (e *Engine) HangupPlaylist(
	ctx context.Context,
	browserToken, action string,
) (*HangupResult, error) {
	if browserToken == "" {
		return nil, ErrStaleToken
	}

	ls, err := e.store.GetLiveSession(ctx, browserToken)
	if err != nil {
		return nil, ErrStaleToken
	}

	unlock := e.lockSubject(ls.SubjectID)
	defer unlock()

	ls, err = e.store.GetLiveSession(ctx, ls.Token)
	if err != nil {
		return nil, ErrStaleToken
	}

	if !ls.Alive {
		return nil, ErrNotLive
	}

	var target string

	switch action {
	case HangupActionPause:
		target = store.StatusPaused
	case HangupActionStop, HangupActionFeedback:
		target = store.StatusCompleted
	default:
		return nil, fmt.Errorf("%w: unknown hangup action %q", ErrInvalidTransition, action)
	}

	if err := e.hangup(ctx, ls, target); err != nil {
		return nil, err
	}

	es, err := e.store.GetExperimentSession(ctx, ls.ExperimentSessionID)
	if err != nil {
		return nil, err
	}

	progress, err := e.progress(ctx, es.ID)
	if err != nil {
		return nil, err
	}

	return &HangupResult{
		Experiment: es.ExperimentName,
		Status:     es.Status,
		Progress:   progress,
	}, nil
}

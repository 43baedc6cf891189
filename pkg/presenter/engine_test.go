package presenter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/presentoor/presentoor/pkg/catalog"
	"github.com/presentoor/presentoor/pkg/config"
	"github.com/presentoor/presentoor/pkg/store"
	"github.com/presentoor/presentoor/pkg/widget"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const brisbaneYAML = `name: brisbane
version: "2026-01"
title: Brisbane Memory Study
max_attempts: 1
slides:
  - name: welcome
    widgets:
      - name: intro
        kind: text_display
        params:
          text: "Welcome to the study."
  - name: study
    widgets:
      - name: wordlist
        kind: wordlist_display
        params:
          wordlist: ["apple", "banana", "cherry"]
`

const capitalsYAML = `name: capitals
version: "2026-01"
slides:
  - name: quiz
    widgets:
      - name: prompt
        kind: text_display
        params:
          text: "Name the capital of France."
`

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	dir := t.TempDir()

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "brisbane.yaml"), []byte(brisbaneYAML), 0o644,
	))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "capitals.yaml"), []byte(capitalsYAML), 0o644,
	))

	cat, err := catalog.NewDirCatalog(log, dir)
	require.NoError(t, err)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "test.db"),
		},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	require.NoError(t, st.SeedSubjects(context.Background(), []config.SubjectConfig{
		{Username: "alice", Password: "secret"},
		{Username: "norbert", Password: "secret", UnlimitedAttempts: true},
	}))

	return NewEngine(log, st, cat, widget.NewRegistry()), st
}

func getSubject(t *testing.T, st store.Store, username string) *store.Subject {
	t.Helper()

	subject, err := st.GetSubjectByUsername(context.Background(), username)
	require.NoError(t, err)

	return subject
}

// launchAndFetch runs a fresh launch and fetches the first slide.
func launchAndFetch(
	t *testing.T, e *Engine, subject *store.Subject, experiment string,
) *SlideView {
	t.Helper()

	ctx := context.Background()

	launcher, err := e.Launch(ctx, subject, experiment, "")
	require.NoError(t, err)

	view, err := e.FetchSlide(ctx, subject, experiment, launcher.PingToken, ClientMeta{})
	require.NoError(t, err)

	return view
}

// playThrough walks the whole playlist to completion and returns the
// browser token of the live session that did it.
func playThrough(
	t *testing.T, e *Engine, subject *store.Subject, experiment string,
) string {
	t.Helper()

	ctx := context.Background()
	view := launchAndFetch(t, e, subject, experiment)
	token := view.LiveToken

	for {
		_, err := e.HangupNowplaying(ctx, token, view.PingToken)
		require.NoError(t, err)

		launcher, err := e.Launch(ctx, subject, experiment, token)
		require.NoError(t, err)
		require.Equal(t, LaunchLive, launcher.Kind)

		next, err := e.FetchSlide(ctx, subject, experiment, launcher.PingToken, ClientMeta{})
		if errors.Is(err, ErrNoSlidesRemaining) {
			break
		}

		require.NoError(t, err)

		view = next
	}

	result, err := e.HangupPlaylist(ctx, token, HangupActionPause)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, result.Status)

	return token
}

func TestLaunch_Initial(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")

	launcher, err := e.Launch(context.Background(), subject, "brisbane", "")
	require.NoError(t, err)

	assert.Equal(t, LaunchInitial, launcher.Kind)
	assert.Equal(t, 0, launcher.Attempt)
	assert.Equal(t, "brisbane", launcher.Experiment.Name)
	assert.NotEmpty(t, launcher.PingToken)

	pending, err := st.GetPendingLaunch(context.Background(), launcher.PingToken)
	require.NoError(t, err)
	assert.Equal(t, string(LaunchInitial), pending.Kind)
	assert.Equal(t, subject.ID, pending.SubjectID)
}

func TestLaunch_UnknownExperiment(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")

	_, err := e.Launch(context.Background(), subject, "atlantis", "")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestFetchSlide_StartsFirstSlide(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")

	view := launchAndFetch(t, e, subject, "brisbane")

	assert.Equal(t, "welcome", view.SlideName)
	assert.Equal(t, 0, view.Rank)
	assert.NotEmpty(t, view.LiveToken)
	assert.NotEmpty(t, view.PingToken)
	require.Len(t, view.Widgets, 1)
	assert.Equal(t, "text_display", view.Widgets[0].Kind)
	assert.Equal(t, Progress{Completed: 0, Remaining: 2, Total: 2}, view.Progress)

	ls, err := st.GetLiveSession(context.Background(), view.LiveToken)
	require.NoError(t, err)
	assert.True(t, ls.Alive)
	assert.True(t, ls.IsNowplaying)
	require.NotNil(t, ls.NowplayingPingToken)
	assert.Equal(t, view.PingToken, *ls.NowplayingPingToken)
}

func TestFetchSlide_StaleToken(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	_, err := e.FetchSlide(ctx, subject, "brisbane", "no-such-token", ClientMeta{})
	require.ErrorIs(t, err, ErrStaleToken)

	// A consumed token cannot be replayed.
	view := launchAndFetch(t, e, subject, "brisbane")

	_, err = e.FetchSlide(ctx, subject, "brisbane", view.PingToken, ClientMeta{})
	require.ErrorIs(t, err, ErrStaleToken)
}

func TestLaunch_BlockedLiveElsewhere(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")

	launchAndFetch(t, e, subject, "brisbane")

	// A second browser carries no live cookie.
	_, err := e.Launch(context.Background(), subject, "brisbane", "")

	var blockage *Blockage
	require.ErrorAs(t, err, &blockage)
	assert.Equal(t, BlockedLiveElsewhere, blockage.Reason)
}

func TestLaunch_BlockedWrongExperiment(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")

	view := launchAndFetch(t, e, subject, "brisbane")

	_, err := e.Launch(context.Background(), subject, "capitals", view.LiveToken)

	var blockage *Blockage
	require.ErrorAs(t, err, &blockage)
	assert.Equal(t, BlockedWrongExperiment, blockage.Reason)
}

func TestLaunch_NowplayingForcesHangup(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	// Relaunching while a slide is playing force-completes it.
	_, err := e.Launch(ctx, subject, "brisbane", view.LiveToken)

	var blockage *Blockage
	require.ErrorAs(t, err, &blockage)
	assert.Equal(t, BlockedNowplaying, blockage.Reason)

	ls, err := st.GetLiveSession(ctx, view.LiveToken)
	require.NoError(t, err)
	assert.False(t, ls.IsNowplaying)
	assert.Nil(t, ls.NowplayingPingToken)

	// The retry reattaches with the slide already behind it.
	launcher, err := e.Launch(ctx, subject, "brisbane", view.LiveToken)
	require.NoError(t, err)
	assert.Equal(t, LaunchLive, launcher.Kind)
	require.NotNil(t, launcher.Progress)
	assert.Equal(t, 1, launcher.Progress.Completed)
}

func TestPauseAndResume(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	_, err := e.HangupNowplaying(ctx, view.LiveToken, view.PingToken)
	require.NoError(t, err)

	result, err := e.HangupPlaylist(ctx, view.LiveToken, HangupActionPause)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, result.Status)
	assert.Equal(t, Progress{Completed: 1, Remaining: 1, Total: 2}, result.Progress)

	// Any browser may resume; no live session is left behind.
	launcher, err := e.Launch(ctx, subject, "brisbane", "")
	require.NoError(t, err)
	assert.Equal(t, LaunchPaused, launcher.Kind)
	require.NotNil(t, launcher.Progress)
	assert.Equal(t, 1, launcher.Progress.Completed)
	assert.NotNil(t, launcher.LastActivity)

	next, err := e.FetchSlide(ctx, subject, "brisbane", launcher.PingToken, ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, "study", next.SlideName)
	assert.Equal(t, 1, next.Rank)
	assert.NotEqual(t, view.LiveToken, next.LiveToken)
}

func TestHangupPlaylist_PromotesExhaustedPauseToCompleted(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")

	playThrough(t, e, subject, "brisbane")

	latest, err := st.GetLatestExperimentSession(
		context.Background(), subject.ID, "brisbane",
	)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, latest.Status)
	assert.NotNil(t, latest.DateCompleted)
}

func TestHangupPlaylist_StopCompletesAttempt(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	_, err := e.HangupNowplaying(ctx, view.LiveToken, view.PingToken)
	require.NoError(t, err)

	// Stopping with a slide still remaining closes the attempt for good.
	result, err := e.HangupPlaylist(ctx, view.LiveToken, HangupActionStop)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, result.Status)
	assert.Equal(t, Progress{Completed: 1, Remaining: 1, Total: 2}, result.Progress)

	latest, err := st.GetLatestExperimentSession(ctx, subject.ID, "brisbane")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, latest.Status)
	assert.NotNil(t, latest.DateCompleted)

	// The abandoned attempt counts against the quota.
	_, err = e.Launch(ctx, subject, "brisbane", "")

	var blockage *Blockage
	require.ErrorAs(t, err, &blockage)
	assert.Equal(t, BlockedAttemptsCompleted, blockage.Reason)
}

func TestHangupPlaylist_FeedbackCompletesAttempt(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	result, err := e.HangupPlaylist(ctx, view.LiveToken, HangupActionFeedback)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, result.Status)
	assert.Equal(t, "brisbane", result.Experiment)
}

func TestLaunch_AttemptQuota(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	// brisbane allows a single attempt.
	alice := getSubject(t, st, "alice")
	playThrough(t, e, alice, "brisbane")

	_, err := e.Launch(ctx, alice, "brisbane", "")

	var blockage *Blockage
	require.ErrorAs(t, err, &blockage)
	assert.Equal(t, BlockedAttemptsCompleted, blockage.Reason)

	// An unlimited-attempts subject gets a repeat launcher instead.
	norbert := getSubject(t, st, "norbert")
	playThrough(t, e, norbert, "brisbane")

	launcher, err := e.Launch(ctx, norbert, "brisbane", "")
	require.NoError(t, err)
	assert.Equal(t, LaunchRepeat, launcher.Kind)
	assert.Equal(t, 1, launcher.Attempt)
}

func TestWidgetGateway(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	out, err := e.WidgetGet(ctx, view.LiveToken, view.PingToken, "intro")
	require.NoError(t, err)
	assert.Equal(t, "Welcome to the study.", out["text"])

	feedback, err := e.WidgetPost(
		ctx, view.LiveToken, view.PingToken, "intro", widget.Payload{"seen": true},
	)
	require.NoError(t, err)
	assert.Equal(t, true, feedback["completed"])

	playlist, err := st.GetPlaylistByExperimentSession(
		ctx, mustLiveSession(t, st, view.LiveToken).ExperimentSessionID,
	)
	require.NoError(t, err)

	slide, err := st.GetSlideSessionByRank(ctx, playlist.ID, 0)
	require.NoError(t, err)

	ws, err := st.GetWidgetSession(ctx, slide.ID, "intro")
	require.NoError(t, err)
	assert.True(t, ws.Started)
	assert.True(t, ws.Completed)
	assert.Contains(t, ws.Response, "seen")
}

func TestWidgetGateway_RefusesStaleToken(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	_, err := e.WidgetGet(ctx, view.LiveToken, "bogus", "intro")
	require.ErrorIs(t, err, ErrStaleToken)

	_, err = e.WidgetGet(ctx, "bogus", view.PingToken, "intro")
	require.ErrorIs(t, err, ErrStaleToken)

	_, err = e.WidgetGet(ctx, view.LiveToken, view.PingToken, "no-such-widget")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPing(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	keepAlive, err := e.Ping(ctx, view.LiveToken, view.PingToken)
	require.NoError(t, err)
	assert.True(t, keepAlive)

	ls := mustLiveSession(t, st, view.LiveToken)
	assert.NotNil(t, ls.LastPing)
}

func TestSetKeepAlive_TrueResetsFlag(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	time.Sleep(10 * time.Millisecond)

	_, err := e.FlagStale(ctx, time.Millisecond)
	require.NoError(t, err)

	keepAlive, err := e.SetKeepAlive(ctx, view.LiveToken, view.PingToken, true)
	require.NoError(t, err)
	assert.True(t, keepAlive)

	ls := mustLiveSession(t, st, view.LiveToken)
	assert.True(t, ls.KeepAlive)
	assert.True(t, ls.Alive)
}

func TestSetKeepAlive_FalseHangsUp(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	keepAlive, err := e.SetKeepAlive(ctx, view.LiveToken, view.PingToken, false)
	require.NoError(t, err)
	assert.False(t, keepAlive)

	// The goodbye is a full hangup, not just a flag flip.
	ls := mustLiveSession(t, st, view.LiveToken)
	assert.False(t, ls.Alive)
	assert.False(t, ls.KeepAlive)

	es, err := st.GetExperimentSession(ctx, ls.ExperimentSessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, es.Status)

	// The subject can launch again right away, anywhere.
	launcher, err := e.Launch(ctx, subject, "brisbane", "")
	require.NoError(t, err)
	assert.Equal(t, LaunchPaused, launcher.Kind)
}

func TestPing_NoOpAfterHangup(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	_, err := e.HangupNowplaying(ctx, view.LiveToken, view.PingToken)
	require.NoError(t, err)

	_, err = e.HangupPlaylist(ctx, view.LiveToken, HangupActionPause)
	require.NoError(t, err)

	// The client's in-flight ping after reclamation is not an error,
	// and must not resurrect the soft-deleted row.
	keepAlive, err := e.Ping(ctx, view.LiveToken, view.PingToken)
	require.NoError(t, err)
	assert.False(t, keepAlive)

	ls := mustLiveSession(t, st, view.LiveToken)
	assert.False(t, ls.Alive)

	launcher, err := e.Launch(ctx, subject, "brisbane", "")
	require.NoError(t, err)
	assert.Equal(t, LaunchPaused, launcher.Kind)
}

func TestFlagStaleAndPurge(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	time.Sleep(10 * time.Millisecond)

	flagged, err := e.FlagStale(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	ls := mustLiveSession(t, st, view.LiveToken)
	assert.False(t, ls.KeepAlive)
	assert.True(t, ls.Alive)

	// Still within the grace period relative to a fresh ping.
	_, err = e.Ping(ctx, view.LiveToken, view.PingToken)
	require.NoError(t, err)

	purged, err := e.PurgeFlagged(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, purged)

	time.Sleep(10 * time.Millisecond)

	purged, err = e.PurgeFlagged(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	ls = mustLiveSession(t, st, view.LiveToken)
	assert.False(t, ls.Alive)

	es, err := st.GetExperimentSession(ctx, ls.ExperimentSessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, es.Status)

	// Purging again over the same state changes nothing.
	purged, err = e.PurgeFlagged(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, purged)

	// The subject can resume in a fresh browser.
	launcher, err := e.Launch(ctx, subject, "brisbane", "")
	require.NoError(t, err)
	assert.Equal(t, LaunchPaused, launcher.Kind)
}

func TestFlagStale_KeepsActiveSessions(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	flagged, err := e.FlagStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, flagged)

	ls := mustLiveSession(t, st, view.LiveToken)
	assert.True(t, ls.KeepAlive)
}

func TestFeedback(t *testing.T) {
	e, st := newTestEngine(t)
	subject := getSubject(t, st, "alice")
	ctx := context.Background()

	view := launchAndFetch(t, e, subject, "brisbane")

	_, err := e.WidgetPost(
		ctx, view.LiveToken, view.PingToken, "intro", widget.Payload{"seen": true},
	)
	require.NoError(t, err)

	_, err = e.HangupNowplaying(ctx, view.LiveToken, view.PingToken)
	require.NoError(t, err)

	_, err = e.HangupPlaylist(ctx, view.LiveToken, HangupActionPause)
	require.NoError(t, err)

	summaries, err := e.Feedback(ctx, subject, "brisbane")
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	summary := summaries[0]
	assert.Equal(t, 0, summary.Attempt)
	assert.Equal(t, store.StatusPaused, summary.Status)
	assert.Equal(t, Progress{Completed: 1, Remaining: 1, Total: 2}, summary.Progress)
	require.Len(t, summary.Slides, 1)
	require.Len(t, summary.Slides[0].Widgets, 1)
	assert.Equal(t, widget.Payload{"seen": true}, summary.Slides[0].Widgets[0].Response)
}

func mustLiveSession(t *testing.T, st store.Store, token string) *store.LiveSession {
	t.Helper()

	ls, err := st.GetLiveSession(context.Background(), token)
	require.NoError(t, err)

	return ls
}

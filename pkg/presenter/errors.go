package presenter

import (
	"errors"
	"fmt"
)

// Blockage reason codes. A blockage is an expected, user-facing refusal
// to launch, not a server error.
const (
	BlockedLiveElsewhere     = "live-elsewhere"
	BlockedWrongExperiment   = "wrong-experiment"
	BlockedNowplaying        = "nowplaying"
	BlockedAttemptsCompleted = "attempts-completed"
)

// blockageMessages are the user-facing explanations per reason code.
var blockageMessages = map[string]string{
	BlockedLiveElsewhere:     "There is a live session in another browser.",
	BlockedWrongExperiment:   "A different experiment is already live in this browser.",
	BlockedNowplaying:        "A slide is still playing in this browser.",
	BlockedAttemptsCompleted: "You have completed all attempts for this experiment.",
}

// Blockage is a typed refusal returned by the launch decision.
type Blockage struct {
	Reason     string
	Experiment string
}

func (b *Blockage) Error() string {
	return fmt.Sprintf("launch blocked (%s): %s", b.Reason, b.Message())
}

// Message returns the user-facing explanation for the blockage.
func (b *Blockage) Message() string {
	if msg, ok := blockageMessages[b.Reason]; ok {
		return msg
	}

	return b.Reason
}

// ErrInvalidTransition indicates a state-machine precondition was
// violated, e.g. iterating a playlist while a slide is still open.
var ErrInvalidTransition = errors.New("invalid session transition")

// ErrStaleToken indicates a fetch-slide or gateway call carried a ping
// token that no longer matches the live session. The caller must
// relaunch.
var ErrStaleToken = errors.New("stale or unknown ping token")

// ErrNoSlidesRemaining indicates the playlist has been exhausted.
var ErrNoSlidesRemaining = errors.New("no slides remaining")

// ErrNotLive indicates a gateway call referenced a live session that is
// no longer alive.
var ErrNotLive = errors.New("session is not live")

// ConsistencyError reports a violated store invariant (more than one
// alive live session per subject, or a dangling browser pointer). It is
// fatal for the request: it signals a locking bug, and no automatic
// recovery is attempted.
type ConsistencyError struct {
	Detail string
}

func (e *ConsistencyError) Error() string {
	return "session store inconsistency: " + e.Detail
}

// consistencyErrorf builds a ConsistencyError from a format string.
func consistencyErrorf(format string, args ...any) error {
	return &ConsistencyError{Detail: fmt.Sprintf(format, args...)}
}

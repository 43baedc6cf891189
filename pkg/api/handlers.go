package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/presentoor/presentoor/pkg/catalog"
	"github.com/presentoor/presentoor/pkg/identity"
	"github.com/presentoor/presentoor/pkg/presenter"
	"github.com/presentoor/presentoor/pkg/store"
	"github.com/presentoor/presentoor/pkg/widget"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// blockageResponse is the payload for a refused launch.
type blockageResponse struct {
	Blocked    string `json:"blocked"`
	Message    string `json:"message"`
	Experiment string `json:"experiment"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// respondEngineError maps presenter errors onto HTTP statuses. A stale
// ping token gets 422 so the client knows to relaunch rather than retry.
func (s *server) respondEngineError(w http.ResponseWriter, err error) {
	var blockage *presenter.Blockage
	if errors.As(err, &blockage) {
		writeJSON(w, http.StatusConflict, blockageResponse{
			Blocked:    blockage.Reason,
			Message:    blockage.Message(),
			Experiment: blockage.Experiment,
		})

		return
	}

	switch {
	case errors.Is(err, presenter.ErrStaleToken):
		writeJSON(w, http.StatusUnprocessableEntity,
			errorResponse{"stale or unknown ping token, relaunch required"})
	case errors.Is(err, presenter.ErrNotLive):
		writeJSON(w, http.StatusGone,
			errorResponse{"live session has ended"})
	case errors.Is(err, presenter.ErrNoSlidesRemaining):
		writeJSON(w, http.StatusConflict,
			errorResponse{"no slides remaining"})
	case errors.Is(err, presenter.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict,
			errorResponse{err.Error()})
	case errors.Is(err, widget.ErrBadResponse):
		writeJSON(w, http.StatusBadRequest,
			errorResponse{err.Error()})
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound,
			errorResponse{"not found"})
	default:
		s.log.WithError(err).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal server error"})
	}
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Auth handlers ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin authenticates a subject and sets the identity cookie.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"username and password are required"})

		return
	}

	subject, token, err := s.identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid credentials"})

			return
		}

		s.respondEngineError(w, err)

		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Identity.IdentityCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.Identity.SessionTTLDuration().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"username":           subject.Username,
		"unlimited_attempts": subject.UnlimitedAttempts,
	})
}

// handleLogout revokes the identity session and clears the cookie.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.cfg.Identity.IdentityCookie); err == nil {
		if err := s.identity.Logout(r.Context(), cookie.Value); err != nil {
			s.log.WithError(err).Warn("Failed to revoke identity session")
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Identity.IdentityCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// --- Experiment handlers ---

// handleListExperiments returns the names of all catalogued experiments.
func (s *server) handleListExperiments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"experiments": s.catalog.ListExperiments(),
	})
}

// handleLaunch runs the launch decision for the named experiment.
func (s *server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromContext(r.Context())
	name := chi.URLParam(r, "name")

	launcher, err := s.engine.Launch(r.Context(), subject, name, s.liveToken(r))
	if err != nil {
		s.respondEngineError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, launcher)
}

// handleFetchSlide resolves the launch nonce, attaches the browser to
// its live session and returns the next slide. The live cookie is set
// here, not at launch time.
func (s *server) handleFetchSlide(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromContext(r.Context())
	name := chi.URLParam(r, "name")
	pingToken := chi.URLParam(r, "pingToken")

	view, err := s.engine.FetchSlide(r.Context(), subject, name, pingToken, clientMeta(r))
	if err != nil {
		s.respondEngineError(w, err)

		return
	}

	s.setLiveCookie(w, view.LiveToken)
	writeJSON(w, http.StatusOK, view)
}

// handleFeedback returns the per-attempt summary for the subject.
func (s *server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	subject := subjectFromContext(r.Context())
	name := chi.URLParam(r, "name")

	if _, err := s.catalog.GetExperiment(name); err != nil {
		s.respondEngineError(w, err)

		return
	}

	summaries, err := s.engine.Feedback(r.Context(), subject, name)
	if err != nil {
		s.respondEngineError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"experiment": name,
		"attempts":   summaries,
	})
}

// --- Gateway handlers ---

// handleWidgetGet serves a widget's presentation data.
func (s *server) handleWidgetGet(w http.ResponseWriter, r *http.Request) {
	widgetName := chi.URLParam(r, "widgetName")
	pingToken := r.URL.Query().Get("ping_uid")

	out, err := s.engine.WidgetGet(r.Context(), s.liveToken(r), pingToken, widgetName)
	if err != nil {
		s.respondEngineError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, out)
}

type widgetPostRequest struct {
	PingToken string         `json:"ping_uid"`
	Data      widget.Payload `json:"data"`
}

// handleWidgetPost records a widget response and returns its feedback.
func (s *server) handleWidgetPost(w http.ResponseWriter, r *http.Request) {
	widgetName := chi.URLParam(r, "widgetName")

	var req widgetPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	feedback, err := s.engine.WidgetPost(
		r.Context(), s.liveToken(r), req.PingToken, widgetName, req.Data,
	)
	if err != nil {
		s.respondEngineError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, feedback)
}

// handlePing stamps the heartbeat and reports the keep-alive verdict.
func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	pingToken := r.URL.Query().Get("ping_uid")

	keepAlive, err := s.engine.Ping(r.Context(), s.liveToken(r), pingToken)
	if err != nil {
		s.respondEngineError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"keep_alive": keepAlive})
}

type keepAliveRequest struct {
	PingToken string `json:"ping_uid"`
	KeepAlive bool   `json:"keep_alive"`
}

// handleSetKeepAlive lets the client flip its keep-alive flag.
// Posting false hangs the session up with a pause.
func (s *server) handleSetKeepAlive(w http.ResponseWriter, r *http.Request) {
	var req keepAliveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	keepAlive, err := s.engine.SetKeepAlive(
		r.Context(), s.liveToken(r), req.PingToken, req.KeepAlive,
	)
	if err != nil {
		s.respondEngineError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"keep_alive": keepAlive})
}

type hangupNowplayingRequest struct {
	PingToken string `json:"ping_uid"`
	IsHangup  bool   `json:"is_hangup"`
}

// handleHangupNowplaying completes the playing slide. The session stays
// live, so the next stop is always a relaunch.
func (s *server) handleHangupNowplaying(w http.ResponseWriter, r *http.Request) {
	var req hangupNowplayingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if !req.IsHangup {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"is_hangup must be true"})

		return
	}

	result, err := s.engine.HangupNowplaying(r.Context(), s.liveToken(r), req.PingToken)
	if err != nil {
		s.respondEngineError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"is_hangup": true,
		"next_uri":  "/api/v1/experiments/" + result.Experiment + "/launch",
		"progress":  result.Progress,
	})
}

type hangupPlaylistRequest struct {
	Action string `json:"action"`
}

// handleHangupPlaylist ends the live session with the requested action.
func (s *server) handleHangupPlaylist(w http.ResponseWriter, r *http.Request) {
	var req hangupPlaylistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	result, err := s.engine.HangupPlaylist(r.Context(), s.liveToken(r), req.Action)
	if err != nil {
		s.respondEngineError(w, err)

		return
	}

	// A feedback hangup points the client straight at its results;
	// anything else goes home.
	nextURI := "/"
	if req.Action == presenter.HangupActionFeedback {
		nextURI = "/api/v1/experiments/" + result.Experiment + "/feedback"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   result.Status,
		"progress": result.Progress,
		"next_uri": nextURI,
	})
}

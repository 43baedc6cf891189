package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/presentoor/presentoor/pkg/presenter"
	"github.com/presentoor/presentoor/pkg/store"
)

type contextKey string

const subjectContextKey contextKey = "subject"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireIdentity resolves the identity cookie to a subject and injects
// it into the request context.
func (s *server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(s.cfg.Identity.IdentityCookie)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		subject, err := s.identity.Resolve(r.Context(), cookie.Value)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid or expired identity session"})

			return
		}

		ctx := context.WithValue(r.Context(), subjectContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// subjectFromContext extracts the authenticated subject.
func subjectFromContext(ctx context.Context) *store.Subject {
	subject, _ := ctx.Value(subjectContextKey).(*store.Subject)

	return subject
}

// liveToken reads the live cookie, if the browser holds one.
func (s *server) liveToken(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.Identity.LiveCookie)
	if err != nil {
		return ""
	}

	return cookie.Value
}

// setLiveCookie binds the browser to its live session.
func (s *server) setLiveCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Identity.LiveCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// clientMeta extracts best-effort browser metadata for the live session
// record.
func clientMeta(r *http.Request) presenter.ClientMeta {
	return presenter.ClientMeta{
		UserAgent: r.UserAgent(),
		IPAddress: extractIP(r),
	}
}

// extractIP returns the client's IP address from the request, honouring
// the first hop of an X-Forwarded-For chain.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}

		return strings.TrimSpace(xff)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

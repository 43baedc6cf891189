// Package identity authenticates subjects and manages their login
// sessions. Identity is separate from liveness: the identity cookie says
// who the subject is, the live cookie says what they are playing.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/presentoor/presentoor/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned on a bad username or password. The
// two cases are deliberately indistinguishable to the caller.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrSessionExpired is returned when an identity token exists but has
// passed its TTL.
var ErrSessionExpired = errors.New("identity session expired")

// Resolver maps identity tokens to subjects.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*store.Subject, error)
}

// Manager issues, resolves and revokes identity sessions.
type Manager struct {
	log   logrus.FieldLogger
	store store.Store
	ttl   time.Duration
}

var _ Resolver = (*Manager)(nil)

// NewManager creates an identity manager with the given session TTL.
func NewManager(log logrus.FieldLogger, st store.Store, ttl time.Duration) *Manager {
	return &Manager{
		log:   log.WithField("component", "identity"),
		store: st,
		ttl:   ttl,
	}
}

// Login verifies the credentials and issues a new identity session
// token for the subject.
func (m *Manager) Login(
	ctx context.Context, username, password string,
) (*store.Subject, string, error) {
	subject, err := m.store.GetSubjectByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}

		return nil, "", err
	}

	if err := bcrypt.CompareHashAndPassword(
		[]byte(subject.PasswordHash), []byte(password),
	); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token := uuid.NewString()
	session := &store.IdentitySession{
		Token:     token,
		SubjectID: subject.ID,
		ExpiresAt: time.Now().UTC().Add(m.ttl),
	}

	if err := m.store.CreateIdentitySession(ctx, session); err != nil {
		return nil, "", fmt.Errorf("creating identity session: %w", err)
	}

	m.log.WithField("subject", subject.Username).Info("Subject logged in")

	return subject, token, nil
}

// Logout revokes the identity session for the given token. Revoking an
// unknown token is not an error.
func (m *Manager) Logout(ctx context.Context, token string) error {
	return m.store.DeleteIdentitySession(ctx, token)
}

// Resolve maps an identity token to its subject, refusing expired
// sessions and stamping activity on valid ones.
func (m *Manager) Resolve(ctx context.Context, token string) (*store.Subject, error) {
	session, err := m.store.GetIdentitySessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if time.Now().UTC().After(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	subject, err := m.store.GetSubjectByID(ctx, session.SubjectID)
	if err != nil {
		return nil, err
	}

	if err := m.store.UpdateIdentitySessionLastActive(
		ctx, session.ID, time.Now().UTC(),
	); err != nil {
		m.log.WithError(err).Warn("Failed to stamp identity session activity")
	}

	return subject, nil
}

// Sweep removes expired identity sessions.
func (m *Manager) Sweep(ctx context.Context) error {
	return m.store.DeleteExpiredIdentitySessions(ctx)
}

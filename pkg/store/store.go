package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/presentoor/presentoor/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for all session records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Subjects.
	GetSubjectByID(ctx context.Context, id uint) (*Subject, error)
	GetSubjectByUsername(ctx context.Context, username string) (*Subject, error)
	SeedSubjects(ctx context.Context, subjects []config.SubjectConfig) error

	// Identity sessions.
	CreateIdentitySession(ctx context.Context, session *IdentitySession) error
	GetIdentitySessionByToken(ctx context.Context, token string) (*IdentitySession, error)
	UpdateIdentitySessionLastActive(ctx context.Context, id uint, t time.Time) error
	DeleteIdentitySession(ctx context.Context, token string) error
	DeleteExpiredIdentitySessions(ctx context.Context) error

	// Experiment sessions.
	CreateExperimentSession(
		ctx context.Context,
		session *ExperimentSession,
		playlist *PlaylistSession,
		slides []SlideSession,
		widgets []WidgetSession,
	) error
	GetExperimentSession(ctx context.Context, id string) (*ExperimentSession, error)
	GetLatestExperimentSession(
		ctx context.Context, subjectID uint, experimentName string,
	) (*ExperimentSession, error)
	ListExperimentSessions(
		ctx context.Context, subjectID uint, experimentName string,
	) ([]ExperimentSession, error)
	CountCompletions(
		ctx context.Context, subjectID uint, experimentName string,
	) (int64, error)
	UpdateExperimentSession(ctx context.Context, session *ExperimentSession) error

	// Playlist traversal.
	GetPlaylistByExperimentSession(
		ctx context.Context, experimentSessionID string,
	) (*PlaylistSession, error)
	UpdatePlaylistSession(ctx context.Context, playlist *PlaylistSession) error
	ListSlideSessions(ctx context.Context, playlistSessionID string) ([]SlideSession, error)
	GetSlideSessionByRank(
		ctx context.Context, playlistSessionID string, rank int,
	) (*SlideSession, error)
	UpdateSlideSession(ctx context.Context, slide *SlideSession) error
	ListWidgetSessions(ctx context.Context, slideSessionID string) ([]WidgetSession, error)
	GetWidgetSession(
		ctx context.Context, slideSessionID, name string,
	) (*WidgetSession, error)
	UpdateWidgetSession(ctx context.Context, widget *WidgetSession) error

	// Live sessions.
	CreateLiveSession(ctx context.Context, session *LiveSession) error
	GetLiveSession(ctx context.Context, token string) (*LiveSession, error)
	ListAliveLiveSessionsBySubject(ctx context.Context, subjectID uint) ([]LiveSession, error)
	ListAliveLiveSessions(ctx context.Context) ([]LiveSession, error)
	ListFlaggedLiveSessions(ctx context.Context) ([]LiveSession, error)
	UpdateLiveSession(ctx context.Context, session *LiveSession) error

	// Pending launches.
	PutPendingLaunch(ctx context.Context, launch *PendingLaunch) error
	GetPendingLaunch(ctx context.Context, pingToken string) (*PendingLaunch, error)
	DeletePendingLaunch(ctx context.Context, pingToken string) error
	DeleteStalePendingLaunches(ctx context.Context, olderThan time.Time) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Subject{},
		&IdentitySession{},
		&ExperimentSession{},
		&PlaylistSession{},
		&SlideSession{},
		&WidgetSession{},
		&LiveSession{},
		&PendingLaunch{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// wrapNotFound maps gorm's not-found error onto the store sentinel.
func wrapNotFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return fmt.Errorf("%s: %w", what, err)
}

// --- Subjects ---

func (s *store) GetSubjectByID(ctx context.Context, id uint) (*Subject, error) {
	var subject Subject
	if err := s.db.WithContext(ctx).First(&subject, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting subject by id")
	}

	return &subject, nil
}

func (s *store) GetSubjectByUsername(
	ctx context.Context, username string,
) (*Subject, error) {
	var subject Subject
	if err := s.db.WithContext(ctx).
		Where("username = ?", username).
		First(&subject).Error; err != nil {
		return nil, wrapNotFound(err, "getting subject by username")
	}

	return &subject, nil
}

// SeedSubjects upserts config-sourced subject accounts.
func (s *store) SeedSubjects(
	ctx context.Context, subjects []config.SubjectConfig,
) error {
	for _, sub := range subjects {
		hash, err := bcrypt.GenerateFromPassword(
			[]byte(sub.Password), bcrypt.DefaultCost,
		)
		if err != nil {
			return fmt.Errorf("hashing password for %q: %w", sub.Username, err)
		}

		record := Subject{
			Username:          sub.Username,
			PasswordHash:      string(hash),
			UnlimitedAttempts: sub.UnlimitedAttempts,
		}

		result := s.db.WithContext(ctx).
			Where("username = ?", sub.Username).
			Assign(Subject{
				PasswordHash:      string(hash),
				UnlimitedAttempts: sub.UnlimitedAttempts,
			}).
			FirstOrCreate(&record)
		if result.Error != nil {
			return fmt.Errorf("seeding subject %q: %w", sub.Username, result.Error)
		}
	}

	if len(subjects) > 0 {
		s.log.WithField("count", len(subjects)).
			Info("Seeded subjects from config")
	}

	return nil
}

// --- Identity sessions ---

func (s *store) CreateIdentitySession(
	ctx context.Context, session *IdentitySession,
) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating identity session: %w", err)
	}

	return nil
}

func (s *store) GetIdentitySessionByToken(
	ctx context.Context, token string,
) (*IdentitySession, error) {
	var session IdentitySession
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		First(&session).Error; err != nil {
		return nil, wrapNotFound(err, "getting identity session by token")
	}

	return &session, nil
}

func (s *store) UpdateIdentitySessionLastActive(
	ctx context.Context, id uint, t time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&IdentitySession{}).
		Where("id = ?", id).
		Update("last_active_at", t).Error; err != nil {
		return fmt.Errorf("updating identity session last active: %w", err)
	}

	return nil
}

func (s *store) DeleteIdentitySession(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Delete(&IdentitySession{}).Error; err != nil {
		return fmt.Errorf("deleting identity session: %w", err)
	}

	return nil
}

func (s *store) DeleteExpiredIdentitySessions(ctx context.Context) error {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&IdentitySession{})
	if result.Error != nil {
		return fmt.Errorf("deleting expired identity sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Cleaned up expired identity sessions")
	}

	return nil
}

// --- Experiment sessions ---

// CreateExperimentSession writes a session and its materialized playlist
// in one transaction so a half-created attempt can never be observed.
func (s *store) CreateExperimentSession(
	ctx context.Context,
	session *ExperimentSession,
	playlist *PlaylistSession,
	slides []SlideSession,
	widgets []WidgetSession,
) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("creating experiment session: %w", err)
		}

		if err := tx.Create(playlist).Error; err != nil {
			return fmt.Errorf("creating playlist session: %w", err)
		}

		if len(slides) > 0 {
			if err := tx.Create(&slides).Error; err != nil {
				return fmt.Errorf("creating slide sessions: %w", err)
			}
		}

		if len(widgets) > 0 {
			if err := tx.Create(&widgets).Error; err != nil {
				return fmt.Errorf("creating widget sessions: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.log.WithField("experiment_session", session.ID).
		WithField("slides", len(slides)).
		Debug("Experiment session created")

	return nil
}

func (s *store) GetExperimentSession(
	ctx context.Context, id string,
) (*ExperimentSession, error) {
	var session ExperimentSession
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&session).Error; err != nil {
		return nil, wrapNotFound(err, "getting experiment session")
	}

	return &session, nil
}

func (s *store) GetLatestExperimentSession(
	ctx context.Context, subjectID uint, experimentName string,
) (*ExperimentSession, error) {
	var session ExperimentSession
	if err := s.db.WithContext(ctx).
		Where("subject_id = ? AND experiment_name = ?", subjectID, experimentName).
		Order("attempt DESC").
		First(&session).Error; err != nil {
		return nil, wrapNotFound(err, "getting latest experiment session")
	}

	return &session, nil
}

func (s *store) ListExperimentSessions(
	ctx context.Context, subjectID uint, experimentName string,
) ([]ExperimentSession, error) {
	var sessions []ExperimentSession
	if err := s.db.WithContext(ctx).
		Where("subject_id = ? AND experiment_name = ?", subjectID, experimentName).
		Order("attempt ASC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing experiment sessions: %w", err)
	}

	return sessions, nil
}

func (s *store) CountCompletions(
	ctx context.Context, subjectID uint, experimentName string,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&ExperimentSession{}).
		Where(
			"subject_id = ? AND experiment_name = ? AND status = ?",
			subjectID, experimentName, StatusCompleted,
		).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting completions: %w", err)
	}

	return count, nil
}

func (s *store) UpdateExperimentSession(
	ctx context.Context, session *ExperimentSession,
) error {
	if err := s.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("updating experiment session: %w", err)
	}

	return nil
}

// --- Playlist traversal ---

func (s *store) GetPlaylistByExperimentSession(
	ctx context.Context, experimentSessionID string,
) (*PlaylistSession, error) {
	var playlist PlaylistSession
	if err := s.db.WithContext(ctx).
		Where("experiment_session_id = ?", experimentSessionID).
		First(&playlist).Error; err != nil {
		return nil, wrapNotFound(err, "getting playlist session")
	}

	return &playlist, nil
}

func (s *store) UpdatePlaylistSession(
	ctx context.Context, playlist *PlaylistSession,
) error {
	if err := s.db.WithContext(ctx).Save(playlist).Error; err != nil {
		return fmt.Errorf("updating playlist session: %w", err)
	}

	return nil
}

func (s *store) ListSlideSessions(
	ctx context.Context, playlistSessionID string,
) ([]SlideSession, error) {
	var slides []SlideSession
	if err := s.db.WithContext(ctx).
		Where("playlist_session_id = ?", playlistSessionID).
		Order("rank ASC").
		Find(&slides).Error; err != nil {
		return nil, fmt.Errorf("listing slide sessions: %w", err)
	}

	return slides, nil
}

func (s *store) GetSlideSessionByRank(
	ctx context.Context, playlistSessionID string, rank int,
) (*SlideSession, error) {
	var slide SlideSession
	if err := s.db.WithContext(ctx).
		Where("playlist_session_id = ? AND rank = ?", playlistSessionID, rank).
		First(&slide).Error; err != nil {
		return nil, wrapNotFound(err, "getting slide session by rank")
	}

	return &slide, nil
}

func (s *store) UpdateSlideSession(ctx context.Context, slide *SlideSession) error {
	if err := s.db.WithContext(ctx).Save(slide).Error; err != nil {
		return fmt.Errorf("updating slide session: %w", err)
	}

	return nil
}

func (s *store) ListWidgetSessions(
	ctx context.Context, slideSessionID string,
) ([]WidgetSession, error) {
	var widgets []WidgetSession
	if err := s.db.WithContext(ctx).
		Where("slide_session_id = ?", slideSessionID).
		Order("rank ASC").
		Find(&widgets).Error; err != nil {
		return nil, fmt.Errorf("listing widget sessions: %w", err)
	}

	return widgets, nil
}

func (s *store) GetWidgetSession(
	ctx context.Context, slideSessionID, name string,
) (*WidgetSession, error) {
	var widget WidgetSession
	if err := s.db.WithContext(ctx).
		Where("slide_session_id = ? AND name = ?", slideSessionID, name).
		First(&widget).Error; err != nil {
		return nil, wrapNotFound(err, "getting widget session")
	}

	return &widget, nil
}

func (s *store) UpdateWidgetSession(ctx context.Context, widget *WidgetSession) error {
	if err := s.db.WithContext(ctx).Save(widget).Error; err != nil {
		return fmt.Errorf("updating widget session: %w", err)
	}

	return nil
}

// --- Live sessions ---

func (s *store) CreateLiveSession(ctx context.Context, session *LiveSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating live session: %w", err)
	}

	return nil
}

func (s *store) GetLiveSession(ctx context.Context, token string) (*LiveSession, error) {
	var session LiveSession
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		First(&session).Error; err != nil {
		return nil, wrapNotFound(err, "getting live session")
	}

	return &session, nil
}

func (s *store) ListAliveLiveSessionsBySubject(
	ctx context.Context, subjectID uint,
) ([]LiveSession, error) {
	var sessions []LiveSession
	if err := s.db.WithContext(ctx).
		Where("subject_id = ? AND alive = ?", subjectID, true).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing alive live sessions by subject: %w", err)
	}

	return sessions, nil
}

func (s *store) ListAliveLiveSessions(ctx context.Context) ([]LiveSession, error) {
	var sessions []LiveSession
	if err := s.db.WithContext(ctx).
		Where("alive = ?", true).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing alive live sessions: %w", err)
	}

	return sessions, nil
}

func (s *store) ListFlaggedLiveSessions(ctx context.Context) ([]LiveSession, error) {
	var sessions []LiveSession
	if err := s.db.WithContext(ctx).
		Where("alive = ? AND keep_alive = ?", true, false).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing flagged live sessions: %w", err)
	}

	return sessions, nil
}

func (s *store) UpdateLiveSession(ctx context.Context, session *LiveSession) error {
	if err := s.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("updating live session: %w", err)
	}

	return nil
}

// --- Pending launches ---

func (s *store) PutPendingLaunch(ctx context.Context, launch *PendingLaunch) error {
	if err := s.db.WithContext(ctx).Save(launch).Error; err != nil {
		return fmt.Errorf("putting pending launch: %w", err)
	}

	return nil
}

func (s *store) GetPendingLaunch(
	ctx context.Context, pingToken string,
) (*PendingLaunch, error) {
	var launch PendingLaunch
	if err := s.db.WithContext(ctx).
		Where("ping_token = ?", pingToken).
		First(&launch).Error; err != nil {
		return nil, wrapNotFound(err, "getting pending launch")
	}

	return &launch, nil
}

func (s *store) DeletePendingLaunch(ctx context.Context, pingToken string) error {
	if err := s.db.WithContext(ctx).
		Where("ping_token = ?", pingToken).
		Delete(&PendingLaunch{}).Error; err != nil {
		return fmt.Errorf("deleting pending launch: %w", err)
	}

	return nil
}

func (s *store) DeleteStalePendingLaunches(
	ctx context.Context, olderThan time.Time,
) error {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", olderThan).
		Delete(&PendingLaunch{})
	if result.Error != nil {
		return fmt.Errorf("deleting stale pending launches: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Cleaned up stale pending launches")
	}

	return nil
}

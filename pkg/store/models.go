package store

import (
	"time"
)

// ExperimentSession statuses.
const (
	StatusInitialized   = "initialized"
	StatusLive          = "live"
	StatusPaused        = "paused"
	StatusPartCompleted = "part_completed"
	StatusCompleted     = "completed"
)

// Subject is a participant account.
type Subject struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Username          string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash      string    `gorm:"not null" json:"-"`
	UnlimitedAttempts bool      `gorm:"not null;default:false" json:"unlimited_attempts"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IdentitySession is an authenticated browser identity (login cookie).
// Distinct from LiveSession: identity says who you are, a live session
// says which experiment attempt is currently playing.
type IdentitySession struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Token        string     `gorm:"uniqueIndex;not null" json:"-"`
	SubjectID    uint       `gorm:"not null;index" json:"subject_id"`
	ExpiresAt    time.Time  `gorm:"not null" json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt *time.Time `json:"last_active_at"`
}

// ExperimentSession is one attempt by one subject at one experiment
// version. Completed is terminal; a new attempt is a new row.
type ExperimentSession struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	SubjectID      uint       `gorm:"not null;index;uniqueIndex:idx_subject_version_attempt" json:"subject_id"`
	ExperimentName string     `gorm:"not null;index" json:"experiment_name"`
	VersionLabel   string     `gorm:"not null;uniqueIndex:idx_subject_version_attempt" json:"version_label"`
	Attempt        int        `gorm:"not null;uniqueIndex:idx_subject_version_attempt" json:"attempt"`
	Status         string     `gorm:"not null;index" json:"status"`
	DateStarted    time.Time  `json:"date_started"`
	LastActivity   time.Time  `json:"last_activity"`
	DateCompleted  *time.Time `json:"date_completed"`
}

// IsLive reports whether the session is currently live.
func (s *ExperimentSession) IsLive() bool { return s.Status == StatusLive }

// IsPaused reports whether the session is paused.
func (s *ExperimentSession) IsPaused() bool { return s.Status == StatusPaused }

// IsCompleted reports whether the session has finished for good.
func (s *ExperimentSession) IsCompleted() bool { return s.Status == StatusCompleted }

// PlaylistSession is a subject's ordered traversal of an experiment's
// slides, materialized (possibly sampled and shuffled) at creation.
type PlaylistSession struct {
	ID                  string     `gorm:"primaryKey" json:"id"`
	ExperimentSessionID string     `gorm:"not null;uniqueIndex" json:"experiment_session_id"`
	CurrentSlideRank    *int       `json:"current_slide_rank"`
	Started             bool       `gorm:"not null;default:false" json:"started"`
	StartedAt           *time.Time `json:"started_at"`
	Completed           bool       `gorm:"not null;default:false" json:"completed"`
	CompletedAt         *time.Time `json:"completed_at"`
}

// SlideSession tracks one slide within a playlist session.
type SlideSession struct {
	ID                string     `gorm:"primaryKey" json:"id"`
	PlaylistSessionID string     `gorm:"not null;index" json:"playlist_session_id"`
	Name              string     `gorm:"not null" json:"name"`
	Rank              int        `gorm:"not null" json:"rank"`
	Started           bool       `gorm:"not null;default:false" json:"started"`
	StartedAt         *time.Time `json:"started_at"`
	Completed         bool       `gorm:"not null;default:false" json:"completed"`
	CompletedAt       *time.Time `json:"completed_at"`
	PingToken         *string    `json:"-"`
}

// WidgetSession tracks one widget within a slide session, including the
// subject's posted response.
type WidgetSession struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	SlideSessionID string     `gorm:"not null;index" json:"slide_session_id"`
	Name           string     `gorm:"not null" json:"name"`
	Kind           string     `gorm:"not null" json:"kind"`
	Rank           int        `gorm:"not null" json:"rank"`
	Params         string     `json:"-"` // JSON-encoded widget parameters
	Started        bool       `gorm:"not null;default:false" json:"started"`
	StartedAt      *time.Time `json:"started_at"`
	Completed      bool       `gorm:"not null;default:false" json:"completed"`
	CompletedAt    *time.Time `json:"completed_at"`
	Response       string     `json:"-"` // JSON-encoded posted data
}

// LiveSession is the durable "this is currently playing" pointer.
// Its token doubles as the browser-held cookie value. Rows are never
// hard-deleted; Alive=false marks them dead but keeps them for audit.
type LiveSession struct {
	Token               string     `gorm:"primaryKey" json:"-"`
	ExperimentSessionID string     `gorm:"not null;index" json:"experiment_session_id"`
	SubjectID           uint       `gorm:"not null;index" json:"subject_id"`
	DateCreated         time.Time  `json:"date_created"`
	LastActivity        *time.Time `json:"last_activity"`
	LastPing            *time.Time `json:"last_ping"`
	NowplayingPingToken *string    `gorm:"uniqueIndex" json:"-"`
	IsNowplaying        bool       `gorm:"not null;default:false" json:"is_nowplaying"`
	KeepAlive           bool       `gorm:"not null;default:true" json:"keep_alive"`
	Alive               bool       `gorm:"not null;index" json:"alive"`

	// Best-effort client metadata. Empty when enrichment failed.
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	// Best-effort server metadata, JSON-encoded.
	ServerInfo string `json:"server_info,omitempty"`
}

// PendingLaunch correlates a launcher response with the subsequent
// fetch-slide call. The ping token is a per-launch nonce: a fetch-slide
// carrying an unknown or stale token is refused and must relaunch.
type PendingLaunch struct {
	PingToken           string    `gorm:"primaryKey" json:"-"`
	SubjectID           uint      `gorm:"not null;index" json:"subject_id"`
	ExperimentName      string    `gorm:"not null" json:"experiment_name"`
	Kind                string    `gorm:"not null" json:"kind"`
	LiveToken           *string   `json:"-"`
	ExperimentSessionID *string   `json:"experiment_session_id"`
	CreatedAt           time.Time `json:"created_at"`
}

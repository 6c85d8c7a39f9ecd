package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrNotFound      = errors.New("storage: record not found")
	ErrConflict      = errors.New("storage: conflicting write")
	ErrBatchTooLarge = errors.New("storage: batch exceeds write limit")
)

const DefaultBatchLimit = 25

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (default; state is lost on restart)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	BatchLimit  int           // 0 means DefaultBatchLimit
}

// ConnectionSet is the set of live delivery handles registered under one key.
// Handles are sorted; an empty set is a valid, persisted state.
type ConnectionSet struct {
	Key     string
	Handles []string
}

func (c *ConnectionSet) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Handles)
}

// JobRecord is the persisted form of one subject's recurring poll job.
type JobRecord struct {
	Subject   string
	Tier      string
	NextFire  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credentials are a subject's tokens for the external status source.
type Credentials struct {
	Subject      string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// StatusRecord is the last observed external status, kept for display.
type StatusRecord struct {
	Subject   string
	Payload   []byte // JSON
	ChangedAt time.Time
}

// ConnectionStore persists key -> set of handles. Every method is an atomic
// read-modify-write of a single key (or of each key in a batch).
type ConnectionStore interface {
	AddConnection(ctx context.Context, key, handle string) error
	// AddConnectionBatch adds handle to every key in one write. len(keys) must not
	// exceed BatchLimit.
	AddConnectionBatch(ctx context.Context, keys []string, handle string) error
	RemoveConnections(ctx context.Context, key string, handles []string) (remaining int, err error)
	// ClearConnections stores an empty set for key, creating the record if needed.
	ClearConnections(ctx context.Context, key string) error
	// LoadConnections returns (nil, nil) when key has no record.
	LoadConnections(ctx context.Context, key string) (*ConnectionSet, error)
	BatchLimit() int
}

// JobStore persists scheduler jobs, at most one per subject.
type JobStore interface {
	// PutJob inserts a job; ErrConflict if the subject already has one.
	PutJob(ctx context.Context, j JobRecord) error
	// SwapJobTier moves a job from one tier to another only if it is currently in from.
	// ErrNotFound if no job exists, ErrConflict if it is in another tier.
	SwapJobTier(ctx context.Context, subject, from, to string, next time.Time) error
	// DeleteJob removes the job only if it is in tier; it reports whether a row was removed.
	DeleteJob(ctx context.Context, subject, tier string) (bool, error)
	// GetJob returns (nil, nil) when the subject has no job.
	GetJob(ctx context.Context, subject string) (*JobRecord, error)
	ListJobs(ctx context.Context) ([]JobRecord, error)
}

type CredentialStore interface {
	// GetCredentials returns ErrNotFound when the subject never linked an account.
	GetCredentials(ctx context.Context, subject string) (*Credentials, error)
	PutCredentials(ctx context.Context, c Credentials) error
}

type StatusStore interface {
	PutStatus(ctx context.Context, s StatusRecord) error
	// GetStatus returns (nil, nil) when nothing was recorded.
	GetStatus(ctx context.Context, subject string) (*StatusRecord, error)
}

// Store is the persistence API used by the core.
type Store interface {
	ConnectionStore
	JobStore
	CredentialStore
	StatusStore
	Close() error
}

// Package presence runs the per-subject poll loop: read the subject's current
// track, pick the polling tier, push the status to every viewer and drop the
// viewers that are gone.
package presence

import (
	"context"
	"time"

	"nowplaying/internal/provider"
	"nowplaying/internal/storage"
	"nowplaying/internal/task/scheduler"
)

// Registry is the subset of the connection registry the poll loop needs.
type Registry interface {
	AddConnection(ctx context.Context, subject, handle string) error
	AddConnectionToMany(ctx context.Context, subjects []string, handle string) error
	RemoveConnections(ctx context.Context, subject string, handles []string) (int, error)
	Clear(ctx context.Context, subject string) error
	Load(ctx context.Context, subject string) (*storage.ConnectionSet, error)
}

// Scheduler is the job surface of the tiered scheduler.
type Scheduler interface {
	Exists(ctx context.Context, subject string) (bool, error)
	EnsureScheduled(ctx context.Context, subject string) error
	SetTier(ctx context.Context, subject string, tier scheduler.Tier) error
	Unschedule(ctx context.Context, subject string, tier scheduler.Tier) error
	Job(ctx context.Context, subject string) (*scheduler.JobInfo, error)
}

// Deliverer fans one payload out and returns the gone handles.
type Deliverer interface {
	Deliver(ctx context.Context, handles []string, payload any) ([]string, error)
}

// Message is the frame viewers receive for a status change.
type Message struct {
	Type    string           `json:"type"`
	Subject string           `json:"subject"`
	Status  *provider.Status `json:"status"`
	At      time.Time        `json:"at"`
}

const MessageType = "presence"

// Tick outcomes, reported in TickEvent.Result.
const (
	ResultDelivered = "delivered"
	ResultAbsent    = "absent"
	ResultFailed    = "failed"
)

type TickEvent struct {
	Subject  string        `json:"subject"`
	Tier     string        `json:"tier"`
	Result   string        `json:"result"`
	Viewers  int           `json:"viewers"`
	Gone     int           `json:"gone"`
	Duration time.Duration `json:"duration"`
}

type TierEvent struct {
	Subject string `json:"subject"`
	From    string `json:"from"`
	To      string `json:"to"`
}

type PruneEvent struct {
	Subject   string `json:"subject"`
	Removed   int    `json:"removed"`
	Remaining int    `json:"remaining"`
}

type TeardownEvent struct {
	Subject string `json:"subject"`
	Tier    string `json:"tier"`
	Error   string `json:"error"`
}

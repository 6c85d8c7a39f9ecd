// Package provider talks to the external music service: it reads a subject's
// currently playing track and refreshes expired OAuth credentials.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nowplaying/internal/storage"
)

var (
	ErrUnauthorized = errors.New("provider: credentials rejected")
	ErrRateLimited  = errors.New("provider: rate limited")
	ErrNoRefresh    = errors.New("provider: no refresh token")
)

// StatusError is a non-success HTTP answer from the provider.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider: http %d (retry after %s)", e.Code, e.RetryAfter)
	}
	return fmt.Sprintf("provider: http %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case 401, 403:
		return ErrUnauthorized
	case 429:
		return ErrRateLimited
	}
	return nil
}

type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Album      string   `json:"album"`
	AlbumImage string   `json:"album_image,omitempty"`
	Artists    []string `json:"artists"`
	DurationMS int64    `json:"duration_ms"`
	URL        string   `json:"url,omitempty"`
}

// Status is what a subject is listening to right now. A nil *Status means nothing is playing.
type Status struct {
	Track      Track     `json:"track"`
	Playing    bool      `json:"playing"`
	ProgressMS int64     `json:"progress_ms"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Client is the external status source.
type Client interface {
	// GetStatus returns (nil, nil) when nothing is playing.
	GetStatus(ctx context.Context, creds storage.Credentials, subject string) (*Status, error)
	// RefreshCredentials exchanges a refresh token for a fresh access token.
	RefreshCredentials(ctx context.Context, refreshToken string) (storage.Credentials, error)
}

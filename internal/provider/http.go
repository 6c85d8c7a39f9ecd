package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"nowplaying/internal/storage"
	logx "nowplaying/pkg/logx"
)

const currentlyPlayingPath = "/me/player/currently-playing"

type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	RatePerSec   int
}

// HTTPClient is the Client backed by the provider's web API. The *http.Client is
// owned by the caller and shared by status reads and token refreshes.
type HTTPClient struct {
	base    string
	oauth   *oauth2.Config
	hc      *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewHTTP(cfg Config, hc *http.Client, log logx.Logger) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("provider base url required")
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, errors.New("provider token url required")
	}
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &HTTPClient{
		base: base,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		},
		hc:      hc,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log.With(logx.String("comp", "provider")),
	}, nil
}

type wirePlaying struct {
	Timestamp  int64 `json:"timestamp"`
	ProgressMS int64 `json:"progress_ms"`
	IsPlaying  bool  `json:"is_playing"`
	Item       *struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		DurationMS int64  `json:"duration_ms"`
		Album      struct {
			Name   string `json:"name"`
			Images []struct {
				URL string `json:"url"`
			} `json:"images"`
		} `json:"album"`
		Artists []struct {
			Name string `json:"name"`
		} `json:"artists"`
		ExternalURLs map[string]string `json:"external_urls"`
	} `json:"item"`
}

func (c *HTTPClient) GetStatus(ctx context.Context, creds storage.Credentials, subject string) (*Status, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+currentlyPlayingPath, nil)
	if err != nil {
		return nil, err
	}
	typ := creds.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	req.Header.Set("Authorization", typ+" "+creds.AccessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("currently playing %s: %w", subject, err)
	}
	defer resp.Body.Close()
	c.log.Trace("provider request",
		logx.String("subject", subject),
		logx.Int("code", resp.StatusCode),
		logx.Duration("dur", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("currently playing %s: %w", subject, statusError(resp))
	}

	var w wirePlaying
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&w); err != nil {
		return nil, fmt.Errorf("currently playing %s: decode: %w", subject, err)
	}
	if !w.IsPlaying || w.Item == nil {
		return nil, nil
	}
	st := &Status{
		Playing:    true,
		ProgressMS: w.ProgressMS,
		Track: Track{
			ID:         w.Item.ID,
			Name:       w.Item.Name,
			Album:      w.Item.Album.Name,
			DurationMS: w.Item.DurationMS,
			URL:        w.Item.ExternalURLs["spotify"],
		},
	}
	if len(w.Item.Album.Images) > 0 {
		st.Track.AlbumImage = w.Item.Album.Images[0].URL
	}
	for _, a := range w.Item.Artists {
		st.Track.Artists = append(st.Track.Artists, a.Name)
	}
	if w.Timestamp > 0 {
		st.ChangedAt = time.UnixMilli(w.Timestamp)
	} else {
		st.ChangedAt = time.Now()
	}
	return st, nil
}

func (c *HTTPClient) RefreshCredentials(ctx context.Context, refreshToken string) (storage.Credentials, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return storage.Credentials{}, ErrNoRefresh
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return storage.Credentials{}, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.hc)
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return storage.Credentials{}, fmt.Errorf("token refresh: %w", &StatusError{Code: re.Response.StatusCode})
		}
		return storage.Credentials{}, fmt.Errorf("token refresh: %w", err)
	}
	return storage.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		Expiry:       tok.Expiry,
	}, nil
}

func statusError(resp *http.Response) *StatusError {
	e := &StatusError{Code: resp.StatusCode}
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

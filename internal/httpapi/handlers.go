package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nowplaying/internal/chat"
	"nowplaying/internal/storage"
	logx "nowplaying/pkg/logx"
)

const maxBody = 64 << 10

type presenceView struct {
	Subject  string          `json:"subject"`
	Tier     string          `json:"tier"`
	Interval string          `json:"interval"`
	NextFire time.Time       `json:"next_fire"`
	Viewers  int             `json:"viewers"`
	Status   json.RawMessage `json:"status,omitempty"`
}

func (a *api) getPresence(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if a.d.Jobs == nil {
		writeError(w, http.StatusNotImplemented, "presence disabled")
		return
	}
	job, err := a.d.Jobs.Job(r.Context(), subject)
	if err != nil {
		a.log.Warn("presence lookup failed", logx.String("subject", subject), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "no job")
		return
	}
	view := presenceView{Subject: subject, Tier: job.TierName, Interval: job.Interval, NextFire: job.NextFire}
	if a.d.Viewers != nil {
		if set, err := a.d.Viewers.Load(r.Context(), subject); err == nil {
			view.Viewers = set.Len()
		}
	}
	if a.d.Statuses != nil {
		if rec, err := a.d.Statuses.GetStatus(r.Context(), subject); err == nil && rec != nil {
			view.Status = rec.Payload
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type credentialsBody struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
}

func (a *api) putCredentials(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if a.d.Credentials == nil {
		writeError(w, http.StatusNotImplemented, "credentials disabled")
		return
	}
	var body credentialsBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.AccessToken) == "" && strings.TrimSpace(body.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "access_token or refresh_token required")
		return
	}
	err := a.d.Credentials.PutCredentials(r.Context(), storage.Credentials{
		Subject:      subject,
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenType:    body.TokenType,
		Expiry:       body.Expiry,
	})
	if err != nil {
		a.log.Warn("credentials not stored", logx.String("subject", subject), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatBody struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func (a *api) postChat(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if a.d.Chat == nil {
		writeError(w, http.StatusNotImplemented, "chat disabled")
		return
	}
	var body chatBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	gone, err := a.d.Chat.Broadcast(r.Context(), room, chat.Message{From: body.From, Text: body.Text})
	switch {
	case errors.Is(err, chat.ErrEmptyText):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.log.Warn("chat broadcast failed", logx.String("room", room), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "broadcast failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"gone": len(gone)})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid body: " + err.Error())
	}
	return nil
}

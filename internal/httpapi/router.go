// Package httpapi is the HTTP surface: websocket upgrade, chat posts, presence
// inspection, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nowplaying/internal/chat"
	"nowplaying/internal/registry"
	"nowplaying/internal/storage"
	"nowplaying/internal/task/scheduler"
	logx "nowplaying/pkg/logx"
)

type Jobs interface {
	Job(ctx context.Context, subject string) (*scheduler.JobInfo, error)
}

type Viewers interface {
	Load(ctx context.Context, subject string) (*storage.ConnectionSet, error)
}

type Chat interface {
	Broadcast(ctx context.Context, room string, msg chat.Message) ([]string, error)
}

// Deps are the collaborators behind the routes. Nil handlers disable their route.
type Deps struct {
	Jobs        Jobs
	Viewers     Viewers
	Statuses    storage.StatusStore
	Credentials storage.CredentialStore
	Chat        Chat
	Socket      http.Handler
	Metrics     http.Handler
	// Observe is told the status of every response.
	Observe func(status int)
	Log     logx.Logger
}

type api struct {
	d   Deps
	log logx.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	a := &api{d: d, log: d.Log.With(logx.String("comp", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.log, d.Observe))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Socket != nil {
		r.Method(http.MethodGet, "/ws", d.Socket)
	}
	r.Route("/presence/{subject}", func(r chi.Router) {
		r.Use(subjectGuard)
		r.Get("/", a.getPresence)
		r.Put("/credentials", a.putCredentials)
	})
	r.Post("/chats/{room}/messages", a.postChat)
	return r
}

// subjectGuard rejects subject paths that name another registry namespace.
func subjectGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := registry.CheckSubject(chi.URLParam(r, "subject")); err != nil {
			writeError(w, http.StatusBadRequest, "invalid subject")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs every request at debug, and at warn for server errors.
func requestLogger(log logx.Logger, observe func(int)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				// Hijacked (websocket) or nothing written.
				status = http.StatusOK
			}
			if observe != nil {
				observe(status)
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Duration("dur", time.Since(start)),
				logx.Int("size", ww.BytesWritten()),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			}
			if status >= 500 {
				log.Warn("request", fields...)
				return
			}
			log.Debug("request", fields...)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

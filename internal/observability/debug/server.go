// Package debug serves profiling and runtime state on a separate, normally
// loopback-only listener.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "nowplaying/pkg/logx"
)

// Config controls the debug listener. An empty Addr disables it.
//
// A non-loopback Addr requires Token.
type Config struct {
	Addr  string
	Token string
}

// StateFunc returns a JSON-encodable value for GET /state.
type StateFunc func() any

type Server struct {
	cfg   Config
	state map[string]StateFunc
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, state: map[string]StateFunc{}, log: log.With(logx.String("comp", "debug"))}
}

func (s *Server) Enabled() bool { return strings.TrimSpace(s.cfg.Addr) != "" }

// Expose adds a named section to GET /state. Call before Run.
func (s *Server) Expose(name string, fn StateFunc) { s.state[name] = fn }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(bearer(s.cfg.Token))
	r.Mount("/debug", middleware.Profiler())
	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string]any, len(s.state))
		for name, fn := range s.state {
			out[name] = fn()
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	})
	return r
}

// Run serves until ctx is done. It refuses a public bind without a token.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		return nil
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("debug listener refused: non-loopback addr requires a token")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()
	s.log.Info("debug listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || strings.TrimSpace(h) == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

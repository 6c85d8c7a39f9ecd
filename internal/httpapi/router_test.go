package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nowplaying/internal/chat"
	"nowplaying/internal/storage"
	"nowplaying/internal/task/scheduler"
	logx "nowplaying/pkg/logx"
)

type fakeJobs map[string]*scheduler.JobInfo

func (f fakeJobs) Job(_ context.Context, s string) (*scheduler.JobInfo, error) {
	if s == "broken" {
		return nil, errors.New("store down")
	}
	return f[s], nil
}

type fakeChat struct {
	room string
	msg  chat.Message
}

func (f *fakeChat) Broadcast(_ context.Context, room string, msg chat.Message) ([]string, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return nil, chat.ErrEmptyText
	}
	f.room, f.msg = room, msg
	return []string{"gone-1", "gone-2"}, nil
}

func newTestRouter(t *testing.T) (http.Handler, storage.Store, *fakeChat, *[]int) {
	t.Helper()
	st := storage.NewMemory(0)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	_ = st.AddConnection(ctx, "u1", "c1")
	_ = st.AddConnection(ctx, "u1", "c2")
	_ = st.PutStatus(ctx, storage.StatusRecord{Subject: "u1", Payload: []byte(`{"playing":true}`)})

	next := time.Date(2026, 1, 1, 0, 0, 15, 0, time.UTC)
	jobs := fakeJobs{"u1": {Subject: "u1", Tier: scheduler.Active, TierName: "active", Interval: "15s", NextFire: next}}
	fc := &fakeChat{}
	var seen []int
	h := NewRouter(Deps{
		Jobs:        jobs,
		Viewers:     viewerStore{st},
		Statuses:    st,
		Credentials: st,
		Chat:        fc,
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) }),
		Observe:     func(code int) { seen = append(seen, code) },
		Log:         logx.Nop(),
	})
	return h, st, fc, &seen
}

type viewerStore struct{ st storage.Store }

func (v viewerStore) Load(ctx context.Context, s string) (*storage.ConnectionSet, error) {
	return v.st.LoadConnections(ctx, s)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestRouter(t)
	tests := []struct {
		method, path, body string
		code               int
		contains           string
	}{
		{"GET", "/healthz", "", 200, `"ok"`},
		{"GET", "/metrics", "", 200, "metrics"},
		{"GET", "/presence/u1", "", 200, `"tier":"active"`},
		{"GET", "/presence/nobody", "", 404, "no job"},
		{"GET", "/presence/broken", "", 500, "lookup failed"},
		{"POST", "/chats/r1/messages", `{"from":"u1","text":"  "}`, 400, "empty text"},
		{"POST", "/chats/r1/messages", `{"bogus":1}`, 400, "invalid body"},
		{"PUT", "/presence/u9/credentials", `{}`, 400, "required"},
		{"GET", "/presence/room:r1", "", 400, "invalid subject"},
		{"PUT", "/presence/room:r1/credentials", `{"access_token":"at"}`, 400, "invalid subject"},
		{"DELETE", "/healthz", "", 405, ""},
	}
	for _, tt := range tests {
		rec := do(h, tt.method, tt.path, tt.body)
		if rec.Code != tt.code {
			t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.code, rec.Body)
			continue
		}
		if !strings.Contains(rec.Body.String(), tt.contains) {
			t.Errorf("%s %s body = %s, want %q", tt.method, tt.path, rec.Body, tt.contains)
		}
	}
}

func TestPresenceView(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestRouter(t)
	rec := do(h, "GET", "/presence/u1", "")
	var v presenceView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Subject != "u1" || v.Viewers != 2 || v.Interval != "15s" || string(v.Status) != `{"playing":true}` {
		t.Fatalf("view = %+v", v)
	}
}

func TestPostChat(t *testing.T) {
	t.Parallel()
	h, _, fc, seen := newTestRouter(t)
	rec := do(h, "POST", "/chats/r1/messages", `{"from":"u1","text":"hi"}`)
	if rec.Code != http.StatusAccepted || strings.TrimSpace(rec.Body.String()) != `{"gone":2}` {
		t.Fatalf("response = %d %s", rec.Code, rec.Body)
	}
	if fc.room != "r1" || fc.msg.From != "u1" || fc.msg.Text != "hi" {
		t.Fatalf("broadcast = %q %+v", fc.room, fc.msg)
	}
	if len(*seen) != 1 || (*seen)[0] != http.StatusAccepted {
		t.Fatalf("observed = %v", *seen)
	}
}

func TestPutCredentials(t *testing.T) {
	t.Parallel()
	h, st, _, _ := newTestRouter(t)
	rec := do(h, "PUT", "/presence/u2/credentials", `{"access_token":"at","refresh_token":"rt","expiry":"2026-01-01T00:00:00Z"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("code = %d %s", rec.Code, rec.Body)
	}
	c, err := st.GetCredentials(context.Background(), "u2")
	if err != nil || c.AccessToken != "at" || c.RefreshToken != "rt" || c.Expiry.IsZero() {
		t.Fatalf("creds = %+v, err = %v", c, err)
	}
}

func TestDisabledRoutes(t *testing.T) {
	t.Parallel()
	h := NewRouter(Deps{})
	if rec := do(h, "GET", "/presence/u1", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("presence = %d", rec.Code)
	}
	if rec := do(h, "GET", "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics = %d", rec.Code)
	}
}

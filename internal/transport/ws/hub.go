// Package ws is the websocket delivery transport. Every socket gets a uuid
// handle; the hub sends to handles and dispatches client frames.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"nowplaying/internal/eventbus"
	"nowplaying/internal/fanout"
	kit "nowplaying/internal/transport"
	logx "nowplaying/pkg/logx"
)

type Config struct {
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	ReadLimit         int64
	InboundRatePerSec int
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 8 << 10
	}
	if c.InboundRatePerSec <= 0 {
		c.InboundRatePerSec = 5
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

type SocketEvent struct {
	Handle string `json:"handle"`
	Remote string `json:"remote,omitempty"`
}

// Hub owns every live socket. It implements fanout.Transport.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	h        kit.Handler
	bus      eventbus.Bus
	log      logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	conns map[string]*conn
	wg    sync.WaitGroup
}

func NewHub(cfg Config, h kit.Handler, bus eventbus.Bus, log logx.Logger) *Hub {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		h:      h,
		bus:    bus,
		log:    log.With(logx.String("comp", "ws")),
		ctx:    ctx,
		cancel: cancel,
		conns:  map[string]*conn{},
	}
}

// SetHandler installs the inbound frame handler. It must be called before serving.
func (hub *Hub) SetHandler(h kit.Handler) { hub.h = h }

// Len reports the number of open sockets.
func (hub *Hub) Len() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.conns)
}

// Send writes payload to handle. A handle with no open socket, or a socket whose
// write fails, is reported as fanout.ErrGone. A write that times out closes the
// socket but is returned as a plain error; the next send reports it gone.
func (hub *Hub) Send(ctx context.Context, handle string, payload []byte) error {
	hub.mu.RLock()
	c := hub.conns[handle]
	hub.mu.RUnlock()
	if c == nil || c.closed() {
		return fanout.ErrGone
	}
	err := c.write(ctx, websocket.TextMessage, payload)
	if err == nil {
		return nil
	}
	c.close()
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return err
	}
	return fanout.ErrGone
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (hub *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if hub.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Debug("upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}
	c := &conn{
		handle:   uuid.NewString(),
		ws:       ws,
		hub:      hub,
		limiter:  rate.NewLimiter(rate.Limit(hub.cfg.InboundRatePerSec), hub.cfg.InboundRatePerSec),
		subjects: map[string]struct{}{},
		rooms:    map[string]struct{}{},
		done:     make(chan struct{}),
	}
	hub.register(c, r.RemoteAddr)
	defer hub.unregister(c)

	if err := c.writeJSON(hub.ctx, kit.Hello{Type: kit.FrameHello, Handle: c.handle}); err != nil {
		c.close()
		return
	}
	hub.wg.Add(1)
	go func() {
		defer hub.wg.Done()
		c.pingLoop()
	}()
	c.readLoop()
}

func (hub *Hub) register(c *conn, remote string) {
	hub.mu.Lock()
	hub.conns[c.handle] = c
	n := len(hub.conns)
	hub.mu.Unlock()
	hub.bus.Publish(eventbus.Event{Type: eventbus.SocketOpened, Data: SocketEvent{Handle: c.handle, Remote: remote}})
	hub.log.Debug("socket opened", logx.String("handle", c.handle), logx.String("remote", remote), logx.Int("open", n))
}

// unregister forgets c and tells the handler the handle left everything it
// watched or joined. During shutdown memberships are left in the store; the
// first delivery after restart prunes them as gone.
func (hub *Hub) unregister(c *conn) {
	c.close()
	hub.mu.Lock()
	if hub.conns[c.handle] == c {
		delete(hub.conns, c.handle)
	}
	hub.mu.Unlock()

	subjects, rooms := c.memberships()
	if hub.h != nil && hub.ctx.Err() == nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(hub.ctx), hub.cfg.WriteTimeout)
		if len(subjects) > 0 {
			if err := hub.h.Unwatch(ctx, c.handle, subjects); err != nil {
				hub.log.Debug("unwatch on close failed", logx.String("handle", c.handle), logx.Err(err))
			}
		}
		for _, room := range rooms {
			if err := hub.h.Leave(ctx, c.handle, room); err != nil {
				hub.log.Debug("leave on close failed", logx.String("handle", c.handle), logx.Err(err))
			}
		}
		cancel()
	}
	hub.bus.Publish(eventbus.Event{Type: eventbus.SocketClosed, Data: SocketEvent{Handle: c.handle}})
	hub.log.Debug("socket closed", logx.String("handle", c.handle))
}

// Shutdown sends a close frame to every socket and waits for their ping loops.
func (hub *Hub) Shutdown(ctx context.Context) error {
	hub.cancel()
	hub.mu.RLock()
	conns := make([]*conn, 0, len(hub.conns))
	for _, c := range hub.conns {
		conns = append(conns, c)
	}
	hub.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
	for _, c := range conns {
		_ = c.write(ctx, websocket.CloseMessage, msg)
		c.close()
	}

	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (hub *Hub) dispatch(c *conn, in kit.Inbound) error {
	if hub.h == nil {
		return errors.New("no handler")
	}
	ctx, cancel := context.WithTimeout(hub.ctx, hub.cfg.WriteTimeout)
	defer cancel()

	switch in.Type {
	case kit.FrameWatch:
		if len(in.Subjects) == 0 {
			return errors.New("subjects required")
		}
		// Tracked even on error, since a partial watch registered some subjects.
		err := hub.h.Watch(ctx, c.handle, in.Subjects)
		c.track(in.Subjects, "")
		return err
	case kit.FrameUnwatch:
		c.untrack(in.Subjects, "")
		return hub.h.Unwatch(ctx, c.handle, in.Subjects)
	case kit.FrameJoin:
		if err := hub.h.Join(ctx, c.handle, in.Room); err != nil {
			return err
		}
		c.track(nil, in.Room)
	case kit.FrameLeave:
		c.untrack(nil, in.Room)
		return hub.h.Leave(ctx, c.handle, in.Room)
	case kit.FrameChat:
		return hub.h.Chat(ctx, c.handle, in.Room, in.Text)
	default:
		return errors.New("unknown frame type")
	}
	return nil
}

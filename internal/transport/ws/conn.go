package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	kit "nowplaying/internal/transport"
	logx "nowplaying/pkg/logx"
)

type conn struct {
	handle  string
	ws      *websocket.Conn
	hub     *Hub
	limiter *rate.Limiter

	// wmu serializes writers; gorilla allows one concurrent writer.
	wmu sync.Mutex

	mu       sync.Mutex
	subjects map[string]struct{}
	rooms    map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) write(ctx context.Context, typ int, payload []byte) error {
	deadline := time.Now().Add(c.hub.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(typ, payload)
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.TextMessage, b)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) readLoop() {
	pongWait := 2 * c.hub.cfg.PingInterval
	c.ws.SetReadLimit(c.hub.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("socket read failed", logx.String("handle", c.handle), logx.Err(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			continue
		}
		var in kit.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.reply("", "malformed frame")
			continue
		}
		if !c.limiter.Allow() {
			c.reply(in.Type, "rate limited")
			continue
		}
		if err := c.hub.dispatch(c, in); err != nil {
			c.reply(in.Type, err.Error())
		}
	}
}

func (c *conn) reply(kind kit.FrameKind, msg string) {
	_ = c.writeJSON(c.hub.ctx, kit.ErrorFrame{Type: kit.FrameError, For: kind, Error: msg})
}

func (c *conn) pingLoop() {
	t := time.NewTicker(c.hub.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.wmu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteTimeout))
			c.wmu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) track(subjects []string, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range subjects {
		c.subjects[s] = struct{}{}
	}
	if room != "" {
		c.rooms[room] = struct{}{}
	}
}

func (c *conn) untrack(subjects []string, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range subjects {
		delete(c.subjects, s)
	}
	if room != "" {
		delete(c.rooms, room)
	}
}

func (c *conn) memberships() (subjects, rooms []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.subjects {
		subjects = append(subjects, s)
	}
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	return subjects, rooms
}

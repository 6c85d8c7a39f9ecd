// Package chat broadcasts room messages to every socket that joined the room,
// pruning sockets that have gone away.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"nowplaying/internal/eventbus"
	"nowplaying/internal/registry"
	"nowplaying/internal/storage"
	logx "nowplaying/pkg/logx"
)

const MessageType = "chat"

var ErrEmptyText = errors.New("chat: empty text")

// Registry is the part of the connection registry chat uses. Rooms share the
// subject keyspace under registry.RoomKey.
type Registry interface {
	AddConnection(ctx context.Context, key, handle string) error
	RemoveConnections(ctx context.Context, key string, handles []string) (int, error)
	Load(ctx context.Context, key string) (*storage.ConnectionSet, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, handles []string, payload any) ([]string, error)
}

// Message is both the inbound post and the frame members receive.
type Message struct {
	Type string    `json:"type"`
	Room string    `json:"room"`
	From string    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type DeliveredEvent struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
	Gone    int    `json:"gone"`
}

type Service struct {
	reg Registry
	fan Deliverer
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
}

func New(reg Registry, fan Deliverer, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{reg: reg, fan: fan, bus: bus, log: log.With(logx.String("comp", "chat")), now: time.Now}
}

func Key(room string) string { return registry.RoomKey(room) }

func (s *Service) Join(ctx context.Context, room, handle string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return errors.New("chat: room required")
	}
	return s.reg.AddConnection(ctx, Key(room), handle)
}

func (s *Service) Leave(ctx context.Context, room, handle string) error {
	_, err := s.reg.RemoveConnections(ctx, Key(room), []string{handle})
	return err
}

// Broadcast sends msg to the room and prunes gone members. It returns the gone
// handles.
func (s *Service) Broadcast(ctx context.Context, room string, msg Message) ([]string, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return nil, errors.New("chat: room required")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, ErrEmptyText
	}
	msg.Type = MessageType
	msg.Room = room
	if msg.At.IsZero() {
		msg.At = s.now()
	}

	key := Key(room)
	set, err := s.reg.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if set.Len() == 0 {
		return nil, nil
	}
	gone, err := s.fan.Deliver(ctx, set.Handles, msg)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ChatDelivered, Time: s.now(), Data: DeliveredEvent{Room: room, Members: set.Len(), Gone: len(gone)}})
	if len(gone) == 0 {
		return nil, nil
	}
	remaining, err := s.reg.RemoveConnections(ctx, key, gone)
	if err != nil {
		return gone, err
	}
	s.log.Debug("room pruned", logx.String("room", room), logx.Int("gone", len(gone)), logx.Int("remaining", remaining))
	return gone, nil
}

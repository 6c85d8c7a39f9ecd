// Package transport holds the frame types shared by socket transports and the
// handler they dispatch inbound frames to.
package transport

import "context"

type FrameKind string

const (
	// client -> server
	FrameWatch   FrameKind = "watch"
	FrameUnwatch FrameKind = "unwatch"
	FrameJoin    FrameKind = "join"
	FrameLeave   FrameKind = "leave"
	FrameChat    FrameKind = "chat"

	// server -> client
	FrameHello FrameKind = "hello"
	FrameError FrameKind = "error"
)

// Inbound is one client frame.
type Inbound struct {
	Type     FrameKind `json:"type"`
	Subjects []string  `json:"subjects,omitempty"`
	Room     string    `json:"room,omitempty"`
	Text     string    `json:"text,omitempty"`
}

// Hello is the first frame on every socket; it tells the client its handle.
type Hello struct {
	Type   FrameKind `json:"type"`
	Handle string    `json:"handle"`
}

type ErrorFrame struct {
	Type  FrameKind `json:"type"`
	For   FrameKind `json:"for,omitempty"`
	Error string    `json:"error"`
}

// Handler receives inbound frames for a handle. Calls for one handle are serial.
type Handler interface {
	Watch(ctx context.Context, handle string, subjects []string) error
	Unwatch(ctx context.Context, handle string, subjects []string) error
	Join(ctx context.Context, handle, room string) error
	Leave(ctx context.Context, handle, room string) error
	Chat(ctx context.Context, handle, room, text string) error
}

package app

import (
	"context"

	"nowplaying/internal/chat"
	"nowplaying/internal/presence"
)

// socketHandler routes websocket frames to presence and chat.
type socketHandler struct {
	presence *presence.Service
	chat     *chat.Service
}

func (h socketHandler) Watch(ctx context.Context, handle string, subjects []string) error {
	return h.presence.Connect(ctx, handle, subjects...)
}

func (h socketHandler) Unwatch(ctx context.Context, handle string, subjects []string) error {
	return h.presence.Disconnect(ctx, handle, subjects...)
}

func (h socketHandler) Join(ctx context.Context, handle, room string) error {
	return h.chat.Join(ctx, room, handle)
}

func (h socketHandler) Leave(ctx context.Context, handle, room string) error {
	return h.chat.Leave(ctx, room, handle)
}

func (h socketHandler) Chat(ctx context.Context, handle, room, text string) error {
	_, err := h.chat.Broadcast(ctx, room, chat.Message{From: handle, Text: text})
	return err
}

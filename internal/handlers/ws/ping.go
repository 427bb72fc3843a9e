package ws

import "context"

// MessagePing is a keepalive ping from client
type MessagePing struct {
}

func (msg *MessagePing) GetType() string {
	return "ping"
}

func (msg *MessagePing) Process(ctx context.Context, mc *MessageContext) error {
	// Respond with pong
	return mc.Client.WriteJSON(map[string]string{
		"type": "pong",
	})
}

// MessagePong is a pong response (in case client wants to track latency)
type MessagePong struct {
}

func (msg *MessagePong) GetType() string {
	return "pong"
}

func (msg *MessagePong) Process(ctx context.Context, mc *MessageContext) error {
	// No-op - just acknowledge
	return nil
}

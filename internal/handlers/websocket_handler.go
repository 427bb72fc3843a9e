package handlers

import (
	"context"
	"log"
	"time"

	"github.com/classline/messaging-backend/internal/handlers/ws"
	"github.com/classline/messaging-backend/internal/presence"
	"github.com/classline/messaging-backend/internal/realtime"
	"github.com/classline/messaging-backend/internal/repository"
	"github.com/classline/messaging-backend/internal/service"
	"github.com/gofiber/websocket/v2"
)

type WebSocketHandler struct {
	messaging *service.MessagingService
	profiles  repository.ProfileDirectoryInterface
	pubsub    realtime.PubSub
	hub       *ws.Hub
}

func NewWebSocketHandler(messaging *service.MessagingService, profiles repository.ProfileDirectoryInterface, pubsub realtime.PubSub) *WebSocketHandler {
	return &WebSocketHandler{
		messaging: messaging,
		profiles:  profiles,
		pubsub:    pubsub,
		hub:       ws.NewHub(),
	}
}

// GetHub returns the hub instance (useful for sending messages from other handlers)
func (h *WebSocketHandler) GetHub() *ws.Hub {
	return h.hub
}

func (h *WebSocketHandler) HandleWebSocket(c *websocket.Conn) {
	profileID := c.Locals("profileID").(uint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	profile, err := h.profiles.FindByID(ctx, profileID)
	if err != nil {
		log.Printf("WebSocket rejected: profile %d not found: %v", profileID, err)
		_ = c.Close()
		return
	}

	client := h.hub.Register(profileID, c)
	session := &ws.Session{}

	// The live socket doubles as the presence heartbeat.
	if err := h.messaging.Heartbeat(profileID); err != nil {
		log.Printf("Heartbeat failed for profile %d: %v", profileID, err)
	}
	go h.heartbeatLoop(ctx, profileID)

	defer func() {
		session.Close()
		h.hub.Unregister(client)
		if err := h.messaging.Disconnect(profileID); err != nil {
			log.Printf("Presence clear failed for profile %d: %v", profileID, err)
		}
	}()

	log.Printf("Profile %d connected via WebSocket", profileID)

	mc := &ws.MessageContext{
		Profile:   profile,
		Client:    client,
		Hub:       h.hub,
		Messaging: h.messaging,
		PubSub:    h.pubsub,
		Session:   session,
	}

	for {
		_, messageBytes, err := c.ReadMessage()
		if err != nil {
			log.Printf("Error reading message from profile %d: %v", profileID, err)
			break
		}

		msg, err := ws.Deserialize(messageBytes)
		if err != nil {
			log.Printf("Error deserializing message from profile %d: %v", profileID, err)
			ws.SendError(client, "invalid_message", "Invalid message format", err.Error())
			continue
		}

		if err := msg.Process(ctx, mc); err != nil {
			log.Printf("Error processing message %s from profile %d: %v", msg.GetType(), profileID, err)
			ws.SendError(client, "processing_failed", "Failed to process message", err.Error())
		}
	}

	log.Printf("Profile %d disconnected from WebSocket", profileID)
}

func (h *WebSocketHandler) heartbeatLoop(ctx context.Context, profileID uint) {
	ticker := time.NewTicker(presence.DefaultHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.messaging.Heartbeat(profileID); err != nil {
				log.Printf("Heartbeat failed for profile %d: %v", profileID, err)
			}
		}
	}
}

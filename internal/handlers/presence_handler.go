package handlers

import (
	"strconv"

	"github.com/classline/messaging-backend/internal/handlers/ws"
	"github.com/classline/messaging-backend/internal/httpx"
	"github.com/classline/messaging-backend/internal/service"
	"github.com/gofiber/fiber/v2"
)

type PresenceHandler struct {
	messaging *service.MessagingService
	hub       *ws.Hub
}

func NewPresenceHandler(messaging *service.MessagingService, hub *ws.Hub) *PresenceHandler {
	return &PresenceHandler{messaging: messaging, hub: hub}
}

// Heartbeat renews the caller's online marker. Clients on the REST surface
// call this on an interval; WebSocket clients get it for free while the
// socket lives.
func (h *PresenceHandler) Heartbeat(c *fiber.Ctx) error {
	profileID, err := httpx.LocalUint(c, "profileID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	if err := h.messaging.Heartbeat(profileID); err != nil {
		return httpx.Internal(c, "heartbeat_failed")
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *PresenceHandler) GetPresence(c *fiber.Ctx) error {
	if _, err := httpx.LocalUint(c, "profileID"); err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	targetID, err := strconv.ParseUint(c.Params("profile_id"), 10, 32)
	if err != nil || targetID == 0 {
		return httpx.BadRequest(c, "invalid_profile", "Invalid profile id")
	}

	online, lastSeen := h.messaging.Presence(uint(targetID))
	// A live socket counts as online even when the heartbeat store is
	// unavailable.
	if !online && h.hub != nil {
		online = h.hub.IsConnected(uint(targetID))
	}
	return c.JSON(fiber.Map{
		"profile_id": targetID,
		"is_online":  online,
		"last_seen":  lastSeen,
	})
}

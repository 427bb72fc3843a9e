package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/classline/messaging-backend/internal/conversation"
	"github.com/classline/messaging-backend/internal/httpx"
	"github.com/classline/messaging-backend/internal/models"
	"github.com/classline/messaging-backend/internal/repository"
	"github.com/classline/messaging-backend/internal/service"
	"github.com/classline/messaging-backend/internal/validation"
	"github.com/gofiber/fiber/v2"
)

type MessageHandler struct {
	messaging *service.MessagingService
	profiles  repository.ProfileDirectoryInterface
}

func NewMessageHandler(messaging *service.MessagingService, profiles repository.ProfileDirectoryInterface) *MessageHandler {
	return &MessageHandler{
		messaging: messaging,
		profiles:  profiles,
	}
}

// viewer resolves the authenticated profile from the token claims.
func (h *MessageHandler) viewer(c *fiber.Ctx) (*models.Profile, error) {
	profileID, err := httpx.LocalUint(c, "profileID")
	if err != nil {
		return nil, err
	}
	return h.profiles.FindByID(c.Context(), profileID)
}

type sendMessageInput struct {
	RecipientID uint   `json:"recipient_id"`
	ClientID    string `json:"client_id"`
	Body        string `json:"body"`
}

type sendMessageResponse struct {
	Message models.MessageResponse `json:"message"`
	Quota   models.QuotaSnapshot   `json:"quota"`
}

func (h *MessageHandler) SendMessage(c *fiber.Ctx) error {
	sender, err := h.viewer(c)
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	var input sendMessageInput
	if err := c.BodyParser(&input); err != nil {
		return httpx.BadRequest(c, "invalid_request_body", "Invalid request body")
	}
	if input.RecipientID == 0 {
		return httpx.BadRequest(c, "missing_recipient", "recipient_id is required")
	}
	if !validation.ValidClientID(input.ClientID) {
		return httpx.BadRequest(c, "invalid_client_id", "client_id must be a UUID")
	}

	message, quota, err := h.messaging.Send(c.Context(), sender, input.RecipientID, input.ClientID, input.Body)
	switch {
	case errors.Is(err, conversation.ErrEmptyBody):
		return httpx.BadRequest(c, "missing_body", "Message body is required")
	case errors.Is(err, service.ErrNotEligible):
		return httpx.Forbidden(c, "not_eligible", "Cannot message this profile")
	case errors.Is(err, repository.ErrNotFound):
		return httpx.NotFound(c, "recipient_not_found", "Recipient not found")
	case errors.Is(err, repository.ErrQuotaExceeded):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "Daily message limit reached for this teacher",
			"code":  "quota_exceeded",
			"quota": quota,
		})
	case err != nil:
		return httpx.Internal(c, "send_message_failed")
	}

	return c.Status(fiber.StatusCreated).JSON(sendMessageResponse{
		Message: message.ToResponse(),
		Quota:   quota,
	})
}

func (h *MessageHandler) GetMessages(c *fiber.Ctx) error {
	viewer, err := h.viewer(c)
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	partnerID, err := strconv.ParseUint(c.Query("partner_id"), 10, 32)
	if err != nil || partnerID == 0 {
		return httpx.BadRequest(c, "invalid_partner", "partner_id is required")
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	var since *time.Time
	if sinceStr := c.Query("since"); sinceStr != "" {
		t, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return httpx.BadRequest(c, "invalid_since", "since must be RFC3339")
		}
		since = &t
	}

	messages, err := h.messaging.FetchMessages(c.Context(), viewer.ID, uint(partnerID), since, limit)
	if err != nil {
		return httpx.Internal(c, "fetch_messages_failed")
	}

	responses := make([]models.MessageResponse, len(messages))
	for i := range messages {
		responses[i] = messages[i].ToResponse()
	}
	return c.JSON(fiber.Map{
		"messages": responses,
		"count":    len(responses),
	})
}

func (h *MessageHandler) GetConversations(c *fiber.Ctx) error {
	viewer, err := h.viewer(c)
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	summaries, err := h.messaging.ListConversations(c.Context(), viewer.ID, limit)
	if err != nil {
		return httpx.Internal(c, "fetch_conversations_failed")
	}
	return c.JSON(fiber.Map{
		"conversations": summaries,
		"count":         len(summaries),
	})
}

func (h *MessageHandler) MarkConversationRead(c *fiber.Ctx) error {
	viewer, err := h.viewer(c)
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	partnerID, err := strconv.ParseUint(c.Params("partner_id"), 10, 32)
	if err != nil || partnerID == 0 {
		return httpx.BadRequest(c, "invalid_partner", "Invalid partner id")
	}

	count, err := h.messaging.MarkRead(c.Context(), viewer.ID, uint(partnerID))
	if err != nil {
		return httpx.Internal(c, "mark_read_failed")
	}
	return c.JSON(fiber.Map{"marked_read": count})
}

func (h *MessageHandler) MarkConversationDelivered(c *fiber.Ctx) error {
	viewer, err := h.viewer(c)
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	partnerID, err := strconv.ParseUint(c.Params("partner_id"), 10, 32)
	if err != nil || partnerID == 0 {
		return httpx.BadRequest(c, "invalid_partner", "Invalid partner id")
	}

	count, err := h.messaging.MarkDelivered(c.Context(), viewer.ID, uint(partnerID))
	if err != nil {
		return httpx.Internal(c, "mark_delivered_failed")
	}
	return c.JSON(fiber.Map{"marked_delivered": count})
}

// MarkMessageDelivered acknowledges a single pushed message. An ack for a
// receipt already set reports updated=false rather than failing.
func (h *MessageHandler) MarkMessageDelivered(c *fiber.Ctx) error {
	viewer, err := h.viewer(c)
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	messageID, err := strconv.ParseUint(c.Params("message_id"), 10, 32)
	if err != nil || messageID == 0 {
		return httpx.BadRequest(c, "invalid_message", "Invalid message id")
	}

	updated, err := h.messaging.MarkMessageDelivered(c.Context(), viewer.ID, uint(messageID))
	if err != nil {
		return httpx.Internal(c, "mark_delivered_failed")
	}
	return c.JSON(fiber.Map{"updated": updated})
}

func (h *MessageHandler) MarkMessageRead(c *fiber.Ctx) error {
	viewer, err := h.viewer(c)
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	messageID, err := strconv.ParseUint(c.Params("message_id"), 10, 32)
	if err != nil || messageID == 0 {
		return httpx.BadRequest(c, "invalid_message", "Invalid message id")
	}

	updated, err := h.messaging.MarkMessageRead(c.Context(), viewer.ID, uint(messageID))
	if err != nil {
		return httpx.Internal(c, "mark_read_failed")
	}
	return c.JSON(fiber.Map{"updated": updated})
}

func (h *MessageHandler) GetQuota(c *fiber.Ctx) error {
	viewer, err := h.viewer(c)
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	partnerID, err := strconv.ParseUint(c.Query("partner_id"), 10, 32)
	if err != nil || partnerID == 0 {
		return httpx.BadRequest(c, "invalid_partner", "partner_id is required")
	}

	quota, err := h.messaging.QuotaFor(c.Context(), viewer, uint(partnerID))
	if err != nil {
		return httpx.Internal(c, "fetch_quota_failed")
	}
	return c.JSON(quota)
}

func (h *MessageHandler) GetTargets(c *fiber.Ctx) error {
	viewer, err := h.viewer(c)
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	targets, err := h.messaging.EligibleTargets(c.Context(), viewer)
	if errors.Is(err, service.ErrNotEligible) {
		return httpx.Forbidden(c, "not_eligible", "Role cannot start conversations")
	}
	if err != nil {
		return httpx.Internal(c, "fetch_targets_failed")
	}

	responses := make([]models.ProfileResponse, len(targets))
	for i := range targets {
		responses[i] = targets[i].ToResponse()
	}
	return c.JSON(fiber.Map{
		"targets": responses,
		"count":   len(responses),
	})
}

func (h *MessageHandler) StartConversation(c *fiber.Ctx) error {
	viewer, err := h.viewer(c)
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	targetID, err := strconv.ParseUint(c.Params("target_id"), 10, 32)
	if err != nil || targetID == 0 {
		return httpx.BadRequest(c, "invalid_target", "Invalid target id")
	}

	summary, err := h.messaging.StartConversation(c.Context(), viewer, uint(targetID))
	switch {
	case errors.Is(err, service.ErrNotEligible):
		return httpx.Forbidden(c, "not_eligible", "Cannot message this profile")
	case errors.Is(err, repository.ErrNotFound):
		return httpx.NotFound(c, "target_not_found", "Target not found")
	case err != nil:
		return httpx.Internal(c, "start_conversation_failed")
	}
	return c.JSON(summary)
}

func (h *MessageHandler) GetUnreadTotal(c *fiber.Ctx) error {
	viewer, err := h.viewer(c)
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	total, err := h.messaging.UnreadTotal(c.Context(), viewer.ID)
	if err != nil {
		return httpx.Internal(c, "fetch_unread_failed")
	}
	return c.JSON(fiber.Map{"unread_total": total})
}

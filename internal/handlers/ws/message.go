package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/classline/messaging-backend/internal/conversation"
	"github.com/classline/messaging-backend/internal/models"
	"github.com/classline/messaging-backend/internal/realtime"
	"github.com/classline/messaging-backend/internal/service"
	"github.com/classline/messaging-backend/internal/typing"
)

// MessageContext provides all dependencies needed for message processing.
type MessageContext struct {
	Profile   *models.Profile
	Client    *ClientConnection
	Hub       *Hub
	Messaging *service.MessagingService
	PubSub    realtime.PubSub
	Session   *Session
}

// Session is the per-connection conversation focus: at most one open
// conversation store plus its typing coordinator. Subscribing to another
// partner swaps both.
type Session struct {
	mu        sync.Mutex
	partnerID uint
	store     *conversation.Store
	typing    *typing.Coordinator
}

// Swap installs a new focus, returning the previous store and coordinator
// for the caller to tear down outside the lock.
func (s *Session) Swap(partnerID uint, store *conversation.Store, coord *typing.Coordinator) (*conversation.Store, *typing.Coordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevStore, prevTyping := s.store, s.typing
	s.partnerID = partnerID
	s.store = store
	s.typing = coord
	return prevStore, prevTyping
}

// Current returns the focused conversation, or nils when none is open.
func (s *Session) Current() (uint, *conversation.Store, *typing.Coordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partnerID, s.store, s.typing
}

// Close tears the focus down. Called when the socket drops.
func (s *Session) Close() {
	prevStore, prevTyping := s.Swap(0, nil, nil)
	if prevTyping != nil {
		_ = prevTyping.Disconnect()
	}
	if prevStore != nil {
		_ = prevStore.Close()
	}
}

// Message interface for all WebSocket message types.
type Message interface {
	GetType() string
	Process(ctx context.Context, mc *MessageContext) error
}

// SerializedMessage is the wire format wrapper.
type SerializedMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorResponse is sent when message processing fails.
type ErrorResponse struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func ToJson(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func FromJson(jsonBytes []byte, msg Message) error {
	return json.Unmarshal(jsonBytes, msg)
}

func CreateMessage(msgType string, typeRegistry map[string]reflect.Type) (Message, error) {
	msgTypeReflect, ok := typeRegistry[msgType]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %s", msgType)
	}

	instance := reflect.New(msgTypeReflect).Interface()
	return instance.(Message), nil
}

// SendError sends an error response to the client.
func SendError(client *ClientConnection, code, message, details string) error {
	return client.WriteJSON(ErrorResponse{
		Type:    "error",
		Error:   message,
		Code:    code,
		Details: details,
	})
}

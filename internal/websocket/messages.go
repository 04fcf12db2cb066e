package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maswadkar/krishi/server/domain/entities"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Supported message types
const (
	// Inbound control messages.
	MessageTypeSessionStart MessageType = "session_start"
	MessageTypeSessionEnd   MessageType = "session_end"
	MessageTypeSessionReset MessageType = "session_reset"
	MessageTypeChatOpen     MessageType = "chat_open"
	MessageTypeChatSend     MessageType = "chat_send"
	MessageTypePing         MessageType = "ping"

	// Outbound messages.
	MessageTypeSessionState  MessageType = "session_state"
	MessageTypeQuotaExceeded MessageType = "quota_exceeded"
	MessageTypeChatUpdate    MessageType = "chat_update"
	MessageTypePong          MessageType = "pong"
	MessageTypeError         MessageType = "error"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type" validate:"required"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id,omitempty"`
}

// SessionStartMessage asks for a new voice conversation. Microphone audio
// follows as raw binary frames of 16 kHz / 16-bit / mono PCM.
type SessionStartMessage struct {
	BaseMessage
}

// SessionEndMessage terminates the active voice conversation.
type SessionEndMessage struct {
	BaseMessage
}

// SessionResetMessage returns a finished or failed voice session to idle.
type SessionResetMessage struct {
	BaseMessage
}

// ChatOpenMessage opens a chat thread. An empty conversation ID starts a
// fresh conversation.
type ChatOpenMessage struct {
	BaseMessage
	ConversationID string `json:"conversation_id"`
}

// ChatSendMessage submits one user turn to the open chat thread. ImageData is
// base64 encoded; a send needs text, an image, or both.
type ChatSendMessage struct {
	BaseMessage
	Text      string `json:"text"`
	ImageData string `json:"image_data,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// SessionStateMessage pushes every voice session transition to the device.
// A listening transition while model audio is buffered means the buffered
// playback belongs to an interrupted turn and should be flushed.
type SessionStateMessage struct {
	BaseMessage
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// QuotaExceededMessage is the normal refusal when the monthly voice allowance
// is spent. The session stays idle.
type QuotaExceededMessage struct {
	BaseMessage
	LimitMinutes float64 `json:"limit_minutes"`
}

// ChatUpdateMessage carries a snapshot of the open thread's message list,
// loading placeholders included.
type ChatUpdateMessage struct {
	BaseMessage
	ConversationID string                 `json:"conversation_id,omitempty"`
	Messages       []entities.ChatMessage `json:"messages"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	// First parse as base message to get type
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeSessionStart:
		var msg SessionStartMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid session start message: %w", err)
		}
		return &msg, nil

	case MessageTypeSessionEnd:
		var msg SessionEndMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid session end message: %w", err)
		}
		return &msg, nil

	case MessageTypeSessionReset:
		var msg SessionResetMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid session reset message: %w", err)
		}
		return &msg, nil

	case MessageTypeChatOpen:
		var msg ChatOpenMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid chat open message: %w", err)
		}
		return &msg, nil

	case MessageTypeChatSend:
		var msg ChatSendMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid chat send message: %w", err)
		}
		if err := v.validateChatSend(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// validateChatSend validates chat send message fields
func (v *MessageValidator) validateChatSend(msg *ChatSendMessage) error {
	if msg.Text == "" && msg.ImageData == "" {
		return fmt.Errorf("text or image_data is required")
	}
	if msg.ImageData != "" {
		if _, err := base64.StdEncoding.DecodeString(msg.ImageData); err != nil {
			return fmt.Errorf("image_data must be valid base64: %w", err)
		}
	}
	return nil
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now().Format(time.RFC3339),
		},
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypePong,
			Timestamp: time.Now().Format(time.RFC3339),
		},
		Data: data,
	}
}

// CreateStateMessage creates a voice session state push
func CreateStateMessage(state, errMsg string) *SessionStateMessage {
	return &SessionStateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeSessionState,
			Timestamp: time.Now().Format(time.RFC3339),
		},
		State: state,
		Error: errMsg,
	}
}

// CreateQuotaExceededMessage creates the quota refusal push
func CreateQuotaExceededMessage(limitMinutes float64) *QuotaExceededMessage {
	return &QuotaExceededMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeQuotaExceeded,
			Timestamp: time.Now().Format(time.RFC3339),
		},
		LimitMinutes: limitMinutes,
	}
}

// CreateChatUpdateMessage creates a chat thread snapshot push
func CreateChatUpdateMessage(conversationID string, messages []entities.ChatMessage) *ChatUpdateMessage {
	return &ChatUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeChatUpdate,
			Timestamp: time.Now().Format(time.RFC3339),
		},
		ConversationID: conversationID,
		Messages:       messages,
	}
}

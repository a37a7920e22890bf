// Package protocol describes the JSON envelopes exchanged over the chat socket.
//
// Every frame is an Envelope. A client request carries a non-zero Ack and the
// server answers it with an envelope of event "ack" and the same Ack. Frames
// without Ack are signals or pushes.
package protocol

import (
	"encoding/json"
	"fmt"

	"touchline/internal/models"
)

// Client to server.
const (
	EventSendMessage      = "send_message"
	EventMarkMessagesRead = "mark_messages_read"
	EventBlockUser        = "block_user"
	EventUnblockUser      = "unblock_user"
	EventGetOnlineUsers   = "get_online_users"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
)

// Server to client.
const (
	EventAck                 = "ack"
	EventConnected           = "connected"
	EventNewMessage          = "new_message"
	EventMessageSent         = "message_sent"
	EventUserTyping          = "user_typing"
	EventUserStoppedTyping   = "user_stopped_typing"
	EventMessagesMarkedRead  = "messages_marked_read"
	EventMessagesReadByOther = "messages_read_by_other"
	EventChatUpdated         = "chat_updated"
	EventUserBlocked         = "user_blocked"
	EventYouWereBlocked      = "you_were_blocked"
	EventUserUnblocked       = "user_unblocked"
	EventYouWereUnblocked    = "you_were_unblocked"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventOnlineUsers         = "online_users"
	EventError               = "error"
)

type Envelope struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope. A nil data leaves Data empty.
func NewEnvelope(event string, ack uint64, data any) (Envelope, error) {
	env := Envelope{Event: event, Ack: ack}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the envelope payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Requests.

type SendMessageRequest struct {
	ChatID      string             `json:"chatId"`
	ReceiverID  string             `json:"receiverId"`
	MessageType models.MessageType `json:"messageType"`
	Content     string             `json:"content,omitempty"`
	MediaURL    string             `json:"mediaUrl,omitempty"`
}

type ChatRequest struct {
	ChatID string `json:"chatId"`
}

type TypingSignal struct {
	ChatID     string `json:"chatId"`
	ReceiverID string `json:"receiverId"`
}

// Responses and pushes.

type ErrorPayload struct {
	Message string `json:"message"`
}

type SendMessageResponse struct {
	Message *models.Message `json:"message,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

type SuccessResponse struct {
	Success bool          `json:"success"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

type ChatResponse struct {
	Success bool          `json:"success"`
	Chat    *models.Chat  `json:"chat,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

type OnlineUsersResponse struct {
	Success     bool     `json:"success"`
	OnlineUsers []string `json:"onlineUsers"`
	Count       int      `json:"count"`
}

type ConnectedPush struct {
	UserID string `json:"userId"`
}

type MessagePush struct {
	Success bool           `json:"success,omitempty"`
	Message models.Message `json:"message"`
}

type TypingPush struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type MarkedReadPush struct {
	Success bool   `json:"success"`
	ChatID  string `json:"chatId"`
}

type ReadByOtherPush struct {
	ChatID       string `json:"chatId"`
	ReadByUserID string `json:"readByUserId"`
}

type BlockedPush struct {
	ChatID          string `json:"chatId"`
	BlockedByUserID string `json:"blockedByUserId"`
}

type UnblockedPush struct {
	ChatID            string `json:"chatId"`
	UnblockedByUserID string `json:"unblockedByUserId"`
}

type PresencePush struct {
	UserID string `json:"userId"`
}

package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrInvalid   = errors.New("invalid")
)

// TempIDPrefix marks identifiers assigned by a client before the server confirms a message.
const TempIDPrefix = "temp-"

type UserRole string

const (
	UserRoleCandidate UserRole = "candidate"
	UserRoleEmployer  UserRole = "employer"
)

// User represents a user in the system.
type User struct {
	ID          string   `json:"_id"`
	UserName    string   `json:"userName"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
	Role        UserRole `json:"role,omitempty"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeFile:
		return true
	}
	return false
}

// Message represents a chat message.
type Message struct {
	ID         string      `json:"_id"`
	ChatID     string      `json:"chatId"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Content    string      `json:"content,omitempty"`
	MediaURL   string      `json:"mediaUrl,omitempty"`
	Type       MessageType `json:"messageType"`
	IsRead     bool        `json:"isRead"`
	IsDeleted  bool        `json:"isDeleted"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// IsTemporary reports whether the message carries a client-assigned identifier.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Validate checks that the primary payload matches the message type:
// text needs content, every other type needs a media URL.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalid, m.Type)
	}
	if m.ChatID == "" {
		return fmt.Errorf("%w: chat id is required", ErrInvalid)
	}
	if m.Type == MessageTypeText {
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%w: text message needs content", ErrInvalid)
		}
		return nil
	}
	if m.MediaURL == "" {
		return fmt.Errorf("%w: %s message needs a media url", ErrInvalid, m.Type)
	}
	return nil
}

// LastMessage is the preview summary stored on a chat.
type LastMessage struct {
	ID        string      `json:"_id,omitempty"`
	SenderID  string      `json:"senderId,omitempty"`
	Summary   string      `json:"summary"`
	Type      MessageType `json:"messageType,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Chat represents a two-party conversation.
type Chat struct {
	ID           string       `json:"_id"`
	Participants []string     `json:"participants"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	IsBlocked    bool         `json:"isBlocked"`
	BlockedBy    string       `json:"blockedBy,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

func (c Chat) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// OtherParticipant returns the first participant that is not userID.
func (c Chat) OtherParticipant(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// Preview is one entry of a user's conversation list.
type Preview struct {
	ChatID      string       `json:"chatId"`
	Peer        User         `json:"peer"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	IsBlocked   bool         `json:"isBlocked"`
	BlockedBy   string       `json:"blockedBy,omitempty"`
	Unread      int          `json:"unread"`
	Online      bool         `json:"online"`
}

type OnlineUsers struct {
	OnlineUsers []string `json:"onlineUsers"`
	Count       int      `json:"count"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

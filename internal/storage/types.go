package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"touchline/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
	Role        string `msgpack:"role"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) model() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Role:        models.UserRole(u.Role),
	}
}

type DBLastMessage struct {
	ID        string `msgpack:"id"`
	SenderID  string `msgpack:"senderId"`
	Summary   string `msgpack:"summary"`
	Type      string `msgpack:"type"`
	CreatedAt int64  `msgpack:"createdAt"` // Unix nanoseconds
}

type DBChat struct {
	ID           string         `msgpack:"id"`
	Participants []string       `msgpack:"participants"`
	LastMessage  *DBLastMessage `msgpack:"lastMessage"`
	IsBlocked    bool           `msgpack:"isBlocked"`
	BlockedBy    string         `msgpack:"blockedBy"`
	// Participants that deleted the chat from their list. A new message brings it back.
	HiddenFor []string `msgpack:"hiddenFor"`
	CreatedAt int64    `msgpack:"createdAt"`
	UpdatedAt int64    `msgpack:"updatedAt"`
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBChat) model() models.Chat {
	chat := models.Chat{
		ID:           c.ID,
		Participants: c.Participants,
		IsBlocked:    c.IsBlocked,
		BlockedBy:    c.BlockedBy,
		CreatedAt:    fromUnixNano(c.CreatedAt),
		UpdatedAt:    fromUnixNano(c.UpdatedAt),
	}
	if c.LastMessage != nil {
		chat.LastMessage = &models.LastMessage{
			ID:        c.LastMessage.ID,
			SenderID:  c.LastMessage.SenderID,
			Summary:   c.LastMessage.Summary,
			Type:      models.MessageType(c.LastMessage.Type),
			CreatedAt: fromUnixNano(c.LastMessage.CreatedAt),
		}
	}
	return chat
}

type DBMessage struct {
	Seq        uint64 `msgpack:"seq"`
	ID         string `msgpack:"id"`
	ChatID     string `msgpack:"chatId"`
	SenderID   string `msgpack:"senderId"`
	ReceiverID string `msgpack:"receiverId"`
	Content    string `msgpack:"content"`
	MediaURL   string `msgpack:"mediaUrl"`
	Type       string `msgpack:"type"`
	IsRead     bool   `msgpack:"isRead"`
	IsDeleted  bool   `msgpack:"isDeleted"`
	CreatedAt  int64  `msgpack:"createdAt"`
	UpdatedAt  int64  `msgpack:"updatedAt"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) model() models.Message {
	return models.Message{
		ID:         m.ID,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		MediaURL:   m.MediaURL,
		Type:       models.MessageType(m.Type),
		IsRead:     m.IsRead,
		IsDeleted:  m.IsDeleted,
		CreatedAt:  fromUnixNano(m.CreatedAt),
		UpdatedAt:  fromUnixNano(m.UpdatedAt),
	}
}

// DBMessageRef locates a message by its public id.
type DBMessageRef struct {
	ID     string `msgpack:"id"`
	ChatID string `msgpack:"chatId"`
	Seq    uint64 `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.ID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

type PushSubscription struct {
	UserID   string `msgpack:"userId" json:"-"`
	Endpoint string `msgpack:"endpoint" json:"endpoint"`
	P256dh   string `msgpack:"p256dh" json:"p256dh"`
	Auth     string `msgpack:"auth" json:"auth"`
}

func (p *PushSubscription) Key() []byte {
	return []byte(p.UserID + "\x00" + p.Endpoint)
}

func (p *PushSubscription) MarshalBinary() (data []byte, err error) {
	type alias PushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *PushSubscription) UnmarshalBinary(data []byte) error {
	type alias PushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Package thread holds the live state of one direct conversation: its
// participants, block state and a ring buffer of the most recent messages.
package thread

import (
	"errors"
	"slices"
	"sync"
	"time"

	"touchline/internal/models"
)

var (
	ErrYouBlocked    = errors.New("You have blocked this user")
	ErrBlockedByPeer = errors.New("You have been blocked by this user")
)

type Config struct {
	Chat       models.Chat
	MaxRecords int
	// History seeds the buffer, oldest first.
	History []models.Message
	// Complete tells that History is the whole conversation.
	Complete bool
	// RecordCallback is invoked for every participant after a message is added.
	RecordCallback func(receiverID string, online bool, msg models.Message)
}

type Thread struct {
	ID           string
	Participants []string

	chat       models.Chat
	records    []models.Message
	lastIndex  int
	maxRecords int
	// dropped reports whether the buffer lost older messages, either on
	// seeding or by wrapping.
	dropped bool
	online  map[string]bool

	recordCallback func(receiverID string, online bool, msg models.Message)

	mux sync.RWMutex
	// appendMu orders writers so that buffer order is creation order.
	appendMu sync.Mutex
}

func New(config Config) *Thread {
	size := config.MaxRecords
	if size <= 0 {
		size = 1
	}
	t := &Thread{
		ID:             config.Chat.ID,
		Participants:   slices.Clone(config.Chat.Participants),
		chat:           config.Chat,
		maxRecords:     size,
		lastIndex:      -1,
		dropped:        !config.Complete,
		online:         make(map[string]bool),
		recordCallback: config.RecordCallback,
	}
	for _, m := range config.History {
		t.push(m)
	}
	return t
}

// push adds m to the ring buffer. Caller holds the lock.
func (t *Thread) push(m models.Message) {
	if len(t.records) < t.maxRecords {
		t.records = append(t.records, m)
		t.lastIndex++
		return
	}
	t.dropped = true
	i := (t.lastIndex + 1) % t.maxRecords
	t.records[i] = m
	t.lastIndex = i
}

// Append runs create, which stamps and stores a new message, and adds the
// result. Concurrent appends run one at a time so that messages enter the
// buffer in the order they were created.
func (t *Thread) Append(create func() (models.Message, string, error)) (models.Message, error) {
	t.appendMu.Lock()
	defer t.appendMu.Unlock()

	msg, summary, err := create()
	if err != nil {
		return models.Message{}, err
	}
	t.Add(msg, summary)
	return msg, nil
}

// Add appends a stored message and reports it to every participant.
func (t *Thread) Add(msg models.Message, summary string) {
	t.mux.Lock()
	t.push(msg)
	if msg.CreatedAt.After(t.chat.UpdatedAt) {
		t.chat.UpdatedAt = msg.CreatedAt
	}
	t.chat.LastMessage = &models.LastMessage{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Summary:   summary,
		Type:      msg.Type,
		CreatedAt: msg.CreatedAt,
	}
	online := make([]bool, len(t.Participants))
	for i, id := range t.Participants {
		online[i] = t.online[id]
	}
	cb := t.recordCallback
	t.mux.Unlock()

	if cb == nil {
		return
	}
	for i, id := range t.Participants {
		cb(id, online[i], msg)
	}
}

// Last returns up to count most recent messages, oldest first. ok is false
// when the buffer cannot tell whether older messages exist beyond what it holds
// and fewer than count are cached.
func (t *Thread) Last(count int) (msgs []models.Message, ok bool) {
	t.mux.RLock()
	defer t.mux.RUnlock()

	total := len(t.records)
	if count <= 0 || count > total {
		if t.dropped {
			return nil, false
		}
		count = total
	}

	result := make([]models.Message, count)
	head := 0
	if total == t.maxRecords {
		head = (t.lastIndex + 1) % t.maxRecords
	}
	startIdx := (head + total - count) % max(total, 1)

	if startIdx+count <= total {
		copy(result, t.records[startIdx:startIdx+count])
	} else {
		n1 := total - startIdx
		copy(result, t.records[startIdx:])
		copy(result[n1:], t.records[:count-n1])
	}
	return result, true
}

// MarkRead flags the cached messages addressed to readerID as read.
func (t *Thread) MarkRead(readerID string, at time.Time) {
	t.mux.Lock()
	defer t.mux.Unlock()

	for i := range t.records {
		if t.records[i].ReceiverID == readerID && !t.records[i].IsRead {
			t.records[i].IsRead = true
			t.records[i].UpdatedAt = at
		}
	}
}

// CanSend reports why senderID may not post, or nil.
func (t *Thread) CanSend(senderID string) error {
	t.mux.RLock()
	defer t.mux.RUnlock()

	if !slices.Contains(t.Participants, senderID) {
		return models.ErrForbidden
	}
	if !t.chat.IsBlocked {
		return nil
	}
	if t.chat.BlockedBy == senderID {
		return ErrYouBlocked
	}
	return ErrBlockedByPeer
}

// SetBlocked blocks or unblocks the conversation on behalf of userID. Only
// the user who imposed a block may lift it. changed is false when the state
// already matched.
func (t *Thread) SetBlocked(userID string, blocked bool, at time.Time) (chat models.Chat, changed bool, err error) {
	t.mux.Lock()
	defer t.mux.Unlock()

	if !slices.Contains(t.Participants, userID) {
		return models.Chat{}, false, models.ErrForbidden
	}
	switch {
	case blocked && t.chat.IsBlocked:
		if t.chat.BlockedBy != userID {
			return t.chat, false, ErrBlockedByPeer
		}
		return t.chat, false, nil
	case !blocked && !t.chat.IsBlocked:
		return t.chat, false, nil
	case !blocked && t.chat.BlockedBy != userID:
		return t.chat, false, ErrBlockedByPeer
	}

	t.chat.IsBlocked = blocked
	t.chat.BlockedBy = ""
	if blocked {
		t.chat.BlockedBy = userID
	}
	t.chat.UpdatedAt = at
	return t.chat, true, nil
}

// Chat returns a snapshot of the conversation record.
func (t *Thread) Chat() models.Chat {
	t.mux.RLock()
	defer t.mux.RUnlock()

	c := t.chat
	c.Participants = slices.Clone(t.chat.Participants)
	if t.chat.LastMessage != nil {
		lm := *t.chat.LastMessage
		c.LastMessage = &lm
	}
	return c
}

// Peer returns the other participant.
func (t *Thread) Peer(userID string) string {
	for _, id := range t.Participants {
		if id != userID {
			return id
		}
	}
	return ""
}

func (t *Thread) setOnline(userID string, online bool) {
	t.mux.Lock()
	defer t.mux.Unlock()

	if slices.Contains(t.Participants, userID) {
		t.online[userID] = online
	}
}

func (t *Thread) Join(userID string) {
	t.setOnline(userID, true)
}

func (t *Thread) Leave(userID string) {
	t.setOnline(userID, false)
}

func (t *Thread) Online(userID string) bool {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return t.online[userID]
}

// Package conversation reconciles the message list of the active conversation
// from three sources: optimistic local sends, server acknowledgements of those
// sends and pushed messages.
package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"touchline/internal/client"
	"touchline/internal/models"

	"github.com/google/uuid"
)

var (
	ErrNoConversation = errors.New("no active conversation")
	ErrYouBlocked     = errors.New("you have blocked this user")
	ErrBlockedByPeer  = errors.New("you have been blocked by this user")
)

// Sender is the part of client.Session the controller talks to.
type Sender interface {
	SendMessage(ctx context.Context, chatID, receiverID, content string, messageType models.MessageType, mediaURL string) (models.Message, error)
	MarkAsRead(ctx context.Context, chatID string)
	BlockUser(ctx context.Context, chatID string) (models.Chat, error)
	UnblockUser(ctx context.Context, chatID string) (models.Chat, error)
}

// SendState is the lifecycle of one optimistic message.
type SendState int

const (
	SendPending SendState = iota
	SendConfirmed
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendPending:
		return "pending"
	case SendConfirmed:
		return "confirmed"
	case SendFailed:
		return "failed"
	}
	return "unknown"
}

type outbound struct {
	temp  models.Message
	state SendState
	// echoID is the pushed message that replaced the optimistic entry
	// before the ack arrived.
	echoID      string
	confirmedID string
	err         error
}

type entry struct {
	msg     models.Message
	arrival uint64
}

type Controller struct {
	userID string
	sender Sender
	now    func() time.Time
	newID  func() string

	mu sync.Mutex
	// gen changes on every conversation switch; results of sends started
	// under an older generation are ignored.
	gen       uint64
	active    bool
	chat      models.Chat
	peer      string
	entries   []entry
	ids       map[string]struct{}
	outbound  map[string]*outbound
	sendOrder []string
	arrival   uint64
	typing    bool
	blocked   bool
	blockedBy string
	err       error
}

func New(userID string, sender Sender) *Controller {
	return &Controller{
		userID:   userID,
		sender:   sender,
		now:      time.Now,
		newID:    uuid.NewString,
		ids:      make(map[string]struct{}),
		outbound: make(map[string]*outbound),
	}
}

// Open makes chat the active conversation. Everything known about the
// previous one, pending sends included, is discarded. history is the message
// list fetched from the REST collaborator.
func (c *Controller) Open(chat models.Chat, history []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reset()
	c.active = true
	c.chat = chat
	c.peer = chat.OtherParticipant(c.userID)
	c.blocked = chat.IsBlocked
	c.blockedBy = chat.BlockedBy
	for _, m := range history {
		if m.ChatID == chat.ID {
			c.insert(m)
		}
	}
}

// Close leaves the active conversation.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *Controller) reset() {
	c.gen++
	c.active = false
	c.chat = models.Chat{}
	c.peer = ""
	c.entries = nil
	c.ids = make(map[string]struct{})
	c.outbound = make(map[string]*outbound)
	c.sendOrder = nil
	c.typing = false
	c.blocked = false
	c.blockedBy = ""
	c.err = nil
}

func (c *Controller) blockedErr() error {
	if c.blockedBy == c.userID {
		return ErrYouBlocked
	}
	return ErrBlockedByPeer
}

// SendMessage shows the message immediately under a temporary id and sends it.
// On success the temporary entry is replaced by the confirmed message; on
// failure it is removed and the error returned. While the conversation is
// blocked the call fails without touching the network.
func (c *Controller) SendMessage(ctx context.Context, content string, messageType models.MessageType, mediaURL string) (models.Message, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return models.Message{}, ErrNoConversation
	}
	if c.blocked {
		err := c.blockedErr()
		c.err = err
		c.mu.Unlock()
		return models.Message{}, err
	}

	now := c.now()
	temp := models.Message{
		ID:         models.TempIDPrefix + c.newID(),
		ChatID:     c.chat.ID,
		SenderID:   c.userID,
		ReceiverID: c.peer,
		Content:    content,
		MediaURL:   mediaURL,
		Type:       messageType,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := temp.Validate(); err != nil {
		c.mu.Unlock()
		return models.Message{}, err
	}
	gen := c.gen
	c.insert(temp)
	c.outbound[temp.ID] = &outbound{temp: temp, state: SendPending}
	c.sendOrder = append(c.sendOrder, temp.ID)
	c.err = nil
	c.mu.Unlock()

	confirmed, err := c.sender.SendMessage(ctx, temp.ChatID, temp.ReceiverID, content, messageType, mediaURL)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return confirmed, err
	}

	// only the ack settles a send
	ob := c.outbound[temp.ID]
	c.remove(temp.ID)
	if err != nil {
		ob.state = SendFailed
		ob.err = err
		c.err = err
		return models.Message{}, err
	}

	ob.state = SendConfirmed
	ob.confirmedID = confirmed.ID
	if confirmed.ChatID == c.chat.ID {
		c.insert(confirmed)
	}
	return confirmed, nil
}

// Block blocks the peer. On failure the blocked flag is left unchanged.
func (c *Controller) Block(ctx context.Context) error {
	return c.setBlocked(ctx, c.sender.BlockUser)
}

// Unblock lifts a block. Only the user who imposed it may lift it.
func (c *Controller) Unblock(ctx context.Context) error {
	c.mu.Lock()
	if c.active && c.blocked && c.blockedBy != c.userID {
		c.mu.Unlock()
		return ErrBlockedByPeer
	}
	c.mu.Unlock()
	return c.setBlocked(ctx, c.sender.UnblockUser)
}

func (c *Controller) setBlocked(ctx context.Context, call func(context.Context, string) (models.Chat, error)) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNoConversation
	}
	gen, chatID := c.gen, c.chat.ID
	c.mu.Unlock()

	chat, err := call(ctx, chatID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return err
	}
	if err != nil {
		c.err = err
		return err
	}
	c.applyChat(chat)
	return nil
}

// MarkRead marks the peer's messages read, locally and best effort on the server.
func (c *Controller) MarkRead(ctx context.Context) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	chatID := c.chat.ID
	c.markRead(c.peer)
	c.mu.Unlock()

	c.sender.MarkAsRead(ctx, chatID)
}

// HandleEvent applies a push to the active conversation. Events for any other
// conversation are ignored.
func (c *Controller) HandleEvent(ev client.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}

	switch e := ev.(type) {
	case client.NewMessage:
		c.receive(e.Message)
	case client.MessageSent:
		c.receive(e.Message)
	case client.UserTyping:
		if e.ChatID == c.chat.ID && e.UserID == c.peer {
			c.typing = true
		}
	case client.UserStoppedTyping:
		if e.ChatID == c.chat.ID && e.UserID == c.peer {
			c.typing = false
		}
	case client.UserBlocked:
		if e.Chat.ID == c.chat.ID {
			c.applyChat(e.Chat)
		}
	case client.UserUnblocked:
		if e.Chat.ID == c.chat.ID {
			c.applyChat(e.Chat)
		}
	case client.YouWereBlocked:
		if e.ChatID == c.chat.ID {
			c.blocked = true
			c.blockedBy = e.BlockedBy
			c.typing = false
		}
	case client.YouWereUnblocked:
		if e.ChatID == c.chat.ID {
			c.blocked = false
			c.blockedBy = ""
		}
	case client.MessagesReadByOther:
		if e.ChatID == c.chat.ID && e.ReaderID == c.peer {
			c.markRead(c.userID)
		}
	case client.MessagesMarkedRead:
		if e.ChatID == c.chat.ID {
			c.markRead(c.peer)
		}
	}
}

func (c *Controller) applyChat(chat models.Chat) {
	if chat.ID != c.chat.ID {
		return
	}
	c.chat = chat
	c.blocked = chat.IsBlocked
	c.blockedBy = chat.BlockedBy
	if c.blocked {
		c.typing = false
	}
}

// receive inserts a pushed message. An echo of one of our own pending sends
// takes the place of its optimistic entry, so the two are never shown
// together. The send itself stays pending until its ack.
func (c *Controller) receive(m models.Message) {
	if m.ChatID != c.chat.ID || m.ID == "" {
		return
	}
	if _, ok := c.ids[m.ID]; ok {
		return
	}
	if m.SenderID == c.userID {
		if ob := c.matchPending(m); ob != nil {
			c.remove(ob.temp.ID)
			ob.echoID = m.ID
		}
	}
	c.insert(m)
}

// matchPending finds the oldest pending send without an echo carrying the
// same payload as m.
func (c *Controller) matchPending(m models.Message) *outbound {
	for _, id := range c.sendOrder {
		ob := c.outbound[id]
		if ob.state != SendPending || ob.echoID != "" {
			continue
		}
		if ob.temp.Type == m.Type && ob.temp.Content == m.Content && ob.temp.MediaURL == m.MediaURL {
			return ob
		}
	}
	return nil
}

// markRead flags every message sent by senderID as read.
func (c *Controller) markRead(senderID string) {
	for i := range c.entries {
		if c.entries[i].msg.SenderID == senderID {
			c.entries[i].msg.IsRead = true
		}
	}
}

// insert adds m unless its id is known, keeping entries ordered by creation
// time with ties in arrival order.
func (c *Controller) insert(m models.Message) {
	if _, ok := c.ids[m.ID]; ok {
		return
	}
	c.arrival++
	e := entry{msg: m, arrival: c.arrival}
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].msg.CreatedAt.After(m.CreatedAt)
	})
	c.entries = append(c.entries, entry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
	c.ids[m.ID] = struct{}{}
}

func (c *Controller) remove(id string) {
	if _, ok := c.ids[id]; !ok {
		return
	}
	delete(c.ids, id)
	for i := range c.entries {
		if c.entries[i].msg.ID == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Messages returns a copy of the ordered message list, optimistic entries included.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg
	}
	return out
}

// Status reports the lifecycle of the send that used tempID.
func (c *Controller) Status(tempID string) (SendState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ob, ok := c.outbound[tempID]
	if !ok {
		return 0, false
	}
	return ob.state, true
}

func (c *Controller) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// Blocked reports whether sending is disabled and who imposed the block.
func (c *Controller) Blocked() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked, c.blockedBy
}

// Err is the last error of a user-visible operation, cleared by the next send.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chat.ID
}

func (c *Controller) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

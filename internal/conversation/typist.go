package conversation

import (
	"sync"
	"time"
)

// TypingIdle is how long the input may stay untouched before typing stops.
const TypingIdle = 2 * time.Second

type Signaler interface {
	StartTyping(chatID, receiverID string)
	StopTyping(chatID, receiverID string)
}

// Typist turns local keystrokes into typing_start/typing_stop signals: one start
// per burst, a stop after TypingIdle of inactivity or as soon as the input is emptied.
type Typist struct {
	signaler Signaler
	idle     time.Duration

	mu         sync.Mutex
	chatID     string
	receiverID string
	typing     bool
	timer      *time.Timer
	seq        uint64
}

func NewTypist(signaler Signaler) *Typist {
	return &Typist{signaler: signaler, idle: TypingIdle}
}

// Reset retargets the typist, stopping typing in the previous conversation.
func (t *Typist) Reset(chatID, receiverID string) {
	t.mu.Lock()
	stop := t.stopLocked()
	t.chatID = chatID
	t.receiverID = receiverID
	t.mu.Unlock()
	stop()
}

// Keystroke reports the current content of the input.
func (t *Typist) Keystroke(text string) {
	t.mu.Lock()
	if t.chatID == "" {
		t.mu.Unlock()
		return
	}
	if text == "" {
		stop := t.stopLocked()
		t.mu.Unlock()
		stop()
		return
	}

	start := !t.typing
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.timer = time.AfterFunc(t.idle, func() { t.expire(seq) })
	chatID, receiverID := t.chatID, t.receiverID
	t.mu.Unlock()

	if start {
		t.signaler.StartTyping(chatID, receiverID)
	}
}

// Stop ends typing immediately, e.g. after a message was sent.
func (t *Typist) Stop() {
	t.mu.Lock()
	stop := t.stopLocked()
	t.mu.Unlock()
	stop()
}

func (t *Typist) expire(seq uint64) {
	t.mu.Lock()
	if seq != t.seq {
		t.mu.Unlock()
		return
	}
	stop := t.stopLocked()
	t.mu.Unlock()
	stop()
}

// stopLocked clears the typing state and returns the signal to emit once the lock is released.
func (t *Typist) stopLocked() func() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.seq++
	if !t.typing {
		return func() {}
	}
	t.typing = false
	chatID, receiverID := t.chatID, t.receiverID
	return func() { t.signaler.StopTyping(chatID, receiverID) }
}

// Package broker fans user-directed envelopes out to every server instance.
package broker

import (
	"context"
	"sync"

	"touchline/internal/protocol"
)

// Message is one envelope addressed to every connection of UserID, or to
// every connected user but Except when UserID is empty. Origin is the id of
// the publishing instance; instances skip their own messages.
type Message struct {
	Origin   string            `json:"origin"`
	UserID   string            `json:"userId,omitempty"`
	Except   string            `json:"except,omitempty"`
	Envelope protocol.Envelope `json:"envelope"`
}

type Handler func(Message)

type Broker interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe delivers messages of other origins to handler until ctx is done.
	Subscribe(ctx context.Context, origin string, handler Handler) error
	Close() error
}

// Local connects hubs living in the same process.
type Local struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]Handler)}
}

func (l *Local) Publish(_ context.Context, msg Message) error {
	l.mu.RLock()
	var handlers []Handler
	for origin, h := range l.subs {
		if origin != msg.Origin {
			handlers = append(handlers, h)
		}
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, origin string, handler Handler) error {
	l.mu.Lock()
	l.subs[origin] = handler
	l.mu.Unlock()

	<-ctx.Done()

	l.mu.Lock()
	delete(l.subs, origin)
	l.mu.Unlock()
	return nil
}

func (l *Local) Close() error {
	return nil
}

// Subscribers returns the number of instances currently subscribed.
func (l *Local) Subscribers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

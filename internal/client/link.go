package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"touchline/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type dialFunc func(ctx context.Context, url, token string) (wsConnection, error)

func websocketDialer(timeout time.Duration) dialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	return func(ctx context.Context, url, token string) (wsConnection, error) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, ErrUnauthorized
			}
			return nil, fmt.Errorf("failed to dial %s: %w", url, err)
		}
		return conn, nil
	}
}

// link is one live transport connection together with the requests waiting for its acks.
type link struct {
	ws wsConnection

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan protocol.Envelope
	failed  bool

	closeOnce sync.Once
}

func newLink(ws wsConnection) *link {
	return &link{
		ws:      ws,
		pending: make(map[uint64]chan protocol.Envelope),
	}
}

func (l *link) write(env protocol.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return l.ws.WriteJSON(env)
}

// register returns the channel the ack for id will be delivered to,
// or nil when the link is already gone.
func (l *link) register(id uint64) chan protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failed {
		return nil
	}
	ch := make(chan protocol.Envelope, 1)
	l.pending[id] = ch
	return ch
}

func (l *link) unregister(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.pending, id)
}

func (l *link) resolve(env protocol.Envelope) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.pending[env.Ack]
	if !ok {
		return false
	}
	delete(l.pending, env.Ack)
	ch <- env
	return true
}

// fail closes every pending ack channel. Waiting requests observe the closed
// channel and report ErrNotConnected.
func (l *link) fail() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failed {
		return
	}
	l.failed = true
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		_ = l.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = l.ws.Close()
	})
}

// readLoop reads envelopes until the connection fails. Acks are resolved in
// place; everything else is handed to push.
func (l *link) readLoop(push func(protocol.Envelope)) error {
	if err := l.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	l.ws.SetPingHandler(func(appData string) error {
		_ = l.ws.SetReadDeadline(time.Now().Add(pongWait))
		// WriteControl may run concurrently with WriteJSON.
		return l.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		var env protocol.Envelope
		if err := l.ws.ReadJSON(&env); err != nil {
			return err
		}
		if env.Event == protocol.EventAck {
			l.resolve(env)
			continue
		}
		push(env)
	}
}

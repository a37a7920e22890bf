package client

import (
	"fmt"

	"touchline/internal/models"
	"touchline/internal/protocol"
)

// Event is a typed push delivered to listeners in arrival order.
type Event interface {
	eventName() string
}

// Listener receives every event of a session. HandleEvent runs on the session
// dispatcher goroutine and must not block or call Session.Close.
type Listener interface {
	HandleEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }

type Connected struct {
	UserID string
}

// Disconnected reports a transport loss. Exhausted is set once the bounded
// reconnection attempts are used up; Closed is set when the session was closed locally.
type Disconnected struct {
	Err       error
	Exhausted bool
	Closed    bool
}

type UserOnline struct {
	UserID string
}

type UserOffline struct {
	UserID string
}

type OnlineUsersSnapshot struct {
	UserIDs []string
}

type NewMessage struct {
	Message models.Message
}

// MessageSent confirms a message sent by this user, possibly from another connection.
type MessageSent struct {
	Message models.Message
}

type UserTyping struct {
	ChatID string
	UserID string
}

type UserStoppedTyping struct {
	ChatID string
	UserID string
}

type MessagesMarkedRead struct {
	ChatID string
}

type MessagesReadByOther struct {
	ChatID   string
	ReaderID string
}

type ChatUpdated struct{}

// UserBlocked confirms a block performed by this user.
type UserBlocked struct {
	Chat models.Chat
}

type YouWereBlocked struct {
	ChatID    string
	BlockedBy string
}

// UserUnblocked confirms an unblock performed by this user.
type UserUnblocked struct {
	Chat models.Chat
}

type YouWereUnblocked struct {
	ChatID      string
	UnblockedBy string
}

type ServerError struct {
	Message string
}

func (Connected) eventName() string           { return protocol.EventConnected }
func (Disconnected) eventName() string        { return "disconnect" }
func (UserOnline) eventName() string          { return protocol.EventUserOnline }
func (UserOffline) eventName() string         { return protocol.EventUserOffline }
func (OnlineUsersSnapshot) eventName() string { return protocol.EventOnlineUsers }
func (NewMessage) eventName() string          { return protocol.EventNewMessage }
func (MessageSent) eventName() string         { return protocol.EventMessageSent }
func (UserTyping) eventName() string          { return protocol.EventUserTyping }
func (UserStoppedTyping) eventName() string   { return protocol.EventUserStoppedTyping }
func (MessagesMarkedRead) eventName() string  { return protocol.EventMessagesMarkedRead }
func (MessagesReadByOther) eventName() string { return protocol.EventMessagesReadByOther }
func (ChatUpdated) eventName() string         { return protocol.EventChatUpdated }
func (UserBlocked) eventName() string         { return protocol.EventUserBlocked }
func (YouWereBlocked) eventName() string      { return protocol.EventYouWereBlocked }
func (UserUnblocked) eventName() string       { return protocol.EventUserUnblocked }
func (YouWereUnblocked) eventName() string    { return protocol.EventYouWereUnblocked }
func (ServerError) eventName() string         { return protocol.EventError }

// EventName returns the wire name of an event, for logging.
func EventName(ev Event) string {
	return ev.eventName()
}

func decodeEvent(env protocol.Envelope) (Event, error) {
	switch env.Event {
	case protocol.EventConnected:
		var p protocol.ConnectedPush
		err := env.Decode(&p)
		return Connected{UserID: p.UserID}, err
	case protocol.EventUserOnline:
		var p protocol.PresencePush
		err := env.Decode(&p)
		return UserOnline{UserID: p.UserID}, err
	case protocol.EventUserOffline:
		var p protocol.PresencePush
		err := env.Decode(&p)
		return UserOffline{UserID: p.UserID}, err
	case protocol.EventOnlineUsers:
		var p protocol.OnlineUsersResponse
		err := env.Decode(&p)
		return OnlineUsersSnapshot{UserIDs: p.OnlineUsers}, err
	case protocol.EventNewMessage:
		var p protocol.MessagePush
		err := env.Decode(&p)
		return NewMessage{Message: p.Message}, err
	case protocol.EventMessageSent:
		var p protocol.MessagePush
		err := env.Decode(&p)
		return MessageSent{Message: p.Message}, err
	case protocol.EventUserTyping:
		var p protocol.TypingPush
		err := env.Decode(&p)
		return UserTyping{ChatID: p.ChatID, UserID: p.UserID}, err
	case protocol.EventUserStoppedTyping:
		var p protocol.TypingPush
		err := env.Decode(&p)
		return UserStoppedTyping{ChatID: p.ChatID, UserID: p.UserID}, err
	case protocol.EventMessagesMarkedRead:
		var p protocol.MarkedReadPush
		err := env.Decode(&p)
		return MessagesMarkedRead{ChatID: p.ChatID}, err
	case protocol.EventMessagesReadByOther:
		var p protocol.ReadByOtherPush
		err := env.Decode(&p)
		return MessagesReadByOther{ChatID: p.ChatID, ReaderID: p.ReadByUserID}, err
	case protocol.EventChatUpdated:
		return ChatUpdated{}, nil
	case protocol.EventUserBlocked:
		var p protocol.ChatResponse
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if p.Chat == nil {
			return nil, fmt.Errorf("%s without chat", env.Event)
		}
		return UserBlocked{Chat: *p.Chat}, nil
	case protocol.EventYouWereBlocked:
		var p protocol.BlockedPush
		err := env.Decode(&p)
		return YouWereBlocked{ChatID: p.ChatID, BlockedBy: p.BlockedByUserID}, err
	case protocol.EventUserUnblocked:
		var p protocol.ChatResponse
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if p.Chat == nil {
			return nil, fmt.Errorf("%s without chat", env.Event)
		}
		return UserUnblocked{Chat: *p.Chat}, nil
	case protocol.EventYouWereUnblocked:
		var p protocol.UnblockedPush
		err := env.Decode(&p)
		return YouWereUnblocked{ChatID: p.ChatID, UnblockedBy: p.UnblockedByUserID}, err
	case protocol.EventError:
		var p protocol.ErrorPayload
		err := env.Decode(&p)
		return ServerError{Message: p.Message}, err
	}
	return nil, fmt.Errorf("unknown event %q", env.Event)
}

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"touchline/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketChats         = []byte("chats")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketRevokedTokens = []byte("revoked_tokens")
	bucketPushSubs      = []byte("push_subscriptions")
	bucketFiles         = []byte("files")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers, bucketChats, bucketMessages, bucketMessageIndex,
			bucketRevokedTokens, bucketPushSubs, bucketFiles,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

// DirectChatID is the id of the one-to-one chat between two users, independent of argument order.
func DirectChatID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}

// UpsertUser stores new or updated user profile.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketUsers), &DBUser{
			ID:          user.ID,
			UserName:    user.UserName,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			Role:        string(user.Role),
		})
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		return dbUser.UnmarshalBinary(data)
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.model(), nil
}

// ListUsers returns all users stored in the database.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.model())
			return nil
		})
	})
	return users, err
}

func getChat(tx *bbolt.Tx, id string) (*DBChat, error) {
	data := tx.Bucket(bucketChats).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("chat %s: %w", id, models.ErrNotFound)
	}
	var dbChat DBChat
	if err := dbChat.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	return &dbChat, nil
}

// UpsertChat saves the chat. The last message and the hidden list are owned by
// AppendMessage and HideChat and survive the upsert.
func (s *BboltStorage) UpsertChat(chat models.Chat) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbChat := &DBChat{
			ID:           chat.ID,
			Participants: chat.Participants,
			IsBlocked:    chat.IsBlocked,
			BlockedBy:    chat.BlockedBy,
			CreatedAt:    toUnixNano(chat.CreatedAt),
			UpdatedAt:    toUnixNano(chat.UpdatedAt),
		}
		existing, err := getChat(tx, chat.ID)
		switch {
		case err == nil:
			dbChat.LastMessage = existing.LastMessage
			dbChat.HiddenFor = existing.HiddenFor
			if dbChat.CreatedAt == 0 {
				dbChat.CreatedAt = existing.CreatedAt
			}
		case !errors.Is(err, models.ErrNotFound):
			return err
		}
		return put(tx.Bucket(bucketChats), dbChat)
	})
}

func (s *BboltStorage) GetChat(id string) (models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbChat, err := getChat(tx, id)
		if err != nil {
			return err
		}
		chat = dbChat.model()
		return nil
	})
	return chat, err
}

// ListChatsFor returns the chats userID participates in and has not hidden,
// most recently updated first.
func (s *BboltStorage) ListChatsFor(userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChats).ForEach(func(k, v []byte) error {
			var dbChat DBChat
			if err := dbChat.UnmarshalBinary(v); err != nil {
				return err
			}
			if !slices.Contains(dbChat.Participants, userID) || slices.Contains(dbChat.HiddenFor, userID) {
				return nil
			}
			chats = append(chats, dbChat.model())
			return nil
		})
	})
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	return chats, err
}

// HideChat removes the chat from the list of userID until the next message.
func (s *BboltStorage) HideChat(chatID, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbChat, err := getChat(tx, chatID)
		if err != nil {
			return err
		}
		if !slices.Contains(dbChat.HiddenFor, userID) {
			dbChat.HiddenFor = append(dbChat.HiddenFor, userID)
		}
		return put(tx.Bucket(bucketChats), dbChat)
	})
}

// AppendMessage saves the message under the next sequence number of its chat
// and makes it the chat's last message. The chat reappears in every list it
// was hidden from.
func (s *BboltStorage) AppendMessage(message models.Message, summary string) error {
	if message.ChatID == "" {
		return errors.New("message missing chatID")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbChat, err := getChat(tx, message.ChatID)
		if err != nil {
			return err
		}

		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.ChatID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}
		seq, err := chatBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		dbMessage := &DBMessage{
			Seq:        seq,
			ID:         message.ID,
			ChatID:     message.ChatID,
			SenderID:   message.SenderID,
			ReceiverID: message.ReceiverID,
			Content:    message.Content,
			MediaURL:   message.MediaURL,
			Type:       string(message.Type),
			IsRead:     message.IsRead,
			IsDeleted:  message.IsDeleted,
			CreatedAt:  toUnixNano(message.CreatedAt),
			UpdatedAt:  toUnixNano(message.UpdatedAt),
		}
		if err := put(chatBucket, dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		if err := put(tx.Bucket(bucketMessageIndex), &DBMessageRef{ID: message.ID, ChatID: message.ChatID, Seq: seq}); err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}

		dbChat.LastMessage = &DBLastMessage{
			ID:        message.ID,
			SenderID:  message.SenderID,
			Summary:   summary,
			Type:      string(message.Type),
			CreatedAt: dbMessage.CreatedAt,
		}
		dbChat.UpdatedAt = dbMessage.CreatedAt
		dbChat.HiddenFor = nil
		return put(tx.Bucket(bucketChats), dbChat)
	})
}

// GetMessage looks a message up by its id.
func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var dbMsg DBMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMessageIndex).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
		}
		var ref DBMessageRef
		if err := ref.UnmarshalBinary(data); err != nil {
			return err
		}
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ChatID))
		if chatBucket == nil {
			return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
		}
		raw := chatBucket.Get(seqKey(ref.Seq))
		if raw == nil {
			return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
		}
		return dbMsg.UnmarshalBinary(raw)
	})
	if err != nil {
		return models.Message{}, err
	}
	return dbMsg.model(), nil
}

// ListMessages returns up to limit messages created before the given time
// (zero means no bound), oldest first.
func (s *BboltStorage) ListMessages(chatID string, limit int, before time.Time) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil // No messages for this chat
		}

		bound := toUnixNano(before)
		c := chatBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(messages) >= limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if bound != 0 && dbMsg.CreatedAt >= bound {
				continue
			}
			messages = append(messages, dbMsg.model())
		}
		return nil
	})
	slices.Reverse(messages)
	return messages, err
}

// MarkRead flags every unread message addressed to readerID in the chat and
// reports how many changed.
func (s *BboltStorage) MarkRead(chatID, readerID string, at time.Time) (int, error) {
	marked := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil
		}
		var updates []*DBMessage
		err := chatBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ReceiverID == readerID && !dbMsg.IsRead {
				dbMsg.IsRead = true
				dbMsg.UpdatedAt = toUnixNano(at)
				updates = append(updates, &dbMsg)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Buckets must not be modified while iterating.
		for _, m := range updates {
			if err := put(chatBucket, m); err != nil {
				return err
			}
		}
		marked = len(updates)
		return nil
	})
	return marked, err
}

// UnreadCount is the number of unread messages addressed to userID in the chat.
func (s *BboltStorage) UnreadCount(chatID, userID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil
		}
		return chatBucket.ForEach(func(k, v []byte) error {
			var dbMsg struct {
				ReceiverID string `msgpack:"receiverId"`
				IsRead     bool   `msgpack:"isRead"`
			}
			if err := msgpack.Unmarshal(v, &dbMsg); err != nil {
				return err
			}
			if dbMsg.ReceiverID == userID && !dbMsg.IsRead {
				count++
			}
			return nil
		})
	})
	return count, err
}

// RevokeToken remembers a revoked token digest until the token would have expired anyway.
func (s *BboltStorage) RevokeToken(digest string, expiresAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRevokedTokens).Put([]byte(digest), seqKey(uint64(toUnixNano(expiresAt))))
	})
}

// ListRevokedTokens returns the revoked token digests that have not expired
// yet and purges the rest.
func (s *BboltStorage) ListRevokedTokens(now time.Time) (map[string]time.Time, error) {
	tokens := make(map[string]time.Time)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRevokedTokens)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				expired = append(expired, slices.Clone(k))
				return nil
			}
			exp := fromUnixNano(int64(binary.BigEndian.Uint64(v)))
			if !exp.After(now) {
				expired = append(expired, slices.Clone(k))
				return nil
			}
			tokens[string(k)] = exp
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return tokens, err
}

func (s *BboltStorage) UpsertPushSubscription(sub PushSubscription) error {
	if sub.UserID == "" || strings.TrimSpace(sub.Endpoint) == "" {
		return fmt.Errorf("%w: push subscription needs user and endpoint", models.ErrInvalid)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketPushSubs), &sub)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]PushSubscription, error) {
	var subs []PushSubscription
	prefix := []byte(userID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPushSubs).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var sub PushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub)
		}
		return nil
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sub := PushSubscription{UserID: userID, Endpoint: endpoint}
		return tx.Bucket(bucketPushSubs).Delete(sub.Key())
	})
}

// FindDirectChat returns the chat between a and b.
func (s *BboltStorage) FindDirectChat(a, b string) (models.Chat, error) {
	return s.GetChat(DirectChatID(a, b))
}

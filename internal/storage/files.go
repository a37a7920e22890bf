package storage

import (
	"fmt"

	"touchline/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// MediaMetadata describes an uploaded attachment. The bytes live in the file store.
type MediaMetadata struct {
	ID        string `msgpack:"id"`
	Hash      string `msgpack:"hash"`
	MimeType  string `msgpack:"mimeType"`
	Kind      string `msgpack:"kind"` // image, video or file
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	OwnerID   string `msgpack:"ownerId"`
}

func (f *MediaMetadata) Key() []byte {
	return []byte(f.ID)
}

func (f *MediaMetadata) MarshalBinary() (data []byte, err error) {
	type alias MediaMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *MediaMetadata) UnmarshalBinary(data []byte) error {
	type alias MediaMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (s *BboltStorage) UpsertMediaMetadata(meta MediaMetadata) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := put(tx.Bucket(bucketFiles), &meta); err != nil {
			return fmt.Errorf("failed to store media metadata: %w", err)
		}
		return nil
	})
}

func (s *BboltStorage) GetMediaMetadata(id string) (MediaMetadata, error) {
	var meta MediaMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("media %s: %w", id, models.ErrNotFound)
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}

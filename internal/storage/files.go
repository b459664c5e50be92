package storage

import (
	"fmt"

	"palaver/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// FileMetadata describes one stored object. ID doubles as the public path
// component under which the object is served.
type FileMetadata struct {
	ID        string `msgpack:"id"`
	Bucket    string `msgpack:"bucket"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	OwnerID   string `msgpack:"ownerId"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.ID)
}

func (f *FileMetadata) MarshalBinary() (data []byte, err error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (s *BboltStorage) UpsertFileMetadata(meta FileMetadata) error {
	return storeErr(s.db.Update(func(tx *bbolt.Tx) error {
		data, err := meta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal file metadata: %w", err)
		}
		return tx.Bucket(bucketFiles).Put(meta.Key(), data)
	}))
}

func (s *BboltStorage) GetFileMetadata(id string) (FileMetadata, error) {
	var meta FileMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file %s: %w", id, models.ErrNotFound)
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, storeErr(err)
}

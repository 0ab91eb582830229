package storage

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// FileMetadata describes an uploaded blob. Path has the shape
// {ownerId}/{messageId}.{ext}.
type FileMetadata struct {
	Path      string `msgpack:"path"`
	OwnerID   string `msgpack:"ownerId"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.Path)
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
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data, err := meta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal file metadata: %w", err)
		}
		return b.Put(meta.Key(), data)
	})
}

// ListFileMetadata returns the metadata of every file whose path starts
// with prefix, in path order.
func (s *BboltStorage) ListFileMetadata(prefix string) ([]FileMetadata, error) {
	var files []FileMetadata
	p := []byte(prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFiles).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var meta FileMetadata
			if err := meta.UnmarshalBinary(v); err != nil {
				return err
			}
			files = append(files, meta)
		}
		return nil
	})
	return files, err
}

func (s *BboltStorage) DeleteFileMetadata(path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(path))
	})
}

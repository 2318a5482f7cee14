package rendezvous

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore keeps one cbor-encoded record per key inside a directory, so two
// processes on the same machine (or sharing a mounted directory) can
// rendezvous. Each Put replaces its file atomically with a rename; keys never
// interfere with each other.
type FileStore struct {
	dir string
}

// fileRecord is the on-disk layout of one key.
type fileRecord struct {
	Key       string    `cbor:"1,keyasint"`
	Value     string    `cbor:"2,keyasint"`
	UpdatedAt time.Time `cbor:"3,keyasint"`
}

// NewFileStore returns a store rooted at dir. The directory is created on
// first Put.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key))+".cbor")
}

func (s *FileStore) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := cbor.Marshal(fileRecord{Key: key, Value: value, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return unavailable("put", key, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return unavailable("put", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return unavailable("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return unavailable("put", key, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return unavailable("put", key, err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", key, err)
	}

	var rec fileRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return "", false, unavailable("get", key, fmt.Errorf("corrupt record: %w", err))
	}
	if rec.Key != key {
		return "", false, nil
	}
	return rec.Value, true, nil
}

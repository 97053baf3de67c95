// Package artifacts stores the inputs, decisions and outcomes a PDO refers
// to. Stored JSON is re-serialized to its canonical form and addressed by
// the sha256 of those bytes, so a ref is also an integrity claim.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BIGmindz/ChainBridge-sub012/internal/canonical"
)

var ErrNotFound = errors.New("artifact not found")

// MemoryStore keeps artifacts in process memory. Refs need not be content
// digests; Set stores bytes under any ref.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put canonicalizes raw and stores it under its content ref.
func (s *MemoryStore) Put(_ context.Context, raw []byte) (string, error) {
	data, err := canonical.Reformat(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize artifact: %w", err)
	}
	ref := canonical.DigestWithPrefix(data)
	s.Set(ref, data)
	return ref, nil
}

func (s *MemoryStore) Set(ref string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[ref] = append([]byte(nil), data...)
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return append([]byte(nil), data...), nil
}

// Resolve ignores role; refs are unique across roles.
func (s *MemoryStore) Resolve(ctx context.Context, _ string, ref string) ([]byte, error) {
	return s.Get(ctx, ref)
}

// FileStore keeps one file per artifact, named by the hex digest of its
// canonical bytes. Only content refs are accepted.
type FileStore struct {
	dir string
}

func OpenFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("missing artifacts directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(digest string) string {
	return filepath.Join(s.dir, digest+".json")
}

// Put canonicalizes raw and writes it once. Storing the same content twice
// returns the same ref.
func (s *FileStore) Put(ctx context.Context, raw []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := canonical.Reformat(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize artifact: %w", err)
	}
	digest := canonical.DigestHex(data)
	ref := canonical.DigestPrefix + digest

	final := s.path(digest)
	if _, err := os.Stat(final); err == nil {
		return ref, nil
	}
	tmp, err := os.CreateTemp(s.dir, ".artifact-*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return ref, nil
}

// Get returns the stored bytes exactly as written. It does not re-check the
// digest; callers that need that compare against the ref.
func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, ok := canonical.ParseDigestRef(strings.TrimSpace(ref))
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrNotFound, canonical.ErrInvalidDigest, ref)
	}
	// #nosec G304 -- file name is a validated hex digest.
	data, err := os.ReadFile(s.path(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return data, err
}

func (s *FileStore) Resolve(ctx context.Context, _ string, ref string) ([]byte, error) {
	return s.Get(ctx, ref)
}

// Package filestore persists each PDO as <pdo_id>.json in one directory.
// Records are written to a temp file in the same directory, synced, and
// renamed into place, so a reader never observes a partial record.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
)

const suffix = ".json"

type Store struct {
	dir string
}

// Open creates dir if needed and returns a backend rooted there.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("missing directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Path returns the file that holds pdoID.
func (s *Store) Path(pdoID string) string {
	return filepath.Join(s.dir, pdoID+suffix)
}

func (s *Store) Put(ctx context.Context, rec pdostore.StoredRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkID(rec.PDOID); err != nil {
		return err
	}

	final := s.Path(rec.PDOID)
	tmp, err := os.CreateTemp(s.dir, ".pdo-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	// After a successful link this only drops the temporary name.
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(rec.Body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o440); err != nil {
		return err
	}
	// Link fails when final exists, so a concurrent writer of the same id
	// can never be overwritten.
	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return pdostore.ErrExists
		}
		return err
	}
	return syncDir(s.dir)
}

func (s *Store) Get(ctx context.Context, pdoID string) (pdostore.StoredRecord, error) {
	if err := ctx.Err(); err != nil {
		return pdostore.StoredRecord{}, err
	}
	if err := checkID(pdoID); err != nil {
		return pdostore.StoredRecord{}, pdostore.ErrNotFound
	}
	// #nosec G304 -- path is built from a validated uuid.
	body, err := os.ReadFile(s.Path(pdoID))
	if errors.Is(err, fs.ErrNotExist) {
		return pdostore.StoredRecord{}, pdostore.ErrNotFound
	}
	if err != nil {
		return pdostore.StoredRecord{}, err
	}
	return pdostore.StoredRecord{PDOID: pdoID, Body: body}, nil
}

// List returns every record file in name order. Temp files left by an
// interrupted Put are ignored.
func (s *Store) List(ctx context.Context) ([]pdostore.StoredRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]pdostore.StoredRecord, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := strings.TrimSuffix(name, suffix)
		// #nosec G304 -- name comes from the store directory listing.
		body, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, pdostore.StoredRecord{PDOID: id, Body: body})
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

func checkID(pdoID string) error {
	parsed, err := uuid.Parse(pdoID)
	if err != nil || parsed.String() != pdoID {
		return fmt.Errorf("invalid pdo id %q", pdoID)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

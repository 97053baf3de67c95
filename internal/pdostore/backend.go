package pdostore

import (
	"context"
	"errors"
)

var (
	ErrExists   = errors.New("pdo already exists")
	ErrNotFound = errors.New("pdo not found")
)

// StoredRecord is a sealed record as the substrate sees it. Body holds the
// canonical JSON of the record; RecordedAt is informational and never
// trusted over Body.
type StoredRecord struct {
	PDOID      string
	RecordedAt string
	Body       []byte
}

// Backend is the persistence substrate beneath the store. Put must publish
// atomically and must refuse to overwrite an existing id with ErrExists.
// No method updates or removes a record.
type Backend interface {
	Put(ctx context.Context, rec StoredRecord) error
	Get(ctx context.Context, pdoID string) (StoredRecord, error)
	List(ctx context.Context) ([]StoredRecord, error)
	Close() error
}

package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"

	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
)

// Store is a pdostore.Backend over SQLite. The pdo_records table carries
// triggers that reject UPDATE and DELETE.
type Store struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) Put(ctx context.Context, rec pdostore.StoredRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO pdo_records(pdo_id, recorded_at, body) VALUES(?, ?, ?)
ON CONFLICT(pdo_id) DO NOTHING`, rec.PDOID, rec.RecordedAt, string(rec.Body))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return pdostore.ErrExists
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, pdoID string) (pdostore.StoredRecord, error) {
	var rec pdostore.StoredRecord
	var body string
	row := s.db.QueryRowContext(ctx, `SELECT pdo_id, recorded_at, body FROM pdo_records WHERE pdo_id = ?`, pdoID)
	if err := row.Scan(&rec.PDOID, &rec.RecordedAt, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pdostore.StoredRecord{}, pdostore.ErrNotFound
		}
		return pdostore.StoredRecord{}, err
	}
	rec.Body = []byte(body)
	return rec, nil
}

func (s *Store) List(ctx context.Context) ([]pdostore.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pdo_id, recorded_at, body FROM pdo_records ORDER BY recorded_at ASC, pdo_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []pdostore.StoredRecord{}
	for rows.Next() {
		var rec pdostore.StoredRecord
		var body string
		if err := rows.Scan(&rec.PDOID, &rec.RecordedAt, &body); err != nil {
			return nil, err
		}
		rec.Body = []byte(body)
		out = append(out, rec)
	}
	return out, rows.Err()
}

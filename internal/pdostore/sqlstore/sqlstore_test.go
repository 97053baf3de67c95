package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/BIGmindz/ChainBridge-sub012/internal/pdo"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := pdostore.Migrate(context.Background(), s.DB(), pdostore.DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestPutGetList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := pdostore.StoredRecord{PDOID: "p1", RecordedAt: "2025-01-15T10:30:00.000000+00:00", Body: []byte(`{"pdo_id":"p1"}`)}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, rec); !errors.Is(err, pdostore.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, err := s.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Body) != string(rec.Body) || got.RecordedAt != rec.RecordedAt {
		t.Fatalf("get mismatch: %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, pdostore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	earlier := pdostore.StoredRecord{PDOID: "p0", RecordedAt: "2025-01-15T10:29:00.000000+00:00", Body: []byte(`{}`)}
	if err := s.Put(ctx, earlier); err != nil {
		t.Fatalf("put earlier: %v", err)
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].PDOID != "p0" {
		t.Fatalf("expected oldest first, got %+v", list)
	}
}

func TestStoreOverSQLiteDetectsTamper(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	store, err := pdostore.Open(ctx, s)
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	rec, err := store.Append(ctx, pdo.Fields{
		DecisionRef:  "decision-1",
		OutcomeRef:   "outcome-1",
		Outcome:      pdo.OutcomeApproved,
		SourceSystem: pdo.SourceChainPay,
		Actor:        "settlement",
		ActorType:    pdo.ActorSystem,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// The append-only trigger blocks writes; an attacker with file access
	// can still drop it, which is exactly what verification must catch.
	if _, err := s.DB().Exec(`UPDATE pdo_records SET body = ? WHERE pdo_id = ?`, "{}", rec.ID()); err == nil {
		t.Fatalf("expected trigger to block update")
	}
	if _, err := s.DB().Exec(`DROP TRIGGER pdo_records_no_update`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	stored, err := s.Get(ctx, rec.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	tampered := strings.Replace(string(stored.Body), `"outcome":"APPROVED"`, `"outcome":"REJECTED"`, 1)
	if _, err := s.DB().Exec(`UPDATE pdo_records SET body = ? WHERE pdo_id = ?`, tampered, rec.ID()); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := store.Get(ctx, rec.ID()); !errors.Is(err, pdo.ErrTamperDetected) {
		t.Fatalf("expected tamper on get, got %v", err)
	}
	if _, err := pdostore.Open(ctx, s); !errors.Is(err, pdo.ErrTamperDetected) {
		t.Fatalf("expected open to halt, got %v", err)
	}
}

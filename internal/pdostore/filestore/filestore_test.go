package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BIGmindz/ChainBridge-sub012/internal/alert"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdo"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
)

func approvedFields() pdo.Fields {
	return pdo.Fields{
		InputRefs:    []string{"sha256:aa"},
		DecisionRef:  "decision-1",
		OutcomeRef:   "outcome-1",
		Outcome:      pdo.OutcomeApproved,
		SourceSystem: pdo.SourceGateway,
		Actor:        "agent-7",
		ActorType:    pdo.ActorAgent,
	}
}

func TestPutGetList(t *testing.T) {
	fsStore, err := Open(filepath.Join(t.TempDir(), "pdo"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	id := "3f2b8c1e-7a4d-4e9b-8c2a-1d5e6f7a8b9c"

	if err := fsStore.Put(ctx, pdostore.StoredRecord{PDOID: id, Body: []byte(`{"pdo_id":"x"}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := fsStore.Put(ctx, pdostore.StoredRecord{PDOID: id, Body: []byte(`{}`)}); !errors.Is(err, pdostore.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, err := fsStore.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Body) != `{"pdo_id":"x"}` {
		t.Fatalf("overwrite leaked: %s", got.Body)
	}

	if _, err := fsStore.Get(ctx, "9a7c6b5d-4e3f-4a2b-9c1d-0e8f7a6b5c4d"); !errors.Is(err, pdostore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := fsStore.Get(ctx, "../etc/passwd"); !errors.Is(err, pdostore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for bad id, got %v", err)
	}
	if err := fsStore.Put(ctx, pdostore.StoredRecord{PDOID: "../escape", Body: []byte(`{}`)}); err == nil {
		t.Fatalf("expected invalid id to be rejected")
	}

	// Leftover temp files from an interrupted write are not records.
	if err := os.WriteFile(filepath.Join(fsStore.Dir(), ".pdo-123.tmp"), []byte("partial"), 0o600); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	list, err := fsStore.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].PDOID != id {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestConcurrentPutSameIDNeverOverwrites(t *testing.T) {
	fsStore, err := Open(filepath.Join(t.TempDir(), "pdo"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	id := "3f2b8c1e-7a4d-4e9b-8c2a-1d5e6f7a8b9c"

	const writers = 16
	results := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- fsStore.Put(ctx, pdostore.StoredRecord{PDOID: id, Body: []byte(fmt.Sprintf(`{"writer":%d}`, i))})
		}(i)
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, pdostore.ErrExists):
			t.Fatalf("unexpected put error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}

	entries, err := os.ReadDir(fsStore.Dir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || strings.HasSuffix(entries[0].Name(), ".tmp") {
		t.Fatalf("expected only the published record, got %v", entries)
	}
}

func TestPutOverPreexistingFile(t *testing.T) {
	fsStore, err := Open(filepath.Join(t.TempDir(), "pdo"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id := "3f2b8c1e-7a4d-4e9b-8c2a-1d5e6f7a8b9c"
	if err := os.WriteFile(fsStore.Path(id), []byte(`{"first":true}`), 0o440); err != nil {
		t.Fatalf("write: %v", err)
	}
	err = fsStore.Put(context.Background(), pdostore.StoredRecord{PDOID: id, Body: []byte(`{"second":true}`)})
	if !errors.Is(err, pdostore.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	body, err := os.ReadFile(fsStore.Path(id))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != `{"first":true}` {
		t.Fatalf("existing record overwritten: %s", body)
	}
}

func TestStoreOverFilesDetectsOnDiskTamper(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pdo")
	backend, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	clock := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	store, err := pdostore.Open(ctx, backend, pdostore.WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("store open: %v", err)
	}

	rec, err := store.Append(ctx, approvedFields())
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// Records survive a reopen.
	reopened, err := pdostore.Open(ctx, backend)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Count() != 1 {
		t.Fatalf("expected 1 record after reopen, got %d", reopened.Count())
	}

	path := backend.Path(rec.ID())
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(raw), `"actor":"agent-7"`, `"actor":"agent-8"`, 1)
	if err := os.Chmod(path, 0o640); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.WriteFile(path, []byte(tampered), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := store.Get(ctx, rec.ID()); !errors.Is(err, pdo.ErrTamperDetected) {
		t.Fatalf("expected tamper on get, got %v", err)
	}

	recorder := &alert.Recorder{}
	if _, err := pdostore.Open(ctx, backend, pdostore.WithAlertSink(recorder)); !errors.Is(err, pdo.ErrTamperDetected) {
		t.Fatalf("expected open to halt, got %v", err)
	}
	alerts := recorder.Alerts()
	if len(alerts) != 1 || alerts[0].Subject != "pdo:"+rec.ID() {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}
}

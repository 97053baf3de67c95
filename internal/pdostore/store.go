// Package pdostore is the append-only PDO ledger. Every read re-verifies the
// record hash, and Open refuses to return a store if any persisted record
// fails verification or any lineage link is missing or out of order.
package pdostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BIGmindz/ChainBridge-sub012/internal/alert"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdo"
)

var (
	ErrLineageCycle  = errors.New("pdo lineage cycle")
	ErrBrokenLineage = errors.New("pdo lineage broken")
	ErrLineageOrder  = errors.New("pdo recorded_at does not follow its predecessor")
)

// Store serializes every operation behind one mutex. There is no update or
// delete method.
type Store struct {
	mu      sync.Mutex
	backend Backend
	now     func() time.Time
	alerts  alert.Sink
	logger  *slog.Logger

	index      map[string]entry
	byDecision map[string]string
	last       time.Time
}

type entry struct {
	id            string
	recordedAt    time.Time
	outcome       pdo.Outcome
	sourceSystem  pdo.SourceSystem
	actor         string
	correlationID string
	decisionRef   string
}

type Option func(*Store)

// WithClock sets the clock used to stamp recorded_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithAlertSink(sink alert.Sink) Option {
	return func(s *Store) { s.alerts = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open wraps backend and verifies every persisted record before returning.
// A single failing record aborts the open with *pdo.TamperDetectedError.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("missing backend")
	}
	s := newStore(backend, opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadAllLocked(ctx)
	if err != nil {
		return nil, err
	}
	if failures := checkLineage(records, nil); len(failures) > 0 {
		for _, f := range failures {
			s.raiseLineage(ctx, f)
		}
		return nil, failures[0].Err
	}
	for _, rec := range records {
		s.indexLocked(rec)
	}
	s.logger.Info("pdo store opened", "records", len(records))
	return s, nil
}

// Audit runs VerifyAll over backend without opening a store on it, so a
// tampered substrate can still be inspected.
func Audit(ctx context.Context, backend Backend, opts ...Option) (Report, error) {
	if backend == nil {
		return Report{}, fmt.Errorf("missing backend")
	}
	return newStore(backend, opts).VerifyAll(ctx)
}

func newStore(backend Backend, opts []Option) *Store {
	s := &Store{
		backend:    backend,
		now:        time.Now,
		logger:     slog.Default(),
		index:      make(map[string]entry),
		byDecision: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.alerts == nil {
		s.alerts = alert.LogSink{Logger: s.logger}
	}
	return s
}

// Close releases the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}

// Append seals f as a new PDO and publishes it. recorded_at comes from the
// store clock and is strictly later than every record already stored,
// including the predecessor named by f.PreviousPDOID.
func (s *Store) Append(ctx context.Context, f pdo.Fields) (pdo.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.PreviousPDOID != "" {
		if _, ok := s.index[f.PreviousPDOID]; !ok {
			return pdo.Record{}, &pdo.ValidationError{Field: "previous_pdo_id", Reason: fmt.Sprintf("unknown pdo %q", f.PreviousPDOID)}
		}
	}
	if f.PDOID != "" {
		if _, ok := s.index[f.PDOID]; ok {
			return pdo.Record{}, fmt.Errorf("append %s: %w", f.PDOID, ErrExists)
		}
	}

	stamp := s.now().UTC().Truncate(time.Microsecond)
	if !stamp.After(s.last) {
		stamp = s.last.Add(time.Microsecond)
	}

	rec, err := pdo.Create(f, stamp)
	if err != nil {
		return pdo.Record{}, err
	}
	if _, ok := s.index[rec.ID()]; ok {
		return pdo.Record{}, fmt.Errorf("append %s: %w", rec.ID(), ErrExists)
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return pdo.Record{}, fmt.Errorf("encode pdo: %w", err)
	}
	if err := s.backend.Put(ctx, StoredRecord{PDOID: rec.ID(), RecordedAt: rec.RecordedAtString(), Body: body}); err != nil {
		return pdo.Record{}, fmt.Errorf("append %s: %w", rec.ID(), err)
	}

	s.indexLocked(rec)
	s.logger.Info("pdo appended", "pdo_id", rec.ID(), "outcome", rec.Outcome(), "recorded_at", rec.RecordedAtString())
	return rec, nil
}

type readOptions struct {
	skipVerify bool
}

type ReadOption func(*readOptions)

// WithoutIntegrityCheck returns the record as stored, without recomputing
// its hash.
func WithoutIntegrityCheck() ReadOption {
	return func(o *readOptions) { o.skipVerify = true }
}

// Get loads one record. Unless WithoutIntegrityCheck is passed, a hash
// mismatch returns *pdo.TamperDetectedError and raises an alert. The failure
// is scoped to this call.
func (s *Store) Get(ctx context.Context, pdoID string, opts ...ReadOption) (pdo.Record, error) {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, pdoID, !o.skipVerify)
}

// LoadAll re-reads and verifies every record, oldest first. It stops at the
// first record that fails verification.
func (s *Store) LoadAll(ctx context.Context) ([]pdo.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAllLocked(ctx)
}

// Lineage returns the ancestors of pdoID, oldest first. The record itself
// is not included.
func (s *Store) Lineage(ctx context.Context, pdoID string) ([]pdo.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getLocked(ctx, pdoID, true)
	if err != nil {
		return nil, err
	}

	visited := map[string]struct{}{current.ID(): {}}
	var chain []pdo.Record
	for {
		prevID, ok := current.PreviousPDOID()
		if !ok {
			break
		}
		if _, seen := visited[prevID]; seen {
			return nil, fmt.Errorf("%w at %s", ErrLineageCycle, prevID)
		}
		visited[prevID] = struct{}{}

		prev, err := s.getLocked(ctx, prevID, true)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: ancestor %s of %s is missing", ErrBrokenLineage, prevID, current.ID())
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, prev)
		current = prev
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	SourceSystem  pdo.SourceSystem
	Outcome       pdo.Outcome
	CorrelationID string
	Actor         string
	Limit         int
	Offset        int
}

// List returns verified records matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]pdo.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]entry, 0, len(s.index))
	for _, e := range s.index {
		if f.SourceSystem != "" && e.sourceSystem != f.SourceSystem {
			continue
		}
		if f.Outcome != "" && e.outcome != f.Outcome {
			continue
		}
		if f.CorrelationID != "" && e.correlationID != f.CorrelationID {
			continue
		}
		if f.Actor != "" && e.actor != f.Actor {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].recordedAt.Equal(matched[j].recordedAt) {
			return matched[i].recordedAt.After(matched[j].recordedAt)
		}
		return matched[i].id > matched[j].id
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []pdo.Record{}, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}

	out := make([]pdo.Record, 0, len(matched))
	for _, e := range matched {
		rec, err := s.getLocked(ctx, e.id, true)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindByDecisionRef returns the PDO whose decision_ref equals ref.
func (s *Store) FindByDecisionRef(ctx context.Context, ref string) (pdo.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byDecision[ref]
	if !ok {
		return pdo.Record{}, false, nil
	}
	rec, err := s.getLocked(ctx, id, true)
	if err != nil {
		return pdo.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Failure is one record that failed an audit.
type Failure struct {
	PDOID string
	Err   error
}

type Report struct {
	Checked  int
	Failures []Failure
}

func (r Report) OK() bool { return len(r.Failures) == 0 }

// VerifyAll audits every record without stopping at the first failure. Each
// failure raises its own alert. The returned error covers backend failures
// only.
func (s *Store) VerifyAll(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.backend.List(ctx)
	if err != nil {
		return Report{}, err
	}
	var report Report
	records := make([]pdo.Record, 0, len(stored))
	tampered := map[string]struct{}{}
	for _, sr := range stored {
		report.Checked++
		rec, err := s.decodeVerified(ctx, sr, true)
		if err != nil {
			report.Failures = append(report.Failures, Failure{PDOID: sr.PDOID, Err: err})
			tampered[sr.PDOID] = struct{}{}
			continue
		}
		records = append(records, rec)
	}
	for _, f := range checkLineage(records, tampered) {
		s.raiseLineage(ctx, f)
		report.Failures = append(report.Failures, f)
	}
	s.logger.Info("pdo store audit", "checked", report.Checked, "failures", len(report.Failures))
	return report, nil
}

func (s *Store) getLocked(ctx context.Context, pdoID string, verify bool) (pdo.Record, error) {
	sr, err := s.backend.Get(ctx, pdoID)
	if err != nil {
		return pdo.Record{}, err
	}
	return s.decodeVerified(ctx, sr, verify)
}

func (s *Store) loadAllLocked(ctx context.Context) ([]pdo.Record, error) {
	stored, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pdo.Record, 0, len(stored))
	for _, sr := range stored {
		rec, err := s.decodeVerified(ctx, sr, true)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordedAtString() != out[j].RecordedAtString() {
			return out[i].RecordedAtString() < out[j].RecordedAtString()
		}
		return out[i].ID() < out[j].ID()
	})
	return out, nil
}

func (s *Store) decodeVerified(ctx context.Context, sr StoredRecord, verify bool) (pdo.Record, error) {
	rec, err := pdo.Decode(sr.Body)
	if err != nil {
		if !verify {
			return pdo.Record{}, err
		}
		terr := &pdo.TamperDetectedError{PDOID: sr.PDOID, Actual: "unparseable record"}
		s.raise(ctx, terr)
		return pdo.Record{}, terr
	}
	if !verify {
		return rec, nil
	}
	if rec.ID() != sr.PDOID {
		terr := &pdo.TamperDetectedError{PDOID: sr.PDOID, Expected: "pdo_id " + sr.PDOID, Actual: "pdo_id " + rec.ID()}
		s.raise(ctx, terr)
		return pdo.Record{}, terr
	}
	if err := pdo.CheckIntegrity(rec); err != nil {
		var terr *pdo.TamperDetectedError
		if errors.As(err, &terr) {
			s.raise(ctx, terr)
		}
		return pdo.Record{}, err
	}
	return rec, nil
}

func (s *Store) raise(ctx context.Context, terr *pdo.TamperDetectedError) {
	s.alerts.Emit(ctx, alert.Alert{
		Type:       alert.TypePDOTamper,
		Severity:   alert.SeverityCritical,
		DetectedAt: s.now().UTC(),
		Subject:    "pdo:" + terr.PDOID,
		Expected:   terr.Expected,
		Actual:     terr.Actual,
		Message:    "stored pdo failed integrity verification",
	})
}

// checkLineage reports every record whose predecessor is missing or not
// strictly older. Links into skip are not checked; those records already
// failed on their own.
func checkLineage(records []pdo.Record, skip map[string]struct{}) []Failure {
	byID := make(map[string]pdo.Record, len(records))
	for _, rec := range records {
		byID[rec.ID()] = rec
	}
	var failures []Failure
	for _, rec := range records {
		prevID, ok := rec.PreviousPDOID()
		if !ok {
			continue
		}
		if _, failed := skip[prevID]; failed {
			continue
		}
		prev, ok := byID[prevID]
		if !ok {
			failures = append(failures, Failure{PDOID: rec.ID(),
				Err: fmt.Errorf("%w: ancestor %s of %s is missing", ErrBrokenLineage, prevID, rec.ID())})
			continue
		}
		if !rec.RecordedAt().After(prev.RecordedAt()) {
			failures = append(failures, Failure{PDOID: rec.ID(),
				Err: fmt.Errorf("%w: %s at %s, predecessor %s at %s", ErrLineageOrder,
					rec.ID(), rec.RecordedAtString(), prevID, prev.RecordedAtString())})
		}
	}
	return failures
}

func (s *Store) raiseLineage(ctx context.Context, f Failure) {
	s.alerts.Emit(ctx, alert.Alert{
		Type:       alert.TypePDOTamper,
		Severity:   alert.SeverityCritical,
		DetectedAt: s.now().UTC(),
		Subject:    "pdo:" + f.PDOID,
		Message:    f.Err.Error(),
	})
}

func (s *Store) indexLocked(rec pdo.Record) {
	corr, _ := rec.CorrelationID()
	e := entry{
		id:            rec.ID(),
		recordedAt:    rec.RecordedAt(),
		outcome:       rec.Outcome(),
		sourceSystem:  rec.SourceSystem(),
		actor:         rec.Actor(),
		correlationID: corr,
		decisionRef:   rec.DecisionRef(),
	}
	s.index[e.id] = e
	s.byDecision[e.decisionRef] = e.id
	if e.recordedAt.After(s.last) {
		s.last = e.recordedAt
	}
}

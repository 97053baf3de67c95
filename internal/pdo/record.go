package pdo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/BIGmindz/ChainBridge-sub012/internal/canonical"
)

// Record is a sealed Proof Decision Object. All fields are unexported and
// every accessor returns a copy, so a Record cannot be altered once built.
// Records come from Create (sealing) or Decode (reading persisted bytes).
type Record struct {
	pdoID         string
	version       string
	inputRefs     []string
	decisionRef   string
	outcomeRef    string
	outcome       Outcome
	sourceSystem  SourceSystem
	actor         string
	actorType     ActorType
	previousPDOID *string
	correlationID *string
	recordedAt    string
	hash          string
	hashAlgorithm string
	metadata      map[string]string
	tags          []string
}

// Create validates f, stamps recordedAt and seals the record with its hash.
func Create(f Fields, recordedAt time.Time) (Record, error) {
	id := f.PDOID
	if id == "" {
		id = uuid.NewString()
	}
	parsedID, err := uuid.Parse(id)
	if err != nil {
		return Record{}, invalid("pdo_id", "not a uuid: %q", f.PDOID)
	}

	if f.DecisionRef == "" {
		return Record{}, invalid("decision_ref", "required")
	}
	if f.OutcomeRef == "" {
		return Record{}, invalid("outcome_ref", "required")
	}
	seen := make(map[string]struct{}, len(f.InputRefs))
	for i, ref := range f.InputRefs {
		if ref == "" {
			return Record{}, invalid("input_refs", "entry %d is empty", i)
		}
		if _, dup := seen[ref]; dup {
			return Record{}, invalid("input_refs", "duplicate ref %q", ref)
		}
		seen[ref] = struct{}{}
	}
	if !f.Outcome.Valid() {
		return Record{}, invalid("outcome", "unknown value %q", f.Outcome)
	}
	if !f.SourceSystem.Valid() {
		return Record{}, invalid("source_system", "unknown value %q", f.SourceSystem)
	}
	if f.Actor == "" {
		return Record{}, invalid("actor", "required")
	}
	if !f.ActorType.Valid() {
		return Record{}, invalid("actor_type", "unknown value %q", f.ActorType)
	}

	rec := Record{
		pdoID:         parsedID.String(),
		version:       Version,
		inputRefs:     append([]string{}, f.InputRefs...),
		decisionRef:   f.DecisionRef,
		outcomeRef:    f.OutcomeRef,
		outcome:       f.Outcome,
		sourceSystem:  f.SourceSystem,
		actor:         f.Actor,
		actorType:     f.ActorType,
		hashAlgorithm: HashAlgorithm,
		metadata:      maps.Clone(f.Metadata),
		tags:          append([]string{}, f.Tags...),
	}
	if rec.metadata == nil {
		rec.metadata = map[string]string{}
	}

	if f.PreviousPDOID != "" {
		prev, err := uuid.Parse(f.PreviousPDOID)
		if err != nil {
			return Record{}, invalid("previous_pdo_id", "not a uuid: %q", f.PreviousPDOID)
		}
		if prev == parsedID {
			return Record{}, invalid("previous_pdo_id", "record cannot follow itself")
		}
		s := prev.String()
		rec.previousPDOID = &s
	}
	if f.CorrelationID != "" {
		s := f.CorrelationID
		rec.correlationID = &s
	}

	stamped, err := canonical.FormatTime(recordedAt)
	if err != nil {
		return Record{}, invalid("recorded_at", "%v", err)
	}
	rec.recordedAt = stamped

	hash, err := ComputeHash(rec)
	if err != nil {
		return Record{}, fmt.Errorf("hash pdo: %w", err)
	}
	rec.hash = hash
	return rec, nil
}

// CanonicalBytes returns the canonical serialization of the hashed field set.
func CanonicalBytes(r Record) ([]byte, error) {
	return canonical.Canonicalize(r.hashView())
}

// ComputeHash recomputes the record hash from its own fields.
func ComputeHash(r Record) (string, error) {
	data, err := CanonicalBytes(r)
	if err != nil {
		return "", err
	}
	return canonical.DigestHex(data), nil
}

// VerifyHash reports whether the stored hash matches the record's fields.
func VerifyHash(r Record) bool {
	if r.hashAlgorithm != HashAlgorithm {
		return false
	}
	computed, err := ComputeHash(r)
	if err != nil {
		return false
	}
	return computed == r.hash
}

// CheckIntegrity is VerifyHash returning a *TamperDetectedError on mismatch.
func CheckIntegrity(r Record) error {
	computed, err := ComputeHash(r)
	if err != nil {
		computed = "<" + err.Error() + ">"
	}
	if r.hashAlgorithm != HashAlgorithm || computed != r.hash {
		return &TamperDetectedError{PDOID: r.pdoID, Expected: r.hash, Actual: computed}
	}
	return nil
}

func (r Record) hashView() map[string]any {
	var refs []string
	if r.inputRefs != nil {
		refs = append([]string{}, r.inputRefs...)
		sort.Strings(refs)
	}
	return map[string]any{
		"pdo_id":          r.pdoID,
		"version":         r.version,
		"input_refs":      refs,
		"decision_ref":    r.decisionRef,
		"outcome_ref":     r.outcomeRef,
		"outcome":         string(r.outcome),
		"source_system":   string(r.sourceSystem),
		"actor":           r.actor,
		"actor_type":      string(r.actorType),
		"recorded_at":     r.recordedAt,
		"previous_pdo_id": r.previousPDOID,
		"correlation_id":  r.correlationID,
	}
}

func (r Record) ID() string                  { return r.pdoID }
func (r Record) Version() string             { return r.version }
func (r Record) InputRefs() []string         { return slices.Clone(r.inputRefs) }
func (r Record) DecisionRef() string         { return r.decisionRef }
func (r Record) OutcomeRef() string          { return r.outcomeRef }
func (r Record) Outcome() Outcome            { return r.outcome }
func (r Record) SourceSystem() SourceSystem  { return r.sourceSystem }
func (r Record) Actor() string               { return r.actor }
func (r Record) ActorType() ActorType        { return r.actorType }
func (r Record) Hash() string                { return r.hash }
func (r Record) HashAlgorithm() string       { return r.hashAlgorithm }
func (r Record) Metadata() map[string]string { return maps.Clone(r.metadata) }
func (r Record) Tags() []string              { return slices.Clone(r.tags) }

// IsZero reports whether r is the zero Record.
func (r Record) IsZero() bool { return r.pdoID == "" && r.hash == "" }

func (r Record) PreviousPDOID() (string, bool) {
	if r.previousPDOID == nil {
		return "", false
	}
	return *r.previousPDOID, true
}

func (r Record) CorrelationID() (string, bool) {
	if r.correlationID == nil {
		return "", false
	}
	return *r.correlationID, true
}

// RecordedAtString is the canonical text that enters the hash.
func (r Record) RecordedAtString() string { return r.recordedAt }

// RecordedAt parses the stamped time. A record decoded with a malformed
// timestamp yields the zero time.
func (r Record) RecordedAt() time.Time {
	t, err := canonical.ParseTimestamp(r.recordedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

type wireRecord struct {
	PDOID         string            `json:"pdo_id"`
	Version       string            `json:"version"`
	InputRefs     []string          `json:"input_refs"`
	DecisionRef   string            `json:"decision_ref"`
	OutcomeRef    string            `json:"outcome_ref"`
	Outcome       string            `json:"outcome"`
	SourceSystem  string            `json:"source_system"`
	Actor         string            `json:"actor"`
	ActorType     string            `json:"actor_type"`
	PreviousPDOID *string           `json:"previous_pdo_id"`
	CorrelationID *string           `json:"correlation_id"`
	RecordedAt    string            `json:"recorded_at"`
	Hash          string            `json:"hash"`
	HashAlgorithm string            `json:"hash_algorithm"`
	Metadata      map[string]string `json:"metadata"`
	Tags          []string          `json:"tags"`
}

// MarshalJSON emits the full record as canonical JSON.
func (r Record) MarshalJSON() ([]byte, error) {
	view := r.hashView()
	view["input_refs"] = r.inputRefs
	view["hash"] = r.hash
	view["hash_algorithm"] = r.hashAlgorithm
	view["metadata"] = r.metadata
	view["tags"] = r.tags
	return canonical.Canonicalize(view)
}

// Decode parses a persisted record without judging it. Enum values are
// accepted as-is so a tampered record still decodes and fails its hash
// check; use Validate for strict checks.
func Decode(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var w wireRecord
	if err := dec.Decode(&w); err != nil {
		return Record{}, fmt.Errorf("decode pdo: %w", err)
	}

	recordedAt := w.RecordedAt
	if normalized, err := canonical.NormalizeTimestamp(w.RecordedAt); err == nil {
		recordedAt = normalized
	}

	return Record{
		pdoID:         w.PDOID,
		version:       w.Version,
		inputRefs:     w.InputRefs,
		decisionRef:   w.DecisionRef,
		outcomeRef:    w.OutcomeRef,
		outcome:       Outcome(w.Outcome),
		sourceSystem:  SourceSystem(w.SourceSystem),
		actor:         w.Actor,
		actorType:     ActorType(w.ActorType),
		previousPDOID: w.PreviousPDOID,
		correlationID: w.CorrelationID,
		recordedAt:    recordedAt,
		hash:          w.Hash,
		hashAlgorithm: w.HashAlgorithm,
		metadata:      w.Metadata,
		tags:          w.Tags,
	}, nil
}

// Validate applies the checks Create enforces to an already sealed record.
func (r Record) Validate() error {
	if _, err := uuid.Parse(r.pdoID); err != nil {
		return invalid("pdo_id", "not a uuid: %q", r.pdoID)
	}
	if r.version != Version {
		return invalid("version", "unsupported version %q", r.version)
	}
	if r.decisionRef == "" {
		return invalid("decision_ref", "required")
	}
	if r.outcomeRef == "" {
		return invalid("outcome_ref", "required")
	}
	if !r.outcome.Valid() {
		return invalid("outcome", "unknown value %q", r.outcome)
	}
	if !r.sourceSystem.Valid() {
		return invalid("source_system", "unknown value %q", r.sourceSystem)
	}
	if r.actor == "" {
		return invalid("actor", "required")
	}
	if !r.actorType.Valid() {
		return invalid("actor_type", "unknown value %q", r.actorType)
	}
	if r.previousPDOID != nil {
		if _, err := uuid.Parse(*r.previousPDOID); err != nil {
			return invalid("previous_pdo_id", "not a uuid: %q", *r.previousPDOID)
		}
	}
	if _, err := canonical.ParseTimestamp(r.recordedAt); err != nil {
		return invalid("recorded_at", "%v", err)
	}
	if r.hashAlgorithm != HashAlgorithm {
		return invalid("hash_algorithm", "unsupported algorithm %q", r.hashAlgorithm)
	}
	if !canonical.IsHexDigest(r.hash) {
		return invalid("hash", "not a sha256 hex digest")
	}
	return nil
}

// Package verifier checks a ProofPack offline. It trusts nothing the
// generator claimed: every hash is recomputed from the bundle bytes.
//
// Verification runs five steps in a fixed order and stops at the first
// failure:
//
//  1. the PDO record hash
//  2. the hashes of the record and its input, decision and outcome files
//  3. the manifest seal
//  4. the lineage chain, including each lineage file's hash
//  5. the manifest refs against the record fields
package verifier

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/BIGmindz/ChainBridge-sub012/internal/alert"
	"github.com/BIGmindz/ChainBridge-sub012/internal/canonical"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdo"
	"github.com/BIGmindz/ChainBridge-sub012/internal/proofpack"
)

type Outcome string

const (
	Valid               Outcome = "VALID"
	InvalidPDOHash      Outcome = "INVALID_PDO_HASH"
	InvalidArtifactHash Outcome = "INVALID_ARTIFACT_HASH"
	InvalidManifestHash Outcome = "INVALID_MANIFEST_HASH"
	InvalidLineage      Outcome = "INVALID_LINEAGE"
	InvalidReferences   Outcome = "INVALID_REFERENCES"
	Incomplete          Outcome = "INCOMPLETE"
)

type Step string

const (
	StepStructure    Step = "structure"
	StepPDOHash      Step = "pdo_hash"
	StepArtifacts    Step = "artifact_hashes"
	StepManifestHash Step = "manifest_hash"
	StepLineage      Step = "lineage"
	StepReferences   Step = "references"
)

type StepResult struct {
	Step     Step   `json:"step"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

type Result struct {
	Outcome      Outcome      `json:"outcome"`
	PDOID        string       `json:"pdo_id,omitempty"`
	VerifiedAt   time.Time    `json:"verified_at"`
	Steps        []StepResult `json:"steps"`
	IsValid      bool         `json:"is_valid"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// FailedStep returns the step that stopped verification.
func (r Result) FailedStep() (StepResult, bool) {
	for _, s := range r.Steps {
		if !s.Passed {
			return s, true
		}
	}
	return StepResult{}, false
}

// Alert converts a failed result into a PROOFPACK_INVALID alert. ok is false
// for a valid result.
func (r Result) Alert() (alert.Alert, bool) {
	if r.IsValid {
		return alert.Alert{}, false
	}
	a := alert.Alert{
		Type:       alert.TypeProofPackInvalid,
		Severity:   alert.SeverityCritical,
		DetectedAt: r.VerifiedAt,
		Subject:    "proofpack:" + r.PDOID,
		Message:    string(r.Outcome) + ": " + r.ErrorMessage,
	}
	if r.Outcome == Incomplete {
		a.Severity = alert.SeverityHigh
	}
	if step, ok := r.FailedStep(); ok {
		a.Expected = step.Expected
		a.Actual = step.Actual
	}
	return a, true
}

//go:embed manifest.schema.json
var manifestSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func manifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://trust.schemas.local/proofpack/manifest.schema.json"
		if err := c.AddResource(url, bytes.NewReader(manifestSchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(url)
	})
	return schema, schemaErr
}

type options struct {
	now func() time.Time
}

type Option func(*options)

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// VerifyPath opens a bundle directory or zip and verifies it. An unreadable
// path is INCOMPLETE.
func VerifyPath(path string, opts ...Option) Result {
	b, err := proofpack.Open(path)
	if err != nil {
		r := newRun(opts)
		return r.fail(StepStructure, Incomplete, fmt.Sprintf("open bundle: %v", err), "", "")
	}
	return Verify(b, opts...)
}

// Verify checks b. It never panics on malformed input and never touches the
// network.
func Verify(b proofpack.Bundle, opts ...Option) Result {
	r := newRun(opts)
	return r.verify(b)
}

type run struct {
	result Result
}

func newRun(opts []Option) *run {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &run{result: Result{VerifiedAt: o.now().UTC(), Steps: []StepResult{}}}
}

func (r *run) pass(step Step, msg string) {
	r.result.Steps = append(r.result.Steps, StepResult{Step: step, Passed: true, Message: msg})
}

func (r *run) fail(step Step, outcome Outcome, msg, expected, actual string) Result {
	r.result.Steps = append(r.result.Steps, StepResult{Step: step, Message: msg, Expected: expected, Actual: actual})
	r.result.Outcome = outcome
	r.result.IsValid = false
	r.result.ErrorMessage = msg
	return r.result
}

func (r *run) verify(b proofpack.Bundle) Result {
	rawManifest, ok := b[proofpack.ManifestPath]
	if !ok {
		return r.fail(StepStructure, Incomplete, "manifest.json missing", "", "")
	}
	view, err := proofpack.DecodeObject(rawManifest)
	if err != nil {
		return r.fail(StepStructure, Incomplete, err.Error(), "", "")
	}
	s, err := manifestSchema()
	if err != nil {
		return r.fail(StepStructure, Incomplete, fmt.Sprintf("manifest schema: %v", err), "", "")
	}
	if err := s.Validate(view); err != nil {
		return r.fail(StepStructure, Incomplete, fmt.Sprintf("manifest schema: %v", err), "", "")
	}
	m, err := proofpack.ParseManifest(rawManifest)
	if err != nil {
		return r.fail(StepStructure, Incomplete, err.Error(), "", "")
	}
	r.result.PDOID = m.PDOID
	if proofpack.MajorVersion(m.ProofPackVersion) != proofpack.MajorVersion(proofpack.FormatVersion) {
		return r.fail(StepStructure, Incomplete, "unsupported proofpack_version", proofpack.FormatVersion, m.ProofPackVersion)
	}
	rawRecord, ok := b[m.Contents.PDO.Path]
	if !ok {
		return r.fail(StepStructure, Incomplete, m.Contents.PDO.Path+" missing", "", "")
	}
	rec, err := pdo.Decode(rawRecord)
	if err != nil {
		return r.fail(StepStructure, Incomplete, fmt.Sprintf("pdo record: %v", err), "", "")
	}
	r.pass(StepStructure, "manifest and pdo record present")

	// 1
	if err := pdo.CheckIntegrity(rec); err != nil {
		want, _ := pdo.ComputeHash(rec)
		return r.fail(StepPDOHash, InvalidPDOHash, err.Error(), want, rec.Hash())
	}
	r.pass(StepPDOHash, "pdo hash matches")

	// 2
	for _, e := range m.BoundEntries() {
		data, ok := b[e.Path]
		if !ok {
			return r.fail(StepArtifacts, InvalidArtifactHash, e.Path+" missing", e.Hash, "")
		}
		if got := canonical.DigestHex(data); got != e.Hash {
			return r.fail(StepArtifacts, InvalidArtifactHash, e.Path+" hash mismatch", e.Hash, got)
		}
	}
	r.pass(StepArtifacts, fmt.Sprintf("%d files match", len(m.BoundEntries())))

	// 3
	got, err := proofpack.ManifestHash(rawManifest)
	if err != nil {
		return r.fail(StepManifestHash, InvalidManifestHash, err.Error(), m.Integrity.ManifestHash, "")
	}
	if got != m.Integrity.ManifestHash {
		return r.fail(StepManifestHash, InvalidManifestHash, "manifest hash mismatch", m.Integrity.ManifestHash, got)
	}
	r.pass(StepManifestHash, "manifest seal matches")

	// 4
	if res, failed := r.verifyLineage(b, m, rec); failed {
		return res
	}
	r.pass(StepLineage, fmt.Sprintf("%d ancestors chain to %s", len(m.Contents.Lineage), rec.ID()))

	// 5
	if res, failed := r.verifyReferences(m, rec); failed {
		return res
	}
	r.pass(StepReferences, "manifest refs match pdo")

	r.result.Outcome = Valid
	r.result.IsValid = true
	return r.result
}

func (r *run) verifyLineage(b proofpack.Bundle, m proofpack.Manifest, subject pdo.Record) (Result, bool) {
	visited := map[string]struct{}{subject.ID(): {}}
	var prev *pdo.Record
	for i, e := range m.Contents.Lineage {
		data, ok := b[e.Path]
		if !ok {
			return r.fail(StepLineage, InvalidLineage, e.Path+" missing", e.Hash, ""), true
		}
		if got := canonical.DigestHex(data); got != e.Hash {
			return r.fail(StepLineage, InvalidLineage, e.Path+" hash mismatch", e.Hash, got), true
		}
		anc, err := pdo.Decode(data)
		if err != nil {
			return r.fail(StepLineage, InvalidLineage, fmt.Sprintf("%s: %v", e.Path, err), "", ""), true
		}
		if err := pdo.CheckIntegrity(anc); err != nil {
			want, _ := pdo.ComputeHash(anc)
			return r.fail(StepLineage, InvalidLineage, fmt.Sprintf("ancestor %s: %v", e.PDOID, err), want, anc.Hash()), true
		}
		if anc.ID() != e.PDOID {
			return r.fail(StepLineage, InvalidLineage, "lineage entry names a different pdo", e.PDOID, anc.ID()), true
		}
		if _, seen := visited[anc.ID()]; seen {
			return r.fail(StepLineage, InvalidLineage, "lineage cycle at "+anc.ID(), "", ""), true
		}
		visited[anc.ID()] = struct{}{}

		prevID, hasPrev := anc.PreviousPDOID()
		if i == 0 {
			if hasPrev {
				return r.fail(StepLineage, InvalidLineage, "oldest ancestor has a predecessor not in the bundle", "", prevID), true
			}
		} else if res, failed := r.checkLink(*prev, anc); failed {
			return res, true
		}
		prev = &anc
	}

	if prev == nil {
		if prevID, ok := subject.PreviousPDOID(); ok {
			return r.fail(StepLineage, InvalidLineage, "pdo has a predecessor but the bundle has no lineage", prevID, ""), true
		}
		return Result{}, false
	}
	return r.checkLink(*prev, subject)
}

// checkLink verifies that next follows prev directly and later in time.
func (r *run) checkLink(prev, next pdo.Record) (Result, bool) {
	prevID, ok := next.PreviousPDOID()
	if !ok || prevID != prev.ID() {
		return r.fail(StepLineage, InvalidLineage, "broken link at "+next.ID(), prev.ID(), prevID), true
	}
	if !next.RecordedAt().After(prev.RecordedAt()) {
		return r.fail(StepLineage, InvalidLineage, "recorded_at does not increase at "+next.ID(), "> "+prev.RecordedAtString(), next.RecordedAtString()), true
	}
	return Result{}, false
}

func (r *run) verifyReferences(m proofpack.Manifest, rec pdo.Record) (Result, bool) {
	if m.PDOID != rec.ID() {
		return r.fail(StepReferences, InvalidReferences, "manifest pdo_id differs from record", rec.ID(), m.PDOID), true
	}
	declared := make([]string, 0, len(m.Contents.Inputs))
	for _, e := range m.Contents.Inputs {
		declared = append(declared, e.Ref)
	}
	if !sameSet(declared, rec.InputRefs()) {
		return r.fail(StepReferences, InvalidReferences, "input refs differ", fmt.Sprint(rec.InputRefs()), fmt.Sprint(declared)), true
	}
	if m.Contents.Decision.Ref != rec.DecisionRef() {
		return r.fail(StepReferences, InvalidReferences, "decision ref differs", rec.DecisionRef(), m.Contents.Decision.Ref), true
	}
	if m.Contents.Outcome.Ref != rec.OutcomeRef() {
		return r.fail(StepReferences, InvalidReferences, "outcome ref differs", rec.OutcomeRef(), m.Contents.Outcome.Ref), true
	}
	return Result{}, false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

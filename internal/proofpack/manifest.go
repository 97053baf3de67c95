// Package proofpack defines the ProofPack bundle: one PDO, the artifacts it
// references, its ancestor records and a manifest sealing them together.
// Generation and verification live in subpackages; this package only knows
// the layout.
package proofpack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BIGmindz/ChainBridge-sub012/internal/canonical"
)

// FormatVersion is written as proofpack_version. Readers accept any minor
// version of the same major.
const FormatVersion = "1.0"

const (
	ManifestPath     = "manifest.json"
	RecordPath       = "pdo/record.json"
	VerificationPath = "VERIFICATION.txt"
)

type Role string

const (
	RolePDO      Role = "pdo"
	RoleInput    Role = "input"
	RoleDecision Role = "decision"
	RoleOutcome  Role = "outcome"
	RoleLineage  Role = "lineage"
)

// Entry binds one file to its SHA-256 (lowercase hex, no prefix).
type Entry struct {
	Path  string `json:"path"`
	Hash  string `json:"hash"`
	Role  Role   `json:"role"`
	Ref   string `json:"ref,omitempty"`
	PDOID string `json:"pdo_id,omitempty"`
}

type Exporter struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Contents struct {
	PDO      Entry   `json:"pdo"`
	Inputs   []Entry `json:"inputs"`
	Decision Entry   `json:"decision"`
	Outcome  Entry   `json:"outcome"`
	Lineage  []Entry `json:"lineage"`
}

type Integrity struct {
	Algorithm    string `json:"algorithm"`
	ManifestHash string `json:"manifest_hash"`
}

type Manifest struct {
	ProofPackVersion string    `json:"proofpack_version"`
	PDOID            string    `json:"pdo_id"`
	ExportedAt       string    `json:"exported_at"`
	Exporter         Exporter  `json:"exporter"`
	Contents         Contents  `json:"contents"`
	Integrity        Integrity `json:"integrity"`
}

// BoundEntries lists the entries checked against file bytes before the
// manifest seal: the record and its direct artifacts. Lineage entries are
// checked with the chain.
func (m Manifest) BoundEntries() []Entry {
	out := make([]Entry, 0, len(m.Contents.Inputs)+3)
	out = append(out, m.Contents.PDO)
	out = append(out, m.Contents.Inputs...)
	out = append(out, m.Contents.Decision, m.Contents.Outcome)
	return out
}

// Seal computes the manifest hash and returns the canonical manifest bytes
// with the integrity block filled in.
func Seal(m Manifest) (Manifest, []byte, error) {
	m.Integrity = Integrity{}
	if m.Contents.Inputs == nil {
		m.Contents.Inputs = []Entry{}
	}
	if m.Contents.Lineage == nil {
		m.Contents.Lineage = []Entry{}
	}
	unsealed, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, nil, err
	}
	hash, err := ManifestHash(unsealed)
	if err != nil {
		return Manifest{}, nil, err
	}
	m.Integrity = Integrity{Algorithm: canonical.Algorithm, ManifestHash: hash}

	sealed, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, nil, err
	}
	data, err := canonical.Canonicalize(json.RawMessage(sealed))
	if err != nil {
		return Manifest{}, nil, err
	}
	return m, data, nil
}

// ManifestHash hashes the canonical form of raw with the top-level
// "integrity" member removed. Unknown members are included.
func ManifestHash(raw []byte) (string, error) {
	view, err := DecodeObject(raw)
	if err != nil {
		return "", err
	}
	delete(view, "integrity")
	return canonical.Hash(view)
}

// ParseManifest decodes raw. It does not check the seal.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// MajorVersion returns the part of v before the first dot.
func MajorVersion(v string) string {
	major, _, _ := strings.Cut(v, ".")
	return major
}

// DecodeObject decodes raw as a JSON object with numbers kept as
// json.Number.
func DecodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var view map[string]any
	if err := dec.Decode(&view); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if view == nil {
		return nil, fmt.Errorf("parse manifest: not an object")
	}
	return view, nil
}

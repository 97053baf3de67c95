// Package generator builds the ProofPack for one PDO from the store and an
// artifact resolver.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BIGmindz/ChainBridge-sub012/internal/alert"
	"github.com/BIGmindz/ChainBridge-sub012/internal/canonical"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdo"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
	"github.com/BIGmindz/ChainBridge-sub012/internal/proofpack"
)

var (
	ErrArtifactMissing = errors.New("referenced artifact missing")
	ErrArtifactDrift   = errors.New("artifact content does not match its ref")
)

// Source is the read side of the PDO store. Both methods verify record
// hashes.
type Source interface {
	Get(ctx context.Context, pdoID string, opts ...pdostore.ReadOption) (pdo.Record, error)
	Lineage(ctx context.Context, pdoID string) ([]pdo.Record, error)
}

// ArtifactResolver returns the raw bytes behind a ref. role is one of
// "input", "decision" or "outcome".
type ArtifactResolver interface {
	Resolve(ctx context.Context, role string, ref string) ([]byte, error)
}

type Generator struct {
	source   Source
	resolver ArtifactResolver
	exporter proofpack.Exporter
	now      func() time.Time
	alerts   alert.Sink
	logger   *slog.Logger
}

type Option func(*Generator)

func WithExporter(name, version string) Option {
	return func(g *Generator) { g.exporter = proofpack.Exporter{Name: name, Version: version} }
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func WithAlertSink(sink alert.Sink) Option {
	return func(g *Generator) { g.alerts = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

func New(source Source, resolver ArtifactResolver, opts ...Option) *Generator {
	g := &Generator{
		source:   source,
		resolver: resolver,
		exporter: proofpack.Exporter{Name: "chainbridge-trust", Version: "dev"},
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.alerts == nil {
		g.alerts = alert.LogSink{Logger: g.logger}
	}
	return g
}

// Generate assembles the bundle for pdoID. Any unresolvable artifact aborts
// generation; no partial bundle is returned.
func (g *Generator) Generate(ctx context.Context, pdoID string) (proofpack.Bundle, proofpack.Manifest, error) {
	rec, err := g.source.Get(ctx, pdoID)
	if err != nil {
		return nil, proofpack.Manifest{}, fmt.Errorf("load pdo %s: %w", pdoID, err)
	}
	ancestors, err := g.source.Lineage(ctx, pdoID)
	if err != nil {
		return nil, proofpack.Manifest{}, fmt.Errorf("load lineage %s: %w", pdoID, err)
	}

	exportedAt, err := canonical.FormatTime(g.now().UTC())
	if err != nil {
		return nil, proofpack.Manifest{}, err
	}

	bundle := proofpack.Bundle{}
	recordBytes, err := rec.MarshalJSON()
	if err != nil {
		return nil, proofpack.Manifest{}, err
	}
	bundle[proofpack.RecordPath] = recordBytes

	m := proofpack.Manifest{
		ProofPackVersion: proofpack.FormatVersion,
		PDOID:            rec.ID(),
		ExportedAt:       exportedAt,
		Exporter:         g.exporter,
		Contents: proofpack.Contents{
			PDO:     proofpack.Entry{Path: proofpack.RecordPath, Hash: canonical.DigestHex(recordBytes), Role: proofpack.RolePDO},
			Inputs:  make([]proofpack.Entry, 0, len(rec.InputRefs())),
			Lineage: make([]proofpack.Entry, 0, len(ancestors)),
		},
	}

	for _, ref := range rec.InputRefs() {
		entry, err := g.artifact(ctx, bundle, proofpack.RoleInput, "inputs", ref)
		if err != nil {
			return nil, proofpack.Manifest{}, err
		}
		m.Contents.Inputs = append(m.Contents.Inputs, entry)
	}
	if m.Contents.Decision, err = g.artifact(ctx, bundle, proofpack.RoleDecision, "decision", rec.DecisionRef()); err != nil {
		return nil, proofpack.Manifest{}, err
	}
	if m.Contents.Outcome, err = g.artifact(ctx, bundle, proofpack.RoleOutcome, "outcome", rec.OutcomeRef()); err != nil {
		return nil, proofpack.Manifest{}, err
	}

	for _, anc := range ancestors {
		data, err := anc.MarshalJSON()
		if err != nil {
			return nil, proofpack.Manifest{}, err
		}
		p := "lineage/" + anc.ID() + ".json"
		bundle[p] = data
		m.Contents.Lineage = append(m.Contents.Lineage, proofpack.Entry{
			Path:  p,
			Hash:  canonical.DigestHex(data),
			Role:  proofpack.RoleLineage,
			PDOID: anc.ID(),
		})
	}

	sealed, manifestBytes, err := proofpack.Seal(m)
	if err != nil {
		return nil, proofpack.Manifest{}, fmt.Errorf("seal manifest: %w", err)
	}
	bundle[proofpack.ManifestPath] = manifestBytes
	bundle[proofpack.VerificationPath] = proofpack.VerificationText(sealed)

	g.logger.Info("proofpack generated", "pdo_id", rec.ID(), "files", len(bundle), "lineage", len(ancestors))
	return bundle, sealed, nil
}

func (g *Generator) artifact(ctx context.Context, bundle proofpack.Bundle, role proofpack.Role, dir, ref string) (proofpack.Entry, error) {
	data, err := g.resolver.Resolve(ctx, string(role), ref)
	if err != nil {
		return proofpack.Entry{}, fmt.Errorf("%w: %s %s: %v", ErrArtifactMissing, role, ref, err)
	}
	digest := canonical.DigestHex(data)
	if want, ok := canonical.ParseDigestRef(ref); ok && want != digest {
		g.alerts.Emit(ctx, alert.Alert{
			Type:       alert.TypeArtifactDrift,
			Severity:   alert.SeverityHigh,
			DetectedAt: g.now().UTC(),
			Subject:    string(role) + ":" + ref,
			Expected:   want,
			Actual:     digest,
			Message:    "artifact content changed since it was referenced",
		})
		return proofpack.Entry{}, fmt.Errorf("%w: %s %s", ErrArtifactDrift, role, ref)
	}
	p := dir + "/" + digest + ".json"
	bundle[p] = data
	return proofpack.Entry{Path: p, Hash: digest, Role: role, Ref: ref}, nil
}

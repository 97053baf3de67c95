// Package gate enforces that nothing executes without an ALLOW envelope bound
// to an approved PDO. Every path fails closed.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BIGmindz/ChainBridge-sub012/internal/alert"
	"github.com/BIGmindz/ChainBridge-sub012/internal/denial"
	"github.com/BIGmindz/ChainBridge-sub012/internal/envelope"
	"github.com/BIGmindz/ChainBridge-sub012/internal/issuance"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdo"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
)

// Store is the slice of the PDO store the gate needs.
type Store interface {
	Append(ctx context.Context, f pdo.Fields) (pdo.Record, error)
	Get(ctx context.Context, pdoID string, opts ...pdostore.ReadOption) (pdo.Record, error)
	FindByDecisionRef(ctx context.Context, ref string) (pdo.Record, bool, error)
}

type Gate struct {
	// mu makes the consumed check and the append one step.
	mu      sync.Mutex
	store   Store
	denials denial.Registry
	issued  issuance.Ledger
	schemas *ToolSchemas
	alerts  alert.Sink
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Gate)

func WithDenialRegistry(r denial.Registry) Option {
	return func(g *Gate) { g.denials = r }
}

// WithIssuanceLedger sets the ledger of envelopes the evaluator issued.
func WithIssuanceLedger(l issuance.Ledger) Option {
	return func(g *Gate) { g.issued = l }
}

func WithToolSchemas(s *ToolSchemas) Option {
	return func(g *Gate) { g.schemas = s }
}

func WithAlertSink(sink alert.Sink) Option {
	return func(g *Gate) { g.alerts = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New returns a gate over store. Without WithDenialRegistry denials are kept
// in process memory. Without WithIssuanceLedger the ledger is empty and every
// envelope is refused.
func New(store Store, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.denials == nil {
		g.denials = denial.NewMemoryRegistry()
	}
	if g.issued == nil {
		g.issued = issuance.NewMemoryLedger()
	}
	if g.schemas == nil {
		g.schemas = NewToolSchemas()
	}
	if g.alerts == nil {
		g.alerts = alert.LogSink{Logger: g.logger}
	}
	return g
}

// RequirePDO passes only an APPROVED PDO.
func RequirePDO(rec *pdo.Record) error {
	if rec == nil || rec.IsZero() {
		return refuse(CodeMissing, ErrMissing, "", "")
	}
	if !rec.Outcome().Terminal() {
		return refuse(CodeNotTerminal, ErrNotTerminal, "", fmt.Sprintf("pdo %s outcome %s", rec.ID(), rec.Outcome()))
	}
	if rec.Outcome() != pdo.OutcomeApproved {
		return refuse(CodeNotApproved, ErrNotApproved, "", fmt.Sprintf("pdo %s outcome %s", rec.ID(), rec.Outcome()))
	}
	return nil
}

// ValidateEnvelope checks env for executing tool. Only envelopes recorded in
// the issuance ledger pass. An issued DENY envelope is recorded in the denial
// registry, and any later presentation of the same audit ref fails with
// ErrRetryForbidden.
func (g *Gate) ValidateEnvelope(ctx context.Context, env *envelope.Envelope, tool string) error {
	if err := g.validateEnvelope(ctx, env, tool); err != nil {
		g.refused(ctx, err)
		return err
	}
	return nil
}

func (g *Gate) validateEnvelope(ctx context.Context, env *envelope.Envelope, tool string) error {
	if env == nil {
		return refuse(CodeNoEnvelope, ErrNoEnvelope, "", "")
	}
	auditRef := env.AuditRef()
	if auditRef == "" {
		return refuse(CodeInvalidEnvelope, ErrInvalidEnvelope, "", "empty audit_ref")
	}
	if env.Version() != envelope.Version {
		return refuse(CodeInvalidEnvelope, ErrInvalidEnvelope, auditRef, fmt.Sprintf("version %q", env.Version()))
	}

	denied, err := g.denials.IsDenied(ctx, auditRef)
	if err != nil {
		return refuse(CodeRegistryDown, ErrRegistryDown, auditRef, err.Error())
	}
	if denied {
		return refuse(CodeRetryForbidden, ErrRetryForbidden, auditRef, "")
	}

	binding := env.BindingRef()
	issued, err := g.issued.Issued(ctx, binding)
	if err != nil {
		return refuse(CodeIssuanceDown, ErrIssuanceDown, auditRef, err.Error())
	}
	if !issued {
		return refuse(CodeNotIssued, ErrNotIssued, auditRef, binding)
	}

	if env.Decision() != envelope.Allow {
		if err := g.denials.Record(ctx, auditRef, string(env.Reason())); err != nil {
			g.logger.Error("denial registry write failed", "audit_ref", auditRef, "error", err)
		}
		return refuse(CodeDecisionNotAllow, ErrDecisionNotAllow, auditRef, string(env.Reason()))
	}
	if env.HumanRequired() {
		return refuse(CodeHumanRequired, ErrHumanRequired, auditRef, env.NextHop())
	}
	if tool == "" || !env.AllowsTool(tool) {
		return refuse(CodeToolNotAllowed, ErrToolNotAllowed, auditRef, tool)
	}
	return nil
}

// Record runs one intent evaluation: it validates env, checks that f is bound
// to env and that env has not already produced a PDO, then appends the PDO.
func (g *Gate) Record(ctx context.Context, env *envelope.Envelope, tool string, f pdo.Fields) (pdo.Record, error) {
	intent := NewIntent()

	if err := g.ValidateEnvelope(ctx, env, tool); err != nil {
		return pdo.Record{}, err
	}
	if err := intent.Advance(StateValidated); err != nil {
		return pdo.Record{}, err
	}

	binding := env.BindingRef()
	if f.DecisionRef != binding {
		err := refuse(CodeNotBound, ErrNotBound, env.AuditRef(), fmt.Sprintf("decision_ref %q", f.DecisionRef))
		g.refused(ctx, err)
		return pdo.Record{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, found, err := g.store.FindByDecisionRef(ctx, binding)
	if err != nil {
		return pdo.Record{}, err
	}
	if found {
		err := refuse(CodeAlreadyConsumed, ErrAlreadyConsumed, env.AuditRef(), "pdo "+existing.ID())
		g.refused(ctx, err)
		return pdo.Record{}, err
	}

	rec, err := g.store.Append(ctx, f)
	if err != nil {
		return pdo.Record{}, err
	}
	if err := intent.Advance(StateDecided); err != nil {
		return pdo.Record{}, err
	}
	g.logger.Info("intent decided", "audit_ref", env.AuditRef(), "pdo_id", rec.ID(), "tool", tool)
	return rec, nil
}

// Authorize is the executor pre-flight. It returns the verified PDO when the
// call may proceed.
func (g *Gate) Authorize(ctx context.Context, pdoID string, env *envelope.Envelope, tool string, params map[string]any) (pdo.Record, error) {
	var rec *pdo.Record
	if pdoID != "" {
		got, err := g.store.Get(ctx, pdoID)
		switch {
		case errors.Is(err, pdostore.ErrNotFound):
		case err != nil:
			return pdo.Record{}, err
		default:
			rec = &got
		}
	}
	if err := RequirePDO(rec); err != nil {
		g.refused(ctx, err)
		return pdo.Record{}, err
	}
	if err := g.ValidateEnvelope(ctx, env, tool); err != nil {
		return pdo.Record{}, err
	}
	if rec.DecisionRef() != env.BindingRef() {
		err := refuse(CodeNotBound, ErrNotBound, env.AuditRef(), "pdo "+rec.ID())
		g.refused(ctx, err)
		return pdo.Record{}, err
	}
	if err := g.schemas.Validate(tool, params); err != nil {
		g.refused(ctx, err)
		return pdo.Record{}, err
	}
	return *rec, nil
}

func (g *Gate) refused(ctx context.Context, err error) {
	var gerr *Error
	if !errors.As(err, &gerr) {
		return
	}
	severity := alert.SeverityWarning
	switch gerr.Code {
	case CodeRetryForbidden, CodeRegistryDown, CodeNotIssued, CodeIssuanceDown:
		severity = alert.SeverityHigh
	}
	subject := "gate"
	if gerr.AuditRef != "" {
		subject = "audit_ref:" + gerr.AuditRef
	}
	g.alerts.Emit(ctx, alert.Alert{
		Type:       alert.TypeGateDenial,
		Severity:   severity,
		DetectedAt: g.now().UTC(),
		Subject:    subject,
		Actual:     string(gerr.Code),
		Message:    gerr.Error(),
	})
}

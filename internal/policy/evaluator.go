package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BIGmindz/ChainBridge-sub012/internal/denial"
	"github.com/BIGmindz/ChainBridge-sub012/internal/envelope"
	"github.com/BIGmindz/ChainBridge-sub012/internal/issuance"
)

var (
	ErrNotCorrector     = errors.New("agent may not correct denied intents")
	ErrNoCorrector      = errors.New("policy names no correction authority")
	ErrNothingToCorrect = errors.New("intent is not denied")
)

// Evaluator issues envelopes against a loaded policy and remembers what it
// issued. A denied intent keeps being denied with RETRY_FORBIDDEN until the
// correction authority clears it.
type Evaluator struct {
	loaded  LoadedPolicy
	denials denial.Registry
	intents denial.IntentRegistry
	issued  issuance.Ledger
	logger  *slog.Logger
	now     func() time.Time
}

type EvaluatorOption func(*Evaluator)

// WithDenials sets the registry for denied audit refs and denied intents.
func WithDenials(r interface {
	denial.Registry
	denial.IntentRegistry
}) EvaluatorOption {
	return func(e *Evaluator) {
		e.denials = r
		e.intents = r
	}
}

func WithIssuance(l issuance.Ledger) EvaluatorOption {
	return func(e *Evaluator) { e.issued = l }
}

func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger }
}

func NewEvaluator(loaded LoadedPolicy, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{loaded: loaded, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.denials == nil {
		reg := denial.NewMemoryRegistry()
		e.denials, e.intents = reg, reg
	}
	if e.issued == nil {
		e.issued = issuance.NewMemoryLedger()
	}
	return e
}

func (e *Evaluator) Policy() LoadedPolicy { return e.loaded }

// Evaluate issues one envelope for input. Every envelope is recorded in the
// issuance ledger before it is returned. A DENY also records its audit ref
// and its intent, so a fresh evaluation of the same intent is refused. Any
// registry failure is returned wrapped in denial.ErrUnavailable and no
// envelope is issued.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (Decision, error) {
	now := e.now()
	intent := intentOf(input)

	priorRef, denied, err := e.intents.IntentDenial(ctx, intent)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", denial.ErrUnavailable, err)
	}

	var d Decision
	if denied && input.AgentGID != e.loaded.Policy.Corrector() {
		d, err = e.retryForbidden(input, priorRef, now)
	} else {
		d, err = Evaluate(e.loaded.Policy, e.loaded.Hash, input, now)
	}
	if err != nil {
		return Decision{}, err
	}

	env := d.Envelope
	if env.Decision() == envelope.Deny {
		if err := e.denials.Record(ctx, env.AuditRef(), string(env.Reason())); err != nil {
			return Decision{}, fmt.Errorf("%w: %w", denial.ErrUnavailable, err)
		}
		if err := e.intents.DenyIntent(ctx, intent, env.AuditRef()); err != nil {
			return Decision{}, fmt.Errorf("%w: %w", denial.ErrUnavailable, err)
		}
	}
	if err := e.issued.Record(ctx, env.BindingRef(), env.AuditRef()); err != nil {
		return Decision{}, fmt.Errorf("record issuance: %w", err)
	}
	return d, nil
}

func (e *Evaluator) retryForbidden(input Input, priorRef string, now time.Time) (Decision, error) {
	issuedAt, err := formatIssuedAt(now)
	if err != nil {
		return Decision{}, err
	}
	auditRef, err := envelope.NewAuditRef(map[string]any{
		"agent_gid":   input.AgentGID,
		"verb":        input.Verb,
		"target":      input.Target,
		"policy_hash": e.loaded.Hash,
		"issued_at":   issuedAt,
		"prior_ref":   priorRef,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("audit ref: %w", err)
	}
	env, err := envelope.NewDeny(envelope.Params{
		AuditRef:     auditRef,
		AgentGID:     input.AgentGID,
		IntentVerb:   input.Verb,
		IntentTarget: input.Target,
		Reason:       envelope.ReasonRetryForbidden,
		ReasonDetail: "intent was denied under " + priorRef + " and has not been corrected",
		NextHop:      e.loaded.Policy.Corrector(),
		IssuedAt:     now.UTC(),
	})
	if err != nil {
		return Decision{}, err
	}
	e.logger.Warn("retry after deny refused", "agent_gid", input.AgentGID, "verb", input.Verb, "target", input.Target, "prior_audit_ref", priorRef)
	return Decision{
		Envelope:      env,
		PolicyID:      e.loaded.Policy.PolicyID,
		PolicyVersion: e.loaded.Policy.PolicyVersion,
		PolicyHash:    e.loaded.Hash,
	}, nil
}

// Correct clears a denied intent so the next evaluation runs the policy
// again. Only the correction authority may call it. It returns the audit ref
// the intent was denied under; that audit ref stays denied.
func (e *Evaluator) Correct(ctx context.Context, input Input, correctedBy string) (string, error) {
	authority := e.loaded.Policy.Corrector()
	if authority == "" {
		return "", ErrNoCorrector
	}
	if correctedBy != authority {
		return "", fmt.Errorf("%w: %s", ErrNotCorrector, correctedBy)
	}
	intent := intentOf(input)
	priorRef, denied, err := e.intents.IntentDenial(ctx, intent)
	if err != nil {
		return "", fmt.Errorf("%w: %w", denial.ErrUnavailable, err)
	}
	if !denied {
		return "", ErrNothingToCorrect
	}
	if err := e.intents.ClearIntent(ctx, intent); err != nil {
		return "", fmt.Errorf("%w: %w", denial.ErrUnavailable, err)
	}
	e.logger.Info("denied intent corrected", "agent_gid", input.AgentGID, "verb", input.Verb, "target", input.Target, "prior_audit_ref", priorRef, "corrected_by", correctedBy)
	return priorRef, nil
}

func intentOf(input Input) denial.Intent {
	return denial.Intent{AgentGID: input.AgentGID, Verb: input.Verb, Target: input.Target}
}

// Package envelope defines the Decision Envelope: the frozen ALLOW/DENY
// token a policy evaluator hands to the gate.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BIGmindz/ChainBridge-sub012/internal/canonical"
)

// Version is the envelope schema tag. Envelopes with any other version are
// rejected on decode.
const Version = "1.0.0"

var (
	ErrInvalidEnvelope = errors.New("invalid decision envelope")
	ErrVersionMismatch = errors.New("decision envelope version mismatch")
)

type Decision string

const (
	Allow Decision = "ALLOW"
	Deny  Decision = "DENY"
)

type ReasonCode string

const (
	ReasonNone                    ReasonCode = "NONE"
	ReasonVerbNotPermitted        ReasonCode = "VERB_NOT_PERMITTED"
	ReasonExecuteNotPermitted     ReasonCode = "EXECUTE_NOT_PERMITTED"
	ReasonApproveNotPermitted     ReasonCode = "APPROVE_NOT_PERMITTED"
	ReasonChainOfCommandViolation ReasonCode = "CHAIN_OF_COMMAND_VIOLATION"
	ReasonDomainViolation         ReasonCode = "DOMAIN_VIOLATION"
	ReasonDecisionNotAllow        ReasonCode = "DECISION_NOT_ALLOW"
	ReasonHumanRequired           ReasonCode = "HUMAN_REQUIRED"
	ReasonInvalidEnvelope         ReasonCode = "INVALID_ENVELOPE"
	ReasonNoEnvelope              ReasonCode = "NO_ENVELOPE"
	ReasonToolNotAllowed          ReasonCode = "TOOL_NOT_ALLOWED"
	ReasonRetryForbidden          ReasonCode = "RETRY_FORBIDDEN"
	ReasonNotBound                ReasonCode = "NOT_BOUND"
	ReasonAlreadyConsumed         ReasonCode = "ALREADY_CONSUMED"
	ReasonUnknownAgent            ReasonCode = "UNKNOWN_AGENT"
	ReasonUnknown                 ReasonCode = "UNKNOWN"
)

var knownReasons = map[ReasonCode]struct{}{
	ReasonNone: {}, ReasonVerbNotPermitted: {}, ReasonExecuteNotPermitted: {},
	ReasonApproveNotPermitted: {}, ReasonChainOfCommandViolation: {}, ReasonDomainViolation: {},
	ReasonDecisionNotAllow: {}, ReasonHumanRequired: {}, ReasonInvalidEnvelope: {},
	ReasonNoEnvelope: {}, ReasonToolNotAllowed: {}, ReasonRetryForbidden: {},
	ReasonNotBound: {}, ReasonAlreadyConsumed: {}, ReasonUnknownAgent: {}, ReasonUnknown: {},
}

func (r ReasonCode) Valid() bool {
	_, ok := knownReasons[r]
	return ok
}

// Params are the evaluator's inputs to NewAllow or NewDeny.
type Params struct {
	AuditRef      string
	HumanRequired bool
	AllowedTools  []string
	Reason        ReasonCode
	ReasonDetail  string
	NextHop       string
	AgentGID      string
	IntentVerb    string
	IntentTarget  string
	IssuedAt      time.Time
}

// Envelope is immutable: fields are unexported and AllowedTools returns a
// copy.
type Envelope struct {
	decision      Decision
	auditRef      string
	version       string
	humanRequired bool
	allowedTools  []string
	reason        ReasonCode
	reasonDetail  string
	nextHop       string
	agentGID      string
	intentVerb    string
	intentTarget  string
	issuedAt      string
}

// NewAllow builds an ALLOW envelope. The reason must be empty or NONE.
func NewAllow(p Params) (Envelope, error) {
	return build(Allow, p)
}

// NewDeny builds a DENY envelope. A DENY carries a reason other than NONE
// and no tools. APPROVE_NOT_PERMITTED always escalates to a human.
func NewDeny(p Params) (Envelope, error) {
	return build(Deny, p)
}

func build(decision Decision, p Params) (Envelope, error) {
	auditRef := strings.TrimSpace(p.AuditRef)
	if auditRef == "" {
		return Envelope{}, fmt.Errorf("%w: audit_ref is required", ErrInvalidEnvelope)
	}

	reason := p.Reason
	if reason == "" {
		reason = ReasonNone
	}
	if !reason.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown reason_code %q", ErrInvalidEnvelope, reason)
	}

	tools, err := normalizeTools(p.AllowedTools)
	if err != nil {
		return Envelope{}, err
	}

	human := p.HumanRequired
	switch decision {
	case Allow:
		if reason != ReasonNone {
			return Envelope{}, fmt.Errorf("%w: ALLOW must carry reason_code NONE, got %s", ErrInvalidEnvelope, reason)
		}
	case Deny:
		if reason == ReasonNone {
			return Envelope{}, fmt.Errorf("%w: DENY requires a reason_code", ErrInvalidEnvelope)
		}
		if len(tools) > 0 {
			return Envelope{}, fmt.Errorf("%w: DENY must not list allowed_tools", ErrInvalidEnvelope)
		}
		if reason == ReasonApproveNotPermitted {
			human = true
		}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidEnvelope, decision)
	}

	var issuedAt string
	if !p.IssuedAt.IsZero() {
		issuedAt, err = canonical.FormatTime(p.IssuedAt.UTC())
		if err != nil {
			return Envelope{}, err
		}
	}

	return Envelope{
		decision:      decision,
		auditRef:      auditRef,
		version:       Version,
		humanRequired: human,
		allowedTools:  tools,
		reason:        reason,
		reasonDetail:  p.ReasonDetail,
		nextHop:       p.NextHop,
		agentGID:      p.AgentGID,
		intentVerb:    p.IntentVerb,
		intentTarget:  p.IntentTarget,
		issuedAt:      issuedAt,
	}, nil
}

func normalizeTools(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, tool := range in {
		tool = strings.TrimSpace(tool)
		if tool == "" {
			return nil, fmt.Errorf("%w: empty tool name", ErrInvalidEnvelope)
		}
		if _, dup := seen[tool]; dup {
			continue
		}
		seen[tool] = struct{}{}
		out = append(out, tool)
	}
	sort.Strings(out)
	return out, nil
}

func (e Envelope) Decision() Decision     { return e.decision }
func (e Envelope) AuditRef() string       { return e.auditRef }
func (e Envelope) Version() string        { return e.version }
func (e Envelope) HumanRequired() bool    { return e.humanRequired }
func (e Envelope) AllowedTools() []string { return slices.Clone(e.allowedTools) }
func (e Envelope) Reason() ReasonCode     { return e.reason }
func (e Envelope) ReasonDetail() string   { return e.reasonDetail }
func (e Envelope) NextHop() string        { return e.nextHop }
func (e Envelope) AgentGID() string       { return e.agentGID }
func (e Envelope) IntentVerb() string     { return e.intentVerb }
func (e Envelope) IntentTarget() string   { return e.intentTarget }
func (e Envelope) IssuedAt() string       { return e.issuedAt }

// AllowsTool reports whether tool is in the allowlist. It does not look at
// the decision; the gate checks that separately.
func (e Envelope) AllowsTool(tool string) bool {
	_, found := slices.BinarySearch(e.allowedTools, tool)
	return found
}

func (e Envelope) view() map[string]any {
	return map[string]any{
		"decision":       string(e.decision),
		"audit_ref":      e.auditRef,
		"version":        e.version,
		"human_required": e.humanRequired,
		"allowed_tools":  e.allowedTools,
		"reason_code":    string(e.reason),
		"reason_detail":  e.reasonDetail,
		"next_hop":       e.nextHop,
		"agent_gid":      e.agentGID,
		"intent_verb":    e.intentVerb,
		"intent_target":  e.intentTarget,
		"issued_at":      e.issuedAt,
	}
}

// MarshalJSON emits the envelope as canonical JSON.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return canonical.Canonicalize(e.view())
}

// BindingRef is the content hash of the envelope. A PDO authorized by this
// envelope carries it as decision_ref.
func (e Envelope) BindingRef() string {
	data, err := canonical.Canonicalize(e.view())
	if err != nil {
		return ""
	}
	return canonical.DigestWithPrefix(data)
}

type wireEnvelope struct {
	Decision      string   `json:"decision"`
	AuditRef      string   `json:"audit_ref"`
	Version       string   `json:"version"`
	HumanRequired bool     `json:"human_required"`
	AllowedTools  []string `json:"allowed_tools"`
	ReasonCode    string   `json:"reason_code"`
	ReasonDetail  string   `json:"reason_detail"`
	NextHop       string   `json:"next_hop"`
	AgentGID      string   `json:"agent_gid"`
	IntentVerb    string   `json:"intent_verb"`
	IntentTarget  string   `json:"intent_target"`
	IssuedAt      string   `json:"issued_at"`
}

// Decode parses an envelope and re-applies every construction rule.
func Decode(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var w wireEnvelope
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if w.Version != Version {
		return Envelope{}, fmt.Errorf("%w: got %q want %q", ErrVersionMismatch, w.Version, Version)
	}

	p := Params{
		AuditRef:      w.AuditRef,
		HumanRequired: w.HumanRequired,
		AllowedTools:  w.AllowedTools,
		Reason:        ReasonCode(w.ReasonCode),
		ReasonDetail:  w.ReasonDetail,
		NextHop:       w.NextHop,
		AgentGID:      w.AgentGID,
		IntentVerb:    w.IntentVerb,
		IntentTarget:  w.IntentTarget,
	}
	if w.IssuedAt != "" {
		t, err := canonical.ParseTimestamp(w.IssuedAt)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: issued_at: %v", ErrInvalidEnvelope, err)
		}
		p.IssuedAt = t
	}

	switch Decision(w.Decision) {
	case Allow:
		return NewAllow(p)
	case Deny:
		return NewDeny(p)
	default:
		return Envelope{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidEnvelope, w.Decision)
	}
}

// NewAuditRef derives a governance log reference from the canonical form of
// the evaluation input.
func NewAuditRef(evaluation any) (string, error) {
	h, err := canonical.Hash(evaluation)
	if err != nil {
		return "", err
	}
	return "cde-" + h[:16], nil
}

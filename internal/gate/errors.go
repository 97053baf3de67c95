package gate

import (
	"errors"
	"fmt"
)

var (
	ErrMissing     = errors.New("pdo missing")
	ErrNotTerminal = errors.New("pdo outcome is not terminal")
	ErrNotApproved = errors.New("pdo outcome is not approved")

	ErrNoEnvelope       = errors.New("no decision envelope")
	ErrDecisionNotAllow = errors.New("decision is not ALLOW")
	ErrInvalidEnvelope  = errors.New("invalid decision envelope")
	ErrHumanRequired    = errors.New("human escalation required")
	ErrToolNotAllowed   = errors.New("tool not allowed by envelope")
	ErrRetryForbidden   = errors.New("retry of denied audit ref forbidden")
	ErrNotBound         = errors.New("pdo is not bound to envelope")
	ErrAlreadyConsumed  = errors.New("envelope already consumed")
	ErrInvalidParams    = errors.New("tool parameters failed schema validation")
	ErrRegistryDown     = errors.New("denial registry unavailable")
	ErrNotIssued        = errors.New("envelope was not issued by this gateway")
	ErrIssuanceDown     = errors.New("issuance ledger unavailable")
)

type Code string

const (
	CodeMissing          Code = "PDO_MISSING"
	CodeNotTerminal      Code = "PDO_NOT_TERMINAL"
	CodeNotApproved      Code = "PDO_NOT_APPROVED"
	CodeNoEnvelope       Code = "NO_ENVELOPE"
	CodeDecisionNotAllow Code = "DECISION_NOT_ALLOW"
	CodeInvalidEnvelope  Code = "INVALID_ENVELOPE"
	CodeHumanRequired    Code = "HUMAN_REQUIRED"
	CodeToolNotAllowed   Code = "TOOL_NOT_ALLOWED"
	CodeRetryForbidden   Code = "RETRY_FORBIDDEN"
	CodeNotBound         Code = "NOT_BOUND"
	CodeAlreadyConsumed  Code = "ALREADY_CONSUMED"
	CodeInvalidParams    Code = "INVALID_PARAMS"
	CodeRegistryDown     Code = "DENIAL_REGISTRY_UNAVAILABLE"
	CodeNotIssued        Code = "ENVELOPE_NOT_ISSUED"
	CodeIssuanceDown     Code = "ISSUANCE_LEDGER_UNAVAILABLE"
)

// Error is every refusal the gate returns. errors.Is matches the sentinel in
// Err.
type Error struct {
	Code     Code
	Err      error
	AuditRef string
	Detail   string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("gate %s: %v: %s", e.Code, e.Err, e.Detail)
	}
	return fmt.Sprintf("gate %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func refuse(code Code, sentinel error, auditRef, detail string) *Error {
	return &Error{Code: code, Err: sentinel, AuditRef: auditRef, Detail: detail}
}

// CodeOf extracts the gate code from err, or "" when err is not a gate
// refusal.
func CodeOf(err error) Code {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return ""
}

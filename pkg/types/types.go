// Package types holds the JSON bodies exchanged with the trust gateway.
package types

import "encoding/json"

type EvaluateRequest struct {
	AgentGID string `json:"agent_gid"`
	Verb     string `json:"verb"`
	Target   string `json:"target"`
}

// EvaluateResponse carries the issued envelope. DecisionRef is the ref a
// PDO must cite to be bound to it.
type EvaluateResponse struct {
	Envelope      json.RawMessage `json:"envelope"`
	DecisionRef   string          `json:"decision_ref"`
	MatchedRuleID string          `json:"matched_rule_id,omitempty"`
	PolicyID      string          `json:"policy_id"`
	PolicyVersion string          `json:"policy_version"`
	PolicyHash    string          `json:"policy_hash"`
}

// CorrectionRequest clears the denial on one intent. Reason is echoed back
// and logged; it is not interpreted.
type CorrectionRequest struct {
	AgentGID string `json:"agent_gid"`
	Verb     string `json:"verb"`
	Target   string `json:"target"`
	Reason   string `json:"reason,omitempty"`
}

type CorrectionResponse struct {
	PriorAuditRef string `json:"prior_audit_ref"`
	CorrectedBy   string `json:"corrected_by"`
	Reason        string `json:"reason,omitempty"`
}

type PDOFields struct {
	PDOID         string            `json:"pdo_id,omitempty"`
	InputRefs     []string          `json:"input_refs"`
	DecisionRef   string            `json:"decision_ref"`
	OutcomeRef    string            `json:"outcome_ref"`
	Outcome       string            `json:"outcome"`
	SourceSystem  string            `json:"source_system"`
	Actor         string            `json:"actor"`
	ActorType     string            `json:"actor_type"`
	PreviousPDOID string            `json:"previous_pdo_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
}

type RecordRequest struct {
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Tool     string          `json:"tool"`
	PDO      PDOFields       `json:"pdo"`
}

type AuthorizeRequest struct {
	PDOID    string          `json:"pdo_id"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Tool     string          `json:"tool"`
	Params   map[string]any  `json:"params,omitempty"`
}

type AuthorizeResponse struct {
	Authorized bool   `json:"authorized"`
	PDOID      string `json:"pdo_id"`
	AuditRef   string `json:"audit_ref"`
	Tool       string `json:"tool"`
}

type ArtifactResponse struct {
	Ref string `json:"ref"`
}

type LineageResponse struct {
	PDOID   string            `json:"pdo_id"`
	Lineage []json.RawMessage `json:"lineage"`
}

type ErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	AuditRef string `json:"audit_ref,omitempty"`
}

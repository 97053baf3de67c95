package policy

import (
	"fmt"
	"path"
	"slices"
	"time"

	"github.com/BIGmindz/ChainBridge-sub012/internal/canonical"
	"github.com/BIGmindz/ChainBridge-sub012/internal/envelope"
)

const defaultDenyReason = envelope.ReasonVerbNotPermitted

type Input struct {
	AgentGID string
	Verb     string
	Target   string
}

type Decision struct {
	Envelope      envelope.Envelope
	MatchedRuleID string
	PolicyID      string
	PolicyVersion string
	PolicyHash    string
}

// Evaluate applies the first matching rule to input and issues the
// envelope. Unlisted agents and unmatched intents are denied.
func Evaluate(p Policy, policyHash string, input Input, now time.Time) (Decision, error) {
	decision := Decision{
		PolicyID:      p.PolicyID,
		PolicyVersion: p.PolicyVersion,
		PolicyHash:    policyHash,
	}

	issuedAt, err := formatIssuedAt(now)
	if err != nil {
		return Decision{}, err
	}
	auditRef, err := envelope.NewAuditRef(map[string]any{
		"agent_gid":   input.AgentGID,
		"verb":        input.Verb,
		"target":      input.Target,
		"policy_hash": policyHash,
		"issued_at":   issuedAt,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("audit ref: %w", err)
	}

	params := envelope.Params{
		AuditRef:     auditRef,
		AgentGID:     input.AgentGID,
		IntentVerb:   input.Verb,
		IntentTarget: input.Target,
		IssuedAt:     now.UTC(),
	}

	if len(p.Agents) > 0 && !slices.Contains(p.Agents, input.AgentGID) {
		params.Reason = envelope.ReasonUnknownAgent
		params.ReasonDetail = "agent " + input.AgentGID + " is not registered"
		decision.Envelope, err = envelope.NewDeny(params)
		return decision, err
	}

	for _, rule := range p.Rules {
		if !matchRule(rule.Match, input) {
			continue
		}
		decision.MatchedRuleID = rule.ID
		params.ReasonDetail = rule.Effect.Detail
		params.NextHop = rule.Effect.NextHop
		if rule.Effect.HumanRequired != nil {
			params.HumanRequired = *rule.Effect.HumanRequired
		}
		if rule.Effect.Deny != nil && *rule.Effect.Deny {
			params.Reason = envelope.ReasonCode(rule.Effect.Reason)
			if params.Reason == "" {
				params.Reason = defaultDenyReason
			}
			decision.Envelope, err = envelope.NewDeny(params)
		} else {
			params.AllowedTools = rule.Effect.AllowedTools
			decision.Envelope, err = envelope.NewAllow(params)
		}
		if err != nil {
			return Decision{}, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		return decision, nil
	}

	params.Reason = envelope.ReasonCode(p.Defaults.Reason)
	if params.Reason == "" {
		params.Reason = defaultDenyReason
	}
	params.NextHop = p.Defaults.NextHop
	params.ReasonDetail = "no rule matched"
	decision.Envelope, err = envelope.NewDeny(params)
	return decision, err
}

func formatIssuedAt(now time.Time) (string, error) {
	return canonical.FormatTime(now.UTC())
}

func matchRule(match PolicyMatch, input Input) bool {
	return matchField(match.Agent, input.AgentGID) &&
		matchField(match.Verb, input.Verb) &&
		matchField(match.Target, input.Target)
}

func matchField(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

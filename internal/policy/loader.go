package policy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/BIGmindz/ChainBridge-sub012/internal/canonical"
	"github.com/BIGmindz/ChainBridge-sub012/internal/envelope"
)

type LoadedPolicy struct {
	Policy Policy
	Hash   string
	Bytes  []byte
}

// LoadPolicy loads a YAML policy and computes its hash from raw bytes.
func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes strictly: unknown keys are errors.
func ParsePolicy(data []byte) (LoadedPolicy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return LoadedPolicy{}, err
	}
	if err := p.Validate(); err != nil {
		return LoadedPolicy{}, err
	}

	return LoadedPolicy{
		Policy: p,
		Hash:   canonical.DigestWithPrefix(data),
		Bytes:  data,
	}, nil
}

// Validate reports every problem found, joined.
func (p Policy) Validate() error {
	var errs []error
	if p.PolicyID == "" {
		errs = append(errs, errors.New("policy_id is required"))
	}
	if p.Defaults.Reason != "" {
		if r := envelope.ReasonCode(p.Defaults.Reason); !r.Valid() || r == envelope.ReasonNone {
			errs = append(errs, fmt.Errorf("defaults: reason %q cannot deny", p.Defaults.Reason))
		}
	}

	seen := map[string]bool{}
	for i, rule := range p.Rules {
		name := rule.ID
		if name == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: id is required", i))
			name = fmt.Sprintf("rules[%d]", i)
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate id", name))
		}
		seen[name] = true

		for _, pattern := range []string{rule.Match.Agent, rule.Match.Verb, rule.Match.Target} {
			if _, err := path.Match(pattern, ""); err != nil {
				errs = append(errs, fmt.Errorf("rule %s: bad pattern %q", name, pattern))
			}
		}

		deny := rule.Effect.Deny != nil && *rule.Effect.Deny
		reason := envelope.ReasonCode(rule.Effect.Reason)
		switch {
		case deny && len(rule.Effect.AllowedTools) > 0:
			errs = append(errs, fmt.Errorf("rule %s: deny cannot grant tools", name))
		case deny && rule.Effect.Reason != "" && (!reason.Valid() || reason == envelope.ReasonNone):
			errs = append(errs, fmt.Errorf("rule %s: reason %q cannot deny", name, rule.Effect.Reason))
		case !deny && rule.Effect.Reason != "" && reason != envelope.ReasonNone:
			errs = append(errs, fmt.Errorf("rule %s: allow rules carry no reason", name))
		}
		for _, tool := range rule.Effect.AllowedTools {
			if tool == "" {
				errs = append(errs, fmt.Errorf("rule %s: empty tool name", name))
			}
		}
	}
	return errors.Join(errs...)
}

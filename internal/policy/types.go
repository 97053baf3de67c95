package policy

type Policy struct {
	PolicyID      string   `yaml:"policy_id"`
	PolicyVersion string   `yaml:"policy_version"`
	Agents        []string `yaml:"agents"`
	// CorrectionAuthority is the only agent that may clear a denied intent.
	// It falls back to Defaults.NextHop.
	CorrectionAuthority string         `yaml:"correction_authority"`
	Defaults            PolicyDefaults `yaml:"defaults"`
	Rules               []PolicyRule   `yaml:"rules"`
}

func (p Policy) Corrector() string {
	if p.CorrectionAuthority != "" {
		return p.CorrectionAuthority
	}
	return p.Defaults.NextHop
}

// PolicyDefaults apply when no rule matches. The default is always a deny.
type PolicyDefaults struct {
	Reason  string `yaml:"reason"`
	NextHop string `yaml:"next_hop"`
}

type PolicyRule struct {
	ID     string       `yaml:"id"`
	Match  PolicyMatch  `yaml:"match"`
	Effect PolicyEffect `yaml:"effect"`
}

// PolicyMatch fields are path.Match patterns. Empty matches anything.
type PolicyMatch struct {
	Agent  string `yaml:"agent"`
	Verb   string `yaml:"verb"`
	Target string `yaml:"target"`
}

type PolicyEffect struct {
	Deny          *bool    `yaml:"deny"`
	Reason        string   `yaml:"reason"`
	Detail        string   `yaml:"detail"`
	AllowedTools  []string `yaml:"allowed_tools"`
	HumanRequired *bool    `yaml:"human_required"`
	NextHop       string   `yaml:"next_hop"`
}

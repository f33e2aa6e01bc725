package domain

// RuleCategory groups governance rules by the kind of check they run.
type RuleCategory string

const (
	RuleSchema RuleCategory = "schema"
	RuleFormat RuleCategory = "format"
	RuleRange  RuleCategory = "range"
	RuleCustom RuleCategory = "custom"
)

// Severity of a triggered rule.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Verdict is the combined result of evaluating a rule set.
type Verdict string

const (
	VerdictPass         Verdict = "PASS"
	VerdictWarn         Verdict = "WARN"
	VerdictCriticalFail Verdict = "CRITICAL_FAIL"
)

// Rule is a governance rule definition as loaded from the rules file.
type Rule struct {
	ID          string       `yaml:"id"          json:"id"`
	Name        string       `yaml:"name"        json:"name"`
	Description string       `yaml:"description" json:"description,omitempty"`
	Category    RuleCategory `yaml:"category"    json:"category"`
	Severity    Severity     `yaml:"severity"    json:"severity"`
	Enabled     bool         `yaml:"enabled"     json:"enabled"`
	// Review routes failed messages to manual review instead of retrying them.
	Review bool `yaml:"review" json:"review,omitempty"`

	// Applicability: integration IDs ("*" or empty means all) and an optional
	// field that must be present in the payload for the rule to apply.
	AppliesTo []string `yaml:"applies_to" json:"applies_to,omitempty"`
	When      string   `yaml:"when"       json:"when,omitempty"`

	Fields  []string          `yaml:"fields"  json:"fields,omitempty"`
	Schema  string            `yaml:"schema"  json:"schema,omitempty"`
	Field   string            `yaml:"field"   json:"field,omitempty"`
	Format  string            `yaml:"format"  json:"format,omitempty"`
	Pattern string            `yaml:"pattern" json:"pattern,omitempty"`
	Allowed []string          `yaml:"allowed" json:"allowed,omitempty"`
	Min     string            `yaml:"min"     json:"min,omitempty"`
	Max     string            `yaml:"max"     json:"max,omitempty"`
	Check   string            `yaml:"check"   json:"check,omitempty"`
	Params  map[string]string `yaml:"params"  json:"params,omitempty"`
}

// Finding is one triggered rule.
type Finding struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
}

// Evaluation is the result of evaluating a payload against a rule set snapshot.
type Evaluation struct {
	Verdict        Verdict   `json:"verdict"`
	Triggered      []string  `json:"triggered,omitempty"`
	Findings       []Finding `json:"findings,omitempty"`
	Flagged        bool      `json:"flagged,omitempty"`
	RuleSetVersion int64     `json:"ruleset_version"`
}

// Policy is a named compliance group of rules.
type Policy struct {
	ID    string   `yaml:"id"    json:"id"`
	Name  string   `yaml:"name"  json:"name"`
	Rules []string `yaml:"rules" json:"rules"`
}

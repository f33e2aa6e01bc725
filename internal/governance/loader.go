package governance

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/controltower/internal/core/domain"
)

// RuleFile is the on-disk rule set.
type RuleFile struct {
	Rules    []domain.Rule   `yaml:"rules"    json:"rules"`
	Policies []domain.Policy `yaml:"policies" json:"policies"`
}

// LoadRuleFile reads a YAML rule file with environment variable expansion.
func LoadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRuleFile([]byte(os.ExpandEnv(string(data))))
}

// ParseRuleFile parses YAML rules. Rules without an explicit enabled key
// are enabled.
func ParseRuleFile(data []byte) (*RuleFile, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	var raw struct {
		Rules []map[string]interface{} `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	for i := range f.Rules {
		if i < len(raw.Rules) {
			if _, ok := raw.Rules[i]["enabled"]; !ok {
				f.Rules[i].Enabled = true
			}
		}
	}
	return &f, nil
}

// LoadInto loads path and publishes it into store.
func LoadInto(store *Store, path string) (*Snapshot, error) {
	f, err := LoadRuleFile(path)
	if err != nil {
		return nil, err
	}
	snap, err := store.Replace(f.Rules, f.Policies)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return snap, nil
}

package outcome

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dativo-io/warden/internal/toolkind"
	"github.com/dativo-io/warden/patterns"
)

// RecoveryRule maps error substrings to hints.
type RecoveryRule struct {
	Name  string   `yaml:"name"`
	Match []string `yaml:"match"`
	Hints []string `yaml:"hints"`
}

// RecoveryTable is the ordered substring table plus its fallbacks.
type RecoveryTable struct {
	Rules    []RecoveryRule      `yaml:"rules"`
	Families map[string][]string `yaml:"families"`
	Generic  []string            `yaml:"generic"`
}

// ParseRecoveryTable parses a recovery table from YAML.
func ParseRecoveryTable(data []byte) (*RecoveryTable, error) {
	var t RecoveryTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing recovery table: %w", err)
	}
	for i := range t.Rules {
		for j, m := range t.Rules[i].Match {
			t.Rules[i].Match[j] = strings.ToLower(m)
		}
	}
	return &t, nil
}

// DefaultRecoveryTable returns the embedded table.
func DefaultRecoveryTable() (*RecoveryTable, error) {
	return ParseRecoveryTable(patterns.RecoveryYAML())
}

// Suggest returns the hints for errText: the first matching rule, else the
// tool family's hints, else the generic hints. The rule name is "" for fallbacks.
func (t *RecoveryTable) Suggest(tool, errText string) (rule string, hints []string) {
	norm := strings.ToLower(strings.TrimSpace(errText))
	if norm != "" {
		for _, r := range t.Rules {
			for _, m := range r.Match {
				if strings.Contains(norm, m) {
					return r.Name, r.Hints
				}
			}
		}
	}
	if h, ok := t.Families[string(toolkind.Classify(tool))]; ok && len(h) > 0 {
		return "", h
	}
	return "", t.Generic
}

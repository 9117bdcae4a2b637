package tags

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/paulmach/osm"
	"gopkg.in/yaml.v3"
)

//go:embed polygon_rules.yaml
var defaultRulesYAML []byte

// RuleKind selects how a rule treats the tag value
type RuleKind int

const (
	// RuleAll treats every value as an area
	RuleAll RuleKind = iota
	// RuleWhitelist treats only the listed values as an area
	RuleWhitelist
	// RuleBlacklist treats every value except the listed ones as an area
	RuleBlacklist
)

// Rule is one entry of the polygon rule table
type Rule struct {
	Kind   RuleKind
	Values map[string]bool
}

// UnmarshalYAML accepts either the scalar "all" or a mapping with a single
// whitelist/blacklist sequence.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.Value != "all" {
			return fmt.Errorf("line %d: unknown rule %q (expected all, whitelist or blacklist)", node.Line, node.Value)
		}
		r.Kind = RuleAll
		return nil
	}

	var raw struct {
		Whitelist []string `yaml:"whitelist"`
		Blacklist []string `yaml:"blacklist"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	switch {
	case len(raw.Whitelist) > 0 && len(raw.Blacklist) > 0:
		return fmt.Errorf("line %d: rule has both whitelist and blacklist", node.Line)
	case len(raw.Whitelist) > 0:
		r.Kind = RuleWhitelist
		r.Values = toSet(raw.Whitelist)
	case len(raw.Blacklist) > 0:
		r.Kind = RuleBlacklist
		r.Values = toSet(raw.Blacklist)
	default:
		return fmt.Errorf("line %d: empty rule", node.Line)
	}
	return nil
}

func (r Rule) matches(value string) bool {
	switch r.Kind {
	case RuleWhitelist:
		return r.Values[value]
	case RuleBlacklist:
		return !r.Values[value]
	default:
		return true
	}
}

// Rules decides whether a closed way is an area based on its tags
type Rules struct {
	byKey map[string]Rule
}

// ParseRules parses a YAML rule table
func ParseRules(data []byte) (*Rules, error) {
	byKey := make(map[string]Rule)
	if err := yaml.Unmarshal(data, &byKey); err != nil {
		return nil, fmt.Errorf("failed to parse polygon rules: %w", err)
	}
	return &Rules{byKey: byKey}, nil
}

// LoadRules loads a YAML rule table from a file
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read polygon rules: %w", err)
	}
	return ParseRules(data)
}

var defaultRules = func() *Rules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(err)
	}
	return r
}()

// DefaultRules returns the built-in rule table
func DefaultRules() *Rules {
	return defaultRules
}

// Len returns the number of keys in the table
func (r *Rules) Len() int {
	return len(r.byKey)
}

// IsPolygon reports whether a closed way with these tags is an area.
// area=no forces a line regardless of the other rules.
func (r *Rules) IsPolygon(tags osm.Tags) bool {
	if tags.Find("area") == "no" {
		return false
	}
	for _, t := range tags {
		rule, ok := r.byKey[t.Key]
		if !ok {
			continue
		}
		if rule.matches(t.Value) {
			return true
		}
	}
	return false
}

// IsPolygonFeature classifies tags with the built-in rule table
func IsPolygonFeature(tags osm.Tags) bool {
	return defaultRules.IsPolygon(tags)
}

func toSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

package store

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Condition is a targeting test against one subject attribute. The set of
// conditions is closed: Equals and Contains.
type Condition interface {
	condition()
}

// Equals matches when the attribute is exactly Value.
type Equals struct {
	Attribute string
	Value     string
}

// Contains matches when the attribute contains Substring.
type Contains struct {
	Attribute string
	Substring string
}

func (Equals) condition()   {}
func (Contains) condition() {}

// Rule routes subjects matching Condition to Variation.
type Rule struct {
	Condition Condition
	Variation string
}

// RuleSpec is the flat wire form of a Rule.
type RuleSpec struct {
	Kind      string `json:"kind" yaml:"kind"`
	Attribute string `json:"attribute" yaml:"attribute"`
	Value     string `json:"value" yaml:"value"`
	Variation string `json:"variation" yaml:"variation"`
}

const (
	RuleEquals   = "equals"
	RuleContains = "contains"
)

// Rule converts the spec into a typed Rule.
func (s RuleSpec) Rule() (Rule, error) {
	if s.Attribute == "" {
		return Rule{}, fmt.Errorf("rule attribute is required")
	}
	switch s.Kind {
	case RuleEquals:
		return Rule{Condition: Equals{Attribute: s.Attribute, Value: s.Value}, Variation: s.Variation}, nil
	case RuleContains:
		return Rule{Condition: Contains{Attribute: s.Attribute, Substring: s.Value}, Variation: s.Variation}, nil
	default:
		return Rule{}, fmt.Errorf("unknown rule kind %q", s.Kind)
	}
}

// Spec converts the rule into its wire form.
func (r Rule) Spec() RuleSpec {
	switch c := r.Condition.(type) {
	case Equals:
		return RuleSpec{Kind: RuleEquals, Attribute: c.Attribute, Value: c.Value, Variation: r.Variation}
	case Contains:
		return RuleSpec{Kind: RuleContains, Attribute: c.Attribute, Value: c.Substring, Variation: r.Variation}
	default:
		return RuleSpec{Variation: r.Variation}
	}
}

func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Spec())
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var spec RuleSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	rule, err := spec.Rule()
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

func (r Rule) MarshalYAML() (any, error) {
	return r.Spec(), nil
}

func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	var spec RuleSpec
	if err := node.Decode(&spec); err != nil {
		return err
	}
	rule, err := spec.Rule()
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

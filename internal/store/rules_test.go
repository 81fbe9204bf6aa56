package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRule_JSON(t *testing.T) {
	rule := Rule{Condition: Contains{Attribute: "email", Substring: "@acme.io"}, Variation: "beta"}

	b, err := json.Marshal(rule)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"contains","attribute":"email","value":"@acme.io","variation":"beta"}`, string(b))

	var decoded Rule
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, rule, decoded)
}

func TestFeatureFlag_YAML(t *testing.T) {
	doc := `
key: new-checkout
rollout_percentage: 25
default_variation: "off"
variations:
  - key: "on"
    value: true
  - key: "off"
    value: false
rules:
  - kind: equals
    attribute: country
    value: NZ
    variation: "on"
`
	var f FeatureFlag
	require.NoError(t, yaml.Unmarshal([]byte(doc), &f))
	assert.Equal(t, "new-checkout", f.Key)
	assert.InDelta(t, 25.0, f.RolloutPercentage, 1e-9)
	require.Len(t, f.Rules, 1)
	assert.Equal(t, Rule{Condition: Equals{Attribute: "country", Value: "NZ"}, Variation: "on"}, f.Rules[0])
	assert.Equal(t, true, f.Variation("on").Value)

	out, err := yaml.Marshal(f.Rules[0])
	require.NoError(t, err)
	assert.Contains(t, string(out), "kind: equals")
}

func TestRuleSpec_UnknownKind(t *testing.T) {
	_, err := RuleSpec{Kind: "regex", Attribute: "email"}.Rule()
	assert.ErrorContains(t, err, "unknown rule kind")

	_, err = RuleSpec{Kind: RuleEquals}.Rule()
	assert.ErrorContains(t, err, "attribute is required")
}

func TestDialect_Rebind(t *testing.T) {
	q := `SELECT body FROM experiments WHERE id = ? AND status = ?`
	assert.Equal(t, q, SQLite.rebind(q))
	assert.Equal(t, q, MySQL.rebind(q))
	assert.Equal(t, `SELECT body FROM experiments WHERE id = $1 AND status = $2`, Postgres.rebind(q))
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in   string
		want Dialect
		err  bool
	}{
		{"sqlite", SQLite, false},
		{"Postgres", Postgres, false},
		{"pgx", Postgres, false},
		{"mysql", MySQL, false},
		{"oracle", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestExperimentPatch_Apply(t *testing.T) {
	exp := &Experiment{ID: "e", Status: StatusDraft}
	completed := StatusCompleted
	reason := "winner found"

	ExperimentPatch{Status: &completed, StopReason: &reason}.Apply(exp, exp.CreatedAt)

	assert.Equal(t, StatusCompleted, exp.Status)
	assert.Equal(t, "winner found", exp.StopReason)
	assert.Nil(t, exp.StartedAt)
}

func TestExperiment_ControlFallback(t *testing.T) {
	exp := &Experiment{Variants: []Variant{{ID: "a"}, {ID: "b"}}}
	assert.Equal(t, "a", exp.Control().ID)

	exp.Variants[1].IsControl = true
	assert.Equal(t, "b", exp.Control().ID)

	assert.Nil(t, (&Experiment{}).Control())
}

package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistinctSetAdd(t *testing.T) {
	s := NewDistinctSet(3)

	assert.True(t, s.Add("10.0.0.1"))
	assert.True(t, s.Add("10.0.0.2"))
	assert.False(t, s.Add("10.0.0.1"), "duplicate must not be stored twice")
	assert.Equal(t, 2, s.Len())
	assert.False(t, s.Capped())
}

func TestDistinctSetCap(t *testing.T) {
	s := NewDistinctSet(2)

	assert.True(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.False(t, s.Add("c"))
	assert.True(t, s.Capped())
	assert.Equal(t, 2, s.Len())

	// values seen before saturation are still counted as duplicates
	assert.False(t, s.Add("a"))
	assert.Equal(t, 2, s.Len())
}

func TestDistinctSetIgnoresEmpty(t *testing.T) {
	s := NewDistinctSet(4)

	assert.False(t, s.Add(""))
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Capped())
}

func TestDistinctSetValuesSorted(t *testing.T) {
	s := NewDistinctSet(8)
	s.Add("charlie.example.com")
	s.Add("alpha.example.com")
	s.Add("bravo.example.com")

	assert.Equal(t, []string{
		"alpha.example.com",
		"bravo.example.com",
		"charlie.example.com",
	}, s.Values())
}

func TestDistinctSetMarshalJSON(t *testing.T) {
	s := NewDistinctSet(1)
	s.Add("a")
	s.Add("b")

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1,"capped":true}`, string(data))
}

func TestDecisionKindExceeds(t *testing.T) {
	tests := []struct {
		kind     DecisionKind
		other    DecisionKind
		expected bool
	}{
		{DecisionBlock, DecisionWarn, true},
		{DecisionBlock, DecisionNone, true},
		{DecisionWarn, DecisionNone, true},
		{DecisionWarn, DecisionBlock, false},
		{DecisionNone, DecisionNone, false},
		{DecisionWarn, DecisionWarn, false},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.kind.Exceeds(test.other),
			"%s exceeds %s", test.kind, test.other)
	}
}

func TestPolicySetTierFor(t *testing.T) {
	standard := &PolicyTier{Name: "standard"}
	strict := &PolicyTier{Name: "strict"}
	policies := &PolicySet{
		DefaultTier: "standard",
		Tiers:       map[string]*PolicyTier{"standard": standard, "strict": strict},
		Overrides:   map[string]string{"alice@example.com": "strict"},
	}

	assert.Same(t, strict, policies.TierFor("alice@example.com"))
	assert.Same(t, standard, policies.TierFor("bob@example.com"))
}

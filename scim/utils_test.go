package scim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseScimGroups(t *testing.T) {
	fields := []map[string]any{
		{"type": "text", "value": []any{"Engineering, Sales\nSupport", ""}},
		{"type": "multiline", "value": "  Marketing  "},
		{"type": "text", "value": nil},
	}
	assert.Equal(t, []string{"Engineering", "Sales", "Support", "Marketing"}, ParseScimGroups(fields))
}

func TestToBoolean(t *testing.T) {
	for _, tc := range []struct {
		value    any
		expected bool
		ok       bool
	}{
		{true, true, true},
		{"Yes", true, true},
		{[]any{"false"}, false, true},
		{"0", false, true},
		{"maybe", false, false},
		{nil, false, false},
		{[]any{}, false, false},
	} {
		result, ok := toBoolean(tc.value)
		assert.Equal(t, tc.ok, ok, "%v", tc.value)
		assert.Equal(t, tc.expected, result, "%v", tc.value)
	}
}

func TestToInt64(t *testing.T) {
	v, ok := toInt64(float64(42))
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)

	v, ok = toInt64(" 7 ")
	assert.True(t, ok)
	assert.Equal(t, int64(7), v)

	_, ok = toInt64("seven")
	assert.False(t, ok)
}

func TestSet(t *testing.T) {
	s := MakeSet([]string{"b", "a", "b"})
	assert.Len(t, s, 2)
	assert.True(t, s.Has("a"))

	other := MakeSet([]string{"a", "c"})
	assert.Equal(t, []string{"b"}, SortedKeys(s.Difference(other)))

	merged := s.Copy()
	merged.Merge(other)
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(merged))
	assert.Len(t, s, 2)

	var empty Set[string]
	assert.False(t, empty.Has("a"))
	assert.Empty(t, SortedKeys(empty))
}

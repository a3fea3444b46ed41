package artifact

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cyclicNode struct {
	Name string      `json:"name"`
	Next *cyclicNode `json:"next"`
}

func TestMarshalSanitized_CleanPayload(t *testing.T) {
	payload := map[string]any{
		"segment": "ecommerce",
		"count":   3,
	}

	data, degraded, err := MarshalSanitized(payload)
	require.NoError(t, err)
	assert.False(t, degraded)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ecommerce", decoded["segment"])
	assert.Equal(t, float64(3), decoded["count"])
}

func TestMarshalSanitized_CircularReference(t *testing.T) {
	a := &cyclicNode{Name: "a"}
	b := &cyclicNode{Name: "b", Next: a}
	a.Next = b

	data, degraded, err := MarshalSanitized(a)
	require.NoError(t, err)
	assert.True(t, degraded)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "a", decoded["name"])

	next, ok := decoded["next"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "b", next["name"])
	assert.Equal(t, sentinelCircular, next["next"])
}

func TestSanitize_SelfReferentialMap(t *testing.T) {
	m := map[string]any{"label": "root"}
	m["self"] = m

	out, ok := Sanitize(m).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "root", out["label"])
	assert.Equal(t, sentinelCircular, out["self"])
}

func TestSanitize_SharedPointerIsNotACycle(t *testing.T) {
	shared := &cyclicNode{Name: "shared"}
	payload := map[string]any{
		"first":  shared,
		"second": shared,
	}

	out, ok := Sanitize(payload).(map[string]any)
	require.True(t, ok)

	first, ok := out["first"].(map[string]any)
	require.True(t, ok)
	second, ok := out["second"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "shared", first["name"])
	assert.Equal(t, "shared", second["name"])
}

func TestSanitize_DepthCap(t *testing.T) {
	deepest := map[string]any{"leaf": true}
	current := deepest
	for range 40 {
		current = map[string]any{"nested": current}
	}

	out := Sanitize(current)
	for range 50 {
		m, ok := out.(map[string]any)
		if !ok {
			break
		}
		out = m["nested"]
	}
	assert.Equal(t, sentinelMaxDepth, out)
}

func TestSanitize_Values(t *testing.T) {
	ch := make(chan int)
	defer close(ch)

	tests := []struct {
		name  string
		input any
		want  any
	}{
		{name: "nil", input: nil, want: nil},
		{name: "string", input: "hello", want: "hello"},
		{name: "finite float", input: 2.5, want: 2.5},
		{name: "NaN", input: math.NaN(), want: "<non-finite:NaN>"},
		{name: "positive infinity", input: math.Inf(1), want: "<non-finite:+Inf>"},
		{name: "negative infinity", input: math.Inf(-1), want: "<non-finite:-Inf>"},
		{name: "function", input: func() {}, want: "<unserializable:func()>"},
		{name: "channel", input: ch, want: "<unserializable:chan int>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.input))
		})
	}
}

func TestSanitize_StringifiesMapKeys(t *testing.T) {
	input := map[int]string{1: "one", 2: "two"}

	out, ok := Sanitize(input).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "one", out["1"])
	assert.Equal(t, "two", out["2"])
}

func TestSanitize_StructTags(t *testing.T) {
	type record struct {
		Visible  string `json:"visible"`
		Skipped  string `json:"-"`
		Untagged int
		hidden   string
	}
	input := record{Visible: "yes", Skipped: "no", Untagged: 7, hidden: "never"}

	out, ok := Sanitize(input).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "yes", out["visible"])
	assert.Equal(t, int64(7), reflectInt(t, out["Untagged"]))
	assert.NotContains(t, out, "Skipped")
	assert.NotContains(t, out, "-")
	assert.NotContains(t, out, "hidden")
}

// reflectInt normalizes the int kinds Sanitize passes through untouched.
func reflectInt(t *testing.T, v any) int64 {
	t.Helper()
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		t.Fatalf("unexpected numeric type %T", v)
		return 0
	}
}

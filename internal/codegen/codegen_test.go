package codegen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestGenerateFormat(t *testing.T) {
	g := &Generator{Now: fixedClock(1700000000000)}
	assert.Equal(t, "PRJ_BILLI_1700000000000", g.Generate("PRJ", "Billing module"))
	assert.Equal(t, "MR_1700000000001", g.Generate("MR", ""))
	assert.Equal(t, "MR_1700000000002", g.Generate("MR", "--- !!"))
}

func TestGenerateIsStrictlyIncreasing(t *testing.T) {
	g := &Generator{Now: fixedClock(42)}
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code := g.Generate("MR", "")
		assert.False(t, seen[code], code)
		seen[code] = true
	}
}

func TestGenerateClockGoingBackwards(t *testing.T) {
	ms := int64(1000)
	g := &Generator{Now: func() time.Time { return time.UnixMilli(ms) }}
	assert.Equal(t, "X_1000", g.Generate("X", ""))
	ms = 500
	assert.Equal(t, "X_1001", g.Generate("X", ""))
}

func TestHint(t *testing.T) {
	cases := map[string]string{
		"Billing":      "BILLI",
		"ab":           "AB",
		"a-b c_d e":    "ABCDE",
		"Café 42 menu": "CAF42",
		"":             "",
		"日本語":          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Hint(in), in)
	}
}

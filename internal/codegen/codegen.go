// Package codegen builds human readable entity codes of the form
// {parent}_{HINT}_{unixMillis}.
//
// Codes are practically but not formally unique: two processes generating a
// code for the same parent and hint in the same millisecond collide. Within a
// single Generator the timestamp is forced to be strictly increasing, and the
// store keeps a UNIQUE constraint on code so cross-process collisions surface
// as repo.ErrDuplicateCode for the caller to retry.
package codegen

import (
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

const hintLength = 5

type Generator struct {
	Now func() time.Time

	mu   sync.Mutex
	last int64
}

// New returns a generator reading the wall clock.
func New() *Generator {
	return &Generator{Now: time.Now}
}

// Generate returns a code for parentCode. The hint segment is omitted when
// nameHint has no letters or digits.
func (g *Generator) Generate(parentCode, nameHint string) string {
	ms := g.tick()
	parts := make([]string, 0, 3)
	if parentCode != "" {
		parts = append(parts, parentCode)
	}
	if hint := Hint(nameHint); hint != "" {
		parts = append(parts, hint)
	}
	parts = append(parts, strconv.FormatInt(ms, 10))
	return strings.Join(parts, "_")
}

func (g *Generator) tick() int64 {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	ms := now().UnixMilli()
	g.mu.Lock()
	defer g.mu.Unlock()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return ms
}

// Hint upper-cases the ASCII letters and digits of name and keeps the first five.
func Hint(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
		if b.Len() == hintLength {
			break
		}
	}
	return b.String()
}

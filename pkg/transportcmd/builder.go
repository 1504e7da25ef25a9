// pkg/transportcmd/builder.go
package transportcmd

import (
	"strconv"
	"strings"
)

// Builder assembles the final argv for a transport process invocation.
// Zero-value fields are omitted so the binary sees only intentional
// flags.
type Builder struct {
	args []string
}

// NewBuilder creates a builder pre-seeded with the binary name.
func NewBuilder(bin string) *Builder {
	return &Builder{args: []string{bin}}
}

// WithFlag adds a bare flag (no value).
func (b *Builder) WithFlag(flag string) *Builder {
	b.args = append(b.args, flag)
	return b
}

// WithString adds a flag/value pair if val is non-empty (after trimming
// spaces).
func (b *Builder) WithString(flag, val string) *Builder {
	if strings.TrimSpace(val) != "" {
		b.args = append(b.args, flag, val)
	}
	return b
}

// WithInt adds an int flag.
func (b *Builder) WithInt(flag string, val int) *Builder {
	b.args = append(b.args, flag, strconv.Itoa(val))
	return b
}

// WithArgs appends raw arguments verbatim.
func (b *Builder) WithArgs(args ...string) *Builder {
	b.args = append(b.args, args...)
	return b
}

// Build returns the constructed argv slice (caller owns the copy).
func (b *Builder) Build() []string {
	out := make([]string, len(b.args))
	copy(out, b.args)
	return out
}

// String returns a single shell-safe command string, useful for
// diagnostics and generated unit files.
func (b *Builder) String() string {
	quoted := make([]string, len(b.args))
	for i, a := range b.args {
		quoted[i] = shQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shQuote wraps s in single quotes, escaping any internal single
// quotes. Safe for POSIX shells.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t'\"\\$&|;<>(){}*?[]~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package expressions

import (
	"os"
	"strings"
)

// Lookup resolves a variable name against the current pipeline state.
type Lookup func(name string) (string, bool)

// MapLookup adapts a plain map to a Lookup.
func MapLookup(vars map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

// Expander substitutes ${NAME} placeholders with state values.
// In extended mode it also resolves bare $NAME from state and $ENV{NAME}
// from the process environment. Unresolved placeholders are left as written.
// Expander never mutates state and is safe for concurrent use.
type Expander struct {
	Extended bool
	// Env resolves $ENV{NAME}. Defaults to os.LookupEnv.
	Env func(string) (string, bool)
}

// NewExpander returns an Expander in basic or extended mode.
func NewExpander(extended bool) *Expander {
	return &Expander{Extended: extended}
}

// Expand performs one substitution pass. Substituted values are not rescanned.
func (x *Expander) Expand(text string, lookup Lookup) string {
	if !strings.Contains(text, "$") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))

	i := 0
	for i < len(text) {
		idx := strings.IndexByte(text[i:], '$')
		if idx == -1 {
			b.WriteString(text[i:])
			break
		}
		b.WriteString(text[i : i+idx])
		i += idx

		consumed, value, ok := x.placeholder(text[i:], lookup)
		if ok {
			b.WriteString(value)
		} else {
			b.WriteString(text[i : i+consumed])
		}
		i += consumed
	}
	return b.String()
}

// ExpandNested re-expands up to rounds times, stopping early once a pass
// changes nothing. rounds < 1 behaves like 1.
func (x *Expander) ExpandNested(text string, lookup Lookup, rounds int) string {
	if rounds < 1 {
		rounds = 1
	}
	for range rounds {
		next := x.Expand(text, lookup)
		if next == text {
			break
		}
		text = next
	}
	return text
}

// placeholder parses the placeholder at the start of s (s[0] == '$').
// It returns the number of bytes consumed and the resolved value, if any.
func (x *Expander) placeholder(s string, lookup Lookup) (int, string, bool) {
	if len(s) < 2 {
		return 1, "", false
	}

	if s[1] == '{' {
		end := strings.IndexByte(s, '}')
		if end == -1 {
			return 1, "", false
		}
		name := s[2:end]
		if !isName(name) {
			return 1, "", false
		}
		v, ok := lookup(name)
		return end + 1, v, ok
	}

	if !x.Extended {
		return 1, "", false
	}

	if strings.HasPrefix(s, "$ENV{") {
		end := strings.IndexByte(s, '}')
		if end == -1 {
			return 1, "", false
		}
		name := s[5:end]
		if !isName(name) {
			return 1, "", false
		}
		v, ok := x.env(name)
		return end + 1, v, ok
	}

	n := 1
	for n < len(s) && isNameByte(s[n], n == 1) {
		n++
	}
	if n == 1 {
		return 1, "", false
	}
	v, ok := lookup(s[1:n])
	return n, v, ok
}

func (x *Expander) env(name string) (string, bool) {
	if x.Env != nil {
		return x.Env(name)
	}
	return os.LookupEnv(name)
}

func isName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isNameByte(s[i], i == 0) {
			return false
		}
	}
	return true
}

func isNameByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}

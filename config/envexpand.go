package config

import (
	"os"
	"regexp"
	"strings"
)

// envRef matches $${VAR}, ${VAR} and ${VAR:-default}. The leading "$$" form
// is an escape and is emitted as a literal ${VAR}.
var envRef = regexp.MustCompile(`\$?\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes environment references in input.
//
// A variable that is unset or empty takes its default when one is given and
// expands to "" otherwise. Validate reports required fields left empty, so a
// missing secret surfaces there instead of here.
func ExpandEnv(input string) string {
	matches := envRef.FindAllStringSubmatchIndex(input, -1)
	if len(matches) == 0 {
		return input
	}

	var b strings.Builder
	b.Grow(len(input))
	last := 0
	for _, m := range matches {
		b.WriteString(input[last:m[0]])
		last = m[1]

		ref := input[m[0]:m[1]]
		if strings.HasPrefix(ref, "$$") {
			b.WriteString(ref[1:])
			continue
		}
		if v, ok := os.LookupEnv(input[m[2]:m[3]]); ok && v != "" {
			b.WriteString(v)
			continue
		}
		if m[4] >= 0 {
			b.WriteString(input[m[4]:m[5]])
		}
	}
	b.WriteString(input[last:])
	return b.String()
}

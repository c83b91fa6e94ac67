// Package env composes the environment handed to the tunnel child.
package env

import (
	"slices"
	"strings"
)

// Compose overlays overrides ("K=V") on base and expands ${VAR} references in
// override values against the composed set. References to unknown names
// expand to the empty string; entries with an empty key or no '=' are
// skipped. The result is sorted by key.
func Compose(base, overrides []string) []string {
	m := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	raw := make(map[string]string, len(overrides))
	var order []string
	for _, kv := range overrides {
		k, v, ok := split(kv)
		if !ok {
			continue
		}
		if _, seen := raw[k]; !seen {
			order = append(order, k)
		}
		raw[k] = v
	}
	// overrides see the base and each other, in declaration order
	for _, k := range order {
		m[k] = expand(raw[k], m)
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

// expand replaces ${NAME} occurrences. A lone '$' or an unterminated "${" is
// kept literally.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+3+j:]
	}
}

// Package template implements the deliberately minimal substitution
// language described in the design notes: "{{ alias.key }}" and the fixed
// "{{ nclav_* }}" token set, nothing else — no loops, conditionals or
// arithmetic. This keeps resolution total and lets the graph validator
// statically check every reference without evaluating anything.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// refPattern matches "{{ identifier.identifier }}" or "{{ identifier }}"
// with flexible internal whitespace, mirroring the regex-driven engine used
// elsewhere in this ecosystem's template substitution.
var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)(?:\.([a-zA-Z_][a-zA-Z0-9_]*))?\s*\}\}`)

// FixedContextKeys is the always-available "{{ nclav_* }}" token set.
var FixedContextKeys = []string{
	"nclav_enclave_id",
	"nclav_partition_id",
	"nclav_project_id",
	"nclav_region",
}

// Ref is one "{{ alias.key }}" or "{{ nclav_token }}" reference found in a
// template string.
type Ref struct {
	// Alias is the left-hand identifier: an import alias, or a fixed
	// "nclav_*" token name.
	Alias string
	// Key is the right-hand identifier after the dot, empty for bare
	// "{{ nclav_token }}" references.
	Key string
	// Raw is the exact substring matched, e.g. "{{ alias.key }}".
	Raw string
}

// FindRefs returns every reference in s, in order of appearance.
func FindRefs(s string) []Ref {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, Ref{Alias: m[1], Key: m[2], Raw: m[0]})
	}
	return refs
}

// IsFixedToken reports whether alias is one of the fixed "nclav_*" context
// tokens rather than an import alias.
func IsFixedToken(alias string) bool {
	for _, k := range FixedContextKeys {
		if k == alias {
			return true
		}
	}
	return false
}

// Context is the set of values a template can resolve against: import
// aliases (each a flat map of output key to value) and the fixed "nclav_*"
// token values.
type Context struct {
	// Aliases maps an import alias to its resolved outputs.
	Aliases map[string]map[string]string
	// Fixed maps a "nclav_*" token name to its value.
	Fixed map[string]string
}

// Resolve substitutes every reference in s using ctx. Any reference that
// cannot be resolved is a hard error naming the unresolved token, per the
// invariant that input resolution is total.
func Resolve(s string, ctx Context) (string, error) {
	var missing []string
	out := refPattern.ReplaceAllStringFunc(s, func(raw string) string {
		m := refPattern.FindStringSubmatch(raw)
		alias, key := m[1], m[2]

		if IsFixedToken(alias) && key == "" {
			if v, ok := ctx.Fixed[alias]; ok {
				return v
			}
			missing = append(missing, alias)
			return raw
		}

		vals, ok := ctx.Aliases[alias]
		if !ok {
			missing = append(missing, raw)
			return raw
		}
		v, ok := vals[key]
		if !ok {
			missing = append(missing, raw)
			return raw
		}
		return v
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved template reference(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

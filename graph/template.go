package graph

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// placeholder matches {name} and {name:modifier}.
var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(?::([a-z]+))?\}`)

// templateRefs returns the distinct names referenced by tmpl, sorted.
func templateRefs(tmpl string) []string {
	seen := make(map[string]struct{})
	for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		seen[m[1]] = struct{}{}
	}
	return sortedKeys(seen)
}

// expandTemplate substitutes every placeholder in tmpl.
//
// Modifiers:
//
//	{in}       the value; lists are joined with spaces
//	{in:base}  the last path element
//	{in:stem}  the last path element up to its first dot ("T1.nii.gz" -> "T1")
//	{in:dir}   everything but the last path element
//
// A reference to an unset value is an error.
func expandTemplate(tmpl string, vals map[string]any) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		m := placeholder.FindStringSubmatch(match)
		v, ok := vals[m[1]]
		if !ok || v == nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("template %q references unset value %q", tmpl, m[1])
			}
			return match
		}
		s, err := applyModifier(formatValue(v), m[2])
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("template %q: %w", tmpl, err)
		}
		return s
	})
	return out, firstErr
}

// expandArg expands one argument template. An argument that is exactly one
// unmodified placeholder bound to a list becomes one argument per element.
func expandArg(tmpl string, vals map[string]any) ([]string, error) {
	if m := placeholder.FindStringSubmatch(tmpl); m != nil && m[0] == tmpl && m[2] == "" {
		if list, ok := toList(vals[m[1]]); ok {
			out := make([]string, len(list))
			for i, item := range list {
				out[i] = formatValue(item)
			}
			return out, nil
		}
	}
	s, err := expandTemplate(tmpl, vals)
	if err != nil {
		return nil, err
	}
	return []string{s}, nil
}

func applyModifier(s, modifier string) (string, error) {
	switch modifier {
	case "":
		return s, nil
	case "base":
		return filepath.Base(s), nil
	case "stem":
		base := filepath.Base(s)
		if i := strings.IndexByte(base, '.'); i > 0 {
			return base[:i], nil
		}
		return base, nil
	case "dir":
		return filepath.Dir(s), nil
	default:
		return s, fmt.Errorf("unknown modifier %q", modifier)
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// JSON-normalized integers print without a fraction.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	}
	if list, ok := toList(v); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = formatValue(item)
		}
		return strings.Join(parts, " ")
	}
	return fmt.Sprint(v)
}

// resolveDerived fills in unset derived values from their templates, in
// dependency order. Templates may refer to inputs and to other derived
// values. A cycle among derived templates is reported as a
// *CyclicGraphError naming the values involved.
func resolveDerived(derived map[string]string, vals map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(vals)+len(derived))
	for k, v := range vals {
		out[k] = v
	}

	if cycle := derivedCycle(derived); cycle != nil {
		return nil, &CyclicGraphError{Cycle: cycle}
	}

	names := make([]string, 0, len(derived))
	for name := range derived {
		names = append(names, name)
	}
	sort.Strings(names)

	prev := func(name string) []string { return derivedDeps(derived, name) }
	for layer := range kahnLayers(names, prev) {
		for _, name := range layer {
			if _, set := out[name]; set {
				continue
			}
			s, err := expandTemplate(derived[name], out)
			if err != nil {
				return nil, fmt.Errorf("failed to derive %q: %w", name, err)
			}
			out[name] = s
		}
	}
	return out, nil
}

func derivedCycle(derived map[string]string) []string {
	names := make([]string, 0, len(derived))
	for name := range derived {
		names = append(names, name)
	}
	sort.Strings(names)
	return findCycle(names, func(name string) []string { return derivedDeps(derived, name) })
}

// derivedDeps returns the derived values that name's template refers to.
func derivedDeps(derived map[string]string, name string) []string {
	var deps []string
	for _, ref := range templateRefs(derived[name]) {
		if _, ok := derived[ref]; ok {
			deps = append(deps, ref)
		}
	}
	return deps
}

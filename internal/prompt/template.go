// Package prompt implements the {PLACEHOLDER} templating used in tool
// descriptions. A template is resolved exactly once per task with a typed
// context map; unresolved placeholders are left intact so missing context
// is visible in the rendered text rather than silently dropped.
package prompt

import "strings"

// Template is a tool description with {PLACEHOLDER} substitution points.
type Template string

// Context maps placeholder names (without braces) to their values.
type Context map[string]string

// Resolve substitutes every placeholder present in the context. Longer
// names are substituted first so overlapping names cannot clobber each
// other.
func (t Template) Resolve(ctx Context) string {
	if len(ctx) == 0 {
		return string(t)
	}
	pairs := make([]string, 0, len(ctx)*2)
	for _, name := range sortedByLength(ctx) {
		pairs = append(pairs, "{"+name+"}", ctx[name])
	}
	return strings.NewReplacer(pairs...).Replace(string(t))
}

func sortedByLength(ctx Context) []string {
	names := make([]string, 0, len(ctx))
	for name := range ctx {
		names = append(names, name)
	}
	// Insertion sort by descending length; context maps are tiny.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && len(names[j]) > len(names[j-1]); j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

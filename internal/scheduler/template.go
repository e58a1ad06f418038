// ABOUTME: Template rendering for outreach messages
// ABOUTME: Simple {{var}} substitution; unknown placeholders are left in place

package scheduler

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// renderTemplate substitutes {{name}} placeholders with values from vars.
// Placeholders without a matching var survive unchanged so a missing value is
// visible downstream instead of silently vanishing.
func renderTemplate(template string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// mergeVars overlays attempt vars on builtin vars without mutating either.
func mergeVars(builtin, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(builtin)+len(overlay))
	for k, v := range builtin {
		merged[k] = v
	}
	for k, v := range overlay {
		if strings.TrimSpace(v) != "" {
			merged[k] = v
		}
	}
	return merged
}

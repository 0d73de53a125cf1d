// Package textproc holds the post-generation text transformations
// spec.md §4.9 names: footer append, blackbox visual distortion, and
// the gender grammar fix (grammar.go).
package textproc

import "strings"

// AppendFooter appends handle to text unless handle already appears
// in text (case-insensitive), spec.md §4.9's `text ⊕ handle` rule.
func AppendFooter(text, handle string) string {
	if handle == "" {
		return text
	}
	if strings.Contains(strings.ToLower(text), strings.ToLower(handle)) {
		return text
	}
	if text == "" {
		return handle
	}
	return text + "\n\n" + handle
}

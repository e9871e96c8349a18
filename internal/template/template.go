// Package template handles the {{var}} message templates campaigns are
// written in. Variables resolve against a contact's name and custom
// fields at personalization time.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrEmptyTemplate is returned for a template with no content.
var ErrEmptyTemplate = errors.New("template is empty")

var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Validate checks that the template is non-empty and every {{…}} opening
// is well formed. It returns the variable names in order of first
// appearance.
func Validate(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyTemplate
	}

	// Strip the well-formed placeholders, then look for stray braces.
	stripped := varPattern.ReplaceAllString(text, "")
	if strings.Contains(stripped, "{{") || strings.Contains(stripped, "}}") {
		return nil, fmt.Errorf("template contains a malformed placeholder")
	}

	seen := make(map[string]bool)
	var vars []string
	for _, match := range varPattern.FindAllStringSubmatch(text, -1) {
		name := match[1]
		if !seen[name] {
			seen[name] = true
			vars = append(vars, name)
		}
	}
	return vars, nil
}

// Render substitutes variables from values into the template. Unknown
// variables render as the empty string so a sparse contact record still
// produces speakable text.
func Render(text string, values map[string]string) string {
	return varPattern.ReplaceAllStringFunc(text, func(placeholder string) string {
		name := varPattern.FindStringSubmatch(placeholder)[1]
		return values[name]
	})
}

// Package prompt provides the template store and renderer that turn named,
// role-tagged prompt documents into ordered message sequences.
//
// Templates are markdown documents. A line of the form
//
//	## role:system
//
// opens a section addressed to that role ("system", "user", "assistant");
// everything until the next role heading belongs to the section. Placeholders
// use double braces: {{channel_history}}. Rendering is pure and deterministic:
// the same template and bindings always produce the same messages, inserted
// values are treated as literal text (a value containing "{{x}}" is not
// re-substituted), and a missing or unused binding is an error, never a blank.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/banter/pkg/provider/llm"
)

// TemplateError reasons.
var (
	// ErrMissingVariable means a placeholder had no binding. Caller defect,
	// never retried.
	ErrMissingVariable = errors.New("missing variable")

	// ErrUnusedVariable means a binding matched no placeholder. Caller defect;
	// it usually indicates a typo in the binding name.
	ErrUnusedVariable = errors.New("unused variable")

	// ErrBadTemplate means the template text itself is malformed (unterminated
	// placeholder, empty placeholder name, no sections).
	ErrBadTemplate = errors.New("malformed template")
)

// TemplateError describes a rendering or parsing failure for one template.
type TemplateError struct {
	// Template is the template id.
	Template string

	// Variable is the offending placeholder or binding name, when applicable.
	Variable string

	// Reason is one of the Err* sentinels above.
	Reason error
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("prompt: template %q: %v: %q", e.Template, e.Reason, e.Variable)
	}
	return fmt.Sprintf("prompt: template %q: %v", e.Template, e.Reason)
}

// Unwrap returns the reason sentinel for errors.Is checks.
func (e *TemplateError) Unwrap() error { return e.Reason }

// Section is one role-tagged block of a template.
type Section struct {
	// Role is the message role this section renders to.
	Role string

	// Body is the raw section text, placeholders included.
	Body string
}

// Template is a parsed prompt document.
type Template struct {
	// ID is the template name (the document's file stem).
	ID string

	// Sections are the role-tagged blocks in document order.
	Sections []Section
}

// roleHeading is the prefix that opens a section.
const roleHeading = "## role:"

// validRoles lists the roles a section may address.
var validRoles = map[string]bool{
	llm.RoleSystem:    true,
	llm.RoleUser:      true,
	llm.RoleAssistant: true,
}

// Parse builds a Template from raw document text. Text before the first role
// heading must be blank (a comment-free preamble is rejected to catch typos in
// headings). Returns a *TemplateError wrapping ErrBadTemplate on structural
// problems.
func Parse(id, text string) (*Template, error) {
	t := &Template{ID: id}

	var current *Section
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, roleHeading) {
			role := strings.TrimSpace(strings.TrimPrefix(trimmed, roleHeading))
			if !validRoles[role] {
				return nil, &TemplateError{Template: id, Variable: role, Reason: ErrBadTemplate}
			}
			t.Sections = append(t.Sections, Section{Role: role})
			current = &t.Sections[len(t.Sections)-1]
			continue
		}
		if current == nil {
			if trimmed != "" {
				return nil, &TemplateError{Template: id, Reason: ErrBadTemplate}
			}
			continue
		}
		if current.Body == "" {
			current.Body = line
		} else {
			current.Body += "\n" + line
		}
	}

	if len(t.Sections) == 0 {
		return nil, &TemplateError{Template: id, Reason: ErrBadTemplate}
	}
	for i := range t.Sections {
		t.Sections[i].Body = strings.TrimSpace(t.Sections[i].Body)
	}
	return t, nil
}

// Variables returns the set of placeholder names the template references.
func (t *Template) Variables() (map[string]bool, error) {
	vars := map[string]bool{}
	for _, s := range t.Sections {
		if err := scanPlaceholders(t.ID, s.Body, func(name string) { vars[name] = true }); err != nil {
			return nil, err
		}
	}
	return vars, nil
}

// Render substitutes bindings into every section and returns the resulting
// role-tagged messages in document order.
//
// Render is referentially transparent: it performs no I/O, has no side
// effects, and is safe to call repeatedly and concurrently. Every placeholder
// must have a binding and every binding must be used, otherwise a
// *TemplateError (MissingVariable / UnusedVariable) is returned.
func (t *Template) Render(bindings map[string]string) ([]llm.Message, error) {
	used := map[string]bool{}

	msgs := make([]llm.Message, 0, len(t.Sections))
	for _, s := range t.Sections {
		body, err := substitute(t.ID, s.Body, bindings, used)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, llm.Message{Role: s.Role, Content: body})
	}

	for name := range bindings {
		if !used[name] {
			return nil, &TemplateError{Template: t.ID, Variable: name, Reason: ErrUnusedVariable}
		}
	}
	return msgs, nil
}

// substitute performs a single left-to-right pass over body, replacing each
// {{name}} with its binding. Values are inserted verbatim; they are never
// rescanned, so a value containing "{{" cannot inject further substitution.
func substitute(id, body string, bindings map[string]string, used map[string]bool) (string, error) {
	var sb strings.Builder
	rest := body

	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:open])

		closeIdx := strings.Index(rest[open:], "}}")
		if closeIdx < 0 {
			return "", &TemplateError{Template: id, Reason: ErrBadTemplate}
		}
		name := strings.TrimSpace(rest[open+2 : open+closeIdx])
		if name == "" || strings.ContainsAny(name, "{} \t\n") {
			return "", &TemplateError{Template: id, Variable: name, Reason: ErrBadTemplate}
		}

		value, ok := bindings[name]
		if !ok {
			return "", &TemplateError{Template: id, Variable: name, Reason: ErrMissingVariable}
		}
		used[name] = true
		sb.WriteString(value)

		rest = rest[open+closeIdx+2:]
	}
}

// scanPlaceholders walks body invoking fn for each placeholder name.
func scanPlaceholders(id, body string, fn func(name string)) error {
	rest := body
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			return nil
		}
		closeIdx := strings.Index(rest[open:], "}}")
		if closeIdx < 0 {
			return &TemplateError{Template: id, Reason: ErrBadTemplate}
		}
		name := strings.TrimSpace(rest[open+2 : open+closeIdx])
		if name == "" {
			return &TemplateError{Template: id, Reason: ErrBadTemplate}
		}
		fn(name)
		rest = rest[open+closeIdx+2:]
	}
}

package job

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/certbox/certbox/internal/resource"
)

// Engine substitutes resource-record fields into a templated string. Both
// engines must yield the same Job shape for equivalent templates.
type Engine interface {
	// Render substitutes record fields into text. A reference to a field
	// the record does not carry returns a *MissingFieldError.
	Render(text string, rec resource.Record) (string, error)
}

// MissingFieldError reports a placeholder referencing a field absent from
// the record being expanded. The expander drops only that instantiation.
type MissingFieldError struct {
	Field string
	Text  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("job: record has no field %q referenced by %q", e.Field, e.Text)
}

// EngineFor returns the named substitution engine. The empty name selects
// the default {field} interpolation engine.
func EngineFor(name string) (Engine, error) {
	switch strings.TrimSpace(name) {
	case "", "default":
		return fieldEngine{}, nil
	case "go":
		return goEngine{}, nil
	default:
		return nil, fmt.Errorf("job: unknown template engine %q", name)
	}
}

// fieldEngine performs literal {field} interpolation. Doubled braces
// escape a literal brace.
type fieldEngine struct{}

func (fieldEngine) Render(text string, rec resource.Record) (string, error) {
	var sb strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '{':
			if i+1 < len(runes) && runes[i+1] == '{' {
				sb.WriteRune('{')
				i++
				continue
			}
			end := -1
			for j := i + 1; j < len(runes); j++ {
				if runes[j] == '}' {
					end = j
					break
				}
			}
			if end < 0 {
				return "", fmt.Errorf("job: unbalanced brace in %q", text)
			}
			field := strings.TrimSpace(string(runes[i+1 : end]))
			value, ok := rec.Get(field)
			if !ok {
				return "", &MissingFieldError{Field: field, Text: text}
			}
			sb.WriteString(value)
			i = end
		case '}':
			if i+1 < len(runes) && runes[i+1] == '}' {
				i++
			}
			sb.WriteRune('}')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String(), nil
}

// goEngine renders text/template content, giving templates access to
// conditionals and loops over the record's fields.
type goEngine struct{}

func (goEngine) Render(text string, rec resource.Record) (string, error) {
	tmpl, err := template.New("job").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("job: template parse: %w", err)
	}
	data := make(map[string]string, len(rec))
	for key, value := range rec {
		data[key] = value
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		if field, ok := missingKeyField(err); ok {
			return "", &MissingFieldError{Field: field, Text: text}
		}
		return "", fmt.Errorf("job: template render: %w", err)
	}
	return sb.String(), nil
}

// missingKeyField recovers the field name from text/template's
// missingkey=error failure so both engines report misses uniformly.
func missingKeyField(err error) (string, bool) {
	msg := err.Error()
	marker := "map has no entry for key "
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	field := strings.Trim(msg[idx+len(marker):], "\"")
	return field, true
}

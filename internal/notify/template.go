package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Rule {{.EventLabel}}]
Rule: {{.Rule}}
Priority: {{.Priority}}
Status: {{.Status}}
Time: {{.Time}}
{{- if .Error }}
Error: {{.Error}}
{{- end }}
Suggestion: {{.Suggestion}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Rule       string
	RuleID     string
	World      string
	Priority   string
	Status     string
	StatusCode string
	Error      string
	Time       string
	Suggestion string
	Event      string
	EventLabel string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("rule-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("rule template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

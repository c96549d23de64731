// Package prompt turns task descriptors into the prompt text sent to the
// agent backend. Rendering is pure; the dispatcher only sees the Builder
// interface so tests can substitute a stub.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"devpilot/internal/task"
)

// Builder renders one descriptor.
type Builder interface {
	Build(d task.Descriptor) (string, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(task.Descriptor) (string, error)

func (f BuilderFunc) Build(d task.Descriptor) (string, error) { return f(d) }

// DefaultTemplate is used for categories without their own template.
const DefaultTemplate = `You are working on {{ .Repository }}.

Task ({{ .Category }}, priority {{ .Priority }}{{ if .Section }}, section {{ .Section }}{{ end }}):
{{ .Description }}

Requirements:
- Keep the change focused on this task.
- Add or update tests for the behavior you change.
{{- if gt .RetryCount 0 }}
- A previous attempt failed to launch ({{ .RetryCount }} so far); keep the change small.
{{- end }}
`

// Data is what templates see.
type Data struct {
	task.Descriptor
	Repository string
}

// Renderer is a Builder backed by text/template, one template per category.
type Renderer struct {
	repository string
	fallback   *template.Template
	byCategory map[task.Category]*template.Template
}

// NewRenderer parses the default template (or fallback if non-empty) and the
// per-category overrides. Any parse error is returned as-is.
func NewRenderer(repository, fallback string, perCategory map[string]string) (*Renderer, error) {
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultTemplate
	}
	base, err := parse("default", fallback)
	if err != nil {
		return nil, err
	}
	r := &Renderer{
		repository: repository,
		fallback:   base,
		byCategory: map[task.Category]*template.Template{},
	}
	for name, text := range perCategory {
		cat, err := task.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("prompt template %q: %w", name, err)
		}
		t, err := parse(string(cat), text)
		if err != nil {
			return nil, err
		}
		r.byCategory[cat] = t
	}
	return r, nil
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %q: %w", name, err)
	}
	return t, nil
}

func (r *Renderer) Build(d task.Descriptor) (string, error) {
	t := r.fallback
	if ct, ok := r.byCategory[d.Category]; ok {
		t = ct
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, Data{Descriptor: d, Repository: r.repository}); err != nil {
		return "", fmt.Errorf("render prompt for %s: %w", d.ID, err)
	}
	out := strings.TrimSpace(buf.String())
	if out == "" {
		return "", fmt.Errorf("render prompt for %s: empty result", d.ID)
	}
	return out, nil
}

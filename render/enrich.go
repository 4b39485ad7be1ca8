package render

import (
	"fmt"
	"os"
	"regexp"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Enrichment decorates rendered alerts whose name matches a pattern with
// additional labels and annotations, and removes noisy labels. Enrichments
// apply after the rule's own templates, in file order.
type Enrichment struct {
	// NameMatches selects alerts by their alertname label.
	NameMatches string `yaml:"name_matches"`
	// Labels and Annotations are text/template strings over the same
	// data as rule templates.
	Labels      map[string]string `yaml:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
	// DropLabels removes labels by key after everything else applied.
	DropLabels []string `yaml:"drop_labels,omitempty"`

	compiled    *regexp.Regexp
	labels      map[string]*template.Template
	annotations map[string]*template.Template
}

func (e *Enrichment) validate(index int) error {
	if e.NameMatches == "" {
		return fmt.Errorf("enrichment %d: name_matches is required", index)
	}
	compiled, err := regexp.Compile(e.NameMatches)
	if err != nil {
		return fmt.Errorf("enrichment %d: invalid name_matches %q: %w", index, e.NameMatches, err)
	}
	e.compiled = compiled

	if e.labels, err = compileTemplates(e.Labels); err != nil {
		return fmt.Errorf("enrichment %d: labels: %w", index, err)
	}
	if e.annotations, err = compileTemplates(e.Annotations); err != nil {
		return fmt.Errorf("enrichment %d: annotations: %w", index, err)
	}
	return nil
}

type enrichmentFile struct {
	Enrichments []*Enrichment `yaml:"enrichments"`
}

// ParseEnrichments compiles enrichment definitions from raw YAML.
func ParseEnrichments(data []byte) ([]*Enrichment, error) {
	var file enrichmentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("render: parse enrichments: %w", err)
	}
	for i, e := range file.Enrichments {
		if err := e.validate(i); err != nil {
			return nil, fmt.Errorf("render: %w", err)
		}
	}
	return file.Enrichments, nil
}

// LoadEnrichments reads and compiles an enrichment file.
func LoadEnrichments(path string) ([]*Enrichment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("render: read %s: %w", path, err)
	}
	return ParseEnrichments(data)
}

func compileTemplates(raw map[string]string) (map[string]*template.Template, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]*template.Template, len(raw))
	for key, text := range raw {
		tmpl, err := template.New(key).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", key, err)
		}
		out[key] = tmpl
	}
	return out, nil
}

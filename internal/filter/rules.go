package filter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules is the YAML document users write to configure file selection, e.g.
//
//	include:
//	  - "docs/**"
//	exclude:
//	  - "**/*.tmp"
//	extensions: [md, txt]
//	min_size: 1
//	max_size: 104857600
//	hidden: false
//	ignore:
//	  - "*.log"
type Rules struct {
	Include    []string `yaml:"include"`
	Exclude    []string `yaml:"exclude"`
	Extensions []string `yaml:"extensions"`
	MinSize    *int64   `yaml:"min_size"`
	MaxSize    *int64   `yaml:"max_size"`
	Hidden     *bool    `yaml:"hidden"`
	Regex      string   `yaml:"regex"`
	Ignore     []string `yaml:"ignore"`
}

// LoadRules reads a rules file from disk.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules %q: %w", path, err)
	}
	return &rules, nil
}

// Compile turns the rules document into a single predicate. Empty documents
// compile to All.
func (r *Rules) Compile() (Predicate, error) {
	preds := []Predicate{}

	if len(r.Include) > 0 {
		include := make([]Predicate, 0, len(r.Include))
		for _, pattern := range r.Include {
			include = append(include, Glob(pattern))
		}
		preds = append(preds, Or(include...))
	}

	for _, pattern := range r.Exclude {
		preds = append(preds, Not(Glob(pattern)))
	}

	if len(r.Extensions) > 0 {
		preds = append(preds, Extensions(r.Extensions...))
	}
	if r.MinSize != nil {
		preds = append(preds, MinSize(*r.MinSize))
	}
	if r.MaxSize != nil {
		preds = append(preds, MaxSize(*r.MaxSize))
	}
	if r.Hidden != nil && !*r.Hidden {
		preds = append(preds, NoHidden())
	}
	if r.Regex != "" {
		re, err := Regex(r.Regex)
		if err != nil {
			return nil, fmt.Errorf("rules regex: %w", err)
		}
		preds = append(preds, re)
	}
	if len(r.Ignore) > 0 {
		preds = append(preds, IgnoreLines(r.Ignore...))
	}

	if len(preds) == 0 {
		return All(), nil
	}
	return And(preds...), nil
}

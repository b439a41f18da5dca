package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// document accepts either a single pipeline or a `pipelines:` list.
type document struct {
	Pipeline  `yaml:",inline"`
	Pipelines []Pipeline `yaml:"pipelines"`
}

// Parse parses YAML content into validated pipelines.
func Parse(data []byte) ([]*Pipeline, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse pipeline yaml: %w", err)
	}

	var out []*Pipeline
	if doc.Name != "" || len(doc.Stages) > 0 {
		p := doc.Pipeline
		out = append(out, &p)
	}
	for i := range doc.Pipelines {
		p := doc.Pipelines[i]
		out = append(out, &p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: document declares no pipeline", ErrInvalidPipeline)
	}

	for _, p := range out {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Load reads a pipeline file from disk.
func Load(path string) ([]*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Set is a named collection of pipelines.
type Set map[string]*Pipeline

// NewSet validates and indexes pipelines by name.
func NewSet(pipelines ...*Pipeline) (Set, error) {
	s := make(Set, len(pipelines))
	for _, p := range pipelines {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s[p.Name]; dup {
			return nil, fmt.Errorf("%w: pipeline %s declared twice", ErrInvalidPipeline, p.Name)
		}
		s[p.Name] = p
	}
	return s, nil
}

// Get returns the named pipeline or ErrUnknownPipeline.
func (s Set) Get(name string) (*Pipeline, error) {
	p, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}
	return p, nil
}

// Names returns pipeline names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

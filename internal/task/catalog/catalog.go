// Package catalog holds the declarative list of work the orchestrator keeps
// generating, and the generator that turns it into task descriptors.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	"devpilot/internal/task"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// SectionSecurity is served by GenerateSection in every mode.
const SectionSecurity = "security"

var ErrUnknownSection = errors.New("unknown catalog section")

type Item struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	Priority    string `yaml:"priority"`
	Section     string `yaml:"section"`
}

type Section struct {
	Name  string `yaml:"section"`
	Items []Item `yaml:"items"`
}

type Catalog struct {
	Version    int               `yaml:"version"`
	Baseline   []Item            `yaml:"baseline"`
	Aggressive []Section         `yaml:"aggressive"`
	Security   []Item            `yaml:"security"`
	Templates  map[string]string `yaml:"templates"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) { return Parse(defaultCatalog) }

// Load reads a catalog file. An empty path means the embedded default.
// Every failure is a *task.ConfigurationError.
func Load(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &task.ConfigurationError{What: "catalog " + path, Err: err}
	}
	c, err := Parse(b)
	if err != nil {
		return nil, &task.ConfigurationError{What: "catalog " + path, Err: err}
	}
	return c, nil
}

// Parse decodes YAML strictly and validates every item.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, &task.ConfigurationError{What: "catalog yaml", Err: err}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) Validate() error {
	if len(c.Baseline) == 0 {
		return &task.ConfigurationError{What: "catalog: baseline list is empty"}
	}
	n := 0
	for _, s := range c.Aggressive {
		if strings.TrimSpace(s.Name) == "" {
			return &task.ConfigurationError{What: "catalog: aggressive section without a name"}
		}
		n += len(s.Items)
	}
	if n == 0 {
		return &task.ConfigurationError{What: "catalog: aggressive sections are empty"}
	}
	check := func(where string, items []Item) error {
		for i, it := range items {
			if _, err := task.New(toSpec(it, "")); err != nil {
				return &task.ConfigurationError{What: fmt.Sprintf("catalog %s[%d]", where, i), Err: err}
			}
		}
		return nil
	}
	if err := check("baseline", c.Baseline); err != nil {
		return err
	}
	for _, s := range c.Aggressive {
		if err := check("aggressive."+s.Name, s.Items); err != nil {
			return err
		}
	}
	return check(SectionSecurity, c.Security)
}

// PromptTemplates splits Templates into the fallback ("default") and the
// per-category overrides.
func (c *Catalog) PromptTemplates() (fallback string, perCategory map[string]string) {
	perCategory = map[string]string{}
	for k, v := range c.Templates {
		if strings.EqualFold(k, "default") {
			fallback = v
			continue
		}
		perCategory[k] = v
	}
	return fallback, perCategory
}

// Sections lists the aggressive section names in catalog order.
func (c *Catalog) Sections() []string {
	out := make([]string, 0, len(c.Aggressive))
	for _, s := range c.Aggressive {
		out = append(out, s.Name)
	}
	return out
}

func toSpec(it Item, section string) task.Spec {
	if it.Section != "" {
		section = it.Section
	}
	return task.Spec{Key: it.Key, Description: it.Description, Category: it.Category, Priority: it.Priority, Section: section}
}

// SatisfiedSet records catalog keys already implemented. Safe for concurrent use.
type SatisfiedSet struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func NewSatisfiedSet(keys ...string) *SatisfiedSet {
	s := &SatisfiedSet{keys: map[string]struct{}{}}
	for _, k := range keys {
		s.Mark(k)
	}
	return s
}

func (s *SatisfiedSet) Mark(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	s.mu.Lock()
	s.keys[key] = struct{}{}
	s.mu.Unlock()
}

func (s *SatisfiedSet) Satisfied(key string) bool {
	if s == nil || key == "" {
		return false
	}
	s.mu.RLock()
	_, ok := s.keys[key]
	s.mu.RUnlock()
	return ok
}

func (s *SatisfiedSet) Keys() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	s.mu.RUnlock()
	return out
}

func (s *SatisfiedSet) Reset() {
	s.mu.Lock()
	s.keys = map[string]struct{}{}
	s.mu.Unlock()
}

// Generator turns the catalog into fresh descriptors on every call.
type Generator struct {
	mu        sync.RWMutex
	catalog   *Catalog
	satisfied *SatisfiedSet
}

func NewGenerator(c *Catalog, satisfied *SatisfiedSet) *Generator {
	if satisfied == nil {
		satisfied = NewSatisfiedSet()
	}
	return &Generator{catalog: c, satisfied: satisfied}
}

// Swap replaces the catalog, e.g. after a config reload.
func (g *Generator) Swap(c *Catalog) {
	g.mu.Lock()
	g.catalog = c
	g.mu.Unlock()
}

func (g *Generator) Satisfied() *SatisfiedSet { return g.satisfied }

func (g *Generator) current() (*Catalog, error) {
	g.mu.RLock()
	c := g.catalog
	g.mu.RUnlock()
	if c == nil {
		return nil, &task.ConfigurationError{What: "catalog not loaded"}
	}
	return c, nil
}

// Generate emits the catalog for mode. Baseline output skips satisfied keys;
// aggressive output is always the full list of every section.
func (g *Generator) Generate(mode task.Mode) ([]task.Descriptor, error) {
	c, err := g.current()
	if err != nil {
		return nil, err
	}
	switch mode {
	case task.ModeBaseline:
		return g.emit(c.Baseline, "", true)
	case task.ModeAggressive:
		var out []task.Descriptor
		for _, s := range c.Aggressive {
			ds, err := g.emit(s.Items, s.Name, false)
			if err != nil {
				return nil, err
			}
			out = append(out, ds...)
		}
		return out, nil
	default:
		return nil, &task.ConfigurationError{What: fmt.Sprintf("generate: unknown mode %q", mode)}
	}
}

// GenerateSection emits one section. "security" is served in both modes.
// In baseline mode the section filters baseline items by their section field.
func (g *Generator) GenerateSection(mode task.Mode, section string) ([]task.Descriptor, error) {
	c, err := g.current()
	if err != nil {
		return nil, err
	}
	if section == SectionSecurity {
		return g.emit(c.Security, SectionSecurity, false)
	}
	switch mode {
	case task.ModeBaseline:
		var items []Item
		for _, it := range c.Baseline {
			if it.Section == section {
				items = append(items, it)
			}
		}
		return g.emit(items, section, true)
	case task.ModeAggressive:
		for _, s := range c.Aggressive {
			if s.Name == section {
				return g.emit(s.Items, s.Name, false)
			}
		}
		return nil, &task.ConfigurationError{What: "generate section " + section, Err: ErrUnknownSection}
	default:
		return nil, &task.ConfigurationError{What: fmt.Sprintf("generate: unknown mode %q", mode)}
	}
}

func (g *Generator) emit(items []Item, section string, filter bool) ([]task.Descriptor, error) {
	out := make([]task.Descriptor, 0, len(items))
	for _, it := range items {
		if filter && g.satisfied.Satisfied(it.Key) {
			continue
		}
		d, err := task.New(toSpec(it, section))
		if err != nil {
			return nil, &task.ConfigurationError{What: "catalog item " + it.Key, Err: err}
		}
		out = append(out, d)
	}
	return out, nil
}

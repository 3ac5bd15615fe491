package intent

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pagewise/internal/util"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

type Label struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
}

// Text is what gets embedded for the label.
func (l Label) Text() string {
	return l.Name + ". " + l.Description + ". " + strings.Join(l.Keywords, ", ")
}

type Catalog struct {
	DefaultPersona string  `yaml:"default_persona" json:"default_persona"`
	DefaultJob     string  `yaml:"default_job" json:"default_job"`
	Personas       []Label `yaml:"personas" json:"personas"`
	Jobs           []Label `yaml:"jobs" json:"jobs"`
}

// LoadCatalog reads a catalog file, or the built-in one when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return ParseCatalog(defaultCatalogYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Personas) == 0 || len(c.Jobs) == 0 {
		return fmt.Errorf("catalog needs personas and jobs: %w", util.ErrValidation)
	}
	for _, axis := range []struct {
		name   string
		labels []Label
		def    string
	}{{"persona", c.Personas, c.DefaultPersona}, {"job", c.Jobs, c.DefaultJob}} {
		seen := make(map[string]bool, len(axis.labels))
		for _, l := range axis.labels {
			if strings.TrimSpace(l.Name) == "" {
				return fmt.Errorf("catalog %s with empty name: %w", axis.name, util.ErrValidation)
			}
			if seen[l.Name] {
				return fmt.Errorf("catalog %s %q listed twice: %w", axis.name, l.Name, util.ErrValidation)
			}
			seen[l.Name] = true
		}
		if !seen[axis.def] {
			return fmt.Errorf("catalog default %s %q is not a label: %w", axis.name, axis.def, util.ErrValidation)
		}
	}
	return nil
}

func labelIndex(labels []Label, name string) int {
	for i, l := range labels {
		if strings.EqualFold(l.Name, name) {
			return i
		}
	}
	return -1
}

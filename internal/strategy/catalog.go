// Package strategy loads the catalog of selectable improvement strategies.
// The catalog is the source of truth for arm registration: each entry becomes
// one bandit arm, and its risk score feeds the safety-fallback path.
package strategy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry is one selectable improvement strategy.
type Entry struct {
	ID          string         `yaml:"id" json:"id"`
	Description string         `yaml:"description" json:"description"`
	RiskScore   float64        `yaml:"risk_score" json:"risk_score"`
	Targets     []string       `yaml:"targets" json:"targets"`
	Changes     map[string]any `yaml:"changes" json:"changes"`
}

// Catalog is the parsed strategies file.
type Catalog struct {
	ContextKey string  `yaml:"context_key"`
	Strategies []Entry `yaml:"strategies"`
}

// Load reads and validates a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if c.ContextKey == "" {
		c.ContextKey = "default"
	}
	if len(c.Strategies) == 0 {
		return nil, fmt.Errorf("catalog has no strategies")
	}

	seen := make(map[string]bool)
	for i, e := range c.Strategies {
		if e.ID == "" {
			return nil, fmt.Errorf("strategy %d: id required", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("strategy %q: duplicate id", e.ID)
		}
		seen[e.ID] = true
		if e.RiskScore < 0 || e.RiskScore > 1 {
			return nil, fmt.Errorf("strategy %q: risk_score %v outside [0,1]", e.ID, e.RiskScore)
		}
	}
	return &c, nil
}

// Get returns the entry with the given ID.
func (c *Catalog) Get(id string) (Entry, bool) {
	for _, e := range c.Strategies {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

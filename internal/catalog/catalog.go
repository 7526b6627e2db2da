package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Catalog holds the allowed generation options and the size cost table.
// It is loaded once at startup and treated as read-only afterwards; every
// component that needs it receives the same handle.
type Catalog struct {
	models map[string]bool
	styles map[string]bool
	colors map[string]bool
	costs  map[string]int64
}

// File is the on-disk YAML shape of a catalog.
type File struct {
	Models []string         `yaml:"models"`
	Styles []string         `yaml:"styles"`
	Colors []string         `yaml:"colors"`
	Sizes  map[string]int64 `yaml:"sizes"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := FromFile(File{
		Models: []string{"Model A", "Model B"},
		Styles: []string{"realistic", "anime", "oil painting", "sketch", "cyberpunk", "watercolor"},
		Colors: []string{"vibrant", "monochrome", "pastel", "neon", "vintage"},
		Sizes:  map[string]int64{"512x512": 1, "1024x1024": 3, "1024x1792": 4},
	})
	if err != nil {
		// built-in data is known good
		panic(err)
	}
	return c
}

// Load reads a catalog from a YAML file. An empty path yields the built-in
// defaults.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	return FromFile(f)
}

// FromFile builds a catalog from parsed file contents.
func FromFile(f File) (*Catalog, error) {
	if len(f.Models) == 0 {
		return nil, errors.New("catalog requires at least one model")
	}
	if len(f.Sizes) == 0 {
		return nil, errors.New("catalog requires at least one size")
	}
	c := &Catalog{
		models: make(map[string]bool, len(f.Models)),
		styles: make(map[string]bool, len(f.Styles)),
		colors: make(map[string]bool, len(f.Colors)),
		costs:  make(map[string]int64, len(f.Sizes)),
	}
	for _, m := range f.Models {
		c.models[m] = true
	}
	for _, s := range f.Styles {
		c.styles[s] = true
	}
	for _, col := range f.Colors {
		c.colors[col] = true
	}
	for size, cost := range f.Sizes {
		if cost <= 0 {
			return nil, fmt.Errorf("size %q has non-positive cost %d", size, cost)
		}
		c.costs[size] = cost
	}
	return c, nil
}

// HasModel reports whether the model is offered.
func (c *Catalog) HasModel(model string) bool { return c.models[model] }

// HasStyle reports whether the style is offered.
func (c *Catalog) HasStyle(style string) bool { return c.styles[style] }

// HasColor reports whether the color scheme is offered.
func (c *Catalog) HasColor(color string) bool { return c.colors[color] }

// HasSize reports whether the size is offered.
func (c *Catalog) HasSize(size string) bool {
	_, ok := c.costs[size]
	return ok
}

// Cost returns the credit cost for a size; ok is false for unknown sizes.
func (c *Catalog) Cost(size string) (int64, bool) {
	cost, ok := c.costs[size]
	return cost, ok
}

// Models returns the offered models in sorted order.
func (c *Catalog) Models() []string { return sortedKeys(c.models) }

// Styles returns the offered styles in sorted order.
func (c *Catalog) Styles() []string { return sortedKeys(c.styles) }

// Colors returns the offered color schemes in sorted order.
func (c *Catalog) Colors() []string { return sortedKeys(c.colors) }

// Sizes returns the offered sizes in sorted order.
func (c *Catalog) Sizes() []string {
	sizes := make([]string, 0, len(c.costs))
	for size := range c.costs {
		sizes = append(sizes, size)
	}
	sort.Strings(sizes)
	return sizes
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	if !c.HasModel("Model A") || !c.HasModel("Model B") {
		t.Fatalf("default catalog missing models: %v", c.Models())
	}
	if c.HasModel("Model C") {
		t.Fatalf("unexpected model accepted")
	}
	cost, ok := c.Cost("1024x1024")
	if !ok || cost != 3 {
		t.Fatalf("expected 1024x1024 cost 3, got %d ok=%v", cost, ok)
	}
	if _, ok := c.Cost("2048x2048"); ok {
		t.Fatalf("unknown size should have no cost")
	}
	if !c.HasStyle("cyberpunk") || !c.HasColor("pastel") {
		t.Fatalf("default styles/colors incomplete")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	data := `
models:
  - Model X
styles:
  - minimal
colors:
  - sepia
sizes:
  256x256: 1
  512x512: 2
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.HasModel("Model X") || c.HasModel("Model A") {
		t.Fatalf("file catalog should replace defaults")
	}
	if cost, ok := c.Cost("512x512"); !ok || cost != 2 {
		t.Fatalf("expected 512x512 cost 2, got %d", cost)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.HasModel("Model A") {
		t.Fatalf("expected defaults")
	}
}

func TestFromFileRejectsBadCost(t *testing.T) {
	_, err := FromFile(File{
		Models: []string{"Model A"},
		Sizes:  map[string]int64{"512x512": 0},
	})
	if err == nil {
		t.Fatalf("expected error for non-positive cost")
	}
}

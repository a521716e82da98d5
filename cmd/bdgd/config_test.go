package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geoenergia/bdgd/pkg/bdgd"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	want := bdgd.DefaultConfig()
	if cfg.CatalogURL != want.CatalogURL || cfg.SpatialLayer != want.SpatialLayer {
		t.Errorf("empty path should yield defaults, got %+v", cfg)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bdgd.toml")
	content := `
[catalog]
company_filter = "ENERGISA_MT"
date_filter = "2023"
max_downloads = 5

[fetch]
timeout = "45s"

[store]
path = "/tmp/custom.db"
fresh = true

[layers]
consumer_layers = ["UCBT_tab"]

[grid]
cell_size = 2.5
cell_units = "km"
function = "mean"

[output]
path = "out.html"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.CompanyFilter != "ENERGISA_MT" || cfg.DateFilter != "2023" || cfg.MaxDownloads != 5 {
		t.Errorf("catalog section not applied: %+v", cfg)
	}
	if cfg.HTTPTimeout != 45*time.Second {
		t.Errorf("fetch timeout not applied: %v", cfg.HTTPTimeout)
	}
	if cfg.StorePath != "/tmp/custom.db" || !cfg.FreshStore {
		t.Errorf("store section not applied: %+v", cfg)
	}
	if len(cfg.ConsumerLayers) != 1 || cfg.ConsumerLayers[0] != "UCBT_tab" {
		t.Errorf("consumer layers not applied: %v", cfg.ConsumerLayers)
	}
	if cfg.CellSize != 2.5 || cfg.CellUnits != "km" || cfg.Function != "mean" {
		t.Errorf("grid section not applied: %+v", cfg)
	}
	if cfg.OutputPath != "out.html" {
		t.Errorf("output path not applied: %s", cfg.OutputPath)
	}

	// Keys the file does not mention keep their defaults.
	want := bdgd.DefaultConfig()
	if cfg.CatalogURL != want.CatalogURL || cfg.SpatialLayer != want.SpatialLayer {
		t.Errorf("unset keys changed: %+v", cfg)
	}
	if cfg.Strategy != want.Strategy {
		t.Errorf("strategy changed: %s", cfg.Strategy)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

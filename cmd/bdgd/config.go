package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/geoenergia/bdgd/pkg/bdgd"
)

// fileConfig mirrors the TOML configuration file. Pointer fields tell an
// unset key apart from an explicit zero, so the file only overrides what
// it mentions.
type fileConfig struct {
	Catalog struct {
		URL           *string `toml:"url"`
		ItemURL       *string `toml:"item_url"`
		CompanyFilter *string `toml:"company_filter"`
		DateFilter    *string `toml:"date_filter"`
		MaxDownloads  *int    `toml:"max_downloads"`
	} `toml:"catalog"`

	Fetch struct {
		DownloadDir *string `toml:"download_dir"`
		ExtractDir  *string `toml:"extract_dir"`
		Workers     *int    `toml:"workers"`
		Timeout     *string `toml:"timeout"`
	} `toml:"fetch"`

	Store struct {
		Path       *string `toml:"path"`
		Fresh      *bool   `toml:"fresh"`
		Reproject  *bool   `toml:"reproject"`
		TargetEPSG *int    `toml:"target_epsg"`
	} `toml:"store"`

	Layers struct {
		SpatialLayer   *string  `toml:"spatial_layer"`
		SpatialKey     *string  `toml:"spatial_key"`
		ConsumerLayers []string `toml:"consumer_layers"`
		ConsumerKey    *string  `toml:"consumer_key"`
	} `toml:"layers"`

	Grid struct {
		Column    *string  `toml:"column"`
		Function  *string  `toml:"function"`
		CellSize  *float64 `toml:"cell_size"`
		CellUnits *string  `toml:"cell_units"`
		Strategy  *string  `toml:"strategy"`
	} `toml:"grid"`

	Output struct {
		Path *string `toml:"path"`
	} `toml:"output"`
}

// loadConfig layers the TOML file at path over the defaults. An empty
// path returns the defaults untouched.
func loadConfig(path string) (bdgd.Config, error) {
	cfg := bdgd.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	applyString(&cfg.CatalogURL, fc.Catalog.URL)
	applyString(&cfg.ItemURL, fc.Catalog.ItemURL)
	applyString(&cfg.CompanyFilter, fc.Catalog.CompanyFilter)
	applyString(&cfg.DateFilter, fc.Catalog.DateFilter)
	applyInt(&cfg.MaxDownloads, fc.Catalog.MaxDownloads)

	applyString(&cfg.DownloadDir, fc.Fetch.DownloadDir)
	applyString(&cfg.ExtractDir, fc.Fetch.ExtractDir)
	applyInt(&cfg.FetchWorkers, fc.Fetch.Workers)
	if fc.Fetch.Timeout != nil {
		d, err := time.ParseDuration(*fc.Fetch.Timeout)
		if err != nil {
			return cfg, fmt.Errorf("fetch timeout: %w", err)
		}
		cfg.HTTPTimeout = d
	}

	applyString(&cfg.StorePath, fc.Store.Path)
	applyBool(&cfg.FreshStore, fc.Store.Fresh)
	applyBool(&cfg.Reproject, fc.Store.Reproject)
	applyInt(&cfg.TargetEPSG, fc.Store.TargetEPSG)

	applyString(&cfg.SpatialLayer, fc.Layers.SpatialLayer)
	applyString(&cfg.SpatialKey, fc.Layers.SpatialKey)
	if len(fc.Layers.ConsumerLayers) > 0 {
		cfg.ConsumerLayers = fc.Layers.ConsumerLayers
	}
	applyString(&cfg.ConsumerKey, fc.Layers.ConsumerKey)

	applyString(&cfg.Column, fc.Grid.Column)
	applyString(&cfg.Function, fc.Grid.Function)
	applyFloat(&cfg.CellSize, fc.Grid.CellSize)
	applyString(&cfg.CellUnits, fc.Grid.CellUnits)
	applyString(&cfg.Strategy, fc.Grid.Strategy)

	applyString(&cfg.OutputPath, fc.Output.Path)

	return cfg, nil
}

func applyString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func applyBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func applyFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

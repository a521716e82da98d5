package bdgd

import (
	"fmt"
	"time"
)

// Aggregation functions supported by the grid engine.
const (
	FuncSum   = "sum"
	FuncMean  = "mean"
	FuncCount = "count"
)

// Cell size units.
const (
	UnitKilometers = "km"
	UnitMeters     = "m"
	UnitDegrees    = "deg"
)

// Aggregation strategies.
const (
	// StrategyCells queries the store's spatial index once per grid cell.
	// Memory stays proportional to the grid, never the record count.
	StrategyCells = "cells"

	// StrategyScan streams every record once and routes it to its cell
	// through an in-memory index over the grid. Faster for dense grids.
	StrategyScan = "scan"
)

// Config collects every knob of the pipeline. Construct it with
// DefaultConfig and override what the run needs.
type Config struct {
	// CatalogURL is the dataset search endpoint.
	CatalogURL string

	// ItemURL is the base URL downloads are derived from: the archive for
	// an item lives at ItemURL/<id>/data.
	ItemURL string

	// CompanyFilter restricts the catalog to items whose title contains
	// this string, matched case-insensitively. Empty matches everything.
	CompanyFilter string

	// DateFilter restricts the catalog to items whose title or tags
	// mention this string, typically a year. Empty matches everything.
	DateFilter string

	// MaxDownloads caps how many catalog items are fetched. Zero means
	// no cap.
	MaxDownloads int

	// FetchWorkers is the number of concurrent downloads.
	FetchWorkers int

	// Retry governs how transient catalog and download failures are
	// retried.
	Retry RetryPolicy

	// HTTPTimeout bounds every catalog and download request, headers
	// through body. A hung server fails the request instead of the run.
	HTTPTimeout time.Duration

	DownloadDir string // where archives are kept
	ExtractDir  string // where archives are unpacked
	StorePath   string // the SQLite database file

	// FreshStore discards any existing store before loading.
	FreshStore bool

	// SpatialLayer is the layer holding point geometries, keyed by
	// SpatialKey.
	SpatialLayer string
	SpatialKey   string

	// ConsumerLayers are the attribute tables joined to the spatial layer
	// through ConsumerKey.
	ConsumerLayers []string
	ConsumerKey    string

	// Reproject converts datasets whose coordinate system differs from
	// the store's. When false such datasets abort the load instead.
	Reproject bool

	// TargetEPSG forces the store's coordinate system. Zero adopts the
	// system of the first dataset loaded.
	TargetEPSG int

	// Column is the attribute aggregated over the grid.
	Column string

	// Function is sum, mean, or count.
	Function string

	// CellSize is the grid cell edge length, in CellUnits.
	CellSize  float64
	CellUnits string

	// Strategy selects how cells are filled; see StrategyCells and
	// StrategyScan.
	Strategy string

	// OutputPath is where the map export is written. Empty skips export.
	OutputPath string
}

// DefaultConfig returns a configuration for the ANEEL BDGD catalog with
// the standard consumer layers.
func DefaultConfig() Config {
	return Config{
		CatalogURL:     "https://dadosabertos-aneel.opendata.arcgis.com/api/search/v1/collections/dataset/items",
		ItemURL:        "https://www.arcgis.com/sharing/rest/content/items",
		FetchWorkers:   4,
		Retry:          DefaultRetryPolicy(),
		HTTPTimeout:    10 * time.Minute,
		DownloadDir:    "downloads",
		ExtractDir:     "extracted",
		StorePath:      "bdgd.db",
		SpatialLayer:   "PONNOT",
		SpatialKey:     "COD_ID",
		ConsumerLayers: []string{"UCAT_tab", "UCMT_tab", "UCBT_tab"},
		ConsumerKey:    "PN_CON",
		Column:         "ENE_TOT",
		Function:       FuncSum,
		CellSize:       1.0,
		CellUnits:      UnitKilometers,
		Strategy:       StrategyCells,
	}
}

// Validate reports the first problem with the configuration.
func (c Config) Validate() error {
	if c.CatalogURL == "" {
		return fmt.Errorf("catalog URL is required")
	}
	if c.ItemURL == "" {
		return fmt.Errorf("item URL is required")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store path is required")
	}
	if c.SpatialLayer == "" || c.SpatialKey == "" {
		return fmt.Errorf("spatial layer and key are required")
	}
	if len(c.ConsumerLayers) == 0 || c.ConsumerKey == "" {
		return fmt.Errorf("consumer layers and key are required")
	}
	if c.FetchWorkers < 1 {
		return fmt.Errorf("fetch workers must be at least 1, got %d", c.FetchWorkers)
	}
	if c.MaxDownloads < 0 {
		return fmt.Errorf("max downloads must not be negative, got %d", c.MaxDownloads)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be positive, got %v", c.HTTPTimeout)
	}
	if c.CellSize <= 0 {
		return fmt.Errorf("cell size must be positive, got %g", c.CellSize)
	}
	switch c.CellUnits {
	case UnitKilometers, UnitMeters, UnitDegrees:
	default:
		return fmt.Errorf("unknown cell units %q", c.CellUnits)
	}
	switch c.Function {
	case FuncSum, FuncMean, FuncCount:
	default:
		return fmt.Errorf("unknown aggregation function %q", c.Function)
	}
	switch c.Strategy {
	case StrategyCells, StrategyScan:
	default:
		return fmt.Errorf("unknown aggregation strategy %q", c.Strategy)
	}
	return nil
}

// RetryPolicy controls retries of transient catalog and download failures
// with exponential backoff, capped in both attempts and total elapsed time.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// MaxElapsed stops retrying once the attempts plus backoff have taken
	// this long in total. Zero means only MaxAttempts applies.
	MaxElapsed time.Duration
}

// DefaultRetryPolicy retries three times starting at half a second, giving
// up after two minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxElapsed:  2 * time.Minute,
	}
}

// Package bdgd builds disk-backed grid aggregations from the BDGD open
// data distribution, the geodatabase datasets Brazilian utilities publish
// through the national regulator's catalog.
//
// The pipeline has five stages: search the catalog for geodatabase items,
// download and unpack their archives, join each dataset's consumer tables
// to its point layer inside a SQLite store, lay a square grid over the
// stored points and aggregate a chosen attribute per cell, and render the
// grid as an interactive map.
//
// Each stage is usable on its own through Catalog, Fetcher, Loader, and
// Aggregator. Pipeline wires them together for the common case:
//
//	cfg := bdgd.DefaultConfig()
//	cfg.CompanyFilter = "ENERGISA_MT"
//	cfg.DateFilter = "2023"
//	cfg.OutputPath = "grid.html"
//
//	p, err := bdgd.NewPipeline(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, err := p.Run(ctx)
package bdgd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/geoenergia/bdgd/internal/store"
)

// LoadFailure records one geodatabase that could not be loaded.
type LoadFailure struct {
	Dataset string
	Code    string
	Err     error
}

// RunReport is the outcome of a full pipeline run.
type RunReport struct {
	// Items are the catalog items the filters matched.
	Items []CatalogItem

	// Fetch is the download and extraction outcome.
	Fetch *FetchResult

	// Loads holds one report per geodatabase that loaded, including
	// datasets skipped as already present.
	Loads []LoadReport

	// LoadFailures lists geodatabases that failed to load.
	LoadFailures []LoadFailure

	// Records is the store's record count after loading.
	Records int64

	// Aggregate is the computed grid, nil when nothing was aggregated.
	Aggregate *AggregateResult

	// MapPath is where the map was written, empty when export was off.
	MapPath string
}

// Pipeline runs the stages end to end against one store.
type Pipeline struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewPipeline validates the configuration and returns a runnable pipeline.
// A nil logger discards all output.
func NewPipeline(cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := &http.Client{Timeout: cfg.HTTPTimeout}
	return &Pipeline{cfg: cfg, client: client, logger: logger}, nil
}

// Search returns the catalog items the configured filters match.
func (p *Pipeline) Search(ctx context.Context) ([]CatalogItem, error) {
	cat := NewCatalog(p.cfg, p.client, p.logger)
	return cat.Search(ctx, p.cfg.CompanyFilter, p.cfg.DateFilter, p.cfg.MaxDownloads)
}

// Run executes the full pipeline. A dataset failing to download, extract,
// or load is reported and skipped; a coordinate system conflict aborts the
// run so the store is never left mixing systems.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{}

	items, err := p.Search(ctx)
	if err != nil {
		return nil, err
	}
	report.Items = items
	if len(items) == 0 {
		p.logger.Warn("no datasets matched the filters")
		return report, nil
	}

	fetcher := NewFetcher(p.cfg, p.client, p.logger)
	report.Fetch, err = fetcher.FetchAll(ctx, items)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(p.cfg.StorePath, p.cfg.FreshStore)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	loader := NewLoader(st, p.cfg, p.logger)
	for _, gdbPath := range report.Fetch.GDBPaths {
		lr, err := loader.LoadDataset(ctx, gdbPath)
		if err != nil {
			if ErrorCode(err) == ErrCodeCRSMismatch {
				return nil, err
			}
			p.logger.Error("dataset load failed",
				"path", gdbPath, "code", ErrorCode(err), "error", err)
			report.LoadFailures = append(report.LoadFailures, LoadFailure{
				Dataset: DatasetName(gdbPath),
				Code:    ErrorCode(err),
				Err:     err,
			})
			continue
		}
		report.Loads = append(report.Loads, *lr)
	}

	report.Records, err = st.Count(ctx)
	if err != nil {
		return nil, err
	}
	if report.Records == 0 {
		return report, ErrEmptyStore
	}

	agg := NewAggregator(st, p.cfg, p.logger)
	report.Aggregate, err = agg.Aggregate(ctx)
	if err != nil {
		return report, err
	}

	if p.cfg.OutputPath != "" {
		if err := ExportMap(report.Aggregate, p.cfg.OutputPath); err != nil {
			return report, err
		}
		report.MapPath = p.cfg.OutputPath
		p.logger.Info("map written", "path", report.MapPath)
	}
	return report, nil
}

package bdgd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// pipelineServer serves a one-item catalog and its geodatabase archive.
func pipelineServer(t *testing.T, archive []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"features": []catalogFeature{
				feature("item1", "BDGD Energisa MT", "ENERGISA_MT_2023-12-31"),
			},
		})
	})
	mux.HandleFunc("/content/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	})
	return httptest.NewServer(mux)
}

func pipelineArchive(t *testing.T) []byte {
	geojson := `{"type": "FeatureCollection",
		"crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::31983"}},
		"features": [
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [683000, 7465000]}, "properties": {"COD_ID": "P1"}},
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [683200, 7465100]}, "properties": {"COD_ID": "P2"}},
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [690000, 7470000]}, "properties": {"COD_ID": "P3"}}
		]}`
	csv := "PN_CON,ENE_01,ENE_02,CAR_INST\nP1,10,5,1\nP2,20,0,2\nP3,5,0,3\n"
	return zipBytes(t, map[string]string{
		"ENERGISA_MT_2023.gdb/PONNOT.geojson": geojson,
		"ENERGISA_MT_2023.gdb/UCBT_tab.csv":   csv,
	})
}

func pipelineConfig(t *testing.T, srv *httptest.Server) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.CatalogURL = srv.URL + "/catalog"
	cfg.ItemURL = srv.URL + "/content"
	cfg.Retry = fastRetry()
	cfg.DownloadDir = filepath.Join(dir, "downloads")
	cfg.ExtractDir = filepath.Join(dir, "extracted")
	cfg.StorePath = filepath.Join(dir, "bdgd.db")
	cfg.OutputPath = filepath.Join(dir, "grid.html")
	cfg.CellSize = 1
	cfg.CellUnits = UnitKilometers
	return cfg
}

func TestPipelineRun(t *testing.T) {
	srv := pipelineServer(t, pipelineArchive(t))
	defer srv.Close()

	cfg := pipelineConfig(t, srv)
	p, err := NewPipeline(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(report.Items) != 1 {
		t.Errorf("Items = %d, want 1", len(report.Items))
	}
	if len(report.Loads) != 1 || report.Loads[0].RecordsAdded != 3 {
		t.Errorf("Loads = %+v", report.Loads)
	}
	if report.Records != 3 {
		t.Errorf("Records = %d, want 3", report.Records)
	}
	if report.Aggregate == nil {
		t.Fatal("no aggregation result")
	}

	var sum float64
	var count int64
	for _, c := range report.Aggregate.Cells {
		sum += c.Value
		count += c.Count
	}
	if sum != 40 || count != 3 {
		t.Errorf("grid totals = %v/%d, want 40/3", sum, count)
	}

	html, err := os.ReadFile(report.MapPath)
	if err != nil {
		t.Fatalf("map file: %v", err)
	}
	if !strings.Contains(string(html), "FeatureCollection") {
		t.Error("map file does not contain cell geometry")
	}

	// The UTM cell corners must land near the dataset's true location,
	// roughly 43 west and 23 south.
	if !strings.Contains(string(html), "-43.") {
		t.Error("map cells not reprojected to geographic coordinates")
	}
}

func TestPipelineRerunIsIdempotent(t *testing.T) {
	srv := pipelineServer(t, pipelineArchive(t))
	defer srv.Close()

	cfg := pipelineConfig(t, srv)
	p, err := NewPipeline(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	report, err := p.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if report.Records != 3 {
		t.Errorf("Records after rerun = %d, want 3", report.Records)
	}
	if len(report.Loads) != 1 || !report.Loads[0].AlreadyLoaded {
		t.Errorf("rerun should skip the loaded dataset: %+v", report.Loads)
	}
}

func TestPipelineNoMatches(t *testing.T) {
	srv := pipelineServer(t, pipelineArchive(t))
	defer srv.Close()

	cfg := pipelineConfig(t, srv)
	cfg.CompanyFilter = "NO_SUCH_COMPANY"
	p, err := NewPipeline(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Items) != 0 || report.Aggregate != nil {
		t.Errorf("report = %+v, want empty", report)
	}
}

func TestPipelineEmptyStore(t *testing.T) {
	// The archive unpacks but its point layer is empty, so nothing joins.
	empty := zipBytes(t, map[string]string{
		"EMPTY_2023.gdb/PONNOT.geojson": `{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"EPSG:31983"}},"features":[]}`,
		"EMPTY_2023.gdb/UCBT_tab.csv":   "PN_CON,ENE_01,CAR_INST\n",
	})
	srv := pipelineServer(t, empty)
	defer srv.Close()

	p, err := NewPipeline(pipelineConfig(t, srv), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Run(context.Background())
	if !errors.Is(err, ErrEmptyStore) {
		t.Errorf("error = %v, want ErrEmptyStore", err)
	}
}

func TestNewPipelineValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CellSize = -1
	if _, err := NewPipeline(cfg, nil); err == nil {
		t.Error("expected validation error")
	}
}

func TestNewPipelineBoundsRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPTimeout = 30 * time.Second

	p, err := NewPipeline(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.client.Timeout != cfg.HTTPTimeout {
		t.Errorf("client timeout = %v, want %v", p.client.Timeout, cfg.HTTPTimeout)
	}
}

func TestNilLoggerDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if NewCatalog(cfg, nil, nil).logger == nil {
		t.Error("catalog logger not defaulted")
	}
	if NewFetcher(cfg, nil, nil).logger == nil {
		t.Error("fetcher logger not defaulted")
	}
	if NewLoader(nil, cfg, nil).logger == nil {
		t.Error("loader logger not defaulted")
	}
	if NewAggregator(nil, cfg, nil).logger == nil {
		t.Error("aggregator logger not defaulted")
	}
}

func TestExportMapEmpty(t *testing.T) {
	if err := ExportMap(nil, "unused.html"); !errors.Is(err, ErrEmptyStore) {
		t.Errorf("error = %v, want ErrEmptyStore", err)
	}
}

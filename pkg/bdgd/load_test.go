package bdgd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/geoenergia/bdgd/internal/store"
)

// writeDataset lays out a geodatabase directory with a PONNOT layer and a
// UCBT_tab consumer table.
func writeDataset(t *testing.T, root, name string, epsg int, geojsonFeatures []string, csvRows []string) string {
	t.Helper()
	dir := filepath.Join(root, name+".gdb")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	crsMember := ""
	if epsg != 0 {
		crsMember = fmt.Sprintf(
			`"crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::%d"}},`, epsg)
	}
	geojson := fmt.Sprintf(`{"type": "FeatureCollection", %s "features": [%s]}`,
		crsMember, strings.Join(geojsonFeatures, ","))
	if err := os.WriteFile(filepath.Join(dir, "PONNOT.geojson"), []byte(geojson), 0o644); err != nil {
		t.Fatal(err)
	}

	csv := "PN_CON,ENE_01,ENE_02,ENE_12,CAR_INST\n" + strings.Join(csvRows, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "UCBT_tab.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func pointFeature(code string, x, y float64) string {
	return fmt.Sprintf(
		`{"type": "Feature", "geometry": {"type": "Point", "coordinates": [%g, %g]}, "properties": {"COD_ID": %q}}`,
		x, y, code)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLoader(s *store.Store, mutate func(*Config)) *Loader {
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewLoader(s, cfg, slog.New(slog.DiscardHandler))
}

func TestLoadDataset(t *testing.T) {
	root := t.TempDir()
	gdbPath := writeDataset(t, root, "ENERGISA_MT_2023", 31983,
		[]string{
			pointFeature("P1", 683000, 7465000),
			pointFeature("P2", 684000, 7466000),
			pointFeature("P1", 999999, 9999999), // duplicate code, first wins
			`{"type": "Feature", "geometry": null, "properties": {"COD_ID": "P9"}}`,
			`{"type": "Feature", "geometry": {"type": "Point", "coordinates": [1, 2]}, "properties": {}}`,
		},
		[]string{
			"P1,10,20,30,5",
			"P1,1,,2,",
			"P2,100,0,0,7.5",
			"PX,50,0,0,1", // no matching point
			",1,2,3,4",    // blank key
		})

	s := openTestStore(t)
	l := testLoader(s, nil)
	ctx := context.Background()

	report, err := l.LoadDataset(ctx, gdbPath)
	if err != nil {
		t.Fatalf("LoadDataset: %v", err)
	}

	if report.Dataset != "ENERGISA_MT_2023" {
		t.Errorf("Dataset = %s", report.Dataset)
	}
	if report.RecordsAdded != 3 {
		t.Errorf("RecordsAdded = %d, want 3", report.RecordsAdded)
	}
	// One null geometry, one missing COD_ID, one blank PN_CON.
	if report.RecordsSkipped != 3 {
		t.Errorf("RecordsSkipped = %d, want 3", report.RecordsSkipped)
	}
	if report.Deduplicated != 1 {
		t.Errorf("Deduplicated = %d, want 1", report.Deduplicated)
	}
	if report.Orphaned != 1 {
		t.Errorf("Orphaned = %d, want 1", report.Orphaned)
	}
	if report.EPSG != 31983 {
		t.Errorf("EPSG = %d, want 31983", report.EPSG)
	}

	// ENE_TOT is the sum of the monthly columns, blanks as zero.
	var total float64
	err = s.ScanRecords(ctx, "ENE_TOT", func(x, y, v float64) error {
		total += v
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != 60+3+100 {
		t.Errorf("ENE_TOT total = %v, want 163", total)
	}

	var dem float64
	s.ScanRecords(ctx, "DEM", func(x, y, v float64) error {
		dem += v
		return nil
	})
	if dem != 5+0+7.5 {
		t.Errorf("DEM total = %v, want 12.5", dem)
	}
}

func TestLoadDatasetRerunSkips(t *testing.T) {
	root := t.TempDir()
	gdbPath := writeDataset(t, root, "ENERGISA_MT_2023", 31983,
		[]string{pointFeature("P1", 1, 2)},
		[]string{"P1,10,0,0,1"})

	s := openTestStore(t)
	l := testLoader(s, nil)
	ctx := context.Background()

	if _, err := l.LoadDataset(ctx, gdbPath); err != nil {
		t.Fatal(err)
	}
	report, err := l.LoadDataset(ctx, gdbPath)
	if err != nil {
		t.Fatal(err)
	}
	if !report.AlreadyLoaded {
		t.Error("second load should report AlreadyLoaded")
	}

	n, _ := s.Count(ctx)
	if n != 1 {
		t.Errorf("Count = %d after rerun, want 1", n)
	}
}

func TestLoadDatasetCRSMismatch(t *testing.T) {
	root := t.TempDir()
	first := writeDataset(t, root, "A_2023", 31983,
		[]string{pointFeature("P1", 683000, 7465000)},
		[]string{"P1,10,0,0,1"})
	second := writeDataset(t, root, "B_2023", 4326,
		[]string{pointFeature("P2", -46.6, -22.9)},
		[]string{"P2,20,0,0,2"})

	s := openTestStore(t)
	l := testLoader(s, nil) // Reproject off by default
	ctx := context.Background()

	if _, err := l.LoadDataset(ctx, first); err != nil {
		t.Fatal(err)
	}
	_, err := l.LoadDataset(ctx, second)
	if err == nil {
		t.Fatal("expected CRS mismatch error")
	}
	var mismatch *ErrCRSMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want ErrCRSMismatch", err)
	}
	if mismatch.Got != 4326 || mismatch.Want != 31983 {
		t.Errorf("mismatch = %+v", mismatch)
	}

	// The failed dataset must not leave partial records behind.
	n, _ := s.Count(ctx)
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestLoadDatasetReprojects(t *testing.T) {
	root := t.TempDir()
	first := writeDataset(t, root, "A_2023", 31983,
		[]string{pointFeature("P1", 683000, 7465000)},
		[]string{"P1,10,0,0,1"})
	second := writeDataset(t, root, "B_2023", 4326,
		[]string{pointFeature("P2", -46.6, -22.9)},
		[]string{"P2,20,0,0,2"})

	s := openTestStore(t)
	l := testLoader(s, func(c *Config) { c.Reproject = true })
	ctx := context.Background()

	if _, err := l.LoadDataset(ctx, first); err != nil {
		t.Fatal(err)
	}
	report, err := l.LoadDataset(ctx, second)
	if err != nil {
		t.Fatalf("LoadDataset with reprojection: %v", err)
	}
	if report.EPSG != 31983 {
		t.Errorf("EPSG = %d, want 31983", report.EPSG)
	}

	// Both points must now be in UTM metre range.
	r, ok, err := s.Extent(ctx)
	if err != nil || !ok {
		t.Fatal(err)
	}
	if r.MinX < 100000 || r.MaxX > 900000 {
		t.Errorf("extent X out of UTM range: %+v", r)
	}
	if r.MinY < 1000000 {
		t.Errorf("extent Y out of UTM range: %+v", r)
	}
}

func TestLoadDatasetTargetEPSG(t *testing.T) {
	root := t.TempDir()
	gdbPath := writeDataset(t, root, "A_2023", 31983,
		[]string{pointFeature("P1", 683000, 7465000)},
		[]string{"P1,10,0,0,1"})

	s := openTestStore(t)
	l := testLoader(s, func(c *Config) {
		c.Reproject = true
		c.TargetEPSG = 4326
	})
	ctx := context.Background()

	report, err := l.LoadDataset(ctx, gdbPath)
	if err != nil {
		t.Fatal(err)
	}
	if report.EPSG != 4326 {
		t.Errorf("EPSG = %d, want 4326", report.EPSG)
	}

	r, ok, _ := s.Extent(ctx)
	if !ok {
		t.Fatal("empty store")
	}
	if r.MinX > -30 || r.MinX < -80 || r.MinY > 10 || r.MinY < -40 {
		t.Errorf("point not in geographic range for Brazil: %+v", r)
	}
}

func TestLoadDatasetMissingSpatialLayer(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "BARE_2023.gdb")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "UCBT_tab.csv"), []byte("PN_CON\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t)
	_, err := testLoader(s, nil).LoadDataset(context.Background(), dir)
	if err == nil {
		t.Fatal("expected error")
	}
	if ErrorCode(err) != ErrCodeGeometry {
		t.Errorf("ErrorCode = %s, want %s", ErrorCode(err), ErrCodeGeometry)
	}
}

func TestLoadDatasetNumericJoinKeys(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "NUM_2023.gdb")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	geojson := `{"type": "FeatureCollection",
		"crs": {"type": "name", "properties": {"name": "EPSG:31983"}},
		"features": [{"type": "Feature",
			"geometry": {"type": "Point", "coordinates": [1, 2]},
			"properties": {"COD_ID": 12345}}]}`
	if err := os.WriteFile(filepath.Join(dir, "PONNOT.geojson"), []byte(geojson), 0o644); err != nil {
		t.Fatal(err)
	}
	csv := "PN_CON,ENE_01,CAR_INST\n12345,10,1\n"
	if err := os.WriteFile(filepath.Join(dir, "UCBT_tab.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t)
	report, err := testLoader(s, nil).LoadDataset(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if report.RecordsAdded != 1 {
		t.Errorf("RecordsAdded = %d, want 1; numeric codes should join", report.RecordsAdded)
	}
}

func TestDatasetName(t *testing.T) {
	if got := DatasetName("/data/extracted/X/ENERGISA_MT_2023.gdb"); got != "ENERGISA_MT_2023" {
		t.Errorf("DatasetName = %s", got)
	}
}

func TestPropString(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"  ABC ", "ABC"},
		{float64(12345), "12345"},
		{float64(1.5), "1.5"},
		{nil, ""},
		{true, "true"},
	}
	for _, tt := range tests {
		if got := propString(tt.in); got != tt.want {
			t.Errorf("propString(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

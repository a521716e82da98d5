package gdb

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

const ponnotGeoJSON = `{
	"type": "FeatureCollection",
	"crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::31983"}},
	"features": [
		{"type": "Feature", "geometry": {"type": "Point", "coordinates": [683000.0, 7465000.0]}, "properties": {"COD_ID": "P1"}},
		{"type": "Feature", "geometry": null, "properties": {"COD_ID": "P2"}},
		{"type": "Feature", "geometry": {"type": "Point", "coordinates": [684000.0, 7466000.0]}, "properties": {"COD_ID": "P3"}}
	]
}`

const ucbtCSV = "PN_CON,ENE_01,ENE_02,CAR_INST\nP1,10.5,2.5,3.0\nP3,7,0,1.5\n"

func writeGDB(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "TEST_2023.gdb")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "PONNOT.geojson"), []byte(ponnotGeoJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "UCBT_tab.csv"), []byte(ucbtCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestOpenEnumeratesLayers(t *testing.T) {
	ds, err := Open(writeGDB(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	layers := ds.Layers()
	if len(layers) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(layers))
	}

	spatial := ds.SpatialLayers()
	if len(spatial) != 1 || spatial[0].Name != "PONNOT" {
		t.Errorf("expected one spatial layer PONNOT, got %+v", spatial)
	}

	if _, ok := ds.Layer("ponnot"); !ok {
		t.Error("layer lookup should be case-insensitive")
	}
	if _, ok := ds.Layer("MISSING"); ok {
		t.Error("lookup of missing layer should fail")
	}
}

func TestOpenRejectsNonGDB(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing directory")
	}
	empty := t.TempDir()
	if _, err := Open(empty); err == nil {
		t.Error("expected error for directory with no layers")
	}
}

func TestFeatureStreaming(t *testing.T) {
	ds, err := Open(writeGDB(t))
	if err != nil {
		t.Fatal(err)
	}
	layer, _ := ds.Layer("PONNOT")

	r, err := layer.Features()
	if err != nil {
		t.Fatalf("Features: %v", err)
	}
	defer r.Close()

	if r.EPSG() != 31983 {
		t.Errorf("EPSG = %d, want 31983", r.EPSG())
	}

	var got []*Feature
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, f)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 features, got %d", len(got))
	}
	if got[0].Geom == nil || got[0].Geom.X != 683000.0 {
		t.Errorf("feature 0 geometry wrong: %+v", got[0].Geom)
	}
	if got[1].Geom != nil {
		t.Error("feature with null geometry should have nil Geom")
	}
	if got[2].Props["COD_ID"] != "P3" {
		t.Errorf("feature 2 COD_ID = %v", got[2].Props["COD_ID"])
	}

	// Reading past the end keeps returning EOF.
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected EOF after exhaustion, got %v", err)
	}
}

func TestRowStreaming(t *testing.T) {
	ds, err := Open(writeGDB(t))
	if err != nil {
		t.Fatal(err)
	}
	layer, _ := ds.Layer("UCBT_tab")

	r, err := layer.Rows()
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	defer r.Close()

	row, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if row["PN_CON"] != "P1" || row["ENE_01"] != "10.5" {
		t.Errorf("unexpected first row: %v", row)
	}

	if _, err := r.Next(); err != nil {
		t.Fatalf("second row: %v", err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestRowsOnSpatialLayerFails(t *testing.T) {
	ds, err := Open(writeGDB(t))
	if err != nil {
		t.Fatal(err)
	}
	layer, _ := ds.Layer("PONNOT")
	if _, err := layer.Rows(); err == nil {
		t.Error("Rows on a spatial layer should fail")
	}
	table, _ := ds.Layer("UCBT_tab")
	if _, err := table.Features(); err == nil {
		t.Error("Features on a table should fail")
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "x", "A_2023.gdb")
	b := filepath.Join(root, "B_2024.GDB")
	for _, d := range []string{a, b, filepath.Join(root, "plain")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	paths, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 geodatabases, got %d: %v", len(paths), paths)
	}
}

func TestParseEPSG(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"EPSG:4326", 4326},
		{"urn:ogc:def:crs:EPSG::31983", 31983},
		{"urn:ogc:def:crs:OGC:1.3:CRS84", 0},
		{"", 0},
		{"EPSG:", 0},
	}
	for _, tt := range tests {
		if got := parseEPSG(tt.name); got != tt.want {
			t.Errorf("parseEPSG(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

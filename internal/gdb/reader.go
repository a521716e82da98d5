package gdb

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Point is a 2D point in the layer's coordinate reference system.
type Point struct {
	X float64
	Y float64
}

// Feature is one record of a spatial layer.
//
// Geom is nil when the feature has no geometry or a geometry that is not a
// valid point; callers decide whether that is a skip or an error.
type Feature struct {
	Geom  *Point
	Props map[string]any
}

// FeatureReader streams features from a GeoJSON layer one at a time.
//
// The underlying FeatureCollection is decoded token by token, so only a
// single feature is ever materialized in memory.
type FeatureReader struct {
	f    *os.File
	dec  *json.Decoder
	epsg int
	done bool
}

// Features opens a streaming reader over a spatial layer.
//
// Returns an error for non-spatial layers or files that are not a GeoJSON
// FeatureCollection.
func (l Layer) Features() (*FeatureReader, error) {
	if !l.Spatial {
		return nil, fmt.Errorf("layer %s is not spatial", l.Name)
	}
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open layer %s: %w", l.Name, err)
	}

	r := &FeatureReader{f: f, dec: json.NewDecoder(f)}
	if err := r.seekFeatures(); err != nil {
		f.Close()
		return nil, fmt.Errorf("layer %s: %w", l.Name, err)
	}
	return r, nil
}

// seekFeatures advances the decoder to the start of the "features" array,
// capturing the collection's CRS if one is declared before it.
func (r *FeatureReader) seekFeatures() error {
	tok, err := r.dec.Token()
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("not a FeatureCollection object")
	}

	for r.dec.More() {
		keyTok, err := r.dec.Token()
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		key, _ := keyTok.(string)

		switch key {
		case "crs":
			var c struct {
				Properties struct {
					Name string `json:"name"`
				} `json:"properties"`
			}
			if err := r.dec.Decode(&c); err != nil {
				return fmt.Errorf("decode crs: %w", err)
			}
			r.epsg = parseEPSG(c.Properties.Name)
		case "features":
			tok, err := r.dec.Token()
			if err != nil {
				return fmt.Errorf("decode features: %w", err)
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return fmt.Errorf("features is not an array")
			}
			return nil
		default:
			var skip json.RawMessage
			if err := r.dec.Decode(&skip); err != nil {
				return fmt.Errorf("decode %q: %w", key, err)
			}
		}
	}
	return fmt.Errorf("no features array")
}

// EPSG returns the EPSG code declared by the layer, or 0 if none was
// declared before the features array.
func (r *FeatureReader) EPSG() int { return r.epsg }

// Next returns the next feature, or io.EOF when the layer is exhausted.
func (r *FeatureReader) Next() (*Feature, error) {
	if r.done {
		return nil, io.EOF
	}
	if !r.dec.More() {
		r.done = true
		return nil, io.EOF
	}

	var jf struct {
		Geometry *struct {
			Type        string          `json:"type"`
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
		Properties map[string]any `json:"properties"`
	}
	if err := r.dec.Decode(&jf); err != nil {
		return nil, fmt.Errorf("decode feature: %w", err)
	}

	feat := &Feature{Props: jf.Properties}
	if jf.Geometry != nil && jf.Geometry.Type == "Point" {
		var coords []float64
		if err := json.Unmarshal(jf.Geometry.Coordinates, &coords); err == nil &&
			len(coords) >= 2 &&
			!math.IsNaN(coords[0]) && !math.IsNaN(coords[1]) &&
			!math.IsInf(coords[0], 0) && !math.IsInf(coords[1], 0) {
			feat.Geom = &Point{X: coords[0], Y: coords[1]}
		}
	}
	return feat, nil
}

// Close releases the underlying file.
func (r *FeatureReader) Close() error { return r.f.Close() }

// parseEPSG extracts the numeric code from CRS names like "EPSG:31983" or
// "urn:ogc:def:crs:EPSG::31983". Returns 0 when no code can be found.
func parseEPSG(name string) int {
	idx := strings.LastIndex(name, ":")
	if idx < 0 || idx == len(name)-1 {
		return 0
	}
	code, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return 0
	}
	return code
}

// RowReader streams rows from a CSV attribute table one at a time.
type RowReader struct {
	f      *os.File
	cr     *csv.Reader
	header []string
}

// Rows opens a streaming reader over a non-spatial table.
func (l Layer) Rows() (*RowReader, error) {
	if l.Spatial {
		return nil, fmt.Errorf("layer %s is spatial; use Features", l.Name)
	}
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open table %s: %w", l.Name, err)
	}

	cr := csv.NewReader(f)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("table %s: read header: %w", l.Name, err)
	}
	// Column names are matched case-insensitively; canonicalize once.
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.ToUpper(strings.TrimSpace(h))
	}

	return &RowReader{f: f, cr: cr, header: cols}, nil
}

// Columns returns the upper-cased header of the table.
func (r *RowReader) Columns() []string { return r.header }

// Next returns the next row keyed by upper-cased column name, or io.EOF.
func (r *RowReader) Next() (map[string]string, error) {
	rec, err := r.cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read row: %w", err)
	}
	row := make(map[string]string, len(r.header))
	for i, col := range r.header {
		if i < len(rec) {
			row[col] = rec[i]
		}
	}
	return row, nil
}

// Close releases the underlying file.
func (r *RowReader) Close() error { return r.f.Close() }

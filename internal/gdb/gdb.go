// Package gdb reads directory-based geodatabases produced for BDGD
// publications.
//
// A geodatabase is a directory whose name ends in ".gdb" containing one
// file per layer: spatial layers are GeoJSON FeatureCollections
// (<Layer>.geojson) and attribute-only tables are CSV files (<Layer>.csv),
// the open-format export tree of the original File Geodatabase. Layers are
// read strictly one record at a time so a dataset of any size can be
// streamed in bounded memory.
package gdb

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Layer describes a single layer inside a geodatabase.
type Layer struct {
	Name    string // layer name, without extension
	Path    string // absolute path to the layer file
	Spatial bool   // true for GeoJSON feature layers, false for CSV tables
}

// Dataset is an opened geodatabase directory.
type Dataset struct {
	dir    string
	layers []Layer
}

// Open enumerates the layers of a geodatabase directory.
//
// Returns an error if the path is not a directory or contains no
// recognizable layers.
func Open(dir string) (*Dataset, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open geodatabase: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open geodatabase: %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read geodatabase: %w", err)
	}

	var layers []Layer
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		base := strings.TrimSuffix(name, filepath.Ext(name))
		switch ext {
		case ".geojson":
			layers = append(layers, Layer{
				Name:    base,
				Path:    filepath.Join(dir, name),
				Spatial: true,
			})
		case ".csv":
			layers = append(layers, Layer{
				Name: base,
				Path: filepath.Join(dir, name),
			})
		}
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("open geodatabase: no layers in %s", dir)
	}

	sort.Slice(layers, func(i, j int) bool { return layers[i].Name < layers[j].Name })

	return &Dataset{dir: dir, layers: layers}, nil
}

// Path returns the geodatabase directory.
func (d *Dataset) Path() string { return d.dir }

// Layers returns all layers, sorted by name.
func (d *Dataset) Layers() []Layer { return d.layers }

// Layer looks up a layer by name, case-insensitively.
func (d *Dataset) Layer(name string) (Layer, bool) {
	for _, l := range d.layers {
		if strings.EqualFold(l.Name, name) {
			return l, true
		}
	}
	return Layer{}, false
}

// SpatialLayers returns the subset of layers carrying geometry.
func (d *Dataset) SpatialLayers() []Layer {
	var out []Layer
	for _, l := range d.layers {
		if l.Spatial {
			out = append(out, l)
		}
	}
	return out
}

// Discover walks a directory tree and returns all geodatabase directories
// (directories whose name ends in ".gdb") found beneath it.
func Discover(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".gdb") {
			paths = append(paths, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(paths)
	return paths, nil
}

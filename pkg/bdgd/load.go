package bdgd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/geoenergia/bdgd/internal/crs"
	"github.com/geoenergia/bdgd/internal/gdb"
	"github.com/geoenergia/bdgd/internal/store"
)

// eneColumns are the monthly energy columns summed into ENE_TOT. A missing
// or unparseable month contributes zero.
var eneColumns = func() []string {
	cols := make([]string, 12)
	for i := range cols {
		cols[i] = fmt.Sprintf("ENE_%02d", i+1)
	}
	return cols
}()

// demColumn is the attribute stored as DEM.
const demColumn = "CAR_INST"

// LoadReport summarizes loading one geodatabase into the store.
type LoadReport struct {
	Dataset string

	// RecordsAdded counts consumer rows joined to a point and stored.
	RecordsAdded int64

	// RecordsSkipped counts features and rows dropped for missing keys or
	// invalid geometry.
	RecordsSkipped int64

	// Deduplicated counts repeated point codes within the dataset.
	Deduplicated int64

	// Orphaned counts consumer rows whose code matched no point.
	Orphaned int64

	// EPSG is the coordinate system the records were stored in.
	EPSG int

	// AlreadyLoaded is true when the dataset was skipped because a load
	// with the same name is already in the store.
	AlreadyLoaded bool
}

// Loader joins a geodatabase's spatial layer to its consumer tables and
// writes the result into a store.
type Loader struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

// NewLoader returns a loader writing into st. A nil logger falls back to
// slog.Default.
func NewLoader(st *store.Store, cfg Config, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: st, cfg: cfg, logger: logger}
}

// DatasetName derives the dataset name from a geodatabase path.
func DatasetName(gdbPath string) string {
	base := filepath.Base(gdbPath)
	return strings.TrimSuffix(strings.TrimSuffix(base, ".gdb"), ".GDB")
}

/// LoadDataset loads one geodatabase. Loading is transactional: either the
// whole dataset lands in the store or none of it does. A dataset already
// in the store is skipped, so reruns never double records.
func (l *Loader) LoadDataset(ctx context.Context, gdbPath string) (*LoadReport, error) {
	name := DatasetName(gdbPath)
	report := &LoadReport{Dataset: name}

	loaded, err := l.store.HasDataset(ctx, name)
	if err != nil {
		return nil, err
	}
	if loaded {
		l.logger.Info("dataset already loaded, skipping", "dataset", name)
		report.AlreadyLoaded = true
		return report, nil
	}

	ds, err := gdb.Open(gdbPath)
	if err != nil {
		return nil, &ErrGeometry{Dataset: name, Err: err}
	}

	layer, ok := ds.Layer(l.cfg.SpatialLayer)
	if !ok {
		return nil, &ErrGeometry{
			Dataset: name,
			Layer:   l.cfg.SpatialLayer,
			Err:     fmt.Errorf("layer not found"),
		}
	}

	features, err := layer.Features()
	if err != nil {
		return nil, &ErrGeometry{Dataset: name, Layer: layer.Name, Err: err}
	}
	defer features.Close()

	transform, epsg, err := l.resolveCRS(ctx, name, features.EPSG())
	if err != nil {
		return nil, err
	}
	report.EPSG = epsg

	st, err := l.store.NewStager(ctx, name)
	if err != nil {
		return nil, err
	}
	defer st.Rollback()

	if err := l.stagePoints(ctx, st, features, transform, report); err != nil {
		return nil, &ErrGeometry{Dataset: name, Layer: layer.Name, Err: err}
	}

	for _, table := range l.cfg.ConsumerLayers {
		tl, ok := ds.Layer(table)
		if !ok {
			l.logger.Warn("consumer layer not found",
				"dataset", name, "layer", table)
			continue
		}
		if err := l.stageConsumers(ctx, st, tl, report); err != nil {
			return nil, err
		}
	}

	added, orphaned, err := st.Merge(ctx)
	if err != nil {
		return nil, err
	}
	report.RecordsAdded = added
	report.Orphaned = orphaned

	l.logger.Info("dataset loaded",
		"dataset", name,
		"added", report.RecordsAdded,
		"skipped", report.RecordsSkipped,
		"deduplicated", report.Deduplicated,
		"orphaned", report.Orphaned,
		"epsg", report.EPSG)
	return report, nil
}

// resolveCRS establishes the store's coordinate system on first load and
// returns the point transform this dataset needs, nil when none.
func (l *Loader) resolveCRS(ctx context.Context, dataset string, declared int) (func(x, y float64) (float64, float64), int, error) {
	storeEPSG, err := l.store.EPSG(ctx)
	if err != nil {
		return nil, 0, err
	}

	if storeEPSG == 0 {
		storeEPSG = l.cfg.TargetEPSG
		if storeEPSG == 0 {
			storeEPSG = declared
		}
		if storeEPSG == 0 {
			return nil, 0, &ErrCRSMismatch{Dataset: dataset}
		}
		if err := l.store.SetEPSG(ctx, storeEPSG); err != nil {
			return nil, 0, err
		}
		l.logger.Info("store coordinate system established", "epsg", storeEPSG)
	}

	// An undeclared CRS is taken to match the store's.
	if declared == 0 || declared == storeEPSG {
		return nil, storeEPSG, nil
	}

	if !l.cfg.Reproject {
		return nil, 0, &ErrCRSMismatch{Dataset: dataset, Got: declared, Want: storeEPSG}
	}

	from, err := crs.FromEPSG(declared)
	if err != nil {
		return nil, 0, &ErrCRSMismatch{Dataset: dataset, Got: declared, Want: storeEPSG}
	}
	to, err := crs.FromEPSG(storeEPSG)
	if err != nil {
		return nil, 0, &ErrCRSMismatch{Dataset: dataset, Got: declared, Want: storeEPSG}
	}

	l.logger.Info("reprojecting dataset",
		"dataset", dataset, "from", declared, "to", storeEPSG)
	return func(x, y float64) (float64, float64) {
		return crs.Transform(from, to, x, y)
	}, storeEPSG, nil
}

func (l *Loader) stagePoints(ctx context.Context, st *store.Stager, features *gdb.FeatureReader, transform func(x, y float64) (float64, float64), report *LoadReport) error {
	for {
		f, err := features.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		code := propString(f.Props[l.cfg.SpatialKey])
		if code == "" || f.Geom == nil {
			report.RecordsSkipped++
			continue
		}

		x, y := f.Geom.X, f.Geom.Y
		if transform != nil {
			x, y = transform(x, y)
		}

		dup, err := st.AddPoint(ctx, code, x, y)
		if err != nil {
			return err
		}
		if dup {
			report.Deduplicated++
		}
	}
}

func (l *Loader) stageConsumers(ctx context.Context, st *store.Stager, layer gdb.Layer, report *LoadReport) error {
	rows, err := layer.Rows()
	if err != nil {
		return fmt.Errorf("consumer layer %s: %w", layer.Name, err)
	}
	defer rows.Close()

	for {
		row, err := rows.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("consumer layer %s: %w", layer.Name, err)
		}

		code := strings.TrimSpace(row[l.cfg.ConsumerKey])
		if code == "" {
			report.RecordsSkipped++
			continue
		}

		var eneTot float64
		for _, col := range eneColumns {
			eneTot += parseFloat(row[col])
		}
		dem := parseFloat(row[demColumn])

		if err := st.AddConsumer(ctx, code, eneTot, dem); err != nil {
			return err
		}
	}
}

// propString renders a feature property as a join key. Numeric codes are
// printed without an exponent or trailing zeros so they match their CSV
// form.
func propString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// parseFloat reads an attribute value as a number, treating blanks and
// junk as zero.
func parseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

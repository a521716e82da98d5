package bdgd

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/dhconnelly/rtreego"
	"golang.org/x/sync/errgroup"

	"github.com/geoenergia/bdgd/internal/crs"
	"github.com/geoenergia/bdgd/internal/store"
)

// degreesPerKilometer approximates one kilometre in decimal degrees at the
// equator, matching the conventional 1 deg = 111.32 km.
const degreesPerKilometer = 1.0 / 111.32

// aggregateWorkers bounds concurrent cell queries in the cells strategy.
const aggregateWorkers = 4

// Cell is one square of the aggregation grid.
type Cell struct {
	Extent Extent
	Row    int // zero-based, south to north
	Col    int // zero-based, west to east
	Value  float64
	Count  int64
}

// AggregateResult is a complete grid with the parameters that produced it.
type AggregateResult struct {
	// Cells in row-major order: all columns of row 0, then row 1, and so
	// on. Every cell of the grid is present, including empty ones.
	Cells []Cell

	Rows, Cols int
	Extent     Extent
	Column     string
	Function   string
	CellSize   float64 // edge length in store units
	Units      string  // the configured units
	EPSG       int

	// Total is the record count of the store. The cell counts always sum
	// to it.
	Total int64
}

// Aggregator computes per-cell aggregates over the records of a store.
type Aggregator struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

// NewAggregator returns an aggregator reading from st. A nil logger falls
// back to slog.Default.
func NewAggregator(st *store.Store, cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, cfg: cfg, logger: logger}
}

// Aggregate lays a square grid over the store's extent and fills each cell
// with the configured function of the configured column.
//
// Cell membership is half-open on the high edges, except along the grid's
// outermost row and column where the edges close so boundary records are
// never lost. A record therefore lands in exactly one cell.
func (a *Aggregator) Aggregate(ctx context.Context) (*AggregateResult, error) {
	column := a.cfg.Column
	if a.cfg.Function == FuncCount {
		// Count ignores the column; scan something that always exists.
		column = "ENE_TOT"
	}
	if _, ok := store.Column(column); !ok {
		return nil, &ErrInvalidColumn{Column: column, Valid: store.ColumnNames()}
	}

	total, err := a.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, ErrEmptyStore
	}

	extent, ok, err := a.storeExtent(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptyStore
	}

	epsg, err := a.store.EPSG(ctx)
	if err != nil {
		return nil, err
	}

	size, err := cellSizeInStoreUnits(a.cfg.CellSize, a.cfg.CellUnits, epsg)
	if err != nil {
		return nil, err
	}

	cols := gridSpan(extent.Width(), size)
	rows := gridSpan(extent.Height(), size)

	a.logger.Info("aggregating grid",
		"rows", rows, "cols", cols,
		"cell_size", size, "function", a.cfg.Function,
		"column", a.cfg.Column, "strategy", a.cfg.Strategy,
		"records", total)

	result := &AggregateResult{
		Cells:    makeCells(extent, size, rows, cols),
		Rows:     rows,
		Cols:     cols,
		Extent:   extent,
		Column:   a.cfg.Column,
		Function: a.cfg.Function,
		CellSize: size,
		Units:    a.cfg.CellUnits,
		EPSG:     epsg,
		Total:    total,
	}

	switch a.cfg.Strategy {
	case StrategyScan:
		err = a.fillByScan(ctx, result, column)
	default:
		err = a.fillByCells(ctx, result, column)
	}
	if err != nil {
		return nil, err
	}

	finishCells(result.Cells, a.cfg.Function)
	return result, nil
}

// storeExtent reads the record bounding box from the store.
func (a *Aggregator) storeExtent(ctx context.Context) (Extent, bool, error) {
	r, ok, err := a.store.Extent(ctx)
	if err != nil || !ok {
		return Extent{}, ok, err
	}
	return Extent{MinX: r.MinX, MaxX: r.MaxX, MinY: r.MinY, MaxY: r.MaxY}, true, nil
}

// cellSizeInStoreUnits converts the configured cell size to the units of
// the store's coordinate system.
func cellSizeInStoreUnits(size float64, units string, epsg int) (float64, error) {
	c, err := crs.FromEPSG(epsg)
	if err != nil {
		return 0, fmt.Errorf("store coordinate system: %w", err)
	}

	if c.Geographic() {
		switch units {
		case UnitDegrees:
			return size, nil
		case UnitKilometers:
			return size * degreesPerKilometer, nil
		case UnitMeters:
			return size / 1000 * degreesPerKilometer, nil
		}
	} else {
		switch units {
		case UnitMeters:
			return size, nil
		case UnitKilometers:
			return size * 1000, nil
		case UnitDegrees:
			return 0, fmt.Errorf(
				"degree cells cannot be used with projected EPSG:%d", epsg)
		}
	}
	return 0, fmt.Errorf("unknown cell units %q", units)
}

// gridSpan returns how many cells of the given size cover a span. A
// degenerate span still gets one cell.
func gridSpan(span, size float64) int {
	n := int(math.Ceil(span / size))
	if n < 1 {
		return 1
	}
	return n
}

// makeCells builds the empty grid in row-major order. The outer edges snap
// to the extent so rounding in the cell arithmetic can never leave a
// boundary record outside every cell.
func makeCells(extent Extent, size float64, rows, cols int) []Cell {
	cells := make([]Cell, 0, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			e := Extent{
				MinX: extent.MinX + float64(col)*size,
				MaxX: extent.MinX + float64(col+1)*size,
				MinY: extent.MinY + float64(row)*size,
				MaxY: extent.MinY + float64(row+1)*size,
			}
			if col == cols-1 && e.MaxX < extent.MaxX {
				e.MaxX = extent.MaxX
			}
			if row == rows-1 && e.MaxY < extent.MaxY {
				e.MaxY = extent.MaxY
			}
			cells = append(cells, Cell{Row: row, Col: col, Extent: e})
		}
	}
	return cells
}

// fillByCells queries the store's spatial index once per cell, a bounded
// number of cells at a time. Memory stays proportional to the grid.
func (a *Aggregator) fillByCells(ctx context.Context, result *AggregateResult, column string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(aggregateWorkers)

	for i := range result.Cells {
		g.Go(func() error {
			c := &result.Cells[i]
			closedX := c.Col == result.Cols-1
			closedY := c.Row == result.Rows-1
			sum, count, err := a.store.CellAggregate(ctx, store.Rect{
				MinX: c.Extent.MinX, MaxX: c.Extent.MaxX,
				MinY: c.Extent.MinY, MaxY: c.Extent.MaxY,
			}, closedX, closedY, column)
			if err != nil {
				return err
			}
			c.Value = sum
			c.Count = count
			return nil
		})
	}
	return g.Wait()
}

// cellEntry adapts a grid cell to the in-memory spatial index.
type cellEntry struct {
	rect *rtreego.Rect
	idx  int
}

func (e *cellEntry) Bounds() rtreego.Rect { return *e.rect }

// fillByScan streams every record once and routes it to its cell through
// an in-memory index over the grid. Faster when cells far outnumber the
// queries the cells strategy would batch.
func (a *Aggregator) fillByScan(ctx context.Context, result *AggregateResult, column string) error {
	tree := rtreego.NewTree(2, 25, 50)
	for i := range result.Cells {
		e := result.Cells[i].Extent
		rect, err := rtreego.NewRectFromPoints(
			rtreego.Point{e.MinX, e.MinY},
			rtreego.Point{e.MaxX, e.MaxY})
		if err != nil {
			return fmt.Errorf("index cell %d: %w", i, err)
		}
		tree.Insert(&cellEntry{rect: &rect, idx: i})
	}

	return a.store.ScanRecords(ctx, column, func(x, y, v float64) error {
		idx, ok := locateCell(tree, result, x, y)
		if !ok {
			// Rounding pushed the point past every indexed rectangle;
			// clamp it into the grid arithmetically.
			idx = clampCell(result, x, y)
		}
		result.Cells[idx].Value += v
		result.Cells[idx].Count++
		return nil
	})
}

// clampCell maps a point to a cell by arithmetic, clamping to the grid.
func clampCell(result *AggregateResult, x, y float64) int {
	col := int((x - result.Extent.MinX) / result.CellSize)
	row := int((y - result.Extent.MinY) / result.CellSize)
	if col < 0 {
		col = 0
	}
	if col > result.Cols-1 {
		col = result.Cols - 1
	}
	if row < 0 {
		row = 0
	}
	if row > result.Rows-1 {
		row = result.Rows - 1
	}
	return row*result.Cols + col
}

// locateCell resolves the unique cell owning a point. The index returns
// every cell touching the point; the half-open rule with closed outer
// edges picks exactly one.
func locateCell(tree *rtreego.Rtree, result *AggregateResult, x, y float64) (int, bool) {
	point, err := rtreego.NewRectFromPoints(
		rtreego.Point{x, y}, rtreego.Point{x, y})
	if err != nil {
		return 0, false
	}
	for _, hit := range tree.SearchIntersect(point) {
		c := &result.Cells[hit.(*cellEntry).idx]
		if cellOwns(c, result, x, y) {
			return hit.(*cellEntry).idx, true
		}
	}
	return 0, false
}

func cellOwns(c *Cell, result *AggregateResult, x, y float64) bool {
	e := c.Extent
	if x < e.MinX || y < e.MinY {
		return false
	}
	if x > e.MaxX || (x == e.MaxX && c.Col != result.Cols-1) {
		return false
	}
	if y > e.MaxY || (y == e.MaxY && c.Row != result.Rows-1) {
		return false
	}
	return true
}

// finishCells applies the aggregation function to the accumulated sums.
func finishCells(cells []Cell, function string) {
	for i := range cells {
		c := &cells[i]
		switch function {
		case FuncCount:
			c.Value = float64(c.Count)
		case FuncMean:
			if c.Count > 0 {
				c.Value /= float64(c.Count)
			} else {
				c.Value = 0
			}
		}
	}
}

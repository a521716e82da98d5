package bdgd

import (
	"fmt"
	"os"
	"strings"

	"github.com/geoenergia/bdgd/internal/crs"
	"github.com/geoenergia/bdgd/internal/mapexport"
)

// ExportMap writes an interactive map of the aggregation result to path.
// Cell corners are reprojected to WGS-84 when the store uses a projected
// coordinate system.
func ExportMap(res *AggregateResult, path string) error {
	if res == nil || res.Total == 0 {
		return ErrEmptyStore
	}

	toWGS84, err := wgs84Transform(res.EPSG)
	if err != nil {
		return err
	}

	cells := make([]mapexport.Cell, 0, len(res.Cells))
	for _, c := range res.Cells {
		minLon, minLat := toWGS84(c.Extent.MinX, c.Extent.MinY)
		maxLon, maxLat := toWGS84(c.Extent.MaxX, c.Extent.MaxY)
		cells = append(cells, mapexport.Cell{
			MinLon: minLon, MinLat: minLat,
			MaxLon: maxLon, MaxLat: maxLat,
			Value: c.Value,
			Count: c.Count,
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create map file: %w", err)
	}
	defer f.Close()

	err = mapexport.Render(f, mapexport.Map{
		Title:   "BDGD Consumer Grid",
		Caption: mapCaption(res),
		Cells:   cells,
	})
	if err != nil {
		return fmt.Errorf("render map: %w", err)
	}
	return f.Close()
}

// wgs84Transform returns a corner transform into WGS-84. Geographic
// systems pass through unchanged.
func wgs84Transform(epsg int) (func(x, y float64) (float64, float64), error) {
	c, err := crs.FromEPSG(epsg)
	if err != nil {
		return nil, fmt.Errorf("map export: %w", err)
	}
	if c.Geographic() {
		return func(x, y float64) (float64, float64) { return x, y }, nil
	}
	wgs84, err := crs.FromEPSG(4326)
	if err != nil {
		return nil, err
	}
	return func(x, y float64) (float64, float64) {
		return crs.Transform(c, wgs84, x, y)
	}, nil
}

func mapCaption(res *AggregateResult) string {
	function := strings.ToUpper(res.Function[:1]) + res.Function[1:]
	if res.Function == FuncCount {
		return "Count of consumer units per grid cell"
	}
	return fmt.Sprintf("%s of %s per grid cell", function, res.Column)
}

// Package mapexport renders an aggregation grid as a self-contained
// Leaflet HTML page. Cell geometry arrives in WGS-84; callers reproject
// before rendering.
package mapexport

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"math"
	"strings"
)

//go:embed map.html.tmpl
var mapTemplate string

// Cell is one grid square ready for display.
type Cell struct {
	MinLon, MinLat float64
	MaxLon, MaxLat float64
	Value          float64
	Count          int64
}

// Map collects everything the page needs.
type Map struct {
	Title   string
	Caption string
	Cells   []Cell
}

// ylOrRd are the color ramp stops, light yellow to deep red.
var ylOrRd = [][3]uint8{
	{255, 255, 204},
	{255, 237, 160},
	{254, 217, 118},
	{254, 178, 76},
	{253, 141, 60},
	{252, 78, 42},
	{227, 26, 28},
	{189, 0, 38},
	{128, 0, 38},
}

// emptyFill styles cells that hold records but aggregate to zero.
const emptyFill = "#D3D3D3"

// colorFor interpolates the ramp linearly between min and max.
func colorFor(value, min, max float64) string {
	if max <= min {
		c := ylOrRd[len(ylOrRd)-1]
		return fmt.Sprintf("#%02X%02X%02X", c[0], c[1], c[2])
	}
	t := (value - min) / (max - min)
	t = math.Max(0, math.Min(1, t))

	pos := t * float64(len(ylOrRd)-1)
	i := int(pos)
	if i >= len(ylOrRd)-1 {
		i = len(ylOrRd) - 2
	}
	f := pos - float64(i)

	lerp := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a) + f*(float64(b)-float64(a))))
	}
	lo, hi := ylOrRd[i], ylOrRd[i+1]
	return fmt.Sprintf("#%02X%02X%02X",
		lerp(lo[0], hi[0]), lerp(lo[1], hi[1]), lerp(lo[2], hi[2]))
}

// geoJSON is the FeatureCollection handed to Leaflet. Each feature carries
// its fill color so the page needs no scripting beyond Leaflet itself.
type geoJSON struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string         `json:"type"`
	Geometry   polygon        `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

type polygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

type templateData struct {
	Title     string
	Caption   string
	CenterLat float64
	CenterLon float64
	GeoJSON   template.JS
	Legend    []legendEntry
}

type legendEntry struct {
	Color template.CSS
	Label string
}

// Render writes the map page for the given cells. Cells with no records
// are omitted; zero-valued cells with records draw in gray.
func Render(w io.Writer, m Map) error {
	occupied := make([]Cell, 0, len(m.Cells))
	for _, c := range m.Cells {
		if c.Count > 0 {
			occupied = append(occupied, c)
		}
	}
	if len(occupied) == 0 {
		return fmt.Errorf("no cells to render")
	}

	min, max := math.Inf(1), math.Inf(-1)
	for _, c := range occupied {
		if c.Value > 0 {
			min = math.Min(min, c.Value)
			max = math.Max(max, c.Value)
		}
	}
	if min > max {
		min, max = 0, 0
	}

	var centerLat, centerLon float64
	fc := geoJSON{Type: "FeatureCollection"}
	for _, c := range occupied {
		centerLat += (c.MinLat + c.MaxLat) / 2
		centerLon += (c.MinLon + c.MaxLon) / 2

		fill := emptyFill
		opacity := 0.5
		if c.Value > 0 {
			fill = colorFor(c.Value, min, max)
			opacity = 0.7
		}
		fc.Features = append(fc.Features, feature{
			Type: "Feature",
			Geometry: polygon{
				Type: "Polygon",
				Coordinates: [][][2]float64{{
					{c.MinLon, c.MinLat},
					{c.MaxLon, c.MinLat},
					{c.MaxLon, c.MaxLat},
					{c.MinLon, c.MaxLat},
					{c.MinLon, c.MinLat},
				}},
			},
			Properties: map[string]any{
				"value":   c.Value,
				"count":   c.Count,
				"fill":    fill,
				"opacity": opacity,
			},
		})
	}
	centerLat /= float64(len(occupied))
	centerLon /= float64(len(occupied))

	payload, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode cells: %w", err)
	}

	tmpl, err := template.New("map").Parse(mapTemplate)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	return tmpl.Execute(w, templateData{
		Title:     m.Title,
		Caption:   m.Caption,
		CenterLat: centerLat,
		CenterLon: centerLon,
		GeoJSON:   template.JS(payload),
		Legend:    legend(min, max),
	})
}

// legend samples the ramp at five points between min and max.
func legend(min, max float64) []legendEntry {
	const steps = 5
	entries := make([]legendEntry, 0, steps)
	for i := 0; i < steps; i++ {
		v := min
		if steps > 1 {
			v = min + float64(i)*(max-min)/float64(steps-1)
		}
		entries = append(entries, legendEntry{
			Color: template.CSS("background:" + colorFor(v, min, max)),
			Label: formatLegend(v),
		})
	}
	return entries
}

func formatLegend(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

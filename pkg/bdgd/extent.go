package bdgd

// Extent represents an axis-aligned bounding box in the coordinate system
// of the store.
//
// For geographic systems the axes are longitude and latitude in decimal
// degrees; for projected systems they are easting and northing in metres.
type Extent struct {
	MinX float64 // Western edge
	MaxX float64 // Eastern edge
	MinY float64 // Southern edge
	MaxY float64 // Northern edge
}

// Contains returns true if the point (x, y) is within the extent.
func (e Extent) Contains(x, y float64) bool {
	return x >= e.MinX && x <= e.MaxX &&
		y >= e.MinY && y <= e.MaxY
}

// Intersects returns true if the given extent intersects with this extent.
func (e Extent) Intersects(other Extent) bool {
	return !(other.MaxX < e.MinX ||
		other.MinX > e.MaxX ||
		other.MaxY < e.MinY ||
		other.MinY > e.MaxY)
}

// Union returns the smallest extent covering both e and other.
func (e Extent) Union(other Extent) Extent {
	u := e
	if other.MinX < u.MinX {
		u.MinX = other.MinX
	}
	if other.MaxX > u.MaxX {
		u.MaxX = other.MaxX
	}
	if other.MinY < u.MinY {
		u.MinY = other.MinY
	}
	if other.MaxY > u.MaxY {
		u.MaxY = other.MaxY
	}
	return u
}

// Expand returns a new Extent grown by the given margin in all directions.
func (e Extent) Expand(margin float64) Extent {
	return Extent{
		MinX: e.MinX - margin,
		MaxX: e.MaxX + margin,
		MinY: e.MinY - margin,
		MaxY: e.MaxY + margin,
	}
}

// Width returns the extent's size along the x axis.
func (e Extent) Width() float64 { return e.MaxX - e.MinX }

// Height returns the extent's size along the y axis.
func (e Extent) Height() float64 { return e.MaxY - e.MinY }

// Package crs provides coordinate reference system identification and
// reprojection for the coordinate systems used by BDGD publications:
// geographic latitude/longitude (SIRGAS 2000 and WGS-84) and the
// SIRGAS 2000 / WGS-84 UTM zones.
//
// SIRGAS 2000 is realized on the GRS-80 ellipsoid, which differs from
// WGS-84 by less than a tenth of a millimetre in flattening; the two are
// treated as equivalent here, so every transform reduces to a transverse
// Mercator projection or its inverse on the WGS-84 ellipsoid.
package crs

import (
	"fmt"
	"math"
)

// WGS-84 ellipsoid.
const (
	semiMajor = 6378137.0
	flat      = 1.0 / 298.257223563

	// UTM projection constants.
	scaleFactor   = 0.9996
	falseEasting  = 500000.0
	falseNorthing = 10000000.0 // southern hemisphere only
)

var (
	e2  = flat * (2 - flat) // first eccentricity squared
	ep2 = e2 / (1 - e2)     // second eccentricity squared
)

// CRS identifies a coordinate reference system by EPSG code.
//
// Supported codes:
//   - 4326 (WGS-84) and 4674 (SIRGAS 2000): geographic lon/lat in degrees
//   - 31965-31976: SIRGAS 2000 / UTM zones 11N-22N
//   - 31977-31985: SIRGAS 2000 / UTM zones 17S-25S
//   - 32601-32660: WGS-84 / UTM zones 1N-60N
//   - 32701-32760: WGS-84 / UTM zones 1S-60S
type CRS struct {
	epsg  int
	zone  int // 0 for geographic systems
	south bool
}

// FromEPSG resolves an EPSG code into a CRS.
//
// Returns an error for codes outside the supported families.
func FromEPSG(code int) (CRS, error) {
	switch {
	case code == 4326 || code == 4674:
		return CRS{epsg: code}, nil
	case code >= 31965 && code <= 31976: // SIRGAS 2000 / UTM north
		return CRS{epsg: code, zone: code - 31954}, nil
	case code >= 31977 && code <= 31985: // SIRGAS 2000 / UTM south
		return CRS{epsg: code, zone: code - 31960, south: true}, nil
	case code >= 32601 && code <= 32660: // WGS-84 / UTM north
		return CRS{epsg: code, zone: code - 32600}, nil
	case code >= 32701 && code <= 32760: // WGS-84 / UTM south
		return CRS{epsg: code, zone: code - 32700, south: true}, nil
	}
	return CRS{}, fmt.Errorf("unsupported EPSG code %d", code)
}

// EPSG returns the EPSG code of the system.
func (c CRS) EPSG() int { return c.epsg }

// Geographic reports whether coordinates are lon/lat degrees rather than
// projected metres.
func (c CRS) Geographic() bool { return c.zone == 0 }

func (c CRS) String() string {
	return fmt.Sprintf("EPSG:%d", c.epsg)
}

// centralMeridian returns the zone's central meridian in radians.
func (c CRS) centralMeridian() float64 {
	return float64(c.zone*6-183) * math.Pi / 180
}

// Transform converts a coordinate from one system to another.
//
// Geographic coordinates are (lon, lat) in decimal degrees; projected
// coordinates are (easting, northing) in metres. Transforming between two
// geographic systems is the identity.
func Transform(from, to CRS, x, y float64) (float64, float64) {
	if from.epsg == to.epsg {
		return x, y
	}

	// Route through geographic lon/lat.
	lon, lat := x, y
	if !from.Geographic() {
		lon, lat = from.inverse(x, y)
	}
	if to.Geographic() {
		return lon, lat
	}
	return to.forward(lon, lat)
}

// forward projects geographic (lon, lat) degrees to (easting, northing).
//
// Standard transverse Mercator series (Snyder, "Map Projections: A Working
// Manual", eq. 8-9..8-15), accurate to well under a millimetre within a zone.
func (c CRS) forward(lon, lat float64) (float64, float64) {
	phi := lat * math.Pi / 180
	lam := lon * math.Pi / 180

	sin := math.Sin(phi)
	cos := math.Cos(phi)
	tan := math.Tan(phi)

	n := semiMajor / math.Sqrt(1-e2*sin*sin)
	t := tan * tan
	cc := ep2 * cos * cos
	a := cos * (lam - c.centralMeridian())

	m := meridianArc(phi)

	a2 := a * a
	a3 := a2 * a
	a4 := a3 * a
	a5 := a4 * a
	a6 := a5 * a

	easting := scaleFactor*n*(a+(1-t+cc)*a3/6+
		(5-18*t+t*t+72*cc-58*ep2)*a5/120) + falseEasting
	northing := scaleFactor * (m + n*tan*(a2/2+
		(5-t+9*cc+4*cc*cc)*a4/24+
		(61-58*t+t*t+600*cc-330*ep2)*a6/720))
	if c.south {
		northing += falseNorthing
	}
	return easting, northing
}

// inverse unprojects (easting, northing) to geographic (lon, lat) degrees.
func (c CRS) inverse(easting, northing float64) (float64, float64) {
	x := easting - falseEasting
	y := northing
	if c.south {
		y -= falseNorthing
	}

	m := y / scaleFactor
	mu := m / (semiMajor * (1 - e2/4 - 3*e2*e2/64 - 5*e2*e2*e2/256))

	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))
	phi1 := mu +
		(3*e1/2-27*e1*e1*e1/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*e1*e1*e1*e1/32)*math.Sin(4*mu) +
		(151*e1*e1*e1/96)*math.Sin(6*mu) +
		(1097*e1*e1*e1*e1/512)*math.Sin(8*mu)

	sin1 := math.Sin(phi1)
	cos1 := math.Cos(phi1)
	tan1 := math.Tan(phi1)

	c1 := ep2 * cos1 * cos1
	t1 := tan1 * tan1
	n1 := semiMajor / math.Sqrt(1-e2*sin1*sin1)
	r1 := semiMajor * (1 - e2) / math.Pow(1-e2*sin1*sin1, 1.5)
	d := x / (n1 * scaleFactor)

	d2 := d * d
	d3 := d2 * d
	d4 := d3 * d
	d5 := d4 * d
	d6 := d5 * d

	phi := phi1 - (n1*tan1/r1)*(d2/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*d4/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*d6/720)
	lam := c.centralMeridian() + (d-
		(1+2*t1+c1)*d3/6+
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*d5/120)/cos1

	return lam * 180 / math.Pi, phi * 180 / math.Pi
}

// meridianArc returns the meridional arc length from the equator to
// latitude phi (radians).
func meridianArc(phi float64) float64 {
	e4 := e2 * e2
	e6 := e4 * e2
	return semiMajor * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

/*
Copyright © 2019 the AgriSync authors.
This file is part of AgriSync.

AgriSync is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

AgriSync is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with AgriSync.  If not, see <http://www.gnu.org/licenses/>.
*/

package raster

import (
	"math"

	"github.com/ctessum/geom"
)

// EarthRadius is the radius in meters of the authalic sphere used by
// the MODIS sinusoidal grid.
const EarthRadius = 6371007.181

// SinusoidalWKT is the spatial reference all archive rasters share.
const SinusoidalWKT = `PROJCS["Sinusoidal",GEOGCS["GCS_Undefined",DATUM["Undefined",SPHEROID["User_Defined_Spheroid",6371007.181,0.0]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Sinusoidal"],PARAMETER["False_Easting",0.0],PARAMETER["False_Northing",0.0],PARAMETER["Central_Meridian",0.0],UNIT["Meter",1.0]]`

// GeographicWKT is assigned to source rasters that arrive without a
// spatial reference; all the upstream geographic products are WGS84.
const GeographicWKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]]`

// GeographicProj4 is the proj string equivalent of GeographicWKT, used
// to validate the geographic source reference during warps.
const GeographicProj4 = "+proj=longlat +datum=WGS84 +no_defs"

// CanonicalBounds is the bounding box, in sinusoidal meters, that all
// published rasters are clipped to.
var CanonicalBounds = geom.Bounds{
	Min: geom.Point{X: -22735470, Y: -9143189},
	Max: geom.Point{X: 20958445, Y: 9962342},
}

// sinusoidalForward projects geographic coordinates (degrees) onto the
// sinusoidal plane (meters).
func sinusoidalForward(lon, lat float64) (x, y float64) {
	phi := lat * math.Pi / 180
	lam := lon * math.Pi / 180
	return EarthRadius * lam * math.Cos(phi), EarthRadius * phi
}

// sinusoidalInverse is the exact inverse of sinusoidalForward away
// from the poles.
func sinusoidalInverse(x, y float64) (lon, lat float64) {
	phi := y / EarthRadius
	cos := math.Cos(phi)
	if math.Abs(cos) < 1e-12 {
		return 0, phi * 180 / math.Pi
	}
	lam := x / (EarthRadius * cos)
	return lam * 180 / math.Pi, phi * 180 / math.Pi
}

// degreesToMeters converts a pixel size in degrees at the equator to
// sinusoidal meters, preserving the source resolution through a warp.
func degreesToMeters(deg float64) float64 {
	return deg * math.Pi / 180 * EarthRadius
}

// clipToCanonical intersects b with CanonicalBounds, snapping any side
// that exceeds the canonical limit to the limit.
func clipToCanonical(b geom.Bounds) geom.Bounds {
	if b.Min.X < CanonicalBounds.Min.X {
		b.Min.X = CanonicalBounds.Min.X
	}
	if b.Min.Y < CanonicalBounds.Min.Y {
		b.Min.Y = CanonicalBounds.Min.Y
	}
	if b.Max.X > CanonicalBounds.Max.X {
		b.Max.X = CanonicalBounds.Max.X
	}
	if b.Max.Y > CanonicalBounds.Max.Y {
		b.Max.Y = CanonicalBounds.Max.Y
	}
	return b
}

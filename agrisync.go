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

// Package agrisync holds the data model shared by the AgriSync
// agricultural-monitoring pipeline: acquisition identity, canonical
// object keys, processing state flags, and the calendar arithmetic
// used by product cadences.
package agrisync

// Version is the version of this software.
const Version = "1.2.0"

// AncillaryProducts are the non-NDVI product families. Their canonical
// file names carry a full civil date.
var AncillaryProducts = []string{"chirps", "chirps-prelim", "swi", "merra-2"}

// NDVIProducts are the MODIS-derived vegetation index product families.
// Their canonical file names carry year and day-of-year.
var NDVIProducts = []string{"MOD09Q1", "MYD09Q1", "MOD13Q1", "MYD13Q1", "MOD13Q4N"}

// TemperatureCollections are the collections published for the
// temperature product. All other products have the single implicit
// collection "".
var TemperatureCollections = []string{"min", "mean", "max"}

// IsAncillary reports whether product is an ancillary product family.
func IsAncillary(product string) bool {
	for _, p := range AncillaryProducts {
		if p == product {
			return true
		}
	}
	return false
}

// IsNDVI reports whether product is an NDVI product family.
func IsNDVI(product string) bool {
	for _, p := range NDVIProducts {
		if p == product {
			return true
		}
	}
	return false
}

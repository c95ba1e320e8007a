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

import "strings"

// GeoTIFF key ids used by this package. The spatial reference is
// carried verbatim as WKT in the citation key, which round-trips
// through this package and is what downstream GIS tools read for
// user-defined projections like MODIS sinusoidal.
const (
	keyModelType  = 1024
	keyRasterType = 1025
	keyCitation   = 1026

	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
)

// geoFields builds the GeoTIFF tags for the base directory.
func geoFields(m Meta) []wField {
	fields := []wField{
		{tag: tModelPixelScale, typ: typDouble,
			fvals: []float64{m.Transform[1], -m.Transform[5], 0}},
		{tag: tModelTiepoint, typ: typDouble,
			fvals: []float64{0, 0, 0, m.Transform[0], m.Transform[3], 0}},
	}
	if m.Projection == "" {
		return fields
	}
	model := uint64(modelTypeProjected)
	if strings.HasPrefix(m.Projection, "GEOGCS") {
		model = modelTypeGeographic
	}
	ascii := m.Projection + "|"
	dir := []uint64{
		1, 1, 0, 3, // version, revision, minor, key count
		keyModelType, 0, 1, model,
		keyRasterType, 0, 1, rasterPixelIsArea,
		keyCitation, tGeoASCIIParams, uint64(len(ascii)), 0,
	}
	fields = append(fields,
		wField{tag: tGeoKeyDirectory, typ: typShort, vals: dir},
		wField{tag: tGeoASCIIParams, typ: typASCII, ascii: ascii},
	)
	return fields
}

// projectionFromIFD recovers the WKT spatial reference from the geokey
// directory, or "" if the file carries none.
func projectionFromIFD(d *ifd) string {
	dir, ok := d.fields[tGeoKeyDirectory]
	if !ok || len(dir.vals) < 4 {
		return ""
	}
	params, ok := d.fields[tGeoASCIIParams]
	if !ok {
		return ""
	}
	ascii := params.ascii
	n := int(dir.vals[3])
	for i := 0; i < n; i++ {
		key := dir.vals[4+i*4:]
		if len(key) < 4 {
			break
		}
		if key[0] != keyCitation || key[1] != tGeoASCIIParams {
			continue
		}
		off, cnt := int(key[3]), int(key[2])
		if off < 0 || off+cnt > len(ascii) {
			cnt = len(ascii) - off
		}
		if off >= len(ascii) || cnt <= 0 {
			return ""
		}
		return strings.TrimRight(ascii[off:off+cnt], "|")
	}
	return ""
}

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
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/cdf"
)

// writeLatitudeNC writes a 4x6 float32 variable "t" whose value is its
// storage row index, with the given latitude coordinate values.
func writeLatitudeNC(t *testing.T, path string, lats []float32) {
	t.Helper()
	h := cdf.NewHeader([]string{"lat", "lon"}, []int{4, 6})
	h.AddVariable("lat", []string{"lat"}, []float32{})
	h.AddVariable("t", []string{"lat", "lon"}, []float32{})
	h.Define()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	ff, err := cdf.Create(f, h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ff.Writer("lat", nil, nil).Write(lats); err != nil {
		t.Fatal(err)
	}
	buf := make([]float32, 4*6)
	for i := range buf {
		buf[i] = float32(i / 6)
	}
	if _, err := ff.Writer("t", nil, nil).Write(buf); err != nil {
		t.Fatal(err)
	}
}

// An ascending latitude coordinate stores the south pole in row 0;
// extraction must put the northernmost row first to match the
// north-up geotransform. A descending coordinate is already north-up.
func TestExtractNetCDFOrientation(t *testing.T) {
	grid := Meta{
		Width: 6, Height: 4,
		DType:      Float32,
		Transform:  [6]float64{-180, 60, 0, 90, 0, -45},
		Projection: GeographicWKT,
	}
	cases := []struct {
		name    string
		lats    []float32
		wantTop float64 // storage row expected in output row 0
	}{
		{"ascending", []float32{-67.5, -22.5, 22.5, 67.5}, 3},
		{"descending", []float32{67.5, 22.5, -22.5, -67.5}, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			nc := filepath.Join(dir, "t.nc")
			writeLatitudeNC(t, nc, c.lats)
			out := filepath.Join(dir, "t.tif")
			if err := ExtractNetCDF(nc, "t", out, grid); err != nil {
				t.Fatal(err)
			}
			r, err := Open(out)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			data, err := r.ReadAll()
			if err != nil {
				t.Fatal(err)
			}
			if got := data.Get(0, 0); got != c.wantTop {
				t.Errorf("output row 0 holds storage row %v, want %v", got, c.wantTop)
			}
			if got := data.Get(3, 0); got != 3-c.wantTop {
				t.Errorf("output row 3 holds storage row %v, want %v", got, 3-c.wantTop)
			}
		})
	}
}

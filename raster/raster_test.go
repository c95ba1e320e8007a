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
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/sparse"
	"golang.org/x/image/tiff/lzw"
)

func testMeta(w, h int, d DType) Meta {
	return Meta{
		Width: w, Height: h, DType: d,
		NoData: -9999, HasNoData: true,
		BlockWidth: 16, BlockHeight: 16,
		Transform:  [6]float64{0, 100, 0, 0, 0, -100},
		Projection: SinusoidalWKT,
	}
}

func ramp(w, h int) *sparse.DenseArray {
	a := sparse.ZerosDense(h, w)
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			a.Set(float64((r*w+c)%30000), r, c)
		}
	}
	return a
}

func writeTest(t *testing.T, path string, m Meta, data *sparse.DenseArray) {
	t.Helper()
	w, err := Create(path, m)
	if err != nil {
		t.Fatal(err)
	}
	for _, win := range Windows(m.Width, m.Height, m.BlockWidth, m.BlockHeight) {
		sub := sparse.ZerosDense(win.H, win.W)
		for r := 0; r < win.H; r++ {
			for c := 0; c < win.W; c++ {
				sub.Set(data.Get(win.Y+r, win.X+c), r, c)
			}
		}
		if err := w.Write(win, sub); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLZWRoundTrip(t *testing.T) {
	src := []byte("TOBEORNOTTOBEORTOBEORNOT")
	for i := 0; i < 6; i++ {
		src = append(src, src...)
	}
	comp := lzwCompress(src)
	r := lzw.NewReader(bytes.NewReader(comp), lzw.MSB, 8)
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil && err != io.ErrUnexpectedEOF {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(src))
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, d := range []DType{Uint8, Int16, Float32, Float64} {
		t.Run(d.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "t.tif")
			m := testMeta(37, 23, d) // deliberately not tile-aligned
			want := ramp(m.Width, m.Height)
			if d == Uint8 {
				for i := range want.Elements {
					want.Elements[i] = math.Mod(want.Elements[i], 251)
				}
			}
			writeTest(t, path, m, want)

			r, err := Open(path)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			got := r.Meta()
			if got.Width != m.Width || got.Height != m.Height || got.DType != d {
				t.Fatalf("meta mismatch: %+v", got)
			}
			if !got.HasNoData || got.NoData != -9999 {
				t.Errorf("nodata not preserved: %+v", got)
			}
			if got.Projection != SinusoidalWKT {
				t.Errorf("projection not preserved: %.60q", got.Projection)
			}
			if got.Transform != m.Transform {
				t.Errorf("transform mismatch: %v != %v", got.Transform, m.Transform)
			}
			data, err := r.ReadAll()
			if err != nil {
				t.Fatal(err)
			}
			for row := 0; row < m.Height; row++ {
				for col := 0; col < m.Width; col++ {
					w, g := want.Get(row, col), data.Get(row, col)
					if d == Float32 {
						w = float64(float32(w))
					}
					if w != g {
						t.Fatalf("pixel (%d,%d): got %v, want %v", row, col, g, w)
					}
				}
			}
		})
	}
}

// TestClassicDirectoryLayout checks the classic IFD byte layout
// directly: the 2-byte entry count means out-of-line values start at
// dirOff + 2 + 12n + 4, and every out-of-line pointer must land inside
// the file. A miscounted directory shifts every pointer, so the
// highest tag (GDAL nodata) is the canary.
func TestClassicDirectoryLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.tif")
	m := testMeta(37, 23, Int16)
	writeTest(t, path, m, ramp(m.Width, m.Height))

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	typeSizes := map[uint16]int{typShort: 2, typLong: 4, typDouble: 8, typASCII: 1}
	dirOff := int(binary.LittleEndian.Uint32(raw[4:]))
	n := int(binary.LittleEndian.Uint16(raw[dirOff:]))
	valStart := dirOff + 2 + n*12 + 4
	var sawNoData bool
	for i := 0; i < n; i++ {
		e := raw[dirOff+2+i*12:]
		tag := binary.LittleEndian.Uint16(e)
		typ := binary.LittleEndian.Uint16(e[2:])
		cnt := int(binary.LittleEndian.Uint32(e[4:]))
		size := typeSizes[typ] * cnt
		if size <= 4 {
			continue
		}
		off := int(binary.LittleEndian.Uint32(e[8:]))
		if off < valStart || off+size > len(raw) {
			t.Fatalf("tag %d: values [%d,%d) outside [%d,%d)", tag, off, off+size, valStart, len(raw))
		}
		if tag == tGDALNoData {
			sawNoData = true
			if got := string(raw[off : off+size-1]); got != "-9999" {
				t.Errorf("nodata ascii = %q, want -9999", got)
			}
		}
	}
	if !sawNoData {
		t.Error("no out-of-line GDAL nodata tag found")
	}
}

func TestBigTIFFRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.tif")
	m := testMeta(40, 40, Int16)
	m.BigTIFF = true
	want := ramp(40, 40)
	writeTest(t, path, m, want)
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if !r.Meta().BigTIFF {
		t.Error("file did not read back as BigTIFF")
	}
	got, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	for i := range want.Elements {
		if want.Elements[i] != got.Elements[i] {
			t.Fatalf("element %d: got %v, want %v", i, got.Elements[i], want.Elements[i])
		}
	}
}

func TestWindowedRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.tif")
	m := testMeta(64, 48, Float64)
	want := ramp(64, 48)
	writeTest(t, path, m, want)
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	win := Window{X: 10, Y: 5, W: 30, H: 20}
	got, err := r.Read(win)
	if err != nil {
		t.Fatal(err)
	}
	for row := 0; row < win.H; row++ {
		for col := 0; col < win.W; col++ {
			if got.Get(row, col) != want.Get(win.Y+row, win.X+col) {
				t.Fatalf("window pixel (%d,%d) mismatch", row, col)
			}
		}
	}
}

func TestWindows(t *testing.T) {
	ws := Windows(100, 50, 32, 32)
	if len(ws) != 4*2 {
		t.Fatalf("got %d windows, want 8", len(ws))
	}
	area := 0
	for _, w := range ws {
		area += w.W * w.H
	}
	if area != 100*50 {
		t.Errorf("windows cover %d pixels, want %d", area, 100*50)
	}
	last := ws[len(ws)-1]
	if last.W != 100-3*32 || last.H != 50-32 {
		t.Errorf("edge window not clipped: %v", last)
	}
}

func TestValidWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.tif")
	m := testMeta(64, 64, Float64)
	data := sparse.ZerosDense(64, 64)
	for i := range data.Elements {
		data.Elements[i] = -9999
	}
	// Data only in a small interior rectangle.
	for row := 10; row < 20; row++ {
		for col := 33; col < 40; col++ {
			data.Set(5, row, col)
		}
	}
	writeTest(t, path, m, data)
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := r.ValidWindow()
	if err != nil {
		t.Fatal(err)
	}
	want := Window{X: 33, Y: 10, W: 7, H: 10}
	if got != want {
		t.Errorf("ValidWindow() = %v, want %v", got, want)
	}
}

func TestMosaic(t *testing.T) {
	dir := t.TempDir()
	m := testMeta(8, 8, Float32)
	a := sparse.ZerosDense(8, 8)
	b := sparse.ZerosDense(8, 8)
	for i := range a.Elements {
		a.Elements[i] = 10
		b.Elements[i] = 20
	}
	a.Set(-9999, 0, 0) // nodata in one source only
	b.Set(-9999, 1, 1)
	a.Set(-9999, 2, 2) // nodata in both
	b.Set(-9999, 2, 2)
	pa, pb := filepath.Join(dir, "a.tif"), filepath.Join(dir, "b.tif")
	writeTest(t, pa, m, a)
	writeTest(t, pb, m, b)

	check := func(op ReduceOp, both, missA, missB float64) {
		out := filepath.Join(dir, op.String()+".tif")
		if err := Mosaic([]string{pa, pb}, op, out); err != nil {
			t.Fatal(err)
		}
		r, err := Open(out)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		got, err := r.ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if v := got.Get(4, 4); v != both {
			t.Errorf("%v: full pixel = %v, want %v", op, v, both)
		}
		if v := got.Get(0, 0); v != missA {
			t.Errorf("%v: pixel missing in a = %v, want %v", op, v, missA)
		}
		if v := got.Get(1, 1); v != missB {
			t.Errorf("%v: pixel missing in b = %v, want %v", op, v, missB)
		}
		if v := got.Get(2, 2); v != -9999 {
			t.Errorf("%v: pixel missing everywhere = %v, want nodata", op, v)
		}
	}
	check(ReduceMin, 10, 20, 10)
	check(ReduceMax, 20, 20, 10)
	check(ReduceMean, 15, 20, 10)
}

func TestWarpGeographic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "geo.tif")
	m := Meta{
		Width: 36, Height: 18, DType: Float32,
		NoData: -9999, HasNoData: true,
		Transform:  [6]float64{-180, 10, 0, 90, 0, -10},
		Projection: GeographicWKT,
	}
	writeTest(t, src, m, ramp(36, 18))

	dst := filepath.Join(dir, "sin.tif")
	if err := WarpToCanonical(src, dst); err != nil {
		t.Fatal(err)
	}
	r, err := Open(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	om := r.Meta()
	if om.Projection != SinusoidalWKT {
		t.Errorf("projection = %.40q", om.Projection)
	}
	if om.Transform[0] < CanonicalBounds.Min.X || om.Transform[3] > CanonicalBounds.Max.Y {
		t.Errorf("origin (%v,%v) outside the canonical box", om.Transform[0], om.Transform[3])
	}
	right := om.Transform[0] + float64(om.Width)*om.Transform[1]
	bottom := om.Transform[3] + float64(om.Height)*om.Transform[5]
	const slack = 30000 // one output pixel
	if right > CanonicalBounds.Max.X+slack || bottom < CanonicalBounds.Min.Y-slack {
		t.Errorf("extent (%v,%v) exceeds the canonical box", right, bottom)
	}
}

func TestCloudOptimize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.tif")
	m := testMeta(700, 600, Int16)
	m.BlockWidth, m.BlockHeight = 700, 600 // single-strip style source
	writeTest(t, src, m, ramp(700, 600))

	dst := filepath.Join(dir, "cog.tif")
	if err := CloudOptimize(src, dst, false); err != nil {
		t.Fatal(err)
	}
	r, err := Open(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	om := r.Meta()
	if !om.Tiled || om.BlockWidth != DefaultBlockSize {
		t.Errorf("output not tiled at %d: %+v", DefaultBlockSize, om)
	}
	if r.Overviews() < 1 {
		t.Error("no overviews written")
	}
	got, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := ramp(700, 600)
	for i := range want.Elements {
		if got.Elements[i] != want.Elements[i] {
			t.Fatalf("element %d: got %v, want %v", i, got.Elements[i], want.Elements[i])
		}
	}
}

func TestSinusoidalInverse(t *testing.T) {
	for _, c := range []struct{ lon, lat float64 }{
		{0, 0}, {100, 45}, {-45, -30}, {179, 60},
	} {
		x, y := sinusoidalForward(c.lon, c.lat)
		lon, lat := sinusoidalInverse(x, y)
		if math.Abs(lon-c.lon) > 1e-9 || math.Abs(lat-c.lat) > 1e-9 {
			t.Errorf("(%v,%v) -> (%v,%v)", c.lon, c.lat, lon, lat)
		}
	}
}

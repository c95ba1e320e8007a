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
	"fmt"
	"math"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
)

type srsKind int

const (
	srsGeographic srsKind = iota
	srsSinusoidal
)

// classifySRS decides whether a spatial reference string (WKT or a
// proj4 string) is geographic or the archive sinusoidal.
func classifySRS(s string) (srsKind, error) {
	if strings.HasPrefix(s, "+") {
		sr, err := proj.Parse(s)
		if err != nil {
			return 0, fmt.Errorf("raster: parsing spatial reference %q: %v", s, err)
		}
		if sr.Name == "longlat" {
			return srsGeographic, nil
		}
		return 0, fmt.Errorf("raster: unsupported projection %q", sr.Name)
	}
	switch {
	case strings.HasPrefix(s, "GEOGCS"):
		return srsGeographic, nil
	case strings.Contains(s, "Sinusoidal"):
		return srsSinusoidal, nil
	}
	return 0, fmt.Errorf("raster: unsupported spatial reference %.40q", s)
}

// WarpToCanonical reprojects the raster at srcPath onto the archive
// sinusoidal grid, clipped to the canonical bounding box, and writes
// the result to dstPath. Sources without a spatial reference are
// assumed geographic WGS84. Sources already on the sinusoidal grid are
// clipped only. Resampling is nearest neighbor, preserving categorical
// and sentinel values.
func WarpToCanonical(srcPath, dstPath string) error {
	src, err := Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	m := src.Meta()
	srs := m.Projection
	if srs == "" {
		srs = GeographicWKT
	}
	kind, err := classifySRS(srs)
	if err != nil {
		return err
	}
	if kind == srsSinusoidal {
		return clipSinusoidal(src, dstPath)
	}
	return warpGeographic(src, dstPath)
}

// clipSinusoidal crops an already-sinusoidal raster to the canonical
// bounding box.
func clipSinusoidal(src *Reader, dstPath string) error {
	m := src.Meta()
	b := geom.Bounds{
		Min: geom.Point{X: m.Transform[0], Y: m.Transform[3] + float64(m.Height)*m.Transform[5]},
		Max: geom.Point{X: m.Transform[0] + float64(m.Width)*m.Transform[1], Y: m.Transform[3]},
	}
	b = clipToCanonical(b)
	col0, row0 := m.MapToPixel(b.Min.X, b.Max.Y)
	x0 := int(math.Max(0, math.Floor(col0)))
	y0 := int(math.Max(0, math.Floor(row0)))
	w := int(math.Round((b.Max.X - b.Min.X) / m.Transform[1]))
	h := int(math.Round((b.Max.Y - b.Min.Y) / -m.Transform[5]))
	win := Window{X: x0, Y: y0, W: w, H: h}.Intersect(m.Width, m.Height)
	if win.Empty() {
		return fmt.Errorf("raster: source does not intersect the canonical bounding box")
	}

	out := m
	out.Width, out.Height = win.W, win.H
	out.Projection = SinusoidalWKT
	out.Transform[0], out.Transform[3] = m.PixelToMap(float64(win.X), float64(win.Y))
	out.BlockWidth, out.BlockHeight = 0, 0
	return writeWarped(dstPath, out, func(ow Window) (*sparse.DenseArray, error) {
		return src.Read(Window{X: win.X + ow.X, Y: win.Y + ow.Y, W: ow.W, H: ow.H})
	})
}

// warpGeographic resamples a geographic-grid raster onto the
// sinusoidal plane at the equivalent resolution.
func warpGeographic(src *Reader, dstPath string) error {
	m := src.Meta()
	if m.Transform[1] == 0 || m.Transform[5] == 0 {
		return fmt.Errorf("raster: source has no geotransform")
	}
	lonMin := m.Transform[0]
	lonMax := m.Transform[0] + float64(m.Width)*m.Transform[1]
	latMax := m.Transform[3]
	latMin := m.Transform[3] + float64(m.Height)*m.Transform[5]

	b := sinusoidalExtent(lonMin, latMin, lonMax, latMax)
	b = clipToCanonical(b)
	if b.Max.X <= b.Min.X || b.Max.Y <= b.Min.Y {
		return fmt.Errorf("raster: source does not intersect the canonical bounding box")
	}
	res := degreesToMeters(m.Transform[1])
	width := int(math.Ceil((b.Max.X - b.Min.X) / res))
	height := int(math.Ceil((b.Max.Y - b.Min.Y) / res))

	out := m
	out.Width, out.Height = width, height
	out.Projection = SinusoidalWKT
	out.Transform = [6]float64{b.Min.X, res, 0, b.Max.Y, 0, -res}
	out.BlockWidth, out.BlockHeight = 0, 0

	// The whole source is held in memory; upstream geographic grids
	// are coarse compared to the sinusoidal NDVI products.
	data, err := src.ReadAll()
	if err != nil {
		return err
	}
	fill := 0.0
	if m.HasNoData {
		fill = m.NoData
	}
	return writeWarped(dstPath, out, func(ow Window) (*sparse.DenseArray, error) {
		block := sparse.ZerosDense(ow.H, ow.W)
		for row := 0; row < ow.H; row++ {
			y := out.Transform[3] + (float64(ow.Y+row)+0.5)*out.Transform[5]
			for col := 0; col < ow.W; col++ {
				x := out.Transform[0] + (float64(ow.X+col)+0.5)*out.Transform[1]
				lon, lat := sinusoidalInverse(x, y)
				sc, sr := m.MapToPixel(lon, lat)
				si, sj := int(math.Floor(sc)), int(math.Floor(sr))
				if si < 0 || si >= m.Width || sj < 0 || sj >= m.Height {
					block.Set(fill, row, col)
					continue
				}
				block.Set(data.Get(sj, si), row, col)
			}
		}
		return block, nil
	})
}

// sinusoidalExtent bounds the image of a geographic rectangle on the
// sinusoidal plane. X extremes occur at the latitude of greatest
// cosine within the range, which is the equator when the range spans
// it.
func sinusoidalExtent(lonMin, latMin, lonMax, latMax float64) geom.Bounds {
	lats := []float64{latMin, latMax}
	if latMin < 0 && latMax > 0 {
		lats = append(lats, 0)
	}
	b := geom.NewBounds()
	for _, lat := range lats {
		for _, lon := range []float64{lonMin, lonMax} {
			x, y := sinusoidalForward(lon, lat)
			b.Extend(geom.NewBoundsPoint(geom.Point{X: x, Y: y}))
		}
	}
	return *b
}

// writeWarped writes a tiled raster by pulling each tile-aligned
// window from gen.
func writeWarped(path string, meta Meta, gen func(Window) (*sparse.DenseArray, error)) error {
	w, err := Create(path, meta)
	if err != nil {
		return err
	}
	meta = w.Meta()
	for _, win := range Windows(meta.Width, meta.Height, meta.BlockWidth, meta.BlockHeight) {
		block, err := gen(win)
		if err != nil {
			w.Close()
			return err
		}
		if err := w.Write(win, block); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

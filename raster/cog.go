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

	"github.com/ctessum/sparse"
)

// overviewFloor stops overview generation once both dimensions fit in
// a single tile.
const overviewFloor = DefaultBlockSize

// CloudOptimize rewrites the raster at srcPath to dstPath as a tiled,
// LZW-compressed file with internal power-of-two overviews. bigTIFF
// selects 64-bit offsets for rasters whose tile data may pass the
// 4 GiB classic limit (the NDVI grids).
func CloudOptimize(srcPath, dstPath string, bigTIFF bool) error {
	src, err := Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	m := src.Meta()

	out := m
	out.BigTIFF = bigTIFF
	out.BlockWidth, out.BlockHeight = DefaultBlockSize, DefaultBlockSize
	w, err := Create(dstPath, out)
	if err != nil {
		return err
	}
	out = w.Meta()

	// Base image, tile by tile.
	for _, win := range Windows(out.Width, out.Height, out.BlockWidth, out.BlockHeight) {
		block, err := src.Read(win)
		if err != nil {
			w.Close()
			return err
		}
		if err := w.Write(win, block); err != nil {
			w.Close()
			return err
		}
	}

	// Overviews are built by repeated 2x decimation of the previous
	// level, so each level only ever needs its parent in memory.
	prev, err := src.ReadAll()
	if err != nil {
		w.Close()
		return err
	}
	pw, ph := out.Width, out.Height
	for pw > overviewFloor || ph > overviewFloor {
		ow, oh := (pw+1)/2, (ph+1)/2
		prev = decimate(prev, pw, ph, ow, oh, m)
		pw, ph = ow, oh
		if err := w.WriteOverview(prev); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// decimate halves a raster with a nodata-aware 2x2 mean.
func decimate(src *sparse.DenseArray, sw, sh, ow, oh int, m Meta) *sparse.DenseArray {
	out := sparse.ZerosDense(oh, ow)
	for row := 0; row < oh; row++ {
		for col := 0; col < ow; col++ {
			var sum float64
			n := 0
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					y, x := row*2+dy, col*2+dx
					if y >= sh || x >= sw {
						continue
					}
					v := src.Get(y, x)
					if m.IsNoData(v) || math.IsNaN(v) {
						continue
					}
					sum += v
					n++
				}
			}
			if n == 0 {
				out.Set(nodataOrZero(m), row, col)
				continue
			}
			v := sum / float64(n)
			if !m.DType.Float() {
				v = math.Round(v)
			}
			out.Set(v, row, col)
		}
	}
	return out
}

// SetNoData rewrites the raster at srcPath to dstPath with the given
// nodata sentinel in its header. Pixel values are not modified.
func SetNoData(srcPath, dstPath string, nodata float64) error {
	src, err := Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	out := src.Meta()
	out.NoData = nodata
	out.HasNoData = true
	out.BlockWidth, out.BlockHeight = 0, 0
	if err := writeWarped(dstPath, out, func(win Window) (*sparse.DenseArray, error) {
		return src.Read(win)
	}); err != nil {
		return fmt.Errorf("raster: setting nodata on %s: %v", srcPath, err)
	}
	return nil
}

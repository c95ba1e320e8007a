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

// Package raster reads and writes the single-band tiled GeoTIFF files
// that the archive is built from, and implements the grid operations
// the acquisition pipeline needs: windowed access, mosaicking,
// reprojection to the canonical sinusoidal grid, and cloud
// optimization with internal overviews.
package raster

import (
	"fmt"
	"math"
)

// DType is the pixel data type of a raster band.
type DType int

const (
	Uint8 DType = iota
	Int16
	Uint16
	Int32
	Uint32
	Float32
	Float64
)

// Size returns the width of one sample in bytes.
func (d DType) Size() int {
	switch d {
	case Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	}
	panic(fmt.Sprintf("raster: unknown dtype %d", d))
}

// Float reports whether d is a floating-point type.
func (d DType) Float() bool { return d == Float32 || d == Float64 }

func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// Meta describes a single-band raster.
type Meta struct {
	Width, Height int
	DType         DType

	// NoData is the sentinel for missing pixels; HasNoData reports
	// whether the file declares one.
	NoData    float64
	HasNoData bool

	// BlockWidth and BlockHeight are the on-disk access unit: the
	// tile size for tiled files, or (Width, RowsPerStrip) for
	// stripped files.
	BlockWidth, BlockHeight int
	Tiled                   bool

	// Transform is the affine geotransform
	// (originX, pixelWidth, 0, originY, 0, -pixelHeight).
	Transform [6]float64

	// Projection is the spatial reference of the grid as WKT;
	// "" means the file carries none.
	Projection string

	// BigTIFF selects 64-bit offsets when writing.
	BigTIFF bool
}

// PixelToMap returns the map coordinates of the upper-left corner of
// pixel (col, row).
func (m Meta) PixelToMap(col, row float64) (x, y float64) {
	x = m.Transform[0] + col*m.Transform[1] + row*m.Transform[2]
	y = m.Transform[3] + col*m.Transform[4] + row*m.Transform[5]
	return x, y
}

// MapToPixel is the inverse of PixelToMap for axis-aligned transforms.
func (m Meta) MapToPixel(x, y float64) (col, row float64) {
	col = (x - m.Transform[0]) / m.Transform[1]
	row = (y - m.Transform[3]) / m.Transform[5]
	return col, row
}

// IsNoData reports whether v is the nodata sentinel of m, treating a
// NaN sentinel and NaN values as matching.
func (m Meta) IsNoData(v float64) bool {
	if !m.HasNoData {
		return false
	}
	if math.IsNaN(m.NoData) {
		return math.IsNaN(v)
	}
	return v == m.NoData || math.IsNaN(v)
}

// A Window is a rectangular pixel region [X, X+W) × [Y, Y+H).
type Window struct {
	X, Y, W, H int
}

func (w Window) String() string {
	return fmt.Sprintf("window(%d,%d %dx%d)", w.X, w.Y, w.W, w.H)
}

// Intersect clips w to the raster extent (width, height).
func (w Window) Intersect(width, height int) Window {
	if w.X < 0 {
		w.W += w.X
		w.X = 0
	}
	if w.Y < 0 {
		w.H += w.Y
		w.Y = 0
	}
	if w.X+w.W > width {
		w.W = width - w.X
	}
	if w.Y+w.H > height {
		w.H = height - w.Y
	}
	if w.W < 0 {
		w.W = 0
	}
	if w.H < 0 {
		w.H = 0
	}
	return w
}

// Empty reports whether the window covers no pixels.
func (w Window) Empty() bool { return w.W <= 0 || w.H <= 0 }

// Windows enumerates block-aligned windows covering a width×height
// raster, top-to-bottom then left-to-right, clipping the right and
// bottom edges. blockW and blockH are typically the on-disk block
// size times a scale factor.
func Windows(width, height, blockW, blockH int) []Window {
	var out []Window
	for y := 0; y < height; y += blockH {
		h := blockH
		if y+h > height {
			h = height - y
		}
		for x := 0; x < width; x += blockW {
			w := blockW
			if x+w > width {
				w = width - x
			}
			out = append(out, Window{X: x, Y: y, W: w, H: h})
		}
	}
	return out
}

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

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"
)

// ReduceOp selects the elementwise reduction used by Mosaic.
type ReduceOp int

const (
	ReduceMin ReduceOp = iota
	ReduceMax
	ReduceMean
)

func (op ReduceOp) String() string {
	switch op {
	case ReduceMin:
		return "min"
	case ReduceMax:
		return "max"
	case ReduceMean:
		return "mean"
	}
	return fmt.Sprintf("ReduceOp(%d)", int(op))
}

// Mosaic reduces a stack of same-shape rasters elementwise into
// dstPath. Pixels that are nodata in a source are left out of that
// pixel's reduction; a pixel that is nodata in every source is nodata
// in the output. The output inherits the metadata of the first source.
func Mosaic(paths []string, op ReduceOp, dstPath string) error {
	if len(paths) == 0 {
		return fmt.Errorf("raster: nothing to mosaic")
	}
	readers := make([]*Reader, len(paths))
	for i, p := range paths {
		r, err := Open(p)
		if err != nil {
			for _, r := range readers[:i] {
				r.Close()
			}
			return err
		}
		readers[i] = r
	}
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	m := readers[0].Meta()
	for i, r := range readers[1:] {
		rm := r.Meta()
		if rm.Width != m.Width || rm.Height != m.Height {
			return fmt.Errorf("raster: mosaic source %s is %dx%d, want %dx%d",
				paths[i+1], rm.Width, rm.Height, m.Width, m.Height)
		}
	}

	out := m
	out.BlockWidth, out.BlockHeight = 0, 0
	metas := make([]Meta, len(readers))
	for i, r := range readers {
		metas[i] = r.Meta()
	}
	stack := make([]float64, len(readers))
	return writeWarped(dstPath, out, func(win Window) (*sparse.DenseArray, error) {
		blocks := make([]*sparse.DenseArray, len(readers))
		for i, r := range readers {
			b, err := r.Read(win)
			if err != nil {
				return nil, err
			}
			blocks[i] = b
		}
		res := sparse.ZerosDense(win.H, win.W)
		for row := 0; row < win.H; row++ {
			for col := 0; col < win.W; col++ {
				n := 0
				for i, b := range blocks {
					v := b.Get(row, col)
					if metas[i].IsNoData(v) {
						continue
					}
					stack[n] = v
					n++
				}
				if n == 0 {
					res.Set(nodataOrZero(out), row, col)
					continue
				}
				var v float64
				switch op {
				case ReduceMin:
					v = floats.Min(stack[:n])
				case ReduceMax:
					v = floats.Max(stack[:n])
				case ReduceMean:
					v = floats.Sum(stack[:n]) / float64(n)
				}
				res.Set(v, row, col)
			}
		}
		return res, nil
	})
}

func nodataOrZero(m Meta) float64 {
	if m.HasNoData {
		return m.NoData
	}
	return 0
}

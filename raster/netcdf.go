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
	"os"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// ExtractNetCDF materializes one 2-d variable (or one time slice of a
// 3-d variable) of the NetCDF file at ncPath into a GeoTIFF at
// dstPath. grid supplies the geotransform, projection, dtype and
// nodata that the container format does not carry in a form this
// pipeline trusts; its Width and Height must match the variable.
func ExtractNetCDF(ncPath, variable, dstPath string, grid Meta) error {
	f, err := os.Open(ncPath)
	if err != nil {
		return fmt.Errorf("raster: %v", err)
	}
	defer f.Close()
	ff, err := cdf.Open(f)
	if err != nil {
		return fmt.Errorf("raster: opening netcdf %s: %v", ncPath, err)
	}
	data, err := readVariable(ff, variable)
	if err != nil {
		return fmt.Errorf("raster: %s: %v", ncPath, err)
	}
	h := data.Shape[0]
	w := data.Shape[1]
	if w != grid.Width || h != grid.Height {
		return fmt.Errorf("raster: netcdf variable %s is %dx%d, want %dx%d",
			variable, w, h, grid.Width, grid.Height)
	}
	// MERRA-2 (and other CF files) store latitude ascending, putting
	// the south pole in row 0; the north-up geotransform needs row 0
	// northernmost.
	southUp, err := latAscending(ff)
	if err != nil {
		return fmt.Errorf("raster: %s: %v", ncPath, err)
	}
	if southUp {
		flipRows(data)
	}
	grid.BlockWidth, grid.BlockHeight = 0, 0
	return writeWarped(dstPath, grid, func(win Window) (*sparse.DenseArray, error) {
		out := sparse.ZerosDense(win.H, win.W)
		for row := 0; row < win.H; row++ {
			for col := 0; col < win.W; col++ {
				out.Set(data.Get(win.Y+row, win.X+col), row, col)
			}
		}
		return out, nil
	})
}

// latAscending reports whether the file's latitude coordinate runs
// south to north. A file without a latitude variable is taken as
// already north-up.
func latAscending(ff *cdf.File) (bool, error) {
	for _, name := range []string{"lat", "latitude", "y"} {
		dims := ff.Header.Lengths(name)
		if len(dims) != 1 || dims[0] < 2 {
			continue
		}
		r := ff.Reader(name, nil, nil)
		buf := r.Zero(dims[0])
		if _, err := r.Read(buf); err != nil {
			return false, fmt.Errorf("reading coordinate %q: %v", name, err)
		}
		switch vals := buf.(type) {
		case []float32:
			return vals[len(vals)-1] > vals[0], nil
		case []float64:
			return vals[len(vals)-1] > vals[0], nil
		}
		return false, nil
	}
	return false, nil
}

// flipRows reverses the row order of a 2-d array in place.
func flipRows(a *sparse.DenseArray) {
	h, w := a.Shape[0], a.Shape[1]
	for r := 0; r < h/2; r++ {
		top := a.Elements[r*w : (r+1)*w]
		bot := a.Elements[(h-1-r)*w : (h-r)*w]
		for i := range top {
			top[i], bot[i] = bot[i], top[i]
		}
	}
}

// readVariable reads the named variable, dropping a leading
// time/level dimension of length one if present.
func readVariable(ff *cdf.File, name string) (*sparse.DenseArray, error) {
	dims := ff.Header.Lengths(name)
	if len(dims) == 0 {
		return nil, fmt.Errorf("variable %q not in file", name)
	}
	for len(dims) > 2 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 2 {
		return nil, fmt.Errorf("variable %q has shape %v; want 2-d", name, ff.Header.Lengths(name))
	}
	nread := dims[0] * dims[1]
	r := ff.Reader(name, nil, nil)
	buf := r.Zero(nread)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("reading variable %q: %v", name, err)
	}
	data := sparse.ZerosDense(dims...)
	switch vals := buf.(type) {
	case []float32:
		for i, v := range vals {
			data.Elements[i] = float64(v)
		}
	case []float64:
		copy(data.Elements, vals)
	case []int32:
		for i, v := range vals {
			data.Elements[i] = float64(v)
		}
	case []int16:
		for i, v := range vals {
			data.Elements[i] = float64(v)
		}
	case []int8:
		for i, v := range vals {
			data.Elements[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("variable %q has unsupported type %T", name, buf)
	}
	return data, nil
}

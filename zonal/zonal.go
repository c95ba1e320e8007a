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

// Package zonal computes per-region aggregates of one product raster:
// for every administrative unit in a region raster, restricted to the
// non-zero cells of a crop mask, the mean observed value, the observed
// and arable pixel counts, and the observed share as a whole percent.
//
// The three rasters must share one grid. Partials accumulate as
// (count, count, sum) triples and the division happens once at the
// end, so the result does not depend on window order or worker count.
package zonal

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/agrimodel/agrisync/raster"
	"github.com/ctessum/sparse"
)

// DefaultBlockScale multiplies the raster's native block size to form
// the work unit handed to each worker.
const DefaultBlockScale = 8

// A Result is the aggregate for one administrative unit.
type Result struct {
	// Mean is the average of observed product values, 0 when nothing
	// was observed.
	Mean float64

	// Observed counts arable pixels with a valid product value.
	Observed int64

	// Arable counts pixels inside the unit passing the mask.
	Arable int64

	// PctObserved is floor(100*Observed/Arable).
	PctObserved int64
}

// An Options bundle controls the aggregation. Zero values select
// GOMAXPROCS workers and DefaultBlockScale.
type Options struct {
	Workers    int
	BlockScale int
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(-1)
}

func (o Options) blockScale() int {
	if o.BlockScale > 0 {
		return o.BlockScale
	}
	return DefaultBlockScale
}

// partial is one worker's accumulator.
type partial struct {
	arable   map[int]int64
	observed map[int]int64
	sum      map[int]float64
}

func newPartial() *partial {
	return &partial{
		arable:   map[int]int64{},
		observed: map[int]int64{},
		sum:      map[int]float64{},
	}
}

// Stats aggregates productPath over the units of regionPath, masked by
// maskPath. An empty maskPath means no mask: every pixel inside a unit
// is arable. Workers never share raster handles; each opens its own.
func Stats(ctx context.Context, productPath, maskPath, regionPath string, opts Options) (map[int]Result, error) {
	region, err := raster.Open(regionPath)
	if err != nil {
		return nil, fmt.Errorf("zonal: %v", err)
	}
	rm := region.Meta()
	pm, err := metaOf(productPath)
	if err != nil {
		return nil, err
	}
	if pm.Width != rm.Width || pm.Height != rm.Height {
		region.Close()
		return nil, fmt.Errorf("zonal: product grid %dx%d does not match region grid %dx%d",
			pm.Width, pm.Height, rm.Width, rm.Height)
	}
	if maskPath != "" {
		mm, err := metaOf(maskPath)
		if err != nil {
			region.Close()
			return nil, err
		}
		if mm.Width != rm.Width || mm.Height != rm.Height {
			region.Close()
			return nil, fmt.Errorf("zonal: mask grid %dx%d does not match region grid %dx%d",
				mm.Width, mm.Height, rm.Width, rm.Height)
		}
	}

	// Sparse region rasters (single-country units in a global grid)
	// make most windows empty; restrict the sweep to the populated
	// bounding box up front.
	valid, err := region.ValidWindow()
	region.Close()
	if err != nil {
		return nil, fmt.Errorf("zonal: %v", err)
	}
	if valid.Empty() {
		return map[int]Result{}, nil
	}
	bw, bh := pm.BlockWidth, pm.BlockHeight
	if bw <= 0 || bh <= 0 {
		bw, bh = raster.DefaultBlockSize, raster.DefaultBlockSize
	}
	bw *= opts.blockScale()
	bh *= opts.blockScale()
	var windows []raster.Window
	for _, w := range raster.Windows(rm.Width, rm.Height, bw, bh) {
		if !overlap(w, valid) {
			continue
		}
		windows = append(windows, w)
	}

	nWorkers := opts.workers()
	total := newPartial()
	var lock sync.Mutex
	jobChan := make(chan raster.Window, len(windows))
	errChan := make(chan error)
	for w := 0; w < nWorkers; w++ {
		go func() {
			acc := newPartial()
			err := func() error {
				prod, err := raster.Open(productPath)
				if err != nil {
					return err
				}
				defer prod.Close()
				reg, err := raster.Open(regionPath)
				if err != nil {
					return err
				}
				defer reg.Close()
				var mask *raster.Reader
				if maskPath != "" {
					if mask, err = raster.Open(maskPath); err != nil {
						return err
					}
					defer mask.Close()
				}
				for win := range jobChan {
					if err := ctx.Err(); err != nil {
						return err
					}
					if err := accumulate(acc, prod, mask, reg, win); err != nil {
						return err
					}
				}
				return nil
			}()
			if err != nil {
				errChan <- fmt.Errorf("zonal: %v", err)
				return
			}
			lock.Lock()
			merge(total, acc)
			lock.Unlock()
			errChan <- nil
		}()
	}
	for _, w := range windows {
		jobChan <- w
	}
	close(jobChan)
	var firstErr error
	for w := 0; w < nWorkers; w++ {
		if err := <-errChan; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	out := make(map[int]Result, len(total.arable))
	for admin, arable := range total.arable {
		r := Result{Arable: arable, Observed: total.observed[admin]}
		if r.Observed > 0 {
			r.Mean = total.sum[admin] / float64(r.Observed)
		}
		if arable > 0 {
			r.PctObserved = int64(math.Floor(float64(r.Observed) / float64(arable) * 100))
		}
		out[admin] = r
	}
	return out, nil
}

func accumulate(acc *partial, prod, mask, reg *raster.Reader, win raster.Window) error {
	regData, err := reg.Read(win)
	if err != nil {
		return err
	}
	prodData, err := prod.Read(win)
	if err != nil {
		return err
	}
	hasMask := mask != nil
	var maskData *sparse.DenseArray
	if hasMask {
		if maskData, err = mask.Read(win); err != nil {
			return err
		}
	}
	rm := reg.Meta()
	pm := prod.Meta()
	var mm raster.Meta
	if hasMask {
		mm = mask.Meta()
	}
	for row := 0; row < win.H; row++ {
		for col := 0; col < win.W; col++ {
			rv := regData.Get(row, col)
			if rm.IsNoData(rv) || rv == 0 {
				continue
			}
			if hasMask {
				mv := maskData.Get(row, col)
				if mm.IsNoData(mv) || mv == 0 {
					continue
				}
			}
			admin := int(rv)
			acc.arable[admin]++
			pv := prodData.Get(row, col)
			if pm.IsNoData(pv) {
				continue
			}
			acc.observed[admin]++
			acc.sum[admin] += pv
		}
	}
	return nil
}

func merge(dst, src *partial) {
	for k, v := range src.arable {
		dst.arable[k] += v
	}
	for k, v := range src.observed {
		dst.observed[k] += v
	}
	for k, v := range src.sum {
		dst.sum[k] += v
	}
}

func overlap(a, b raster.Window) bool {
	return a.X < b.X+b.W && b.X < a.X+a.W && a.Y < b.Y+b.H && b.Y < a.Y+a.H
}

func metaOf(path string) (raster.Meta, error) {
	r, err := raster.Open(path)
	if err != nil {
		return raster.Meta{}, fmt.Errorf("zonal: %v", err)
	}
	defer r.Close()
	return r.Meta(), nil
}

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

package stats

import (
	"context"
	"errors"

	"github.com/agrimodel/agrisync"
	"github.com/agrimodel/agrisync/zonal"
	"github.com/sirupsen/logrus"
)

// ErrNoRaster is returned by a RasterStore when the requested mask or
// region raster does not exist for the product's grid.
var ErrNoRaster = errors.New("stats: no such raster")

// A RasterStore resolves local copies of the mask and region rasters
// matching a product's grid. Masks and regions are rasterized per
// product resolution, so both lookups key on the product id.
type RasterStore interface {
	Mask(ctx context.Context, product, mask string) (string, error)
	Region(ctx context.Context, product, region string) (string, error)
}

// A Generator runs the zonal aggregation for one acquisition across
// the matchup policy and materializes every result.
type Generator struct {
	Materializer
	Store RasterStore

	// Worker pool shape passed through to the aggregator; zero values
	// take the aggregator defaults.
	Workers    int
	BlockScale int
}

// Generate aggregates the acquisition's raster at productPath for
// every allowed mask and region pair. Pairs whose mask or region
// raster is not in the store are skipped; the rectifier will not
// expect them either.
func (g *Generator) Generate(ctx context.Context, acq agrisync.Acquisition, productPath string) error {
	return g.generate(ctx, acq, productPath, Matchups())
}

func (g *Generator) generate(ctx context.Context, acq agrisync.Acquisition, productPath string, pairs []Pair) error {
	for _, pair := range pairs {
		regionPath, err := g.Store.Region(ctx, acq.Product, pair.Region)
		if errors.Is(err, ErrNoRaster) {
			g.log().WithFields(logrus.Fields{
				"product": acq.Product, "region": pair.Region,
			}).Debug("region raster not in store; skipping")
			continue
		}
		if err != nil {
			return err
		}
		maskPath := ""
		if pair.Mask != NoMask {
			maskPath, err = g.Store.Mask(ctx, acq.Product, pair.Mask)
			if errors.Is(err, ErrNoRaster) {
				g.log().WithFields(logrus.Fields{
					"product": acq.Product, "mask": pair.Mask,
				}).Debug("mask raster not in store; skipping")
				continue
			}
			if err != nil {
				return err
			}
		}
		results, err := zonal.Stats(ctx, productPath, maskPath, regionPath,
			zonal.Options{Workers: g.Workers, BlockScale: g.BlockScale})
		if err != nil {
			return err
		}
		if err := g.Materialize(ctx, acq, pair, results); err != nil {
			return err
		}
	}
	return nil
}

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
	"fmt"
	"os"
	"time"

	"github.com/agrimodel/agrisync"
	"github.com/agrimodel/agrisync/catalog"
	"github.com/agrimodel/agrisync/cloud"
	"github.com/agrimodel/agrisync/product"
	"github.com/sirupsen/logrus"
)

// A Rectifier finds and repairs holes in the statistics tables:
// acquisitions the catalog marks processed whose aggregates never
// landed, because a run died between publishing the raster and
// finishing statistics generation, or because a table was dropped.
// Repair works from object storage only; it never goes upstream.
type Rectifier struct {
	Generator
	Registry *product.Registry
	Gateway  *cloud.Gateway
}

// Gaps scans every processed acquisition and returns, per product and
// date, the matchup pairs whose statistics are missing from the
// physical schema.
func (r *Rectifier) Gaps(ctx context.Context) (map[string]map[string][]Pair, error) {
	out := map[string]map[string][]Pair{}
	for _, productID := range r.Registry.IDs() {
		prod, err := r.Registry.Get(productID)
		if err != nil {
			return nil, err
		}
		dates, err := r.Catalog.ProcessedDates(ctx, productID)
		if err != nil {
			return nil, err
		}
		for _, date := range dates {
			var missing []Pair
			for _, pair := range Matchups() {
				ok, err := r.storeHas(ctx, productID, pair)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				gap, err := r.pairMissing(ctx, prod.Acquisitions(date), pair)
				if err != nil {
					return nil, err
				}
				if gap {
					missing = append(missing, pair)
				}
			}
			if len(missing) > 0 {
				if out[productID] == nil {
					out[productID] = map[string][]Pair{}
				}
				out[productID][date.Format(agrisync.DateFormat)] = missing
			}
		}
	}
	return out, nil
}

// pairMissing reports whether any of the acquisition's collections
// lacks the pair's table or day columns.
func (r *Rectifier) pairMissing(ctx context.Context, acqs []agrisync.Acquisition, pair Pair) (bool, error) {
	for _, acq := range acqs {
		key := catalog.StatsKey{
			Product:    acq.Product,
			Collection: acq.Collection,
			Mask:       pair.Mask,
			Region:     pair.Region,
			Year:       acq.Date.Year(),
		}
		ref, ok, err := r.Catalog.LookupStatsTable(ctx, key)
		if err != nil {
			return false, err
		}
		if !ok || !ref.Exists {
			return true, nil
		}
		cols, err := r.Catalog.TableColumns(ctx, ref.Name)
		if err != nil {
			return false, err
		}
		doy := acq.DOY()
		if !contains(cols, "val."+doy) || !contains(cols, "pct."+doy) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Rectifier) storeHas(ctx context.Context, productID string, pair Pair) (bool, error) {
	if _, err := r.Store.Region(ctx, productID, pair.Region); err != nil {
		if errors.Is(err, ErrNoRaster) {
			return false, nil
		}
		return false, err
	}
	if pair.Mask == NoMask {
		return true, nil
	}
	if _, err := r.Store.Mask(ctx, productID, pair.Mask); err != nil {
		if errors.Is(err, ErrNoRaster) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Rectify repairs the given gaps by re-fetching the published rasters
// from object storage and re-running aggregation restricted to the
// missing pairs. Dates repaired in full get statGen set; a date whose
// raster is gone from object storage is skipped for the reconciler to
// handle.
func (r *Rectifier) Rectify(ctx context.Context, gaps map[string]map[string][]Pair) error {
	for productID, byDate := range gaps {
		prod, err := r.Registry.Get(productID)
		if err != nil {
			return err
		}
		for day, pairs := range byDate {
			date, err := agrisync.ParseDate(day)
			if err != nil {
				return err
			}
			if err := r.rectifyDate(ctx, prod, productID, date, pairs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Rectifier) rectifyDate(ctx context.Context, prod *product.Product, productID string, date time.Time, pairs []Pair) error {
	dir, err := os.MkdirTemp("", "agrisync-rectify-")
	if err != nil {
		return fmt.Errorf("stats: %v", err)
	}
	defer os.RemoveAll(dir)
	for _, acq := range prod.Acquisitions(date) {
		local, err := r.Gateway.Fetch(ctx, cloud.RasterPrefix+acq.Key(), dir)
		if err != nil {
			r.log().WithFields(logrus.Fields{
				"product": productID,
				"date":    date.Format(agrisync.DateFormat),
			}).WithError(err).Warn("published raster missing from object storage; skipping")
			return nil
		}
		if err := r.generate(ctx, acq, local, pairs); err != nil {
			return err
		}
	}
	return r.Catalog.SetFlag(ctx, productID, date, catalog.StatGen, true)
}

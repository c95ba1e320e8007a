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

// Package update orchestrates one archive maintenance cycle: plan the
// gaps, fetch what upstream has, publish rasters to object storage,
// record catalog state and generate statistics. Products advance
// independently and in parallel; within a product, dates advance
// serially so a persistent failure stalls one product, not the
// archive.
package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/agrimodel/agrisync"
	"github.com/agrimodel/agrisync/catalog"
	"github.com/agrimodel/agrisync/cloud"
	"github.com/agrimodel/agrisync/pipeline"
	"github.com/agrimodel/agrisync/planner"
	"github.com/agrimodel/agrisync/product"
	"github.com/agrimodel/agrisync/stats"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Defaults for the orchestration knobs.
const (
	DefaultParallel        = 4
	DefaultDownloadTimeout = 10 * time.Minute
)

// An Updater runs maintenance cycles against one catalog and bucket.
type Updater struct {
	Catalog   *catalog.Catalog
	Registry  *product.Registry
	Gateway   *cloud.Gateway
	Planner   *planner.Planner
	Pipeline  *pipeline.Pipeline
	Generator *stats.Generator
	Log       *logrus.Logger

	// Parallel bounds the number of products advancing at once.
	Parallel int

	// Products restricts a cycle to a subset of product ids; empty
	// means every registered product.
	Products []string

	// DownloadTimeout bounds one acquisition's fetch-and-normalize.
	DownloadTimeout time.Duration
}

func (u *Updater) log() *logrus.Logger {
	if u.Log != nil {
		return u.Log
	}
	return logrus.StandardLogger()
}

func (u *Updater) parallel() int {
	if u.Parallel > 0 {
		return u.Parallel
	}
	return DefaultParallel
}

func (u *Updater) products() []string {
	if len(u.Products) > 0 {
		return u.Products
	}
	return u.Registry.IDs()
}

func (u *Updater) downloadTimeout() time.Duration {
	if u.DownloadTimeout > 0 {
		return u.DownloadTimeout
	}
	return DefaultDownloadTimeout
}

// Cycle runs one full maintenance pass over every product. A failing
// acquisition is logged and skipped; only catalog faults and context
// cancellation abort the cycle.
func (u *Updater) Cycle(ctx context.Context) error {
	if err := u.Catalog.SweepCompleted(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(u.parallel())
	for _, productID := range u.products() {
		productID := productID
		g.Go(func() error {
			return u.updateProduct(ctx, productID)
		})
	}
	return g.Wait()
}

func (u *Updater) updateProduct(ctx context.Context, productID string) error {
	plog := u.log().WithField("product", productID)
	dates, err := u.Planner.Plan(ctx, productID)
	if err != nil {
		if agrisync.IsTransient(err) || isMissingCredential(err) {
			plog.WithError(err).Warn("skipping product this cycle")
			return nil
		}
		return err
	}
	plog.WithField("pending", len(dates)).Info("planned product")
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.processAcquisition(ctx, productID, date); err != nil {
			if ctx.Err() != nil {
				return err
			}
			plog.WithField("date", date.Format(agrisync.DateFormat)).
				WithError(err).Warn("acquisition failed; continuing")
			continue
		}
	}
	return nil
}

// processAcquisition moves one (product, date) from available to
// completed: fetch and normalize, publish, aggregate.
func (u *Updater) processAcquisition(ctx context.Context, productID string, date time.Time) error {
	prod, err := u.Registry.Get(productID)
	if err != nil {
		return err
	}
	dir, err := os.MkdirTemp("", "agrisync-fetch-")
	if err != nil {
		return fmt.Errorf("update: %v", err)
	}
	defer os.RemoveAll(dir)

	fetchCtx, cancel := context.WithTimeout(ctx, u.downloadTimeout())
	paths, err := u.Pipeline.Fetch(fetchCtx, productID, date, dir)
	cancel()
	if err != nil {
		return err
	}

	acqs := prod.Acquisitions(date)
	if len(paths) != len(acqs) {
		return fmt.Errorf("update: %s %s: %d files for %d collections",
			productID, date.Format(agrisync.DateFormat), len(paths), len(acqs))
	}

	// Publish first; the catalog row follows the object so a crash in
	// between leaves an orphan the reconciler can find, never a row
	// pointing at nothing.
	for i, acq := range acqs {
		if err := u.Gateway.Put(ctx, cloud.RasterPrefix+acq.Key(), paths[i]); err != nil {
			return err
		}
	}
	if err := u.Catalog.SetFlag(ctx, productID, date, catalog.Downloaded, true); err != nil {
		return err
	}
	if err := u.Catalog.SetFlag(ctx, productID, date, catalog.Processed, true); err != nil {
		return err
	}

	for i, acq := range acqs {
		if err := u.Generator.Generate(ctx, acq, paths[i]); err != nil {
			return err
		}
	}
	if err := u.Catalog.SetFlag(ctx, productID, date, catalog.StatGen, true); err != nil {
		return err
	}

	// A definitive precipitation acquisition supersedes its
	// preliminary counterpart for the same date everywhere it exists.
	if prelim, ok := prelimFor(productID); ok {
		if err := u.purge(ctx, prelim, date); err != nil {
			return err
		}
	}
	return nil
}

// prelimFor maps a definitive product to the preliminary product it
// supersedes.
func prelimFor(productID string) (string, bool) {
	if productID == "chirps" {
		return "chirps-prelim", true
	}
	return "", false
}

// purge removes every trace of one acquisition: the published object,
// the status row and the statistics columns it contributed.
func (u *Updater) purge(ctx context.Context, productID string, date time.Time) error {
	prod, err := u.Registry.Get(productID)
	if err != nil {
		return err
	}
	for _, acq := range prod.Acquisitions(date) {
		if err := u.Gateway.Delete(ctx, cloud.RasterPrefix+acq.Key()); err != nil {
			return err
		}
		refs, err := u.Catalog.StatsTablesFor(ctx, acq.Product, acq.Collection, date.Year())
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if !ref.Exists {
				continue
			}
			if err := u.Catalog.DropDOYColumns(ctx, ref, acq.DOY()); err != nil {
				return err
			}
		}
	}
	if err := u.Catalog.DeleteStatus(ctx, productID, date); err != nil {
		return err
	}
	u.log().WithFields(logrus.Fields{
		"product": productID,
		"date":    date.Format(agrisync.DateFormat),
	}).Info("purged superseded acquisition")
	return nil
}

// Purge is the operator-facing form of purge.
func (u *Updater) Purge(ctx context.Context, productID string, date time.Time) error {
	if _, err := u.Registry.Get(productID); err != nil {
		return err
	}
	return u.purge(ctx, productID, date)
}

// Reconcile repairs drift between object storage and the catalog:
// published objects without a processed row are deleted, and processed
// rows whose objects are gone lose their processed flag so the next
// cycle re-fetches them.
func (u *Updater) Reconcile(ctx context.Context) error {
	keys, err := u.Gateway.List(ctx, cloud.RasterPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		acq, err := agrisync.ParseKey(key)
		if err != nil {
			u.log().WithField("key", key).WithError(err).Warn("unparseable object in raster prefix")
			continue
		}
		f, ok, err := u.Catalog.Flags(ctx, acq.Product, acq.Date)
		if err != nil {
			return err
		}
		if ok && f.Processed {
			continue
		}
		if err := u.Gateway.Delete(ctx, key); err != nil {
			return err
		}
		u.log().WithField("key", key).Info("deleted orphan raster object")
	}

	for _, productID := range u.Registry.IDs() {
		prod, err := u.Registry.Get(productID)
		if err != nil {
			return err
		}
		dates, err := u.Catalog.ProcessedDates(ctx, productID)
		if err != nil {
			return err
		}
		for _, date := range dates {
			missing := false
			for _, acq := range prod.Acquisitions(date) {
				ok, err := u.Gateway.Exists(ctx, cloud.RasterPrefix+acq.Key())
				if err != nil {
					return err
				}
				if !ok {
					missing = true
					break
				}
			}
			if !missing {
				continue
			}
			if err := u.Catalog.SetFlag(ctx, productID, date, catalog.Processed, false); err != nil {
				return err
			}
			if err := u.Catalog.SetFlag(ctx, productID, date, catalog.StatGen, false); err != nil {
				return err
			}
			u.log().WithFields(logrus.Fields{
				"product": productID,
				"date":    date.Format(agrisync.DateFormat),
			}).Info("cleared processed row with missing object")
		}
	}
	return nil
}

func isMissingCredential(err error) bool {
	var m *agrisync.MissingCredentialError
	return errors.As(err, &m)
}

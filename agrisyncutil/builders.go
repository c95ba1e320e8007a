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

package agrisyncutil

import (
	"context"
	"fmt"
	"os"

	"github.com/agrimodel/agrisync"
	"github.com/agrimodel/agrisync/catalog"
	"github.com/agrimodel/agrisync/cloud"
	"github.com/agrimodel/agrisync/pipeline"
	"github.com/agrimodel/agrisync/planner"
	"github.com/agrimodel/agrisync/product"
	"github.com/agrimodel/agrisync/stats"
	"github.com/agrimodel/agrisync/update"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// newRegistry builds the product registry from configuration.
// Credentials left empty disable the products that need them.
func newRegistry(cfg *viper.Viper) *product.Registry {
	pc := product.Config{
		MerraUser: cfg.GetString("temp_user"),
		MerraPass: cfg.GetString("temp_pass"),
		SWIUser:   cfg.GetString("swi_user"),
		SWIPass:   cfg.GetString("swi_pass"),
		Log:       logrus.StandardLogger(),
	}
	if base := cfg.GetString("granule_url"); base != "" {
		pc.Granules = &product.HTTPGranuleService{Base: base}
	}
	return product.NewRegistry(pc)
}

func openCatalog(cfg *viper.Viper) (*catalog.Catalog, error) {
	return catalog.Open(cfg.GetString("db_driver"), cfg.GetString("db_url"))
}

// newPlanner opens the catalog and builds a planner over it. The
// caller closes the returned catalog.
func newPlanner(cfg *viper.Viper) (*catalog.Catalog, *planner.Planner, error) {
	c, err := openCatalog(cfg)
	if err != nil {
		return nil, nil, err
	}
	p := &planner.Planner{
		Catalog:  c,
		Registry: newRegistry(cfg),
		Log:      logrus.StandardLogger(),
	}
	return c, p, nil
}

// newUpdater assembles the full maintenance stack from configuration.
// The returned cleanup function releases the catalog, the bucket and
// the mask cache directory.
func newUpdater(ctx context.Context, cfg *viper.Viper) (*update.Updater, func(), error) {
	c, err := openCatalog(cfg)
	if err != nil {
		return nil, nil, err
	}
	gw, err := cloud.OpenGateway(ctx, cfg.GetString("bucket"))
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	cacheDir, err := os.MkdirTemp("", "agrisync-cache-")
	if err != nil {
		gw.Close()
		c.Close()
		return nil, nil, fmt.Errorf("agrisync: %v", err)
	}
	cleanup := func() {
		os.RemoveAll(cacheDir)
		gw.Close()
		c.Close()
	}

	reg := newRegistry(cfg)
	log := logrus.StandardLogger()
	u := &update.Updater{
		Catalog:  c,
		Registry: reg,
		Gateway:  gw,
		Planner:  &planner.Planner{Catalog: c, Registry: reg, Log: log},
		Pipeline: &pipeline.Pipeline{Registry: reg, Log: log},
		Generator: &stats.Generator{
			Materializer: stats.Materializer{Catalog: c, Log: log},
			Store:        &update.CacheStore{Gateway: gw, Dir: cacheDir},
			Workers:      cfg.GetInt("workers"),
		},
		Log:      log,
		Parallel: cfg.GetInt("parallel"),
		Products: cast.ToStringSlice(cfg.Get("products")),
	}
	return u, cleanup, nil
}

// newRectifier assembles the statistics repair stack. The cleanup
// contract matches newUpdater.
func newRectifier(ctx context.Context, cfg *viper.Viper) (*stats.Rectifier, func(), error) {
	u, cleanup, err := newUpdater(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return rectifierFrom(u), cleanup, nil
}

func rectifierFrom(u *update.Updater) *stats.Rectifier {
	return &stats.Rectifier{
		Generator: *u.Generator,
		Registry:  u.Registry,
		Gateway:   u.Gateway,
	}
}

// selectedProducts resolves the products option against the registry:
// empty means every product.
func selectedProducts(cfg *viper.Viper, reg *product.Registry) []string {
	ids := cast.ToStringSlice(cfg.Get("products"))
	if len(ids) == 0 {
		return reg.IDs()
	}
	return ids
}

// adoptArchive marks every parseable raster object in the bucket as
// downloaded and processed, so statistics rectification will cover it.
func adoptArchive(ctx context.Context, u *update.Updater) error {
	keys, err := u.Gateway.List(ctx, cloud.RasterPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		acq, err := agrisync.ParseKey(key)
		if err != nil {
			logrus.WithField("key", key).WithError(err).Warn("skipping unparseable object")
			continue
		}
		f, ok, err := u.Catalog.Flags(ctx, acq.Product, acq.Date)
		if err != nil {
			return err
		}
		if ok && f.Processed {
			continue
		}
		if err := u.Catalog.SetFlag(ctx, acq.Product, acq.Date, catalog.Downloaded, true); err != nil {
			return err
		}
		if err := u.Catalog.SetFlag(ctx, acq.Product, acq.Date, catalog.Processed, true); err != nil {
			return err
		}
	}
	return nil
}

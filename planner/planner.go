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

// Package planner decides which acquisitions each update cycle should
// attempt. It combines the catalog's record of incomplete work with a
// cadence walk past the newest recorded date, so gaps are found whether
// they come from failed runs or from time simply having passed.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/agrimodel/agrisync"
	"github.com/agrimodel/agrisync/catalog"
	"github.com/agrimodel/agrisync/product"
	"github.com/sirupsen/logrus"
)

// A Planner enumerates and filters candidate acquisition dates. Now is
// injected so plans are deterministic under test; it defaults to
// time.Now.
type Planner struct {
	Catalog  *catalog.Catalog
	Registry *product.Registry
	Now      func() time.Time
	Log      *logrus.Logger
}

func (p *Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Planner) log() *logrus.Logger {
	if p.Log != nil {
		return p.Log
	}
	return logrus.StandardLogger()
}

// Missing returns every date for productID that should exist but has
// not completed, in increasing order. Dates the cadence predicts after
// the newest recorded date are registered as pending before being
// returned, so a crashed cycle leaves them findable by the next one.
func (p *Planner) Missing(ctx context.Context, productID string) ([]time.Time, error) {
	prod, err := p.Registry.Get(productID)
	if err != nil {
		return nil, err
	}
	latest, ok, err := p.Catalog.LatestDate(ctx, productID)
	if err != nil {
		return nil, err
	}
	var after time.Time
	if ok {
		after = latest
	}
	today := agrisync.Date(p.now().Year(), p.now().Month(), p.now().Day())
	ahead := prod.ExpectedDates(after, today)
	for _, d := range ahead {
		if err := p.Catalog.UpsertPending(ctx, productID, d); err != nil {
			return nil, err
		}
	}
	missing, err := p.Catalog.MissingByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// FilterAvailable keeps the candidates whose upstream source reports
// the data ready. Definitive absence drops a candidate, whether the
// probe answers No or an UnavailableError; a transient probe failure
// also drops it for this pass, leaving the status row untouched so the
// next cycle retries.
func (p *Planner) FilterAvailable(ctx context.Context, productID string, candidates []time.Time) ([]time.Time, error) {
	var out []time.Time
	prod, err := p.Registry.Get(productID)
	if err != nil {
		return nil, err
	}
	for _, d := range candidates {
		av, err := prod.Availability(ctx, d)
		if err != nil {
			switch {
			case agrisync.IsUnavailable(err):
				p.log().WithFields(logrus.Fields{
					"product": productID,
					"date":    d.Format(agrisync.DateFormat),
				}).Debug("not yet published upstream")
				continue
			case agrisync.IsTransient(err):
				p.log().WithFields(logrus.Fields{
					"product": productID,
					"date":    d.Format(agrisync.DateFormat),
				}).WithError(err).Warn("availability probe failed; will retry next cycle")
				continue
			}
			return nil, fmt.Errorf("planner: probing %s %s: %w", productID, d.Format(agrisync.DateFormat), err)
		}
		if av == product.Yes {
			out = append(out, d)
		}
	}
	return out, nil
}

// Plan is Missing followed by FilterAvailable.
func (p *Planner) Plan(ctx context.Context, productID string) ([]time.Time, error) {
	missing, err := p.Missing(ctx, productID)
	if err != nil {
		return nil, err
	}
	return p.FilterAvailable(ctx, productID, missing)
}

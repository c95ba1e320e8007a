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
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/agrimodel/agrisync"
	"github.com/agrimodel/agrisync/catalog"
	"github.com/agrimodel/agrisync/zonal"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// statRetries bounds how often one aggregate write is retried after
// losing the database connection.
const statRetries = 3

// A Materializer writes zonal aggregates into the wide per-year
// tables. Table creation and column addition are separated from the
// row writes, so a crash between them leaves a schema the next run
// completes idempotently.
type Materializer struct {
	Catalog *catalog.Catalog
	Log     *logrus.Logger
}

func (m *Materializer) log() *logrus.Logger {
	if m.Log != nil {
		return m.Log
	}
	return logrus.StandardLogger()
}

// Materialize stores one acquisition's aggregates for one mask and
// region pair. A lost database connection is retried up to
// statRetries times before the error surfaces.
func (m *Materializer) Materialize(ctx context.Context, acq agrisync.Acquisition, pair Pair, results map[int]zonal.Result) error {
	op := func() error {
		err := m.materialize(ctx, acq, pair, results)
		if err == nil {
			return nil
		}
		if !connectionLost(err) {
			return backoff.Permanent(err)
		}
		m.log().WithFields(logrus.Fields{
			"acquisition": acq.String(),
			"mask":        pair.Mask,
			"region":      pair.Region,
		}).WithError(err).Warn("database connection lost during statistics write; retrying")
		return err
	}
	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), statRetries), ctx))
}

// connectionLost reports whether err looks like a dropped database
// connection rather than a statement or data fault.
func connectionLost(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	s := err.Error()
	for _, marker := range []string{
		"bad connection",
		"broken pipe",
		"connection refused",
		"connection reset",
		"unexpected EOF",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func (m *Materializer) materialize(ctx context.Context, acq agrisync.Acquisition, pair Pair, results map[int]zonal.Result) error {
	key := catalog.StatsKey{
		Product:    acq.Product,
		Collection: acq.Collection,
		Mask:       pair.Mask,
		Region:     pair.Region,
		Year:       acq.Date.Year(),
	}
	ref, err := m.Catalog.ResolveStatsTable(ctx, key)
	if err != nil {
		return err
	}
	rows := make(map[int64]catalog.StatsRow, len(results))
	for admin, r := range results {
		rows[int64(admin)] = catalog.StatsRow{
			Arable: r.Arable,
			Val:    r.Mean,
			Pct:    float64(r.PctObserved),
		}
	}
	doy := acq.DOY()
	if !ref.Exists {
		return m.Catalog.CreateStatsTable(ctx, ref, doy, rows)
	}
	if err := m.Catalog.EnsureDOYColumns(ctx, ref, doy); err != nil {
		return err
	}
	return m.Catalog.UpsertStats(ctx, ref, doy, rows)
}

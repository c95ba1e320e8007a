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

// Package catalog is the relational index of the archive: which
// acquisitions exist, their processing state, and the per-tuple
// statistics tables. It runs against PostgreSQL in production and
// embedded SQLite in development and tests; every statement it issues
// works in both dialects, with the few divergent spots switched on the
// driver name.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agrimodel/agrisync"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// A Catalog is an open handle to the catalog database. It is safe for
// concurrent use; all mutations run in short transactions.
type Catalog struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the catalog and applies pending schema migrations.
func Open(driver, dsn string) (*Catalog, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, &agrisync.BadInputError{Msg: fmt.Sprintf("unknown catalog driver %q", driver)}
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %v", driver, err)
	}
	c := &Catalog{db: db, driver: driver}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// Flag identifies one mutable bit of acquisition state. Completed is
// not a Flag: it is derived from Processed and StatGen on every write.
type Flag int

const (
	Downloaded Flag = iota
	Processed
	StatGen
)

func (f Flag) column() string {
	switch f {
	case Downloaded:
		return "downloaded"
	case Processed:
		return "processed"
	case StatGen:
		return "statgen"
	}
	panic(fmt.Sprintf("catalog: unknown flag %d", int(f)))
}

func (f Flag) String() string { return f.column() }

// UpsertPending records an expected acquisition, leaving existing rows
// untouched so re-discovery after a crash or a concurrent cycle is
// idempotent.
func (c *Catalog) UpsertPending(ctx context.Context, product string, date time.Time) error {
	q := c.db.Rebind(`INSERT INTO product_status (product, date) VALUES (?, ?)
		ON CONFLICT (product, date) DO NOTHING`)
	if _, err := c.db.ExecContext(ctx, q, product, date.Format(agrisync.DateFormat)); err != nil {
		return fmt.Errorf("catalog: upserting pending %s %s: %v", product, date.Format(agrisync.DateFormat), err)
	}
	return nil
}

// MissingByProduct returns the dates recorded for product that have
// not completed, in increasing order.
func (c *Catalog) MissingByProduct(ctx context.Context, product string) ([]time.Time, error) {
	q := c.db.Rebind(`SELECT date FROM product_status
		WHERE product = ? AND completed = 0 ORDER BY date`)
	var raw []string
	if err := c.db.SelectContext(ctx, &raw, q, product); err != nil {
		return nil, fmt.Errorf("catalog: listing missing %s: %v", product, err)
	}
	out := make([]time.Time, len(raw))
	for i, s := range raw {
		d, err := time.ParseInLocation(agrisync.DateFormat, s, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("catalog: bad date %q for %s: %v", s, product, err)
		}
		out[i] = d
	}
	return out, nil
}

// LatestDate returns the most recent recorded date for product. ok is
// false when the product has no rows. Dates are stored as YYYY-MM-DD
// text, so MAX is chronological.
func (c *Catalog) LatestDate(ctx context.Context, product string) (date time.Time, ok bool, err error) {
	q := c.db.Rebind(`SELECT MAX(date) FROM product_status WHERE product = ?`)
	var raw sql.NullString
	if err := c.db.GetContext(ctx, &raw, q, product); err != nil {
		return time.Time{}, false, fmt.Errorf("catalog: latest date for %s: %v", product, err)
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	d, err := time.ParseInLocation(agrisync.DateFormat, raw.String, time.UTC)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("catalog: bad date %q for %s: %v", raw.String, product, err)
	}
	return d, true, nil
}

// SetFlag sets one state flag for (product, date), creating the row if
// it is not yet recorded, and re-derives the completed column in the
// same transaction.
func (c *Catalog) SetFlag(ctx context.Context, product string, date time.Time, flag Flag, value bool) error {
	day := date.Format(agrisync.DateFormat)
	v := 0
	if value {
		v = 1
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %v", err)
	}
	defer tx.Rollback()
	q := tx.Rebind(`INSERT INTO product_status (product, date) VALUES (?, ?)
		ON CONFLICT (product, date) DO NOTHING`)
	if _, err := tx.ExecContext(ctx, q, product, day); err != nil {
		return fmt.Errorf("catalog: setting %s on %s %s: %v", flag, product, day, err)
	}
	q = tx.Rebind(fmt.Sprintf(`UPDATE product_status SET %s = ? WHERE product = ? AND date = ?`, flag.column()))
	if _, err := tx.ExecContext(ctx, q, v, product, day); err != nil {
		return fmt.Errorf("catalog: setting %s on %s %s: %v", flag, product, day, err)
	}
	q = tx.Rebind(`UPDATE product_status
		SET completed = CASE WHEN processed = 1 AND statgen = 1 THEN 1 ELSE 0 END
		WHERE product = ? AND date = ?`)
	if _, err := tx.ExecContext(ctx, q, product, day); err != nil {
		return fmt.Errorf("catalog: deriving completed for %s %s: %v", product, day, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit: %v", err)
	}
	return nil
}

// Flags returns the recorded state of (product, date). ok is false for
// unrecorded acquisitions.
func (c *Catalog) Flags(ctx context.Context, product string, date time.Time) (f agrisync.Flags, ok bool, err error) {
	q := c.db.Rebind(`SELECT downloaded, processed, statgen, completed
		FROM product_status WHERE product = ? AND date = ?`)
	var row struct {
		Downloaded int `db:"downloaded"`
		Processed  int `db:"processed"`
		StatGen    int `db:"statgen"`
		Completed  int `db:"completed"`
	}
	err = c.db.GetContext(ctx, &row, q, product, date.Format(agrisync.DateFormat))
	if err == sql.ErrNoRows {
		return agrisync.Flags{}, false, nil
	}
	if err != nil {
		return agrisync.Flags{}, false, fmt.Errorf("catalog: reading flags for %s: %v", product, err)
	}
	return agrisync.Flags{
		Downloaded: row.Downloaded != 0,
		Processed:  row.Processed != 0,
		StatGen:    row.StatGen != 0,
		Completed:  row.Completed != 0,
	}, true, nil
}

// DeleteStatus removes the status row for (product, date); the purge
// path. Deleting an absent row is not an error.
func (c *Catalog) DeleteStatus(ctx context.Context, product string, date time.Time) error {
	q := c.db.Rebind(`DELETE FROM product_status WHERE product = ? AND date = ?`)
	if _, err := c.db.ExecContext(ctx, q, product, date.Format(agrisync.DateFormat)); err != nil {
		return fmt.Errorf("catalog: deleting status for %s: %v", product, err)
	}
	return nil
}

// ProcessedDates returns every date for product with processed = 1.
func (c *Catalog) ProcessedDates(ctx context.Context, product string) ([]time.Time, error) {
	q := c.db.Rebind(`SELECT date FROM product_status
		WHERE product = ? AND processed = 1 ORDER BY date`)
	var raw []string
	if err := c.db.SelectContext(ctx, &raw, q, product); err != nil {
		return nil, fmt.Errorf("catalog: listing processed %s: %v", product, err)
	}
	out := make([]time.Time, len(raw))
	for i, s := range raw {
		d, err := time.ParseInLocation(agrisync.DateFormat, s, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("catalog: bad date %q: %v", s, err)
		}
		out[i] = d
	}
	return out, nil
}

// SweepCompleted re-derives completed for rows whose flags predate the
// derivation rule. It runs at the start of each update cycle.
func (c *Catalog) SweepCompleted(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `UPDATE product_status
		SET completed = 1 WHERE processed = 1 AND statgen = 1 AND completed = 0`)
	if err != nil {
		return fmt.Errorf("catalog: sweeping completed: %v", err)
	}
	return nil
}

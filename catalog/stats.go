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

package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// A StatsTableRef identifies the physical wide table for one
// (product, collection, mask, region, year) tuple. Exists reports
// whether the table has been created, not just registered.
type StatsTableRef struct {
	ID     int64
	Name   string
	Exists bool
}

// A StatsKey is the logical key of a stats table.
type StatsKey struct {
	Product    string
	Collection string
	Mask       string
	Region     string
	Year       int
}

func (k StatsKey) collection() string {
	if k.Collection == "" {
		return "0"
	}
	return k.Collection
}

// ResolveStatsTable returns the table reference for key, registering a
// new id when the tuple is first seen. Concurrent callers racing on
// the same key converge on one id through the uniqueness of the tuple.
func (c *Catalog) ResolveStatsTable(ctx context.Context, key StatsKey) (StatsTableRef, error) {
	productID, err := c.lookupID(ctx,
		`INSERT INTO products (name, collection) VALUES (?, ?) ON CONFLICT (name, collection) DO NOTHING`,
		`SELECT product_id FROM products WHERE name = ? AND collection = ?`,
		key.Product, key.collection())
	if err != nil {
		return StatsTableRef{}, fmt.Errorf("catalog: resolving product %s: %v", key.Product, err)
	}
	maskID, err := c.lookupID(ctx,
		`INSERT INTO masks (name) VALUES (?) ON CONFLICT (name) DO NOTHING`,
		`SELECT mask_id FROM masks WHERE name = ?`, key.Mask)
	if err != nil {
		return StatsTableRef{}, fmt.Errorf("catalog: resolving mask %s: %v", key.Mask, err)
	}
	regionID, err := c.lookupID(ctx,
		`INSERT INTO regions (name) VALUES (?) ON CONFLICT (name) DO NOTHING`,
		`SELECT region_id FROM regions WHERE name = ?`, key.Region)
	if err != nil {
		return StatsTableRef{}, fmt.Errorf("catalog: resolving region %s: %v", key.Region, err)
	}
	id, err := c.lookupID(ctx,
		`INSERT INTO stats (product_id, mask_id, region_id, year) VALUES (?, ?, ?, ?)
			ON CONFLICT (product_id, mask_id, region_id, year) DO NOTHING`,
		`SELECT stats_id FROM stats WHERE product_id = ? AND mask_id = ? AND region_id = ? AND year = ?`,
		productID, maskID, regionID, key.Year)
	if err != nil {
		return StatsTableRef{}, fmt.Errorf("catalog: resolving stats table for %s: %v", key.Product, err)
	}
	ref := StatsTableRef{ID: id, Name: fmt.Sprintf("stats_%d", id)}
	ref.Exists, err = c.TableExists(ctx, ref.Name)
	if err != nil {
		return StatsTableRef{}, err
	}
	return ref, nil
}

// LookupStatsTable is the read-only form of ResolveStatsTable: ok is
// false if the tuple was never registered. The rectifier uses it to
// scan without creating registrations as a side effect.
func (c *Catalog) LookupStatsTable(ctx context.Context, key StatsKey) (ref StatsTableRef, ok bool, err error) {
	q := c.db.Rebind(`SELECT s.stats_id FROM stats s
		JOIN products p ON p.product_id = s.product_id
		JOIN masks m ON m.mask_id = s.mask_id
		JOIN regions r ON r.region_id = s.region_id
		WHERE p.name = ? AND p.collection = ? AND m.name = ? AND r.name = ? AND s.year = ?`)
	var id int64
	err = c.db.GetContext(ctx, &id, q, key.Product, key.collection(), key.Mask, key.Region, key.Year)
	if err == sql.ErrNoRows {
		return StatsTableRef{}, false, nil
	}
	if err != nil {
		return StatsTableRef{}, false, fmt.Errorf("catalog: looking up stats table: %v", err)
	}
	ref = StatsTableRef{ID: id, Name: fmt.Sprintf("stats_%d", id)}
	if ref.Exists, err = c.TableExists(ctx, ref.Name); err != nil {
		return StatsTableRef{}, false, err
	}
	return ref, true, nil
}

// StatsTablesFor returns all registered stats tables for a product and
// collection in a given year, across masks and regions; the purge path
// uses this to strip an acquisition's columns everywhere it wrote.
func (c *Catalog) StatsTablesFor(ctx context.Context, product, collection string, year int) ([]StatsTableRef, error) {
	if collection == "" {
		collection = "0"
	}
	q := c.db.Rebind(`SELECT s.stats_id FROM stats s
		JOIN products p ON p.product_id = s.product_id
		WHERE p.name = ? AND p.collection = ? AND s.year = ? ORDER BY s.stats_id`)
	var ids []int64
	if err := c.db.SelectContext(ctx, &ids, q, product, collection, year); err != nil {
		return nil, fmt.Errorf("catalog: listing stats tables for %s: %v", product, err)
	}
	out := make([]StatsTableRef, 0, len(ids))
	for _, id := range ids {
		ref := StatsTableRef{ID: id, Name: fmt.Sprintf("stats_%d", id)}
		ok, err := c.TableExists(ctx, ref.Name)
		if err != nil {
			return nil, err
		}
		ref.Exists = ok
		out = append(out, ref)
	}
	return out, nil
}

// lookupID runs an INSERT … ON CONFLICT DO NOTHING and reads back the
// id, the race-safe register-or-get shape used for every lookup table.
func (c *Catalog) lookupID(ctx context.Context, insert, sel string, args ...interface{}) (int64, error) {
	if _, err := c.db.ExecContext(ctx, c.db.Rebind(insert), args...); err != nil {
		return 0, err
	}
	var id int64
	if err := c.db.GetContext(ctx, &id, c.db.Rebind(sel), args...); err != nil {
		return 0, err
	}
	return id, nil
}

// A StatsRow is one region's aggregate for one acquisition.
type StatsRow struct {
	Arable int64
	Val    float64
	Pct    float64
}

// valCol and pctCol are the per-acquisition column names; the embedded
// dot requires quoting in both dialects.
func valCol(doy string) string { return fmt.Sprintf(`"val.%s"`, doy) }
func pctCol(doy string) string { return fmt.Sprintf(`"pct.%s"`, doy) }

// TableExists reports whether a physical table is present.
func (c *Catalog) TableExists(ctx context.Context, name string) (bool, error) {
	var q string
	switch c.driver {
	case DriverSQLite:
		q = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	case DriverPostgres:
		q = `SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?`
	}
	var n int
	if err := c.db.GetContext(ctx, &n, c.db.Rebind(q), name); err != nil {
		return false, fmt.Errorf("catalog: checking table %s: %v", name, err)
	}
	return n > 0, nil
}

// TableColumns returns the column names of a physical table in
// declaration order, using a zero-row select so the introspection is
// dialect-free.
func (c *Catalog) TableColumns(ctx context.Context, name string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s LIMIT 0`, name))
	if err != nil {
		return nil, fmt.Errorf("catalog: introspecting %s: %v", name, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("catalog: introspecting %s: %v", name, err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: introspecting %s: %v", name, err)
	}
	return cols, nil
}

// CreateStatsTable creates the physical table for ref with the base
// columns and the given acquisition's column pair, inserts one row per
// region, and indexes admin. Creation is idempotent.
func (c *Catalog) CreateStatsTable(ctx context.Context, ref StatsTableRef, doy string, rows map[int64]StatsRow) error {
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (admin INTEGER NOT NULL, arable INTEGER NOT NULL, %s double precision, %s double precision)`,
		ref.Name, valCol(doy), pctCol(doy))
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("catalog: creating %s: %v", ref.Name, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_admin ON %s (admin)`, ref.Name, ref.Name)
	if _, err := c.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("catalog: indexing %s: %v", ref.Name, err)
	}
	return c.UpsertStats(ctx, ref, doy, rows)
}

// EnsureDOYColumns adds the acquisition's column pair if absent.
// Concurrent callers racing on the same columns both succeed.
func (c *Catalog) EnsureDOYColumns(ctx context.Context, ref StatsTableRef, doy string) error {
	for _, col := range []string{valCol(doy), pctCol(doy)} {
		var ddl string
		switch c.driver {
		case DriverPostgres:
			ddl = fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s double precision`, ref.Name, col)
		case DriverSQLite:
			ddl = fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s double precision`, ref.Name, col)
		}
		if _, err := c.db.ExecContext(ctx, ddl); err != nil {
			if c.driver == DriverSQLite && strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("catalog: adding column %s to %s: %v", col, ref.Name, err)
		}
	}
	return nil
}

// DropDOYColumns removes the acquisition's column pair; the purge
// path. Missing columns are treated as already dropped.
func (c *Catalog) DropDOYColumns(ctx context.Context, ref StatsTableRef, doy string) error {
	for _, col := range []string{valCol(doy), pctCol(doy)} {
		ddl := fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, ref.Name, col)
		if _, err := c.db.ExecContext(ctx, ddl); err != nil {
			msg := err.Error()
			if strings.Contains(msg, "no such column") || strings.Contains(msg, "does not exist") {
				continue
			}
			return fmt.Errorf("catalog: dropping column %s from %s: %v", col, ref.Name, err)
		}
	}
	return nil
}

// UpsertStats writes one acquisition's values into ref: UPDATE per
// region, INSERT where no row matched. Arable is written on first
// insert only. Row mutation runs in its own transaction, separate from
// any DDL, so schema locks are never held across data writes.
func (c *Catalog) UpsertStats(ctx context.Context, ref StatsTableRef, doy string, rows map[int64]StatsRow) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %v", err)
	}
	defer tx.Rollback()
	upd := tx.Rebind(fmt.Sprintf(`UPDATE %s SET %s = ?, %s = ? WHERE admin = ?`,
		ref.Name, valCol(doy), pctCol(doy)))
	ins := tx.Rebind(fmt.Sprintf(`INSERT INTO %s (admin, arable, %s, %s) VALUES (?, ?, ?, ?)`,
		ref.Name, valCol(doy), pctCol(doy)))
	for admin, row := range rows {
		res, err := tx.ExecContext(ctx, upd, row.Val, row.Pct, admin)
		if err != nil {
			return fmt.Errorf("catalog: updating %s admin %d: %v", ref.Name, admin, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("catalog: updating %s: %v", ref.Name, err)
		}
		if n == 0 {
			if _, err := tx.ExecContext(ctx, ins, admin, row.Arable, row.Val, row.Pct); err != nil {
				return fmt.Errorf("catalog: inserting %s admin %d: %v", ref.Name, admin, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit: %v", err)
	}
	return nil
}

// ReadStats reads one acquisition's column pair back out of ref, for
// verification and the query-free CLI listings.
func (c *Catalog) ReadStats(ctx context.Context, ref StatsTableRef, doy string) (map[int64]StatsRow, error) {
	q := fmt.Sprintf(`SELECT admin, arable, %s, %s FROM %s`, valCol(doy), pctCol(doy), ref.Name)
	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %v", ref.Name, err)
	}
	defer rows.Close()
	out := map[int64]StatsRow{}
	for rows.Next() {
		var admin int64
		var arable sql.NullInt64
		var val, pct sql.NullFloat64
		if err := rows.Scan(&admin, &arable, &val, &pct); err != nil {
			return nil, fmt.Errorf("catalog: reading %s: %v", ref.Name, err)
		}
		out[admin] = StatsRow{Arable: arable.Int64, Val: val.Float64, Pct: pct.Float64}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %v", ref.Name, err)
	}
	return out, nil
}

// Year is a convenience for callers mapping acquisition dates to the
// stats-table year key.
func Year(d time.Time) int { return d.Year() }

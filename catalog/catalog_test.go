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
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/agrimodel/agrisync"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStatusLifecycle(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	d1 := agrisync.Date(2019, time.March, 1)
	d2 := agrisync.Date(2019, time.March, 11)

	for i := 0; i < 2; i++ { // second pass exercises ON CONFLICT
		if err := c.UpsertPending(ctx, "chirps", d1); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.UpsertPending(ctx, "chirps", d2); err != nil {
		t.Fatal(err)
	}

	missing, err := c.MissingByProduct(ctx, "chirps")
	if err != nil {
		t.Fatal(err)
	}
	if want := []time.Time{d1, d2}; !reflect.DeepEqual(missing, want) {
		t.Errorf("missing = %v; want %v", missing, want)
	}

	latest, ok, err := c.LatestDate(ctx, "chirps")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !latest.Equal(d2) {
		t.Errorf("latest = %v, %v; want %v, true", latest, ok, d2)
	}
	if _, ok, err := c.LatestDate(ctx, "swi"); err != nil || ok {
		t.Errorf("latest for empty product = ok %v, err %v; want false, nil", ok, err)
	}

	// Completed is derived from processed and statgen, not downloaded.
	if err := c.SetFlag(ctx, "chirps", d1, Downloaded, true); err != nil {
		t.Fatal(err)
	}
	if err := c.SetFlag(ctx, "chirps", d1, Processed, true); err != nil {
		t.Fatal(err)
	}
	f, ok, err := c.Flags(ctx, "chirps", d1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !f.Downloaded || !f.Processed || f.StatGen || f.Completed {
		t.Errorf("flags after processed = %+v, %v", f, ok)
	}
	if err := c.SetFlag(ctx, "chirps", d1, StatGen, true); err != nil {
		t.Fatal(err)
	}
	f, _, err = c.Flags(ctx, "chirps", d1)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Completed {
		t.Errorf("completed not derived: %+v", f)
	}

	missing, err = c.MissingByProduct(ctx, "chirps")
	if err != nil {
		t.Fatal(err)
	}
	if want := []time.Time{d2}; !reflect.DeepEqual(missing, want) {
		t.Errorf("missing after completion = %v; want %v", missing, want)
	}

	// Clearing statgen drops completed again.
	if err := c.SetFlag(ctx, "chirps", d1, StatGen, false); err != nil {
		t.Fatal(err)
	}
	f, _, err = c.Flags(ctx, "chirps", d1)
	if err != nil {
		t.Fatal(err)
	}
	if f.Completed {
		t.Errorf("completed survived statgen clear: %+v", f)
	}

	processed, err := c.ProcessedDates(ctx, "chirps")
	if err != nil {
		t.Fatal(err)
	}
	if want := []time.Time{d1}; !reflect.DeepEqual(processed, want) {
		t.Errorf("processed = %v; want %v", processed, want)
	}

	if err := c.DeleteStatus(ctx, "chirps", d1); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteStatus(ctx, "chirps", d1); err != nil { // idempotent
		t.Fatal(err)
	}
	if _, ok, _ := c.Flags(ctx, "chirps", d1); ok {
		t.Error("flags present after delete")
	}
}

func TestSetFlagCreatesRow(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	d := agrisync.Date(2020, time.January, 9)
	if err := c.SetFlag(ctx, "MYD13Q1", d, Downloaded, true); err != nil {
		t.Fatal(err)
	}
	f, ok, err := c.Flags(ctx, "MYD13Q1", d)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !f.Downloaded {
		t.Errorf("flags = %+v, %v; want downloaded row", f, ok)
	}
}

func TestResolveStatsTableIdempotent(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	key := StatsKey{Product: "MOD09Q1", Mask: "maize", Region: "gaul1", Year: 2019}

	a, err := c.ResolveStatsTable(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.ResolveStatsTable(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID || a.Name != b.Name {
		t.Errorf("resolve not stable: %+v vs %+v", a, b)
	}
	if a.Exists {
		t.Error("table reported as existing before creation")
	}

	other, err := c.ResolveStatsTable(ctx, StatsKey{Product: "MOD09Q1", Mask: "maize", Region: "gaul1", Year: 2020})
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == a.ID {
		t.Error("distinct years share a stats id")
	}

	ref, ok, err := c.LookupStatsTable(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || ref.ID != a.ID {
		t.Errorf("lookup = %+v, %v; want id %d", ref, ok, a.ID)
	}
	if _, ok, err := c.LookupStatsTable(ctx, StatsKey{Product: "MOD09Q1", Mask: "rice", Region: "gaul1", Year: 2019}); err != nil || ok {
		t.Errorf("lookup of unregistered tuple = ok %v, err %v; want false, nil", ok, err)
	}
}

func TestCollectionDefaultsToZero(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	a, err := c.ResolveStatsTable(ctx, StatsKey{Product: "merra-2", Collection: "", Mask: "nomask", Region: "gaul1", Year: 2019})
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.ResolveStatsTable(ctx, StatsKey{Product: "merra-2", Collection: "0", Mask: "nomask", Region: "gaul1", Year: 2019})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("empty and %q collections resolve to different ids: %d, %d", "0", a.ID, b.ID)
	}
	min, err := c.ResolveStatsTable(ctx, StatsKey{Product: "merra-2", Collection: "min", Mask: "nomask", Region: "gaul1", Year: 2019})
	if err != nil {
		t.Fatal(err)
	}
	if min.ID == a.ID {
		t.Error("distinct collections share a stats id")
	}
}

func TestStatsTableRoundTrip(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	key := StatsKey{Product: "chirps", Mask: "cropland", Region: "gaul1", Year: 2019}
	ref, err := c.ResolveStatsTable(ctx, key)
	if err != nil {
		t.Fatal(err)
	}

	rows := map[int64]StatsRow{
		101: {Arable: 5000, Val: 12.5, Pct: 88},
		102: {Arable: 300, Val: 0.25, Pct: 100},
	}
	if err := c.CreateStatsTable(ctx, ref, "060", rows); err != nil {
		t.Fatal(err)
	}
	ref, err = c.ResolveStatsTable(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !ref.Exists {
		t.Fatal("table not reported as existing after creation")
	}

	got, err := c.ReadStats(ctx, ref, "060")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, rows) {
		t.Errorf("read = %v; want %v", got, rows)
	}

	// A second acquisition widens the table.
	if err := c.EnsureDOYColumns(ctx, ref, "070"); err != nil {
		t.Fatal(err)
	}
	if err := c.EnsureDOYColumns(ctx, ref, "070"); err != nil { // repeated add succeeds
		t.Fatal(err)
	}
	cols, err := c.TableColumns(ctx, ref.Name)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"admin", "arable", "val.060", "pct.060", "val.070", "pct.070"}
	if !reflect.DeepEqual(cols, want) {
		t.Errorf("columns = %v; want %v", cols, want)
	}

	next := map[int64]StatsRow{
		101: {Arable: 5000, Val: 14, Pct: 90},
		103: {Arable: 77, Val: 3, Pct: 50}, // new region row
	}
	if err := c.UpsertStats(ctx, ref, "070", next); err != nil {
		t.Fatal(err)
	}
	got, err = c.ReadStats(ctx, ref, "070")
	if err != nil {
		t.Fatal(err)
	}
	if got[101].Val != 14 || got[101].Arable != 5000 {
		t.Errorf("row 101 after upsert = %+v", got[101])
	}
	if got[103].Val != 3 || got[103].Arable != 77 {
		t.Errorf("row 103 after upsert = %+v", got[103])
	}

	// Re-upserting the first acquisition overwrites values but never
	// arable, which is fixed at first insert.
	if err := c.UpsertStats(ctx, ref, "060", map[int64]StatsRow{101: {Arable: 999, Val: 20, Pct: 95}}); err != nil {
		t.Fatal(err)
	}
	got, err = c.ReadStats(ctx, ref, "060")
	if err != nil {
		t.Fatal(err)
	}
	if got[101].Val != 20 || got[101].Arable != 5000 {
		t.Errorf("row 101 after re-upsert = %+v", got[101])
	}

	if err := c.DropDOYColumns(ctx, ref, "070"); err != nil {
		t.Fatal(err)
	}
	if err := c.DropDOYColumns(ctx, ref, "070"); err != nil { // repeated drop succeeds
		t.Fatal(err)
	}
	cols, err = c.TableColumns(ctx, ref.Name)
	if err != nil {
		t.Fatal(err)
	}
	want = []string{"admin", "arable", "val.060", "pct.060"}
	if !reflect.DeepEqual(cols, want) {
		t.Errorf("columns after drop = %v; want %v", cols, want)
	}

	tables, err := c.StatsTablesFor(ctx, "chirps", "", 2019)
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 1 || tables[0].ID != ref.ID || !tables[0].Exists {
		t.Errorf("StatsTablesFor = %+v", tables)
	}
}

func TestSweepCompleted(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	d := agrisync.Date(2018, time.June, 1)
	// Write flags directly so completed lags the rule.
	if err := c.UpsertPending(ctx, "swi", d); err != nil {
		t.Fatal(err)
	}
	q := c.db.Rebind(`UPDATE product_status SET processed = 1, statgen = 1 WHERE product = ? AND date = ?`)
	if _, err := c.db.ExecContext(ctx, q, "swi", d.Format(agrisync.DateFormat)); err != nil {
		t.Fatal(err)
	}
	if err := c.SweepCompleted(ctx); err != nil {
		t.Fatal(err)
	}
	f, _, err := c.Flags(ctx, "swi", d)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Completed {
		t.Errorf("sweep did not derive completed: %+v", f)
	}
}

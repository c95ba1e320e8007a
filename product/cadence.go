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

package product

import (
	"time"

	"github.com/agrimodel/agrisync"
)

// A cadence steps from one legal acquisition date to the next.
type cadence interface {
	next(t time.Time) time.Time
}

type daily struct{}

func (daily) next(t time.Time) time.Time { return t.AddDate(0, 0, 1) }

// everyN steps a fixed number of days, as the soil-water product does.
type everyN struct{ n int }

func (c everyN) next(t time.Time) time.Time { return t.AddDate(0, 0, c.n) }

// dekadal publishes on days 1, 11 and 21 of each month.
type dekadal struct{}

func (dekadal) next(t time.Time) time.Time { return agrisync.NextDekad(t) }

// doyAnchored steps a fixed number of days but restarts each year at a
// fixed day of year, the MODIS compositing convention. The 8-day and
// 16-day products end each year with a short period and resume at DOY
// 1 (or DOY 9 for the offset Aqua 16-day product).
type doyAnchored struct {
	step     int
	resetDay int
}

func (c doyAnchored) next(t time.Time) time.Time {
	cand := t.AddDate(0, 0, c.step)
	if cand.Year() != t.Year() {
		return agrisync.Date(t.Year()+1, 1, c.resetDay)
	}
	return cand
}

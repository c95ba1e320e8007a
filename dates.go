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

package agrisync

import "time"

// Date returns the UTC civil date for the given components.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Day truncates t to its UTC civil date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return Date(y, m, d)
}

// Dekad returns the dekad index (1, 2 or 3) that the given day of
// month belongs to. Dekads start on days 1, 11 and 21; upstream
// archives use the same numbering in their file names.
func Dekad(dayOfMonth int) int {
	d := (dayOfMonth + 9) / 10
	if d > 3 {
		d = 3
	}
	return d
}

// NextDekad returns the dekad start date following t. From day 1 the
// next start is day 11, from day 11 it is day 21, and from day 21 the
// sequence advances to day 1 of the next month. Mid-dekad dates past
// day 12 also roll into the next month.
func NextDekad(t time.Time) time.Time {
	t = Day(t)
	if t.Day() > 12 {
		// Push into the next month, then slam the day back to 01.
		t = t.AddDate(0, 0, 15)
		return Date(t.Year(), t.Month(), 1)
	}
	return t.AddDate(0, 0, 10)
}

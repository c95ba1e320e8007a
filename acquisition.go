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

import (
	"fmt"
	"strings"
	"time"
)

// DateFormat is the civil-date layout used in canonical file names and
// in the catalog.
const DateFormat = "2006-01-02"

// An Acquisition is a single (product, date, collection) unit of data.
// Collection is "" except for the temperature product, where it is one
// of TemperatureCollections.
type Acquisition struct {
	Product    string
	Date       time.Time
	Collection string
}

// Key returns the canonical file name for the acquisition:
// "{product}.{YYYY-MM-DD}[.{collection}].tif" for ancillary products and
// "{product}.{YYYY}.{DOY3}.tif" for NDVI products.
func (a Acquisition) Key() string {
	if IsNDVI(a.Product) {
		return fmt.Sprintf("%s.%04d.%03d.tif", a.Product, a.Date.Year(), a.Date.YearDay())
	}
	if a.Collection != "" {
		return fmt.Sprintf("%s.%s.%s.tif", a.Product, a.Date.Format(DateFormat), a.Collection)
	}
	return fmt.Sprintf("%s.%s.tif", a.Product, a.Date.Format(DateFormat))
}

// DOY returns the zero-padded 3-digit day of year of the acquisition
// date, as used in statistics column names.
func (a Acquisition) DOY() string {
	return fmt.Sprintf("%03d", a.Date.YearDay())
}

// Year returns the acquisition year.
func (a Acquisition) Year() int { return a.Date.Year() }

func (a Acquisition) String() string {
	if a.Collection != "" {
		return fmt.Sprintf("%s %s %s", a.Product, a.Date.Format(DateFormat), a.Collection)
	}
	return fmt.Sprintf("%s %s", a.Product, a.Date.Format(DateFormat))
}

// ParseKey parses a canonical file name (optionally preceded by a
// directory prefix) back into an Acquisition. It is the inverse of
// Acquisition.Key for every well-formed acquisition.
func ParseKey(key string) (Acquisition, error) {
	base := key
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	parts := strings.Split(base, ".")
	if len(parts) < 3 || parts[len(parts)-1] != "tif" {
		return Acquisition{}, &BadInputError{Msg: fmt.Sprintf("malformed file name %q", key)}
	}
	product := parts[0]
	switch {
	case IsNDVI(product):
		if len(parts) != 4 {
			return Acquisition{}, &BadInputError{Msg: fmt.Sprintf("malformed NDVI file name %q", key)}
		}
		d, err := time.ParseInLocation("2006.002", parts[1]+"."+parts[2], time.UTC)
		if err != nil {
			return Acquisition{}, &BadInputError{Msg: fmt.Sprintf("parsing date in %q: %v", key, err)}
		}
		return Acquisition{Product: product, Date: d}, nil
	case IsAncillary(product):
		d, err := time.ParseInLocation(DateFormat, parts[1], time.UTC)
		if err != nil {
			return Acquisition{}, &BadInputError{Msg: fmt.Sprintf("parsing date in %q: %v", key, err)}
		}
		a := Acquisition{Product: product, Date: d}
		if len(parts) == 4 {
			a.Collection = parts[2]
			if product != "merra-2" {
				return Acquisition{}, &BadInputError{Msg: fmt.Sprintf("unexpected collection %q in %q", a.Collection, key)}
			}
		}
		return a, nil
	default:
		return Acquisition{}, &BadInputError{Msg: fmt.Sprintf("unknown product %q in file name %q", product, key)}
	}
}

// ParseDate parses a date in either YYYY-MM-DD or YYYY.DOY format.
func ParseDate(s string) (time.Time, error) {
	if d, err := time.ParseInLocation(DateFormat, s, time.UTC); err == nil {
		return d, nil
	}
	if d, err := time.ParseInLocation("2006.002", s, time.UTC); err == nil {
		return d, nil
	}
	return time.Time{}, &BadInputError{Msg: fmt.Sprintf("date %q must be YYYY-MM-DD or YYYY.DOY", s)}
}

// Flags is the processing state of an acquisition as recorded in the
// catalog. Completed is derived: it must equal Processed && StatGen
// after every mutation.
type Flags struct {
	Downloaded bool
	Processed  bool
	StatGen    bool
	Completed  bool
}

// Derive recomputes the Completed flag from Processed and StatGen.
func (f *Flags) Derive() { f.Completed = f.Processed && f.StatGen }

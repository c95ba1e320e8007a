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
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agrimodel/agrisync"
)

// A DownloadSource describes one direct HTTP fetch: the URL and the
// credentials it requires, if any.
type DownloadSource struct {
	URL        string
	User, Pass string
}

// Client returns the HTTP client the registry's products share.
func (r *Registry) Client() *http.Client { return r.cfg.client() }

// GranuleService returns the configured NDVI granule service, or nil.
func (r *Registry) GranuleService() GranuleService { return r.cfg.Granules }

// DownloadSource returns the direct-download source for one ancillary
// acquisition. NDVI products go through the granule service and the
// temperature product through MerraSources; asking for either here is
// a caller bug.
func (r *Registry) DownloadSource(productID string, date time.Time) (DownloadSource, error) {
	switch productID {
	case "chirps":
		return DownloadSource{URL: chirpsURL(r.cfg.ChirpsURL, true)(date)}, nil
	case "chirps-prelim":
		return DownloadSource{URL: chirpsURL(r.cfg.ChirpsPrelimURL, false)(date)}, nil
	case "swi":
		if r.cfg.SWIUser == "" {
			return DownloadSource{}, &agrisync.MissingCredentialError{Key: "swi_user"}
		}
		return DownloadSource{
			URL:  swiURL(r.cfg.SWIURL)(date),
			User: r.cfg.SWIUser,
			Pass: r.cfg.SWIPass,
		}, nil
	}
	return DownloadSource{}, &agrisync.BadInputError{Msg: fmt.Sprintf("no direct download for product %q", productID)}
}

// MerraSources resolves the granule URLs for the temperature mosaic
// ending on date: one per day for date, date-1, ..., date-(days-1), in
// increasing date order. A day absent from the listing makes the whole
// acquisition definitively unavailable.
func (r *Registry) MerraSources(ctx context.Context, date time.Time, days int) ([]DownloadSource, error) {
	if r.cfg.MerraUser == "" {
		return nil, &agrisync.MissingCredentialError{Key: "temp_user"}
	}
	pages := map[string]string{}
	out := make([]DownloadSource, 0, days)
	for i := days - 1; i >= 0; i-- {
		d := date.AddDate(0, 0, -i)
		url := merraListingURL(r.cfg.MerraURL, d)
		body, ok := pages[url]
		if !ok {
			resp, avail, err := httpGet(ctx, r.cfg.client(), url, r.cfg.MerraUser, r.cfg.MerraPass)
			if err != nil {
				return nil, err
			}
			if avail == No {
				return nil, &agrisync.UnavailableError{Product: "merra-2", Date: date.Format(agrisync.DateFormat)}
			}
			b, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, &agrisync.TransientError{Err: err}
			}
			body = string(b)
			pages[url] = body
		}
		name, ok := merraGranule(body, d)
		if !ok {
			return nil, &agrisync.UnavailableError{Product: "merra-2", Date: date.Format(agrisync.DateFormat)}
		}
		out = append(out, DownloadSource{
			URL:  merraListingURL(r.cfg.MerraURL, d) + name,
			User: r.cfg.MerraUser,
			Pass: r.cfg.MerraPass,
		})
	}
	return out, nil
}

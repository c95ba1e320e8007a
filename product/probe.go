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
	"regexp"
	"strings"
	"time"

	"github.com/agrimodel/agrisync"
)

// URL templates for the upstream sources. The CHIRPS directory keys
// files by dekad number within the month; the definitive product is
// additionally gzip-compressed.

func chirpsURL(base string, gz bool) func(time.Time) string {
	return func(d time.Time) string {
		u := fmt.Sprintf("%s/chirps-v2.0.%04d.%02d.%d.tif",
			base, d.Year(), int(d.Month()), agrisync.Dekad(d.Day()))
		if gz {
			u += ".gz"
		}
		return u
	}
}

func swiURL(base string) func(time.Time) string {
	return func(d time.Time) string {
		stamp := d.Format("20060102")
		return fmt.Sprintf("%s/%04d/%02d/%02d/SWI_%s1200_GLOBE_ASCAT_V3.2.1/c_gls_SWI_%s1200_GLOBE_ASCAT_V3.2.1.nc",
			base, d.Year(), int(d.Month()), d.Day(), stamp, stamp)
	}
}

// merraListingURL is the month directory index page that the
// temperature probe greps for daily granules.
func merraListingURL(base string, d time.Time) string {
	return fmt.Sprintf("%s/%04d/%02d/", base, d.Year(), int(d.Month()))
}

func merraPattern(d time.Time) *regexp.Regexp {
	return regexp.MustCompile(`MERRA2\S*` + d.Format("20060102") + `\.nc4`)
}

// httpGet issues one GET and classifies the failure modes the way the
// planner needs: a definitive 404 is (nil, No), a 5xx or transport
// error is transient.
func httpGet(ctx context.Context, client *http.Client, url, user, pass string) (*http.Response, Availability, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, No, fmt.Errorf("product: building request for %s: %v", url, err)
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, No, &agrisync.TransientError{Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, Yes, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, No, nil
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, No, &agrisync.TransientError{Err: fmt.Errorf("%s: status %s", url, resp.Status)}
	default:
		resp.Body.Close()
		return nil, No, fmt.Errorf("product: %s: unexpected status %s", url, resp.Status)
	}
}

// urlProbe answers by fetching the product URL itself; used for the
// precipitation family where the archive is a plain HTTP directory.
type urlProbe struct {
	cfg *Config
	url func(time.Time) string
}

func (p *urlProbe) available(ctx context.Context, date time.Time) (Availability, error) {
	resp, avail, err := httpGet(ctx, p.cfg.client(), p.url(date), "", "")
	if err != nil || avail == No {
		return No, err
	}
	defer resp.Body.Close()
	// Directory servers answer 200 with an HTML error page for some
	// missing files; only a binary payload counts.
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/html") {
		return No, nil
	}
	return Yes, nil
}

// authProbe is the soil-water probe: basic auth, and the data portal
// signals a real file with an octet-stream content type.
type authProbe struct {
	cfg *Config
	url func(time.Time) string
}

func (p *authProbe) available(ctx context.Context, date time.Time) (Availability, error) {
	if p.cfg.SWIUser == "" {
		return No, &agrisync.MissingCredentialError{Key: "swi_user"}
	}
	resp, avail, err := httpGet(ctx, p.cfg.client(), p.url(date), p.cfg.SWIUser, p.cfg.SWIPass)
	if err != nil || avail == No {
		return No, err
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/octet-stream") {
		return No, nil
	}
	return Yes, nil
}

// listingProbe is the temperature probe: the acquisition for day D is
// fetchable only when the month listing pages show granules for all of
// D, D-1, ..., D-(days-1), since the published raster is a mosaic over
// that span.
type listingProbe struct {
	cfg  *Config
	base string
	days int
}

func (p *listingProbe) available(ctx context.Context, date time.Time) (Availability, error) {
	if p.cfg.MerraUser == "" {
		return No, &agrisync.MissingCredentialError{Key: "temp_user"}
	}
	pages := map[string]string{}
	for i := 0; i < p.days; i++ {
		d := date.AddDate(0, 0, -i)
		url := merraListingURL(p.base, d)
		body, ok := pages[url]
		if !ok {
			resp, avail, err := httpGet(ctx, p.cfg.client(), url, p.cfg.MerraUser, p.cfg.MerraPass)
			if err != nil || avail == No {
				return No, err
			}
			b, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return No, &agrisync.TransientError{Err: err}
			}
			body = string(b)
			pages[url] = body
		}
		if !merraPattern(d).MatchString(body) {
			return No, nil
		}
	}
	return Yes, nil
}

// merraGranule returns the granule file name for day d from the month
// listing, for the pipeline to join onto the listing URL.
func merraGranule(listing string, d time.Time) (string, bool) {
	m := merraPattern(d).FindString(listing)
	if m == "" {
		return "", false
	}
	// The match may drag in surrounding markup attributes; keep the
	// trailing filename only.
	if i := strings.LastIndexAny(m, `"'>=/`); i >= 0 {
		m = m[i+1:]
	}
	return m, m != ""
}

// granuleProbe delegates to the external granule-assembly service that
// fronts the NDVI archive.
type granuleProbe struct {
	id  string
	svc GranuleService
}

func (p *granuleProbe) available(ctx context.Context, date time.Time) (Availability, error) {
	if p.svc == nil {
		return No, &agrisync.MissingCredentialError{Key: "granule_service"}
	}
	dates, err := p.svc.Dates(ctx, p.id, date)
	if err != nil {
		return No, err
	}
	for _, d := range dates {
		if agrisync.Day(d).Equal(agrisync.Day(date)) {
			return Yes, nil
		}
	}
	return No, nil
}

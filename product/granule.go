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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/agrimodel/agrisync"
)

// A GranuleService fronts the external NDVI archive: it lists the
// composite dates published near a target date and returns assembled,
// already-projected rasters ready for cloud optimization.
type GranuleService interface {
	// Dates lists the published composite dates near date.
	Dates(ctx context.Context, product string, date time.Time) ([]time.Time, error)

	// Fetch streams the raster for (product, date); the caller closes
	// the returned reader.
	Fetch(ctx context.Context, product string, date time.Time) (io.ReadCloser, error)
}

// HTTPGranuleService talks to a granule service over its HTTP
// interface: GET {base}/dates?product=P&date=D returns a JSON array of
// YYYY-MM-DD strings, and GET {base}/granule?product=P&date=D streams
// the raster.
type HTTPGranuleService struct {
	Base   string
	Client *http.Client
}

func (s *HTTPGranuleService) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (s *HTTPGranuleService) get(ctx context.Context, path, product string, date time.Time) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("product", product)
	q.Set("date", date.Format(agrisync.DateFormat))
	u := fmt.Sprintf("%s/%s?%s", s.Base, path, q.Encode())
	resp, avail, err := httpGet(ctx, s.client(), u, "", "")
	if err != nil {
		return nil, err
	}
	if avail == No {
		return nil, &agrisync.UnavailableError{Product: product, Date: date.Format(agrisync.DateFormat)}
	}
	return resp.Body, nil
}

// Dates implements GranuleService.
func (s *HTTPGranuleService) Dates(ctx context.Context, product string, date time.Time) ([]time.Time, error) {
	body, err := s.get(ctx, "dates", product, date)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	var raw []string
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("product: decoding granule dates: %v", err)
	}
	out := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		d, err := agrisync.ParseDate(s)
		if err != nil {
			return nil, fmt.Errorf("product: granule service returned %q: %v", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Fetch implements GranuleService.
func (s *HTTPGranuleService) Fetch(ctx context.Context, product string, date time.Time) (io.ReadCloser, error) {
	return s.get(ctx, "granule", product, date)
}

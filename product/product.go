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

// Package product is the registry of upstream raster products the
// archive tracks. Each product value carries the cadence that
// generates its legal acquisition dates, the URL templates of its
// upstream source, and the availability probe that decides whether a
// candidate acquisition can be fetched now. Everything downstream of
// this package is product-agnostic.
package product

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/agrimodel/agrisync"
	"github.com/sirupsen/logrus"
)

// Availability is the answer of an availability probe.
type Availability int

const (
	// No means the acquisition is definitively not published upstream.
	No Availability = iota
	// Yes means the acquisition can be fetched now.
	Yes
)

// A Product describes one upstream product family.
type Product struct {
	// ID is the product identifier, e.g. "chirps" or "MOD09Q1".
	ID string

	// Collections lists the collections published per acquisition;
	// empty means the single implicit collection.
	Collections []string

	// Epoch is the earliest valid acquisition date.
	Epoch time.Time

	// cadence generates legal acquisition dates.
	cadence cadence

	// probe answers availability questions; nil means always No.
	probe probe
}

// ExpectedDates returns the cadence-legal acquisition dates in
// (after, until], in increasing order. A zero `after` starts the walk
// at the product epoch (which is itself a legal date and is included).
func (p *Product) ExpectedDates(after, until time.Time) []time.Time {
	var out []time.Time
	t := agrisync.Day(after)
	if after.IsZero() || t.Before(p.Epoch) {
		t = p.Epoch
		if !t.After(until) {
			out = append(out, t)
		}
	}
	for {
		t = p.cadence.next(t)
		if t.After(until) {
			return out
		}
		out = append(out, t)
	}
}

// Availability reports whether the acquisition for date can be fetched
// from upstream now. A definitive upstream "no" returns (No, nil);
// transient failures return a non-nil error wrapping
// agrisync.TransientError.
func (p *Product) Availability(ctx context.Context, date time.Time) (Availability, error) {
	if p.probe == nil {
		return No, fmt.Errorf("product: %s has no availability probe", p.ID)
	}
	return p.probe.available(ctx, date)
}

// Acquisitions expands date into one acquisition per collection.
func (p *Product) Acquisitions(date time.Time) []agrisync.Acquisition {
	if len(p.Collections) == 0 {
		return []agrisync.Acquisition{{Product: p.ID, Date: date}}
	}
	out := make([]agrisync.Acquisition, len(p.Collections))
	for i, c := range p.Collections {
		out[i] = agrisync.Acquisition{Product: p.ID, Date: date, Collection: c}
	}
	return out
}

// Preliminary returns the id of the definitive product that supersedes
// this preliminary one, if any.
func (p *Product) Preliminary() (definitive string, ok bool) {
	if p.ID == "chirps-prelim" {
		return "chirps", true
	}
	return "", false
}

// probe is the per-product availability check.
type probe interface {
	available(ctx context.Context, date time.Time) (Availability, error)
}

// A Registry holds the closed set of products.
type Registry struct {
	products map[string]*Product
	cfg      *Config
}

// Config carries the external collaborators and credentials the
// registry products need. Base URLs default to the production
// endpoints and are overridable for tests.
type Config struct {
	// Client is used for all upstream HTTP; nil means a client with a
	// 30-second timeout.
	Client *http.Client

	// Granules serves archive listings and assembled granules for the
	// NDVI family; nil disables those products' probes and fetches.
	Granules GranuleService

	// Upstream endpoints.
	ChirpsURL       string
	ChirpsPrelimURL string
	MerraURL        string
	SWIURL          string

	// Credentials. Empty credentials disable the products that need
	// them without affecting the others.
	MerraUser, MerraPass string
	SWIUser, SWIPass     string

	Log *logrus.Logger
}

func (c *Config) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Config) log() *logrus.Logger {
	if c.Log != nil {
		return c.Log
	}
	return logrus.StandardLogger()
}

// NewRegistry builds the product set.
func NewRegistry(cfg Config) *Registry {
	if cfg.ChirpsURL == "" {
		cfg.ChirpsURL = "https://data.chc.ucsb.edu/products/CHIRPS-2.0/global_dekad/tifs"
	}
	if cfg.ChirpsPrelimURL == "" {
		cfg.ChirpsPrelimURL = "https://data.chc.ucsb.edu/products/CHIRPS-2.0/prelim/global_dekad/tifs"
	}
	if cfg.MerraURL == "" {
		cfg.MerraURL = "https://goldsmr4.gesdisc.eosdis.nasa.gov/data/MERRA2/M2SDNXSLV.5.12.4"
	}
	if cfg.SWIURL == "" {
		cfg.SWIURL = "https://land.copernicus.vgt.vito.be/PDF/datapool/Vegetation/Soil_Water_Index/Daily_SWI_12.5km_Global_V3"
	}
	r := &Registry{products: map[string]*Product{}, cfg: &cfg}
	add := func(p *Product) { r.products[p.ID] = p }

	add(&Product{
		ID:      "chirps",
		Epoch:   agrisync.Date(1981, 1, 1),
		cadence: dekadal{},
		probe:   &urlProbe{cfg: &cfg, url: chirpsURL(cfg.ChirpsURL, true)},
	})
	add(&Product{
		ID:      "chirps-prelim",
		Epoch:   agrisync.Date(2015, 1, 1),
		cadence: dekadal{},
		probe:   &urlProbe{cfg: &cfg, url: chirpsURL(cfg.ChirpsPrelimURL, false)},
	})
	add(&Product{
		ID:      "swi",
		Epoch:   agrisync.Date(2007, 1, 1),
		cadence: everyN{n: 5},
		probe:   &authProbe{cfg: &cfg, url: swiURL(cfg.SWIURL)},
	})
	add(&Product{
		ID:          "merra-2",
		Collections: agrisync.TemperatureCollections,
		Epoch:       agrisync.Date(1981, 1, 1),
		cadence:     daily{},
		probe:       &listingProbe{cfg: &cfg, base: cfg.MerraURL, days: 5},
	})

	ndvi := []struct {
		id    string
		epoch time.Time
		cad   cadence
	}{
		{"MOD09Q1", agrisync.Date(2000, 2, 18), doyAnchored{step: 8, resetDay: 1}},
		{"MYD09Q1", agrisync.Date(2002, 7, 4), doyAnchored{step: 8, resetDay: 1}},
		{"MOD13Q1", agrisync.Date(2000, 2, 18), doyAnchored{step: 16, resetDay: 1}},
		{"MYD13Q1", agrisync.Date(2002, 7, 4), doyAnchored{step: 16, resetDay: 9}},
		{"MOD13Q4N", agrisync.Date(2019, 1, 1), daily{}},
	}
	for _, n := range ndvi {
		add(&Product{
			ID:      n.id,
			Epoch:   n.epoch,
			cadence: n.cad,
			probe:   &granuleProbe{id: n.id, svc: cfg.Granules},
		})
	}
	return r
}

// Get returns the product with the given id.
func (r *Registry) Get(id string) (*Product, error) {
	p, ok := r.products[id]
	if !ok {
		return nil, &agrisync.BadInputError{Msg: fmt.Sprintf("unknown product %q", id)}
	}
	return p, nil
}

// IDs returns all product ids in stable order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.products))
	for id := range r.products {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agrimodel/agrisync"
	"github.com/google/go-cmp/cmp"
)

func dates(ss ...string) []time.Time {
	out := make([]time.Time, len(ss))
	for i, s := range ss {
		d, err := agrisync.ParseDate(s)
		if err != nil {
			panic(err)
		}
		out[i] = d
	}
	return out
}

func TestExpectedDatesDekadal(t *testing.T) {
	r := NewRegistry(Config{})
	p, err := r.Get("chirps")
	if err != nil {
		t.Fatal(err)
	}
	got := p.ExpectedDates(agrisync.Date(2019, 11, 21), agrisync.Date(2019, 12, 5))
	want := dates("2019-12-01")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dates mismatch (-want +got):\n%s", diff)
	}

	got = p.ExpectedDates(agrisync.Date(2020, 2, 11), agrisync.Date(2020, 3, 11))
	want = dates("2020-02-21", "2020-03-01", "2020-03-11")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("leap February (-want +got):\n%s", diff)
	}
}

func TestExpectedDatesSWI(t *testing.T) {
	r := NewRegistry(Config{})
	p, err := r.Get("swi")
	if err != nil {
		t.Fatal(err)
	}
	got := p.ExpectedDates(agrisync.Date(2019, 1, 23), agrisync.Date(2019, 2, 3))
	want := dates("2019-01-28", "2019-02-02")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dates mismatch (-want +got):\n%s", diff)
	}
}

func TestExpectedDatesDOYRollover(t *testing.T) {
	r := NewRegistry(Config{})
	cases := []struct {
		product string
		after   string
		until   string
		want    []string
	}{
		// 8-day composites resume at DOY 1 after the short year-end period.
		{"MOD09Q1", "2019.361", "2020.010", []string{"2020.001", "2020.009"}},
		// 16-day Aqua resumes at DOY 9.
		{"MYD13Q1", "2019.353", "2020.026", []string{"2020.009", "2020.025"}},
		// 16-day Terra resumes at DOY 1.
		{"MOD13Q1", "2019.353", "2020.018", []string{"2020.001", "2020.017"}},
	}
	for _, c := range cases {
		t.Run(c.product, func(t *testing.T) {
			p, err := r.Get(c.product)
			if err != nil {
				t.Fatal(err)
			}
			after := dates(c.after)[0]
			until := dates(c.until)[0]
			got := p.ExpectedDates(after, until)
			if diff := cmp.Diff(dates(c.want...), got); diff != "" {
				t.Errorf("dates mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExpectedDatesIncreasingAndFromEpoch(t *testing.T) {
	r := NewRegistry(Config{})
	for _, id := range r.IDs() {
		p, err := r.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		got := p.ExpectedDates(time.Time{}, p.Epoch.AddDate(1, 0, 0))
		if len(got) == 0 || !got[0].Equal(p.Epoch) {
			t.Errorf("%s: walk from zero should start at the epoch", id)
			continue
		}
		for i := 1; i < len(got); i++ {
			if !got[i].After(got[i-1]) {
				t.Errorf("%s: dates not strictly increasing at %d", id, i)
			}
		}
	}
}

func TestChirpsURLDekadNumbers(t *testing.T) {
	u := chirpsURL("http://x", true)
	cases := map[string]string{
		"2019-12-01": "http://x/chirps-v2.0.2019.12.1.tif.gz",
		"2019-12-11": "http://x/chirps-v2.0.2019.12.2.tif.gz",
		"2019-12-12": "http://x/chirps-v2.0.2019.12.2.tif.gz",
		"2019-12-21": "http://x/chirps-v2.0.2019.12.3.tif.gz",
		"2019-12-22": "http://x/chirps-v2.0.2019.12.3.tif.gz",
	}
	for in, want := range cases {
		if got := u(dates(in)[0]); got != want {
			t.Errorf("chirpsURL(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestURLProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chirps-v2.0.2019.12.1.tif.gz":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte("data"))
		case "/chirps-v2.0.2019.12.2.tif.gz":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>not here</html>"))
		case "/chirps-v2.0.2019.12.3.tif.gz":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewRegistry(Config{ChirpsURL: srv.URL})
	p, err := r.Get("chirps")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if got, err := p.Availability(ctx, agrisync.Date(2019, 12, 1)); err != nil || got != Yes {
		t.Errorf("published dekad: got (%v, %v), want (Yes, nil)", got, err)
	}
	if got, err := p.Availability(ctx, agrisync.Date(2019, 12, 11)); err != nil || got != No {
		t.Errorf("html body: got (%v, %v), want (No, nil)", got, err)
	}
	got, err := p.Availability(ctx, agrisync.Date(2019, 12, 21))
	if got != No || !agrisync.IsTransient(err) {
		t.Errorf("server error: got (%v, %v), want transient", got, err)
	}
	if got, err := p.Availability(ctx, agrisync.Date(2020, 1, 1)); err != nil || got != No {
		t.Errorf("missing dekad: got (%v, %v), want (No, nil)", got, err)
	}
}

func TestAuthProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "user" || p != "pass" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("nc"))
	}))
	defer srv.Close()

	r := NewRegistry(Config{SWIURL: srv.URL, SWIUser: "user", SWIPass: "pass"})
	p, err := r.Get("swi")
	if err != nil {
		t.Fatal(err)
	}
	if got, err := p.Availability(context.Background(), agrisync.Date(2019, 1, 28)); err != nil || got != Yes {
		t.Errorf("got (%v, %v), want (Yes, nil)", got, err)
	}

	// Without credentials the product is disabled, not broken.
	r = NewRegistry(Config{SWIURL: srv.URL})
	p, err = r.Get("swi")
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Availability(context.Background(), agrisync.Date(2019, 1, 28))
	var mc *agrisync.MissingCredentialError
	if !errors.As(err, &mc) {
		t.Errorf("got %v, want MissingCredentialError", err)
	}
}

func TestListingProbe(t *testing.T) {
	listing := func(days ...string) string {
		out := "<html><body>"
		for _, d := range days {
			out += fmt.Sprintf(`<a href="MERRA2_400.statD_2_slv_Nx.%s.nc4">x</a>`, d)
		}
		return out + "</body></html>"
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/2019/12/":
			w.Write([]byte(listing("20191221", "20191222", "20191223", "20191224", "20191225")))
		case "/2020/01/":
			w.Write([]byte(listing("20200101")))
		case "/2019/11/":
			w.Write([]byte(listing("20191129", "20191130")))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewRegistry(Config{MerraURL: srv.URL, MerraUser: "u", MerraPass: "p"})
	p, err := r.Get("merra-2")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// All five trailing days present.
	if got, err := p.Availability(ctx, agrisync.Date(2019, 12, 25)); err != nil || got != Yes {
		t.Errorf("full window: got (%v, %v), want (Yes, nil)", got, err)
	}
	// 2019-12-26 needs the absent 2019-12-26 granule.
	if got, err := p.Availability(ctx, agrisync.Date(2019, 12, 26)); err != nil || got != No {
		t.Errorf("missing day: got (%v, %v), want (No, nil)", got, err)
	}
	// A window crossing the month boundary reads both listings; the
	// December days 2..5 before 2020-01-01 are absent here.
	if got, err := p.Availability(ctx, agrisync.Date(2020, 1, 1)); err != nil || got != No {
		t.Errorf("month boundary: got (%v, %v), want (No, nil)", got, err)
	}
}

func TestMerraSources(t *testing.T) {
	listing := func(days ...string) string {
		out := "<html><body>"
		for _, d := range days {
			out += fmt.Sprintf(`<a href="MERRA2_400.statD_2_slv_Nx.%s.nc4">x</a>`, d)
		}
		return out + "</body></html>"
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/2019/12/" {
			w.Write([]byte(listing("20191221", "20191222", "20191223", "20191224", "20191225")))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := NewRegistry(Config{MerraURL: srv.URL, MerraUser: "u", MerraPass: "p"})
	ctx := context.Background()

	srcs, err := r.MerraSources(ctx, agrisync.Date(2019, 12, 25), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(srcs) != 5 {
		t.Fatalf("got %d sources, want 5", len(srcs))
	}
	for i, day := range []string{"20191221", "20191222", "20191223", "20191224", "20191225"} {
		want := srv.URL + "/2019/12/MERRA2_400.statD_2_slv_Nx." + day + ".nc4"
		if srcs[i].URL != want {
			t.Errorf("source %d = %q, want %q", i, srcs[i].URL, want)
		}
	}

	// A day absent from the listing is a definitive absence carrying
	// the mosaic end date.
	_, err = r.MerraSources(ctx, agrisync.Date(2019, 12, 26), 5)
	if !agrisync.IsUnavailable(err) {
		t.Fatalf("got %v, want UnavailableError", err)
	}
	var u *agrisync.UnavailableError
	if errors.As(err, &u) && u.Date != "2019-12-26" {
		t.Errorf("unavailable date = %q, want 2019-12-26", u.Date)
	}
}

func TestGranuleProbeAndService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dates":
			if r.URL.Query().Get("product") != "MOD09Q1" {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode([]string{"2019-12-19", "2019-12-27"})
		case "/granule":
			w.Write([]byte("tiff-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc := &HTTPGranuleService{Base: srv.URL}
	r := NewRegistry(Config{Granules: svc})
	p, err := r.Get("MOD09Q1")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if got, err := p.Availability(ctx, agrisync.Date(2019, 12, 27)); err != nil || got != Yes {
		t.Errorf("published composite: got (%v, %v), want (Yes, nil)", got, err)
	}
	if got, err := p.Availability(ctx, agrisync.Date(2019, 12, 20)); err != nil || got != No {
		t.Errorf("absent composite: got (%v, %v), want (No, nil)", got, err)
	}
}

func TestAcquisitionsExpandCollections(t *testing.T) {
	r := NewRegistry(Config{})
	p, err := r.Get("merra-2")
	if err != nil {
		t.Fatal(err)
	}
	acqs := p.Acquisitions(agrisync.Date(2019, 12, 25))
	if len(acqs) != 3 {
		t.Fatalf("got %d acquisitions, want 3", len(acqs))
	}
	want := []string{"min", "mean", "max"}
	for i, a := range acqs {
		if a.Collection != want[i] {
			t.Errorf("collection %d = %q, want %q", i, a.Collection, want[i])
		}
	}
}

func TestPreliminarySupersession(t *testing.T) {
	r := NewRegistry(Config{})
	p, _ := r.Get("chirps-prelim")
	if def, ok := p.Preliminary(); !ok || def != "chirps" {
		t.Errorf("got (%q, %v)", def, ok)
	}
	p, _ = r.Get("chirps")
	if _, ok := p.Preliminary(); ok {
		t.Error("chirps should not be preliminary")
	}
}

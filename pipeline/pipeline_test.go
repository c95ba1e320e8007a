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

package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agrimodel/agrisync"
	"github.com/agrimodel/agrisync/product"
	"github.com/agrimodel/agrisync/raster"
	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

func writeGeoTIFF(t *testing.T, path string, meta raster.Meta, fill func(row, col int) float64) {
	t.Helper()
	w, err := raster.Create(path, meta)
	if err != nil {
		t.Fatal(err)
	}
	data := sparse.ZerosDense(meta.Height, meta.Width)
	for r := 0; r < meta.Height; r++ {
		for c := 0; c < meta.Width; c++ {
			data.Set(fill(r, c), r, c)
		}
	}
	if err := w.Write(raster.Window{X: 0, Y: 0, W: meta.Width, H: meta.Height}, data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func readCenter(t *testing.T, path string) (raster.Meta, float64) {
	t.Helper()
	r, err := raster.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	m := r.Meta()
	data, err := r.Read(raster.Window{X: m.Width / 2, Y: m.Height / 2, W: 1, H: 1})
	if err != nil {
		t.Fatal(err)
	}
	return m, data.Get(0, 0)
}

func TestFetchPrecipitation(t *testing.T) {
	// A coarse global geographic raster with the archive's undeclared
	// -9999 masking, gzip-compressed the way the definitive product is
	// published.
	srcMeta := raster.Meta{
		Width: 36, Height: 18,
		DType:     raster.Float32,
		Transform: [6]float64{-180, 10, 0, 90, 0, -10},
	}
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.tif")
	writeGeoTIFF(t, srcPath, srcMeta, func(r, c int) float64 {
		if r == 0 && c == 0 {
			return -9999
		}
		return 7
	})
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatal(err)
	}
	var zipped bytes.Buffer
	zw := gzip.NewWriter(&zipped)
	zw.Write(raw)
	zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chirps-v2.0.2019.03.1.tif.gz" {
			http.NotFound(w, r)
			return
		}
		w.Write(zipped.Bytes())
	}))
	defer srv.Close()

	p := &Pipeline{Registry: product.NewRegistry(product.Config{ChirpsURL: srv.URL})}
	paths, err := p.Fetch(context.Background(), "chirps", agrisync.Date(2019, time.March, 1), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != "chirps.2019-03-01.tif" {
		t.Fatalf("paths = %v", paths)
	}
	m, v := readCenter(t, paths[0])
	if !strings.Contains(m.Projection, "Sinusoidal") {
		t.Errorf("projection = %q; want sinusoidal", m.Projection)
	}
	if !m.HasNoData || m.NoData != -9999 {
		t.Errorf("nodata = %v, %v; want -9999", m.HasNoData, m.NoData)
	}
	if !m.Tiled {
		t.Error("output is not tiled")
	}
	if v != 7 {
		t.Errorf("center value = %v; want 7", v)
	}
}

func writeMerraNC(t *testing.T, path string, vals map[string]float32) {
	t.Helper()
	h := cdf.NewHeader([]string{"lat", "lon"}, []int{361, 576})
	// MERRA-2 stores latitude ascending, south pole first.
	h.AddVariable("lat", []string{"lat"}, []float32{})
	for name := range vals {
		h.AddVariable(name, []string{"lat", "lon"}, []float32{})
	}
	h.Define()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	ff, err := cdf.Create(f, h)
	if err != nil {
		t.Fatal(err)
	}
	lats := make([]float32, 361)
	for i := range lats {
		lats[i] = -90 + 0.5*float32(i)
	}
	if _, err := ff.Writer("lat", nil, nil).Write(lats); err != nil {
		t.Fatal(err)
	}
	for name, v := range vals {
		buf := make([]float32, 361*576)
		for i := range buf {
			buf[i] = v
		}
		if _, err := ff.Writer(name, nil, nil).Write(buf); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFetchTemperature(t *testing.T) {
	// Five daily granules with constant fields, so the warped mosaics
	// have known values everywhere: min of the mins, mean of the
	// means, max of the maxes.
	dir := t.TempDir()
	date := agrisync.Date(2019, time.March, 5)
	granules := map[string][]byte{}
	for i := 0; i < 5; i++ {
		d := date.AddDate(0, 0, -(4 - i))
		name := "MERRA2_400.statD_2d_slv_Nx." + d.Format("20060102") + ".nc4"
		ncPath := filepath.Join(dir, name)
		writeMerraNC(t, ncPath, map[string]float32{
			"T2MMIN":  float32(260 + i),
			"T2MMEAN": float32(270 + i),
			"T2MMAX":  float32(280 + i),
		})
		b, err := os.ReadFile(ncPath)
		if err != nil {
			t.Fatal(err)
		}
		granules[name] = b
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "alice" || p != "secret" {
			http.Error(w, "auth", http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/2019/03/" {
			for name := range granules {
				fmt.Fprintf(w, `<a href="%s">%s</a>`+"\n", name, name)
			}
			return
		}
		name := filepath.Base(r.URL.Path)
		b, ok := granules[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(b)
	}))
	defer srv.Close()

	p := &Pipeline{Registry: product.NewRegistry(product.Config{
		MerraURL:  srv.URL,
		MerraUser: "alice",
		MerraPass: "secret",
	})}
	paths, err := p.Fetch(context.Background(), "merra-2", date, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 {
		t.Fatalf("got %d paths; want 3", len(paths))
	}
	want := map[string]float64{
		"merra-2.2019-03-05.min.tif":  260,
		"merra-2.2019-03-05.mean.tif": 272,
		"merra-2.2019-03-05.max.tif":  284,
	}
	for _, path := range paths {
		base := filepath.Base(path)
		wantV, ok := want[base]
		if !ok {
			t.Errorf("unexpected output %s", base)
			continue
		}
		m, v := readCenter(t, path)
		if !strings.Contains(m.Projection, "Sinusoidal") {
			t.Errorf("%s: projection = %q", base, m.Projection)
		}
		if math.Abs(v-wantV) > 1e-3 {
			t.Errorf("%s: center value = %v; want %v", base, v, wantV)
		}
	}
}

func TestFetchTemperatureMissingDay(t *testing.T) {
	// A listing without one of the five days makes the acquisition
	// definitively unavailable, not transiently failed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			http.Error(w, "auth", http.StatusUnauthorized)
			return
		}
		fmt.Fprintln(w, `<a href="MERRA2_400.statD_2d_slv_Nx.20190305.nc4">x</a>`)
	}))
	defer srv.Close()

	p := &Pipeline{Registry: product.NewRegistry(product.Config{
		MerraURL:  srv.URL,
		MerraUser: "alice",
		MerraPass: "secret",
	})}
	_, err := p.Fetch(context.Background(), "merra-2", agrisync.Date(2019, time.March, 5), t.TempDir())
	if err == nil || !agrisync.IsUnavailable(err) {
		t.Fatalf("err = %v; want unavailable", err)
	}
}

func TestFetchGranule(t *testing.T) {
	// The granule service hands back a raster already on the canonical
	// sinusoidal grid; the pipeline only restructures it.
	srcMeta := raster.Meta{
		Width: 64, Height: 32,
		DType:      raster.Int16,
		NoData:     -3000,
		HasNoData:  true,
		Transform:  [6]float64{-22735470, 682889, 0, 9962342, 0, -596995},
		Projection: raster.SinusoidalWKT,
	}
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "granule.tif")
	writeGeoTIFF(t, srcPath, srcMeta, func(r, c int) float64 { return 4200 })
	b, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/granule" && r.URL.Query().Get("product") == "MOD09Q1" {
			w.Write(b)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := &Pipeline{Registry: product.NewRegistry(product.Config{
		Granules: &product.HTTPGranuleService{Base: srv.URL},
	})}
	paths, err := p.Fetch(context.Background(), "MOD09Q1", agrisync.Date(2019, time.March, 6), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != "MOD09Q1.2019.065.tif" {
		t.Fatalf("paths = %v", paths)
	}
	m, v := readCenter(t, paths[0])
	if !m.BigTIFF {
		t.Error("output is not BigTIFF")
	}
	if v != 4200 {
		t.Errorf("center value = %v; want 4200", v)
	}
}

func TestDownloadRetriesTransient(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	p := &Pipeline{Registry: product.NewRegistry(product.Config{}), Retries: 2}
	dest := filepath.Join(t.TempDir(), "out")
	if err := p.download(context.Background(), product.DownloadSource{URL: srv.URL}, dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("body = %q", got)
	}
	if calls != 2 {
		t.Errorf("calls = %d; want 2", calls)
	}
}

func TestDownloadDoesNotRetryDefinitive(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := &Pipeline{Registry: product.NewRegistry(product.Config{}), Retries: 3}
	err := p.download(context.Background(), product.DownloadSource{URL: srv.URL}, filepath.Join(t.TempDir(), "out"))
	if err == nil || agrisync.IsTransient(err) {
		t.Fatalf("err = %v; want permanent failure", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d; want 1", calls)
	}
}

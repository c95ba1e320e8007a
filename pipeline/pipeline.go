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

// Package pipeline turns one upstream acquisition into canonical local
// rasters: download, unpack, mark nodata, project to the sinusoidal
// canonical grid and cloud-optimize. Every step writes only inside the
// caller's working directory, so an interrupted fetch leaves nothing
// behind once that directory is removed.
package pipeline

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/agrimodel/agrisync"
	"github.com/agrimodel/agrisync/product"
	"github.com/agrimodel/agrisync/raster"
	"github.com/sirupsen/logrus"
)

// Grids of the upstream NetCDF containers. The container formats carry
// their georeferencing in conventions this pipeline does not parse, so
// the known grids are declared here instead.
var (
	// temperatureGrid is the MERRA-2 single-level statistics grid.
	temperatureGrid = raster.Meta{
		Width: 576, Height: 361,
		DType:     raster.Float32,
		NoData:    1e15,
		HasNoData: true,
		Transform: [6]float64{-180.3125, 0.625, 0, 90.25, 0, -0.5},
	}

	// soilWaterGrid is the 0.1-degree global soil water index grid.
	soilWaterGrid = raster.Meta{
		Width: 3600, Height: 1800,
		DType:     raster.Uint8,
		NoData:    255,
		HasNoData: true,
		Transform: [6]float64{-180, 0.1, 0, 90, 0, -0.1},
	}
)

// precipNoData is the value the precipitation archive uses for masked
// cells without declaring it in the file.
const precipNoData = -9999

// mosaicDays is the span of daily granules behind one temperature
// acquisition.
const mosaicDays = 5

// A Pipeline fetches and normalizes acquisitions. The zero value is
// not usable; Registry must be set.
type Pipeline struct {
	Registry *product.Registry
	Log      *logrus.Logger

	// Retries bounds the per-request retry count for transient
	// download failures; zero means defaultRetries.
	Retries uint64
}

func (p *Pipeline) log() *logrus.Logger {
	if p.Log != nil {
		return p.Log
	}
	return logrus.StandardLogger()
}

// Fetch produces the canonical raster files for one acquisition inside
// dir, returning their paths in collection order: three files for the
// temperature product, one for everything else. The caller owns dir
// and removes it when done with the results.
func (p *Pipeline) Fetch(ctx context.Context, productID string, date time.Time, dir string) ([]string, error) {
	start := time.Now()
	var paths []string
	var err error
	switch {
	case productID == "merra-2":
		paths, err = p.fetchTemperature(ctx, date, dir)
	case productID == "swi":
		paths, err = p.fetchSoilWater(ctx, date, dir)
	case agrisync.IsNDVI(productID):
		paths, err = p.fetchGranule(ctx, productID, date, dir)
	case agrisync.IsAncillary(productID):
		paths, err = p.fetchPrecipitation(ctx, productID, date, dir)
	default:
		return nil, &agrisync.BadInputError{Msg: fmt.Sprintf("unknown product %q", productID)}
	}
	if err != nil {
		return nil, err
	}
	p.log().WithFields(logrus.Fields{
		"product": productID,
		"date":    date.Format(agrisync.DateFormat),
		"files":   len(paths),
		"took":    time.Since(start).Round(time.Millisecond),
	}).Info("fetched acquisition")
	return paths, nil
}

// fetchPrecipitation handles chirps and chirps-prelim: a plain HTTP
// GeoTIFF, gzip-compressed for the definitive product, with an
// undeclared nodata value.
func (p *Pipeline) fetchPrecipitation(ctx context.Context, productID string, date time.Time, dir string) ([]string, error) {
	src, err := p.Registry.DownloadSource(productID, date)
	if err != nil {
		return nil, err
	}
	acq := agrisync.Acquisition{Product: productID, Date: date}
	out := filepath.Join(dir, acq.Key())
	raw := out + ".download"
	if err := p.download(ctx, src, raw); err != nil {
		return nil, err
	}
	if productID == "chirps" {
		plain := out + ".unzipped"
		if err := gunzip(raw, plain); err != nil {
			return nil, err
		}
		os.Remove(raw)
		raw = plain
	}
	masked := out + ".nodata"
	if err := raster.SetNoData(raw, masked, precipNoData); err != nil {
		return nil, err
	}
	os.Remove(raw)
	warped := out + ".warped"
	if err := raster.WarpToCanonical(masked, warped); err != nil {
		return nil, err
	}
	os.Remove(masked)
	if err := raster.CloudOptimize(warped, out, false); err != nil {
		return nil, err
	}
	os.Remove(warped)
	return []string{out}, nil
}

// fetchSoilWater downloads the daily soil water NetCDF and extracts
// the 10-day characteristic-length band.
func (p *Pipeline) fetchSoilWater(ctx context.Context, date time.Time, dir string) ([]string, error) {
	src, err := p.Registry.DownloadSource("swi", date)
	if err != nil {
		return nil, err
	}
	acq := agrisync.Acquisition{Product: "swi", Date: date}
	out := filepath.Join(dir, acq.Key())
	nc := out + ".nc"
	if err := p.download(ctx, src, nc); err != nil {
		return nil, err
	}
	extracted := out + ".band"
	if err := raster.ExtractNetCDF(nc, "SWI_010", extracted, soilWaterGrid); err != nil {
		return nil, err
	}
	os.Remove(nc)
	warped := out + ".warped"
	if err := raster.WarpToCanonical(extracted, warped); err != nil {
		return nil, err
	}
	os.Remove(extracted)
	if err := raster.CloudOptimize(warped, out, false); err != nil {
		return nil, err
	}
	os.Remove(warped)
	return []string{out}, nil
}

// temperatureBands maps each published collection to its NetCDF
// variable and mosaic reduction.
var temperatureBands = map[string]struct {
	variable string
	op       raster.ReduceOp
}{
	"min":  {"T2MMIN", raster.ReduceMin},
	"mean": {"T2MMEAN", raster.ReduceMean},
	"max":  {"T2MMAX", raster.ReduceMax},
}

// fetchTemperature builds the three temperature mosaics for date from
// the daily granules of date and the four preceding days. A granule
// missing from the listing has already aborted the fetch in
// MerraSources; a granule that fails to download aborts it here.
func (p *Pipeline) fetchTemperature(ctx context.Context, date time.Time, dir string) ([]string, error) {
	sources, err := p.Registry.MerraSources(ctx, date, mosaicDays)
	if err != nil {
		return nil, err
	}

	// Per-collection per-day band files, in source (date) order.
	bands := map[string][]string{}
	for i, src := range sources {
		nc := filepath.Join(dir, fmt.Sprintf("merra-2.day%d.nc4", i))
		if err := p.download(ctx, src, nc); err != nil {
			return nil, err
		}
		for _, coll := range agrisync.TemperatureCollections {
			band := temperatureBands[coll]
			tif := filepath.Join(dir, fmt.Sprintf("merra-2.day%d.%s.tif", i, coll))
			if err := raster.ExtractNetCDF(nc, band.variable, tif, temperatureGrid); err != nil {
				return nil, err
			}
			bands[coll] = append(bands[coll], tif)
		}
		os.Remove(nc)
	}

	var out []string
	for _, coll := range agrisync.TemperatureCollections {
		acq := agrisync.Acquisition{Product: "merra-2", Date: date, Collection: coll}
		final := filepath.Join(dir, acq.Key())
		mosaic := final + ".mosaic"
		if err := raster.Mosaic(bands[coll], temperatureBands[coll].op, mosaic); err != nil {
			return nil, err
		}
		for _, f := range bands[coll] {
			os.Remove(f)
		}
		warped := final + ".warped"
		if err := raster.WarpToCanonical(mosaic, warped); err != nil {
			return nil, err
		}
		os.Remove(mosaic)
		if err := raster.CloudOptimize(warped, final, false); err != nil {
			return nil, err
		}
		os.Remove(warped)
		out = append(out, final)
	}
	return out, nil
}

// fetchGranule pulls an assembled NDVI mosaic from the granule
// service. The service delivers rasters already on the canonical
// sinusoidal grid; only the cloud-optimized layout is produced
// locally. NDVI mosaics exceed the classic TIFF offset space, so the
// output is BigTIFF.
func (p *Pipeline) fetchGranule(ctx context.Context, productID string, date time.Time, dir string) ([]string, error) {
	svc := p.Registry.GranuleService()
	if svc == nil {
		return nil, &agrisync.MissingCredentialError{Key: "granule_service"}
	}
	acq := agrisync.Acquisition{Product: productID, Date: date}
	out := filepath.Join(dir, acq.Key())
	raw := out + ".download"
	rc, err := svc.Fetch(ctx, productID, date)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	f, err := os.Create(raw)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %v", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(raw)
		return nil, &agrisync.TransientError{Err: fmt.Errorf("streaming granule %s: %v", acq.Key(), err)}
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("pipeline: %v", err)
	}
	if err := raster.CloudOptimize(raw, out, true); err != nil {
		return nil, err
	}
	os.Remove(raw)
	return []string{out}, nil
}

func gunzip(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("pipeline: %v", err)
	}
	defer src.Close()
	zr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("pipeline: decompressing %s: %v", srcPath, err)
	}
	defer zr.Close()
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("pipeline: %v", err)
	}
	if _, err := io.Copy(dst, zr); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("pipeline: decompressing %s: %v", srcPath, err)
	}
	return dst.Close()
}

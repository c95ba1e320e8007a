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

package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/ctessum/sparse"
	"golang.org/x/image/tiff/lzw"
)

// A Reader provides windowed access to one single-band GeoTIFF.
// Readers must not be shared between goroutines; open one per worker.
type Reader struct {
	ra     io.ReaderAt
	closer io.Closer
	order  binary.ByteOrder
	big    bool

	meta Meta
	ifds []ifd // base image first, overviews after
}

// Open opens the GeoTIFF at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("raster: %v", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("raster: opening %s: %v", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader reads a GeoTIFF from ra. The caller keeps ownership of ra.
func NewReader(ra io.ReaderAt) (*Reader, error) {
	order, big, off, err := readHeader(ra)
	if err != nil {
		return nil, err
	}
	ifds, err := readIFDs(ra, order, big, off)
	if err != nil {
		return nil, err
	}
	if len(ifds) == 0 {
		return nil, fmt.Errorf("raster: file has no image directory")
	}
	r := &Reader{ra: ra, order: order, big: big, ifds: ifds}
	if r.meta, err = metaFromIFD(&ifds[0], big); err != nil {
		return nil, err
	}
	return r, nil
}

// Meta returns the base image metadata.
func (r *Reader) Meta() Meta { return r.meta }

// Overviews returns the number of reduced-resolution directories
// following the base image.
func (r *Reader) Overviews() int { return len(r.ifds) - 1 }

// Close closes the underlying file if the Reader owns one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func metaFromIFD(d *ifd, big bool) (Meta, error) {
	var m Meta
	m.BigTIFF = big
	w, ok := d.uintField(tImageWidth)
	if !ok {
		return m, fmt.Errorf("raster: missing image width")
	}
	h, ok := d.uintField(tImageLength)
	if !ok {
		return m, fmt.Errorf("raster: missing image length")
	}
	m.Width, m.Height = int(w), int(h)
	if n, ok := d.uintField(tSamplesPerPixel); ok && n != 1 {
		return m, fmt.Errorf("raster: %d samples per pixel; only single-band rasters are supported", n)
	}
	bits := uint64(8)
	if b, ok := d.uintField(tBitsPerSample); ok {
		bits = b
	}
	format := uint64(sampleFormatUint)
	if sf, ok := d.uintField(tSampleFormat); ok {
		format = sf
	}
	var err error
	if m.DType, err = dtypeFor(bits, format); err != nil {
		return m, err
	}
	if tw, ok := d.uintField(tTileWidth); ok {
		th, _ := d.uintField(tTileLength)
		m.Tiled = true
		m.BlockWidth, m.BlockHeight = int(tw), int(th)
	} else {
		rows, ok := d.uintField(tRowsPerStrip)
		if !ok || rows == 0 || rows > h {
			rows = h
		}
		m.BlockWidth, m.BlockHeight = m.Width, int(rows)
	}
	if f, ok := d.fields[tGDALNoData]; ok {
		s := strings.TrimSpace(f.ascii)
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			m.NoData = v
			m.HasNoData = true
		} else if strings.EqualFold(s, "nan") {
			m.NoData = math.NaN()
			m.HasNoData = true
		}
	}
	if scale, ok := d.fields[tModelPixelScale]; ok && len(scale.fvals) >= 2 {
		m.Transform[1] = scale.fvals[0]
		m.Transform[5] = -scale.fvals[1]
	}
	if tie, ok := d.fields[tModelTiepoint]; ok && len(tie.fvals) >= 6 {
		// Tiepoint (i,j,k) -> (x,y,z); shift back to pixel (0,0).
		m.Transform[0] = tie.fvals[3] - tie.fvals[0]*m.Transform[1]
		m.Transform[3] = tie.fvals[4] - tie.fvals[1]*m.Transform[5]
	}
	m.Projection = projectionFromIFD(d)
	return m, nil
}

func dtypeFor(bits, format uint64) (DType, error) {
	switch format {
	case sampleFormatUint:
		switch bits {
		case 8:
			return Uint8, nil
		case 16:
			return Uint16, nil
		case 32:
			return Uint32, nil
		}
	case sampleFormatInt:
		switch bits {
		case 16:
			return Int16, nil
		case 32:
			return Int32, nil
		}
	case sampleFormatFloat:
		switch bits {
		case 32:
			return Float32, nil
		case 64:
			return Float64, nil
		}
	}
	return 0, fmt.Errorf("raster: unsupported sample type (%d bits, format %d)", bits, format)
}

// Read reads the pixels in window w (clipped to the raster extent)
// into a dense array of shape [w.H][w.W]. Pixels outside the raster
// are never touched; w must be non-empty after clipping.
func (r *Reader) Read(w Window) (*sparse.DenseArray, error) {
	w = w.Intersect(r.meta.Width, r.meta.Height)
	if w.Empty() {
		return nil, fmt.Errorf("raster: empty read window")
	}
	out := sparse.ZerosDense(w.H, w.W)
	bw, bh := r.meta.BlockWidth, r.meta.BlockHeight
	for by := w.Y / bh; by*bh < w.Y+w.H; by++ {
		for bx := w.X / bw; bx*bw < w.X+w.W; bx++ {
			block, err := r.block(&r.ifds[0], r.meta, bx, by)
			if err != nil {
				return nil, err
			}
			// Copy the overlap of this block into the output.
			x0, y0 := bx*bw, by*bh
			for row := 0; row < bh; row++ {
				gy := y0 + row
				if gy < w.Y || gy >= w.Y+w.H {
					continue
				}
				for col := 0; col < bw; col++ {
					gx := x0 + col
					if gx < w.X || gx >= w.X+w.W {
						continue
					}
					out.Set(block[row*bw+col], gy-w.Y, gx-w.X)
				}
			}
		}
	}
	return out, nil
}

// ReadAll reads the full base image.
func (r *Reader) ReadAll() (*sparse.DenseArray, error) {
	return r.Read(Window{W: r.meta.Width, H: r.meta.Height})
}

// block decodes block (bx, by) of directory d into bw*bh float64
// samples. Edge blocks are stored at full block size with undefined
// padding, matching what the writer produces.
func (r *Reader) block(d *ifd, m Meta, bx, by int) ([]float64, error) {
	bw, bh := m.BlockWidth, m.BlockHeight
	blocksAcross := (m.Width + bw - 1) / bw
	idx := by*blocksAcross + bx

	offTag, cntTag := uint16(tTileOffsets), uint16(tTileByteCounts)
	if !m.Tiled {
		offTag, cntTag = tStripOffsets, tStripByteCounts
	}
	offs, ok := d.fields[offTag]
	if !ok || idx >= len(offs.vals) {
		return nil, fmt.Errorf("raster: missing block offset %d", idx)
	}
	cnts, ok := d.fields[cntTag]
	if !ok || idx >= len(cnts.vals) {
		return nil, fmt.Errorf("raster: missing block byte count %d", idx)
	}
	raw := make([]byte, cnts.vals[idx])
	if _, err := r.ra.ReadAt(raw, int64(offs.vals[idx])); err != nil {
		return nil, fmt.Errorf("raster: reading block %d: %v", idx, err)
	}

	// Strips may be shorter than a full block at the bottom edge.
	rows := bh
	if !m.Tiled && (by+1)*bh > m.Height {
		rows = m.Height - by*bh
	}
	want := bw * rows * m.DType.Size()

	compression := uint64(compressionNone)
	if c, ok := d.uintField(tCompression); ok {
		compression = c
	}
	var data []byte
	switch compression {
	case compressionNone:
		data = raw
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		data = make([]byte, want)
		if _, err := io.ReadFull(lr, data); err != nil && err != io.ErrUnexpectedEOF {
			lr.Close()
			return nil, fmt.Errorf("raster: LZW block %d: %v", idx, err)
		}
		lr.Close()
	case compressionDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("raster: deflate block %d: %v", idx, err)
		}
		data = make([]byte, want)
		if _, err := io.ReadFull(zr, data); err != nil && err != io.ErrUnexpectedEOF {
			zr.Close()
			return nil, fmt.Errorf("raster: deflate block %d: %v", idx, err)
		}
		zr.Close()
	default:
		return nil, fmt.Errorf("raster: unsupported compression %d", compression)
	}
	if len(data) < want {
		return nil, fmt.Errorf("raster: block %d truncated: %d of %d bytes", idx, len(data), want)
	}

	if p, ok := d.uintField(tPredictor); ok && p == 2 {
		undoPredictor(data, m.DType, r.order, bw, rows)
	}

	out := make([]float64, bw*bh)
	decodeSamples(data, m.DType, r.order, out[:bw*rows])
	return out, nil
}

// decodeSamples converts raw little- or big-endian samples to float64.
func decodeSamples(data []byte, d DType, order binary.ByteOrder, out []float64) {
	for i := range out {
		switch d {
		case Uint8:
			out[i] = float64(data[i])
		case Int16:
			out[i] = float64(int16(order.Uint16(data[i*2:])))
		case Uint16:
			out[i] = float64(order.Uint16(data[i*2:]))
		case Int32:
			out[i] = float64(int32(order.Uint32(data[i*4:])))
		case Uint32:
			out[i] = float64(order.Uint32(data[i*4:]))
		case Float32:
			out[i] = float64(math.Float32frombits(order.Uint32(data[i*4:])))
		case Float64:
			out[i] = math.Float64frombits(order.Uint64(data[i*8:]))
		}
	}
}

// undoPredictor reverses horizontal differencing in place.
func undoPredictor(data []byte, d DType, order binary.ByteOrder, width, rows int) {
	switch d {
	case Uint8:
		for r := 0; r < rows; r++ {
			row := data[r*width : (r+1)*width]
			for i := 1; i < width; i++ {
				row[i] += row[i-1]
			}
		}
	case Int16, Uint16:
		for r := 0; r < rows; r++ {
			row := data[r*width*2 : (r+1)*width*2]
			for i := 1; i < width; i++ {
				v := order.Uint16(row[i*2:]) + order.Uint16(row[(i-1)*2:])
				order.PutUint16(row[i*2:], v)
			}
		}
	case Int32, Uint32:
		for r := 0; r < rows; r++ {
			row := data[r*width*4 : (r+1)*width*4]
			for i := 1; i < width; i++ {
				v := order.Uint32(row[i*4:]) + order.Uint32(row[(i-1)*4:])
				order.PutUint32(row[i*4:], v)
			}
		}
	}
	// Floating-point predictors are never written by this package.
}

// ValidWindow scans the raster block by block and returns the tight
// bounding window of pixels that are not nodata. Sparse regional
// rasters carry data in a small corner of a much larger grid, and the
// aggregator uses this to skip the empty remainder. If the raster has
// no nodata value, the full extent is returned.
func (r *Reader) ValidWindow() (Window, error) {
	m := r.meta
	full := Window{W: m.Width, H: m.Height}
	if !m.HasNoData {
		return full, nil
	}
	minX, minY := m.Width, m.Height
	maxX, maxY := -1, -1
	for _, w := range Windows(m.Width, m.Height, m.BlockWidth, m.BlockHeight) {
		data, err := r.Read(w)
		if err != nil {
			return Window{}, err
		}
		for row := 0; row < w.H; row++ {
			for col := 0; col < w.W; col++ {
				if m.IsNoData(data.Get(row, col)) {
					continue
				}
				x, y := w.X+col, w.Y+row
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < 0 {
		return Window{}, nil // all nodata
	}
	return Window{X: minX, Y: minY, W: maxX - minX + 1, H: maxY - minY + 1}, nil
}

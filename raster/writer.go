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
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/ctessum/sparse"
)

// DefaultBlockSize is the tile edge used when a Meta does not specify
// block dimensions.
const DefaultBlockSize = 256

// A Writer produces a tiled, LZW-compressed, little-endian GeoTIFF.
// Tile data is streamed to disk as windows arrive; the directory chain
// is written on Close. Overview levels are appended with WriteOverview
// after all base tiles are written.
type Writer struct {
	f    *os.File
	meta Meta

	levels []*wLevel
	pos    uint64
	closed bool
}

// wLevel is one image in the output file: the base raster or one
// reduced-resolution overview.
type wLevel struct {
	width, height int
	tiles         map[int]wTile // tile index -> location
}

type wTile struct {
	offset uint64
	count  uint64
}

// Create starts writing a raster with the given metadata. meta.Tiled
// is implied; zero block dimensions default to DefaultBlockSize.
func Create(path string, meta Meta) (*Writer, error) {
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, fmt.Errorf("raster: bad dimensions %dx%d", meta.Width, meta.Height)
	}
	if meta.BlockWidth <= 0 {
		meta.BlockWidth = DefaultBlockSize
	}
	if meta.BlockHeight <= 0 {
		meta.BlockHeight = DefaultBlockSize
	}
	meta.Tiled = true
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("raster: %v", err)
	}
	w := &Writer{f: f, meta: meta}
	// Header with a placeholder first-directory offset, patched on
	// Close once the tile data is on disk.
	var hdr []byte
	if meta.BigTIFF {
		hdr = []byte{'I', 'I', 43, 0, 8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	} else {
		hdr = []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	}
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("raster: writing header: %v", err)
	}
	w.pos = uint64(len(hdr))
	w.levels = []*wLevel{{width: meta.Width, height: meta.Height, tiles: map[int]wTile{}}}
	return w, nil
}

// Meta returns the metadata the writer was created with.
func (w *Writer) Meta() Meta { return w.meta }

// Write stores the pixels of data (shape [win.H][win.W]) at window
// win. The window must be aligned to the tile grid; windows may arrive
// in any order but each tile must be written exactly once.
func (w *Writer) Write(win Window, data *sparse.DenseArray) error {
	return w.writeLevel(0, win, data)
}

// WriteOverview appends a reduced-resolution image of the given
// dimensions as the next overview level and writes all of its tiles
// from data (shape [height][width]). Overviews must be appended
// strictly after all base tiles, largest first.
func (w *Writer) WriteOverview(data *sparse.DenseArray) error {
	if len(data.Shape) != 2 {
		return fmt.Errorf("raster: overview array must be 2-d")
	}
	h, wd := data.Shape[0], data.Shape[1]
	w.levels = append(w.levels, &wLevel{width: wd, height: h, tiles: map[int]wTile{}})
	return w.writeLevel(len(w.levels)-1, Window{W: wd, H: h}, data)
}

func (w *Writer) writeLevel(level int, win Window, data *sparse.DenseArray) error {
	if w.closed {
		return fmt.Errorf("raster: write after close")
	}
	lv := w.levels[level]
	bw, bh := w.meta.BlockWidth, w.meta.BlockHeight
	if win.X%bw != 0 || win.Y%bh != 0 {
		return fmt.Errorf("raster: %v is not aligned to the %dx%d tile grid", win, bw, bh)
	}
	if len(data.Shape) != 2 || data.Shape[0] != win.H || data.Shape[1] != win.W {
		return fmt.Errorf("raster: array shape %v does not match %v", data.Shape, win)
	}
	tilesAcross := (lv.width + bw - 1) / bw
	for ty := win.Y / bh; ty*bh < win.Y+win.H; ty++ {
		for tx := win.X / bw; tx*bw < win.X+win.W; tx++ {
			idx := ty*tilesAcross + tx
			if _, dup := lv.tiles[idx]; dup {
				return fmt.Errorf("raster: tile %d written twice", idx)
			}
			buf := w.encodeTile(lv, win, data, tx, ty)
			n, err := w.f.Write(buf)
			if err != nil {
				return fmt.Errorf("raster: writing tile %d: %v", idx, err)
			}
			lv.tiles[idx] = wTile{offset: w.pos, count: uint64(n)}
			w.pos += uint64(n)
		}
	}
	return nil
}

// encodeTile serializes tile (tx, ty), padding beyond the image edge
// with the nodata value (or zero).
func (w *Writer) encodeTile(lv *wLevel, win Window, data *sparse.DenseArray, tx, ty int) []byte {
	bw, bh := w.meta.BlockWidth, w.meta.BlockHeight
	pad := 0.0
	if w.meta.HasNoData && !math.IsNaN(w.meta.NoData) {
		pad = w.meta.NoData
	}
	samples := make([]float64, bw*bh)
	for row := 0; row < bh; row++ {
		gy := ty*bh + row
		for col := 0; col < bw; col++ {
			gx := tx*bw + col
			v := pad
			if gx < lv.width && gy < lv.height &&
				gx >= win.X && gx < win.X+win.W && gy >= win.Y && gy < win.Y+win.H {
				v = data.Get(gy-win.Y, gx-win.X)
			}
			samples[row*bw+col] = v
		}
	}
	raw := encodeSamples(samples, w.meta.DType)
	if !w.meta.DType.Float() {
		applyPredictor(raw, w.meta.DType, bw, bh)
	}
	return lzwCompress(raw)
}

// encodeSamples converts float64 samples to little-endian raw bytes.
func encodeSamples(samples []float64, d DType) []byte {
	out := make([]byte, len(samples)*d.Size())
	for i, v := range samples {
		switch d {
		case Uint8:
			out[i] = byte(clamp(v, 0, math.MaxUint8))
		case Int16:
			binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
		case Uint16:
			binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp(v, 0, math.MaxUint16)))
		case Int32:
			binary.LittleEndian.PutUint32(out[i*4:], uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
		case Uint32:
			binary.LittleEndian.PutUint32(out[i*4:], uint32(clamp(v, 0, math.MaxUint32)))
		case Float32:
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(v)))
		case Float64:
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return math.Round(v)
}

// applyPredictor applies horizontal differencing in place. Only
// integer types are differenced; floats are stored verbatim.
func applyPredictor(data []byte, d DType, width, rows int) {
	switch d {
	case Uint8:
		for r := 0; r < rows; r++ {
			row := data[r*width : (r+1)*width]
			for i := width - 1; i > 0; i-- {
				row[i] -= row[i-1]
			}
		}
	case Int16, Uint16:
		for r := 0; r < rows; r++ {
			row := data[r*width*2 : (r+1)*width*2]
			for i := width - 1; i > 0; i-- {
				v := binary.LittleEndian.Uint16(row[i*2:]) - binary.LittleEndian.Uint16(row[(i-1)*2:])
				binary.LittleEndian.PutUint16(row[i*2:], v)
			}
		}
	case Int32, Uint32:
		for r := 0; r < rows; r++ {
			row := data[r*width*4 : (r+1)*width*4]
			for i := width - 1; i > 0; i-- {
				v := binary.LittleEndian.Uint32(row[i*4:]) - binary.LittleEndian.Uint32(row[(i-1)*4:])
				binary.LittleEndian.PutUint32(row[i*4:], v)
			}
		}
	}
}

// Close writes the directory chain and finishes the file. Every tile
// of every level must have been written.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.f.Close()

	firstDir := uint64(0)
	var prevNextPos uint64 // file position of the previous directory's next-pointer
	for i, lv := range w.levels {
		bw, bh := w.meta.BlockWidth, w.meta.BlockHeight
		nTiles := ((lv.width + bw - 1) / bw) * ((lv.height + bh - 1) / bh)
		if len(lv.tiles) != nTiles {
			return fmt.Errorf("raster: level %d has %d of %d tiles", i, len(lv.tiles), nTiles)
		}
		dirOff, nextPos, err := w.writeIFD(lv, i == 0)
		if err != nil {
			return err
		}
		if i == 0 {
			firstDir = dirOff
		} else if err := w.patchOffset(prevNextPos, dirOff); err != nil {
			return err
		}
		prevNextPos = nextPos
	}
	// Patch the header to point at the base directory.
	hdrPos := uint64(4)
	if w.meta.BigTIFF {
		hdrPos = 8
	}
	if err := w.patchOffset(hdrPos, firstDir); err != nil {
		return err
	}
	return w.f.Close()
}

func (w *Writer) patchOffset(pos, value uint64) error {
	var buf [8]byte
	n := 4
	if w.meta.BigTIFF {
		n = 8
		binary.LittleEndian.PutUint64(buf[:], value)
	} else {
		if value > math.MaxUint32 {
			return fmt.Errorf("raster: offset %d overflows classic TIFF; use BigTIFF", value)
		}
		binary.LittleEndian.PutUint32(buf[:], uint32(value))
	}
	if _, err := w.f.WriteAt(buf[:n], int64(pos)); err != nil {
		return fmt.Errorf("raster: patching directory offset: %v", err)
	}
	return nil
}

// wField is one directory entry to be serialized.
type wField struct {
	tag   uint16
	typ   uint16
	vals  []uint64
	fvals []float64
	ascii string
}

func (f *wField) count() uint64 {
	switch f.typ {
	case typASCII:
		return uint64(len(f.ascii) + 1)
	case typDouble:
		return uint64(len(f.fvals))
	default:
		return uint64(len(f.vals))
	}
}

func (f *wField) payload() []byte {
	switch f.typ {
	case typASCII:
		return append([]byte(f.ascii), 0)
	case typDouble:
		out := make([]byte, len(f.fvals)*8)
		for i, v := range f.fvals {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
		}
		return out
	case typShort:
		out := make([]byte, len(f.vals)*2)
		for i, v := range f.vals {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
		}
		return out
	case typLong:
		out := make([]byte, len(f.vals)*4)
		for i, v := range f.vals {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
		}
		return out
	case typLong8:
		out := make([]byte, len(f.vals)*8)
		for i, v := range f.vals {
			binary.LittleEndian.PutUint64(out[i*8:], v)
		}
		return out
	}
	panic("raster: unhandled field type")
}

// writeIFD appends the directory for lv at the current file position.
// It returns the directory's offset and the file position of its
// next-directory pointer so the chain can be linked.
func (w *Writer) writeIFD(lv *wLevel, base bool) (dirOff, nextPos uint64, err error) {
	m := w.meta
	bits, format := sampleTypeOf(m.DType)

	idxs := make([]int, 0, len(lv.tiles))
	for i := range lv.tiles {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	offs := make([]uint64, len(idxs))
	cnts := make([]uint64, len(idxs))
	for i, idx := range idxs {
		offs[i] = lv.tiles[idx].offset
		cnts[i] = lv.tiles[idx].count
	}

	offType := uint16(typLong)
	if m.BigTIFF {
		offType = typLong8
	}
	fields := []wField{
		{tag: tImageWidth, typ: typLong, vals: []uint64{uint64(lv.width)}},
		{tag: tImageLength, typ: typLong, vals: []uint64{uint64(lv.height)}},
		{tag: tBitsPerSample, typ: typShort, vals: []uint64{bits}},
		{tag: tCompression, typ: typShort, vals: []uint64{compressionLZW}},
		{tag: tPhotometric, typ: typShort, vals: []uint64{1}}, // min-is-black
		{tag: tSamplesPerPixel, typ: typShort, vals: []uint64{1}},
		{tag: tTileWidth, typ: typShort, vals: []uint64{uint64(m.BlockWidth)}},
		{tag: tTileLength, typ: typShort, vals: []uint64{uint64(m.BlockHeight)}},
		{tag: tTileOffsets, typ: offType, vals: offs},
		{tag: tTileByteCounts, typ: offType, vals: cnts},
		{tag: tSampleFormat, typ: typShort, vals: []uint64{format}},
	}
	if !m.DType.Float() {
		fields = append(fields, wField{tag: tPredictor, typ: typShort, vals: []uint64{2}})
	}
	if base {
		fields = append(fields, geoFields(m)...)
		if m.HasNoData {
			nd := strconv.FormatFloat(m.NoData, 'g', -1, 64)
			if math.IsNaN(m.NoData) {
				nd = "nan"
			}
			fields = append(fields, wField{tag: tGDALNoData, typ: typASCII, ascii: nd})
		}
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	// Classic directories open with a 2-byte entry count; BigTIFF
	// widens the count, the entries and the inline value slot.
	entrySize, countSize := 12, 2
	inlineSize := 4
	if m.BigTIFF {
		entrySize, countSize, inlineSize = 20, 8, 8
	}
	if w.pos%2 != 0 { // directories must be word aligned
		if _, err := w.f.Write([]byte{0}); err != nil {
			return 0, 0, fmt.Errorf("raster: aligning directory: %v", err)
		}
		w.pos++
	}
	dirOff = w.pos
	dirSize := countSize + len(fields)*entrySize + inlineSize
	// Out-of-line values follow the directory.
	valOff := dirOff + uint64(dirSize)
	var dir, vals []byte
	if m.BigTIFF {
		dir = binary.LittleEndian.AppendUint64(dir, uint64(len(fields)))
	} else {
		dir = binary.LittleEndian.AppendUint16(dir, uint16(len(fields)))
	}
	for i := range fields {
		f := &fields[i]
		payload := f.payload()
		dir = binary.LittleEndian.AppendUint16(dir, f.tag)
		dir = binary.LittleEndian.AppendUint16(dir, f.typ)
		if m.BigTIFF {
			dir = binary.LittleEndian.AppendUint64(dir, f.count())
		} else {
			dir = binary.LittleEndian.AppendUint32(dir, uint32(f.count()))
		}
		if len(payload) <= inlineSize {
			inline := make([]byte, inlineSize)
			copy(inline, payload)
			dir = append(dir, inline...)
		} else {
			if m.BigTIFF {
				dir = binary.LittleEndian.AppendUint64(dir, valOff)
			} else {
				dir = binary.LittleEndian.AppendUint32(dir, uint32(valOff))
			}
			// Keep out-of-line values word aligned.
			if pad := len(payload) % 2; pad != 0 {
				payload = append(payload, 0)
			}
			vals = append(vals, payload...)
			valOff += uint64(len(payload))
		}
	}
	nextPos = dirOff + uint64(len(dir))
	dir = append(dir, make([]byte, inlineSize)...) // next-directory pointer, zero for now
	if _, err := w.f.Write(dir); err != nil {
		return 0, 0, fmt.Errorf("raster: writing directory: %v", err)
	}
	if _, err := w.f.Write(vals); err != nil {
		return 0, 0, fmt.Errorf("raster: writing directory values: %v", err)
	}
	w.pos = dirOff + uint64(len(dir)) + uint64(len(vals))
	return dirOff, nextPos, nil
}

func sampleTypeOf(d DType) (bits, format uint64) {
	switch d {
	case Uint8:
		return 8, sampleFormatUint
	case Int16:
		return 16, sampleFormatInt
	case Uint16:
		return 16, sampleFormatUint
	case Int32:
		return 32, sampleFormatInt
	case Uint32:
		return 32, sampleFormatUint
	case Float32:
		return 32, sampleFormatFloat
	case Float64:
		return 64, sampleFormatFloat
	}
	panic("raster: unhandled dtype")
}

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
	"io"
	"math"
)

// TIFF tag and type constants. Only the subset a single-band GeoTIFF
// needs is represented.
const (
	tImageWidth      = 256
	tImageLength     = 257
	tBitsPerSample   = 258
	tCompression     = 259
	tPhotometric     = 262
	tStripOffsets    = 273
	tSamplesPerPixel = 277
	tRowsPerStrip    = 278
	tStripByteCounts = 279
	tPredictor       = 317
	tTileWidth       = 322
	tTileLength      = 323
	tTileOffsets     = 324
	tTileByteCounts  = 325
	tSampleFormat    = 339
	tModelPixelScale = 33550
	tModelTiepoint   = 33922
	tGeoKeyDirectory = 34735
	tGeoDoubleParams = 34736
	tGeoASCIIParams  = 34737
	tGDALNoData      = 42113
)

const (
	typByte     = 1
	typASCII    = 2
	typShort    = 3
	typLong     = 4
	typRational = 5
	typDouble   = 12
	typLong8    = 16
)

const (
	compressionNone    = 1
	compressionLZW     = 5
	compressionDeflate = 8
)

const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

var typeSize = map[uint16]int{
	typByte: 1, typASCII: 1, typShort: 2, typLong: 4, typRational: 8,
	typDouble: 8, typLong8: 8,
}

// A field is one decoded IFD entry. Numeric values are widened to
// uint64 or float64; ASCII values keep their raw bytes.
type field struct {
	tag   uint16
	typ   uint16
	vals  []uint64
	fvals []float64
	ascii string
}

func (f *field) first() uint64 {
	if len(f.vals) == 0 {
		return 0
	}
	return f.vals[0]
}

// An ifd is one image directory: the base raster or an overview.
type ifd struct {
	fields map[uint16]*field
	next   uint64
}

func (d *ifd) uintField(tag uint16) (uint64, bool) {
	f, ok := d.fields[tag]
	if !ok || len(f.vals) == 0 {
		return 0, false
	}
	return f.vals[0], true
}

// readIFDs walks the directory chain starting at offset.
func readIFDs(r io.ReaderAt, order binary.ByteOrder, big bool, offset uint64) ([]ifd, error) {
	var out []ifd
	for offset != 0 {
		if len(out) > 64 {
			return nil, fmt.Errorf("raster: directory chain too long")
		}
		d, err := readIFD(r, order, big, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		offset = d.next
	}
	return out, nil
}

func readIFD(r io.ReaderAt, order binary.ByteOrder, big bool, offset uint64) (ifd, error) {
	d := ifd{fields: map[uint16]*field{}}
	var n uint64
	entrySize := 12
	if big {
		entrySize = 20
		var buf [8]byte
		if _, err := r.ReadAt(buf[:], int64(offset)); err != nil {
			return d, fmt.Errorf("raster: reading directory count: %v", err)
		}
		n = order.Uint64(buf[:])
		offset += 8
	} else {
		var buf [2]byte
		if _, err := r.ReadAt(buf[:], int64(offset)); err != nil {
			return d, fmt.Errorf("raster: reading directory count: %v", err)
		}
		n = uint64(order.Uint16(buf[:]))
		offset += 2
	}
	if n > 4096 {
		return d, fmt.Errorf("raster: implausible directory entry count %d", n)
	}
	entries := make([]byte, int(n)*entrySize)
	if _, err := r.ReadAt(entries, int64(offset)); err != nil {
		return d, fmt.Errorf("raster: reading directory entries: %v", err)
	}
	for i := 0; i < int(n); i++ {
		e := entries[i*entrySize : (i+1)*entrySize]
		f, err := decodeField(r, order, big, e)
		if err != nil {
			return d, err
		}
		if f != nil {
			d.fields[f.tag] = f
		}
	}
	nextOff := offset + n*uint64(entrySize)
	if big {
		var buf [8]byte
		if _, err := r.ReadAt(buf[:], int64(nextOff)); err != nil {
			return d, fmt.Errorf("raster: reading next-directory offset: %v", err)
		}
		d.next = order.Uint64(buf[:])
	} else {
		var buf [4]byte
		if _, err := r.ReadAt(buf[:], int64(nextOff)); err != nil {
			return d, fmt.Errorf("raster: reading next-directory offset: %v", err)
		}
		d.next = uint64(order.Uint32(buf[:]))
	}
	return d, nil
}

func decodeField(r io.ReaderAt, order binary.ByteOrder, big bool, e []byte) (*field, error) {
	f := &field{
		tag: order.Uint16(e[0:2]),
		typ: order.Uint16(e[2:4]),
	}
	size, ok := typeSize[f.typ]
	if !ok {
		// Unknown field type: skip the entry rather than failing the
		// whole file.
		return nil, nil
	}
	var count uint64
	var inline []byte
	if big {
		count = order.Uint64(e[4:12])
		inline = e[12:20]
	} else {
		count = uint64(order.Uint32(e[4:8]))
		inline = e[8:12]
	}
	total := count * uint64(size)
	if total > 1<<28 {
		return nil, fmt.Errorf("raster: tag %d value too large (%d bytes)", f.tag, total)
	}
	data := inline
	if total > uint64(len(inline)) {
		off := order.Uint32(inline)
		off64 := uint64(off)
		if big {
			off64 = order.Uint64(inline)
		}
		data = make([]byte, total)
		if _, err := r.ReadAt(data, int64(off64)); err != nil {
			return nil, fmt.Errorf("raster: reading tag %d values: %v", f.tag, err)
		}
	}
	switch f.typ {
	case typASCII:
		b := data[:total]
		for len(b) > 0 && b[len(b)-1] == 0 {
			b = b[:len(b)-1]
		}
		f.ascii = string(b)
	case typDouble:
		f.fvals = make([]float64, count)
		for i := uint64(0); i < count; i++ {
			f.fvals[i] = math.Float64frombits(order.Uint64(data[i*8:]))
		}
	default:
		f.vals = make([]uint64, count)
		for i := uint64(0); i < count; i++ {
			switch f.typ {
			case typByte:
				f.vals[i] = uint64(data[i])
			case typShort:
				f.vals[i] = uint64(order.Uint16(data[i*2:]))
			case typLong:
				f.vals[i] = uint64(order.Uint32(data[i*4:]))
			case typRational:
				f.vals[i] = uint64(order.Uint32(data[i*8:])) // numerator only
			case typLong8:
				f.vals[i] = order.Uint64(data[i*8:])
			}
		}
	}
	return f, nil
}

// readHeader parses the TIFF magic and returns the byte order, format
// flavor, and the offset of the first directory.
func readHeader(r io.ReaderAt) (binary.ByteOrder, bool, uint64, error) {
	var buf [16]byte
	if _, err := r.ReadAt(buf[:8], 0); err != nil {
		return nil, false, 0, fmt.Errorf("raster: reading header: %v", err)
	}
	var order binary.ByteOrder
	switch string(buf[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, false, 0, fmt.Errorf("raster: not a TIFF file")
	}
	switch order.Uint16(buf[2:4]) {
	case 42:
		return order, false, uint64(order.Uint32(buf[4:8])), nil
	case 43:
		if _, err := r.ReadAt(buf[:16], 0); err != nil {
			return nil, false, 0, fmt.Errorf("raster: reading BigTIFF header: %v", err)
		}
		if order.Uint16(buf[4:6]) != 8 {
			return nil, false, 0, fmt.Errorf("raster: unsupported BigTIFF offset size")
		}
		return order, true, order.Uint64(buf[8:16]), nil
	default:
		return nil, false, 0, fmt.Errorf("raster: bad TIFF version")
	}
}

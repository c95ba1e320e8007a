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

import "bytes"

// TIFF-variant LZW compressor. TIFF LZW differs from the GIF flavor in
// the standard library: codes are packed most-significant-bit first and
// the code width increments one code early ("early change"), so the
// stdlib compress/lzw writer cannot be used. Decoding is handled by
// golang.org/x/image/tiff/lzw.

const (
	lzwClearCode = 256
	lzwEOICode   = 257
	lzwFirstCode = 258
	lzwMaxCode   = 4093 // reset before the table reaches 12-bit capacity
)

type lzwEncoder struct {
	out  bytes.Buffer
	bits uint32
	n    uint // bits pending in the accumulator

	width uint // current code width
	next  int  // next code to assign
	// table maps (prefixCode<<8 | byte) to its code.
	table map[uint32]int
}

// lzwCompress compresses src with TIFF early-change LZW.
func lzwCompress(src []byte) []byte {
	e := &lzwEncoder{}
	e.reset()
	e.emit(lzwClearCode)
	if len(src) == 0 {
		e.emit(lzwEOICode)
		e.flush()
		return e.out.Bytes()
	}
	prefix := int(src[0])
	for _, b := range src[1:] {
		key := uint32(prefix)<<8 | uint32(b)
		if code, ok := e.table[key]; ok {
			prefix = code
			continue
		}
		e.emit(prefix)
		e.table[key] = e.next
		e.next++
		// Widen one code early, per the TIFF specification.
		if e.next == 1<<e.width-1 {
			e.width++
		}
		if e.next > lzwMaxCode {
			e.emit(lzwClearCode)
			e.reset()
		}
		prefix = int(b)
	}
	e.emit(prefix)
	e.emit(lzwEOICode)
	e.flush()
	return e.out.Bytes()
}

func (e *lzwEncoder) reset() {
	e.width = 9
	e.next = lzwFirstCode
	e.table = make(map[uint32]int, 4096)
}

func (e *lzwEncoder) emit(code int) {
	e.bits |= uint32(code) << (32 - e.width - e.n)
	e.n += e.width
	for e.n >= 8 {
		e.out.WriteByte(byte(e.bits >> 24))
		e.bits <<= 8
		e.n -= 8
	}
}

func (e *lzwEncoder) flush() {
	if e.n > 0 {
		e.out.WriteByte(byte(e.bits >> 24))
		e.bits = 0
		e.n = 0
	}
}

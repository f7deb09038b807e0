// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package largearray

import (
	"fmt"

	"github.com/google/graphd/api"
	"github.com/google/graphd/internal/tile"
)

const bitmapHeaderSize = 16 // [0..4) magic, [4..12) high-water bit, [12..16) reserved

// lsbTable[b] is the index (0-7) of the lowest set bit in byte b, or 8 if
// b==0. msbTable is the analogous highest-set-bit table. Scans work a byte
// at a time through these rather than bit-by-bit.
var lsbTable, msbTable [256]uint8

func init() {
	for b := 0; b < 256; b++ {
		lsbTable[b] = 8
		msbTable[b] = 8
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				if lsbTable[b] == 8 {
					lsbTable[b] = uint8(bit)
				}
				msbTable[b] = uint8(bit)
			}
		}
	}
}

// Bitmap is a dense, sparse-on-disk membership set over the 34-bit id
// space: the bitmap-backed alternative to a large array (spec.md §4.7),
// used once a source's target set is dense enough that one bit per
// candidate id is cheaper than a sorted list.
type Bitmap struct {
	tf       *tile.File
	sourceID uint64
	highBit  uint64 // one past the highest bit ever Set, for ScanBackward's start
}

// OpenBitmap opens (creating if necessary) the bitmap file for sourceID.
func OpenBitmap(path string, sourceID uint64, opts Options) (*Bitmap, error) {
	tf, err := tile.Open(opts.Pool, path, api.MagicBitmap, tile.Options{
		Transactional: opts.Transactional,
		FsyncPool:     opts.FsyncPool,
		Fault:         opts.Fault,
	})
	if err != nil {
		return nil, fmt.Errorf("open bitmap %q: %w", path, err)
	}
	if err := tf.Grow(bitmapHeaderSize); err != nil {
		return nil, fmt.Errorf("grow bitmap header %q: %w", path, err)
	}
	b, err := tile.ReadAt(tf, 4, 8)
	if err != nil {
		return nil, err
	}
	var high uint64
	for _, c := range b {
		high = high<<8 | uint64(c)
	}
	return &Bitmap{tf: tf, sourceID: sourceID, highBit: high}, nil
}

func (b *Bitmap) writeHighBit() error {
	var buf [8]byte
	v := b.highBit
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return tile.WriteAt(b.tf, 4, buf[:])
}

func (b *Bitmap) byteOffset(id uint64) int64 { return bitmapHeaderSize + int64(id/8) }

// Set marks id present. ids are expected to be set in increasing order,
// same as every other sorted-set backing in this package.
func (b *Bitmap) Set(id uint64) error {
	off := b.byteOffset(id)
	if err := b.tf.Grow(off + 1); err != nil {
		return fmt.Errorf("grow bitmap %q: %w", b.Path(), err)
	}
	buf, err := tile.ReadAt(b.tf, off, 1)
	if err != nil {
		return err
	}
	buf[0] |= 1 << (id % 8)
	if err := tile.WriteAt(b.tf, off, buf); err != nil {
		return err
	}
	if id+1 > b.highBit {
		b.highBit = id + 1
		if err := b.writeHighBit(); err != nil {
			return err
		}
	}
	return nil
}

// Check reports whether id is present.
func (b *Bitmap) Check(id uint64) (bool, error) {
	if id >= b.highBit {
		return false, nil
	}
	buf, err := tile.ReadAt(b.tf, b.byteOffset(id), 1)
	if err != nil {
		return false, err
	}
	return buf[0]&(1<<(id%8)) != 0, nil
}

// ScanForward returns the smallest present id >= from, if any.
func (b *Bitmap) ScanForward(from uint64) (uint64, bool, error) {
	if from >= b.highBit {
		return 0, false, nil
	}
	byteIdx := from / 8
	lastByte := (b.highBit - 1) / 8
	firstMask := byte(0xFF << (from % 8))
	for byteIdx <= lastByte {
		buf, err := tile.ReadAt(b.tf, bitmapHeaderSize+int64(byteIdx), 1)
		if err != nil {
			return 0, false, err
		}
		v := buf[0]
		if byteIdx == from/8 {
			v &= firstMask
		}
		if v != 0 {
			return byteIdx*8 + uint64(lsbTable[v]), true, nil
		}
		byteIdx++
	}
	return 0, false, nil
}

// ScanBackward returns the largest present id <= from, if any.
func (b *Bitmap) ScanBackward(from uint64) (uint64, bool, error) {
	if b.highBit == 0 {
		return 0, false, nil
	}
	if from >= b.highBit {
		from = b.highBit - 1
	}
	byteIdx := int64(from / 8)
	lastMask := byte(0xFF >> (7 - from%8))
	for byteIdx >= 0 {
		buf, err := tile.ReadAt(b.tf, bitmapHeaderSize+byteIdx, 1)
		if err != nil {
			return 0, false, err
		}
		v := buf[0]
		if byteIdx == int64(from/8) {
			v &= lastMask
		}
		if v != 0 {
			return uint64(byteIdx)*8 + uint64(msbTable[v]), true, nil
		}
		byteIdx--
	}
	return 0, false, nil
}

// SourceID returns the source id this bitmap backs.
func (b *Bitmap) SourceID() uint64 { return b.sourceID }

// Path returns the backing file's path.
func (b *Bitmap) Path() string { return b.tf.Path() }

// Dirty reports whether the bitmap has changed since the last checkpoint.
func (b *Bitmap) Dirty() bool { return b.tf.HasDirty() }

// Tile exposes the underlying tiled file, for the checkpoint driver.
func (b *Bitmap) Tile() *tile.File { return b.tf }

// Verify is a no-op: a bitmap's only structural invariant (valid magic) is
// already enforced by tile.Open, and membership has no ordering to check.
func (b *Bitmap) Verify() error { return nil }

// Close closes the backing tiled file.
func (b *Bitmap) Close() error { return b.tf.Close() }

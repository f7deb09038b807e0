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

package index

import (
	"fmt"

	"github.com/google/graphd/api"
	"github.com/google/graphd/internal/tile"
)

const (
	entrySize = 5 // one 40-bit tagged value

	// numSizeClasses is the number of multi-array size classes: arrays of
	// 2^1, 2^2, ..., 2^34 entries (spec.md §3 "34 size-classed free lists").
	numSizeClasses = 34

	// arenaGranularity is the byte alignment of arena allocations: every
	// size class's byte length (2^n * entrySize, n>=1) is a multiple of it
	// (spec.md §6 "Overflow offsets are stored as multiples of 10 bytes").
	arenaGranularity = 10

	virtualSizeOffset = 4 // 8 bytes, within tile 0
	freeListOffset     = 32
	freeListBytes      = numSizeClasses * entrySize // 170

	// slotEntriesPerTile caps how many 5-byte slots fit in a tile without
	// straddling it; the tail bytes of each slot tile are unused padding.
	// This is an addressing adaptation spec.md's byte-exact layout doesn't
	// need to make (it predates any specific TILE_SIZE), kept consistent
	// with the primitive store's identical index-table placement.
	slotEntriesPerTile = tile.Size / entrySize
)

var slotTiles = (int64(api.PartitionSize) + slotEntriesPerTile - 1) / slotEntriesPerTile

// arenaBase is the absolute offset where the overflow arena begins: tile 0
// holds the magic/virtual-size/free-list header, tiles [1, 1+slotTiles)
// hold the dense slot table.
var arenaBase = (1 + slotTiles) * tile.Size

func slotOffset(local uint32) int64 {
	tileNum := int64(local) / slotEntriesPerTile
	within := int64(local) % slotEntriesPerTile
	return (1+tileNum)*tile.Size + within*entrySize
}

func freeListHeadOffset(class int) int64 {
	return freeListOffset + int64(class)*entrySize
}

func put40(b []byte, v uint64) {
	b[0] = byte(v >> 32)
	b[1] = byte(v >> 24)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 8)
	b[4] = byte(v)
}

func get40(b []byte) uint64 {
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])
}

func readU40(f *tile.File, off int64) (uint64, error) {
	b, err := tile.ReadAt(f, off, entrySize)
	if err != nil {
		return 0, err
	}
	return get40(b), nil
}

func writeU40(f *tile.File, off int64, v uint64) error {
	var b [entrySize]byte
	put40(b[:], v)
	return tile.WriteAt(f, off, b[:])
}

func readSlot(f *tile.File, local uint32) (slot, error) {
	v, err := readU40(f, slotOffset(local))
	if err != nil {
		return slot{}, fmt.Errorf("read slot %d: %w", local, err)
	}
	return decodeSlot(v), nil
}

func writeSlotRaw(f *tile.File, local uint32, v uint64) error {
	if err := writeU40(f, slotOffset(local), v); err != nil {
		return fmt.Errorf("write slot %d: %w", local, err)
	}
	return nil
}

func virtualSize(f *tile.File) (int64, error) {
	v, err := readU40WideAt(f, virtualSizeOffset)
	if err != nil {
		return 0, fmt.Errorf("read virtual size: %w", err)
	}
	if v == 0 {
		return arenaBase, nil
	}
	return v, nil
}

func setVirtualSize(f *tile.File, n int64) error {
	return writeU40WideAt(f, virtualSizeOffset, n)
}

// readU40WideAt/writeU40WideAt handle the partition header's one 8-byte
// big-endian field (the virtual file size), distinct from the 5-byte
// tagged values used everywhere else in the file.
func readU40WideAt(f *tile.File, off int64) (int64, error) {
	b, err := tile.ReadAt(f, off, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return int64(v), nil
}

func writeU40WideAt(f *tile.File, off int64, n int64) error {
	var b [8]byte
	v := uint64(n)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return tile.WriteAt(f, off, b[:])
}

// allocArena reserves a fresh block for size class exp (array capacity
// 2^exp entries), first trying that class's free list, then growing the
// arena (spec.md §4.6 "allocate a new array from the size-class free list
// ... or from the partition's end if the free list is empty").
func allocArena(f *tile.File, exp uint8) (uint64, error) {
	class := int(exp) - 1
	headOff := freeListHeadOffset(class)
	head, err := readU40(f, headOff)
	if err != nil {
		return 0, fmt.Errorf("read free list head class %d: %w", class, err)
	}
	if head != 0 {
		blockOff := arenaBase + int64(head)*arenaGranularity
		next, err := readU40(f, blockOff) // plain offset units, 0 = end of list
		if err != nil {
			return 0, fmt.Errorf("read free list next: %w", err)
		}
		if err := writeU40(f, headOff, next); err != nil {
			return 0, fmt.Errorf("write free list head class %d: %w", class, err)
		}
		return head, nil
	}

	sizeBytes := int64(1) << exp * entrySize
	vsize, err := virtualSize(f)
	if err != nil {
		return 0, err
	}
	blockAbs := vsize
	newVsize := blockAbs + sizeBytes
	if err := f.Grow(newVsize); err != nil {
		return 0, fmt.Errorf("grow arena for class %d: %w", class, err)
	}
	if err := setVirtualSize(f, newVsize); err != nil {
		return 0, err
	}
	return uint64((blockAbs - arenaBase) / arenaGranularity), nil
}

// freeArena returns a block to its size class's free list.
func freeArena(f *tile.File, exp uint8, offsetUnits uint64) error {
	class := int(exp) - 1
	headOff := freeListHeadOffset(class)
	head, err := readU40(f, headOff)
	if err != nil {
		return fmt.Errorf("read free list head class %d: %w", class, err)
	}
	blockOff := arenaBase + int64(offsetUnits)*arenaGranularity
	if err := writeU40(f, blockOff, head); err != nil {
		return fmt.Errorf("link freed block: %w", err)
	}
	return writeU40(f, headOff, offsetUnits)
}

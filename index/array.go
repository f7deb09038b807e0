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

	"github.com/google/graphd/internal/tile"
)

// multiArray names one doubling overflow array inside a partition's arena
// (spec.md §4.6). Its last entry is a sentinel: tag entryTagNotFull means
// the array isn't full yet and the payload is the live element count; any
// other tag (always entryTagFull==0 in practice, since ids pack with tag 0)
// means the array is full and the slot itself holds the last data element.
type multiArray struct {
	exp    uint8
	offset uint64 // arena offset, in 10-byte units
}

func (a multiArray) capacity() uint64 { return uint64(1) << a.exp }
func (a multiArray) base() int64      { return arenaBase + int64(a.offset)*arenaGranularity }

func (a multiArray) entryOffset(i uint64) int64 { return a.base() + int64(i)*entrySize }

// readSentinel reports the array's live element count and, if full, its
// last element (read directly out of the sentinel slot).
func (a multiArray) readSentinel(f *tile.File) (count uint64, full bool, last uint64, err error) {
	v, err := readU40(f, a.entryOffset(a.capacity()-1))
	if err != nil {
		return 0, false, 0, fmt.Errorf("read array sentinel: %w", err)
	}
	tag, payload := unpack40(v)
	if tag == entryTagNotFull {
		return payload, false, 0, nil
	}
	return a.capacity(), true, payload, nil
}

// list returns every element currently stored, in ascending order.
func (a multiArray) list(f *tile.File) ([]uint64, error) {
	count, full, last, err := a.readSentinel(f)
	if err != nil {
		return nil, err
	}
	n := count
	if full {
		n = a.capacity() - 1 // the sentinel slot is read separately below
	}
	out := make([]uint64, 0, count)
	for i := uint64(0); i < n; i++ {
		v, err := readU40(f, a.entryOffset(i))
		if err != nil {
			return nil, fmt.Errorf("read array entry %d: %w", i, err)
		}
		_, payload := unpack40(v)
		out = append(out, payload)
	}
	if full {
		out = append(out, last)
	}
	return out, nil
}

// last returns the array's current maximum (sorted-set) element.
func (a multiArray) last(f *tile.File) (uint64, error) {
	count, full, lastVal, err := a.readSentinel(f)
	if err != nil {
		return 0, err
	}
	if full {
		return lastVal, nil
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: empty multi array", errEmptyArray)
	}
	v, err := readU40(f, a.entryOffset(count-1))
	if err != nil {
		return 0, err
	}
	_, payload := unpack40(v)
	return payload, nil
}

var errEmptyArray = fmt.Errorf("index: multi array has no elements")

// append adds id to the end of a not-yet-full array (spec.md §4.6: "if the
// next write would make it full, write the new element into the sentinel
// slot directly; otherwise write it at the current count and bump the
// count").
func (a multiArray) append(f *tile.File, id uint64) error {
	count, full, _, err := a.readSentinel(f)
	if err != nil {
		return err
	}
	if full {
		return fmt.Errorf("%w: multi array is full", errArrayFull)
	}
	if count == a.capacity()-1 {
		return writeU40(f, a.entryOffset(count), pack40(0, id))
	}
	if err := writeU40(f, a.entryOffset(count), pack40(0, id)); err != nil {
		return err
	}
	return writeU40(f, a.entryOffset(a.capacity()-1), pack40(entryTagNotFull, count+1))
}

var errArrayFull = fmt.Errorf("index: multi array is full")

// writeAll populates a freshly allocated array's first len(ids) entries and
// sets (or omits, if that would exactly fill it) the sentinel.
func (a multiArray) writeAll(f *tile.File, ids []uint64) error {
	n := uint64(len(ids))
	if n > a.capacity() {
		return fmt.Errorf("index: %d elements overflow capacity %d", n, a.capacity())
	}
	for i, id := range ids {
		if err := writeU40(f, a.entryOffset(uint64(i)), pack40(0, id)); err != nil {
			return err
		}
	}
	if n == a.capacity() {
		return nil // every slot, including the sentinel's, now holds data
	}
	return writeU40(f, a.entryOffset(a.capacity()-1), pack40(entryTagNotFull, n))
}

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

// Package largearray implements the overflow backing of spec.md §4.7 used
// once a single source's target set outgrows the multi-array arena: a
// tiled, append-only file of 5-byte target-id entries, plus the
// dense-target alternative, a bitmap.
package largearray

import (
	"fmt"

	"github.com/google/graphd/api"
	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/sabotage"
	"github.com/google/graphd/internal/tile"
)

const entrySize = 5
const headerSize = 80 // [0..4) magic, [4..12) logical size, [12..80) reserved

// Options configure a newly opened large-array File.
type Options struct {
	Pool          *tile.Pool
	FsyncPool     *asyncsync.Pool
	Fault         *sabotage.Hook
	Transactional bool
}

// File is one source's overflow target list (spec.md §4.7).
type File struct {
	tf          *tile.File
	sourceID    uint64
	logicalSize int64 // bytes of entry data, i.e. Size()*entrySize
}

// Open opens (creating if necessary) the large-array file for sourceID at
// path.
func Open(path string, sourceID uint64, opts Options) (*File, error) {
	tf, err := tile.Open(opts.Pool, path, api.MagicLargeArray, tile.Options{
		Transactional: opts.Transactional,
		FsyncPool:     opts.FsyncPool,
		Fault:         opts.Fault,
	})
	if err != nil {
		return nil, fmt.Errorf("open large-array file %q: %w", path, err)
	}
	if err := tf.Grow(headerSize); err != nil {
		return nil, fmt.Errorf("grow large-array header %q: %w", path, err)
	}
	sz, err := readLogicalSize(tf)
	if err != nil {
		return nil, fmt.Errorf("read logical size %q: %w", path, err)
	}
	return &File{tf: tf, sourceID: sourceID, logicalSize: sz}, nil
}

func readLogicalSize(tf *tile.File) (int64, error) {
	b, err := tile.ReadAt(tf, 4, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return int64(v), nil
}

func writeLogicalSize(tf *tile.File, n int64) error {
	var b [8]byte
	v := uint64(n)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return tile.WriteAt(tf, 4, b[:])
}

// Size returns the number of ids currently stored.
func (f *File) Size() uint64 { return uint64(f.logicalSize / entrySize) }

// SourceID returns the source id this file is the overflow backing for.
func (f *File) SourceID() uint64 { return f.sourceID }

// Path returns the backing file's path.
func (f *File) Path() string { return f.tf.Path() }

// Dirty reports whether this file has been appended to since the last
// checkpoint, i.e. whether it must participate in the next one.
func (f *File) Dirty() bool { return f.tf.HasDirty() }

// Tile exposes the underlying tiled file, for the checkpoint driver and
// for the index's Refresh.
func (f *File) Tile() *tile.File { return f.tf }

// Append adds ids, in order, to the end of the list. Callers are
// responsible for maintaining the sorted-set invariant (spec.md §4.6
// duplicate handling applies identically here).
func (f *File) Append(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	buf := make([]byte, len(ids)*entrySize)
	for i, id := range ids {
		put40(buf[i*entrySize:], id)
	}
	start := headerSize + f.logicalSize
	end := start + int64(len(buf))
	if err := f.tf.Grow(end); err != nil {
		return fmt.Errorf("grow large-array %q: %w", f.Path(), err)
	}
	if err := tile.WriteAt(f.tf, start, buf); err != nil {
		return fmt.Errorf("append large-array %q: %w", f.Path(), err)
	}
	f.logicalSize = end - headerSize
	if err := writeLogicalSize(f.tf, f.logicalSize); err != nil {
		return fmt.Errorf("write large-array size %q: %w", f.Path(), err)
	}
	return nil
}

// ReadRange returns ids[i:j) (0-indexed, exclusive end).
func (f *File) ReadRange(i, j uint64) ([]uint64, error) {
	if j > f.Size() || i > j {
		return nil, fmt.Errorf("%w: large-array %q: range [%d,%d) out of bounds (size %d)", api.ErrDatabase, f.Path(), i, j, f.Size())
	}
	n := j - i
	raw, err := tile.ReadAt(f.tf, headerSize+int64(i)*entrySize, int(n)*entrySize)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, n)
	for k := range ids {
		ids[k] = get40(raw[k*entrySize:])
	}
	return ids, nil
}

// Last returns the most recently appended id, if any.
func (f *File) Last() (uint64, bool, error) {
	n := f.Size()
	if n == 0 {
		return 0, false, nil
	}
	ids, err := f.ReadRange(n-1, n)
	if err != nil {
		return 0, false, err
	}
	return ids[0], true, nil
}

// Verify confirms the stored ids are strictly ascending with no
// duplicates (spec.md §4.7, §8 consistency checking).
func (f *File) Verify() error {
	n := f.Size()
	if n == 0 {
		return nil
	}
	const batch = 4096
	var prev uint64
	havePrev := false
	for i := uint64(0); i < n; i += batch {
		j := i + batch
		if j > n {
			j = n
		}
		ids, err := f.ReadRange(i, j)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if havePrev && id <= prev {
				return fmt.Errorf("%w: large array %q: not strictly ascending (%d <= %d)", api.ErrDatabase, f.Path(), id, prev)
			}
			prev, havePrev = id, true
		}
	}
	return nil
}

// Close closes the backing tiled file.
func (f *File) Close() error { return f.tf.Close() }

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

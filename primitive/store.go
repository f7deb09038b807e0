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

// Package primitive implements the dense-ID, partitioned, append-only
// record store of spec.md §4.5: the immutable bottom layer every index
// ultimately points into.
package primitive

import (
	"fmt"
	"os"
	"sync"

	"k8s.io/klog/v2"

	"github.com/google/graphd/api"
	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/marker"
	"github.com/google/graphd/internal/sabotage"
	"github.com/google/graphd/internal/tile"
)

const indexEntrySize = 5 // 40-bit big-endian, units of 8 bytes

// entriesPerTile is the number of dense index-table entries that fit in
// one tile without any entry straddling a tile boundary; the few trailing
// bytes of each index tile are unused padding.
const entriesPerTile = tile.Size / indexEntrySize

// indexTiles is the number of whole tiles needed to hold one dense index
// table covering every local id in a partition.
var indexTiles = (int64(api.PartitionSize) + entriesPerTile - 1) / entriesPerTile

// dataOrigin is the absolute offset, within a partition file, where the
// data region begins — a whole number of tiles past tile 0 (which holds
// the partition magic) and the dense index table (spec.md §4.5).
var dataOrigin = (1 + indexTiles) * tile.Size

// Options configure a Store.
type Options struct {
	Pool          *tile.Pool
	FsyncPool     *asyncsync.Pool
	Fault         *sabotage.Hook
	Transactional bool

	// WriteMu, if set, is taken for the duration of every call that
	// mutates tile pool state, dirty/scheduled lists, or marker state
	// (Write). AdvanceHorizon does not take it: its caller already holds it
	// for the whole checkpoint. The database layer shares one mutex across
	// a Store and every Index built on it, so a background Checkpoint
	// (which drives the same tile state machine through FinishBackup/
	// StartWrites/FinishWrites) never runs concurrently with an
	// application write, per spec.md §5's single-writer-thread model.
	WriteMu *sync.Mutex
}

// Store is the partitioned append-only primitive record store.
type Store struct {
	dir  string
	opts Options

	partitions []*tile.File // lazily opened, indexed by partition number

	next    *marker.Marker
	horizon *marker.Marker
}

// Open opens (creating if necessary) the primitive store rooted at dir.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir primitive store %q: %w", dir, err)
	}
	next, err := marker.Open(api.MarkerPath(dir, api.MarkerNext), api.MarkerPath(dir, api.MarkerNextTemp), api.MagicPrimitiveNext, opts.Fault)
	if err != nil {
		return nil, fmt.Errorf("open next marker: %w", err)
	}
	horizon, err := marker.Open(api.MarkerPath(dir, api.MarkerHorizon), api.MarkerPath(dir, api.MarkerHorizonTemp), api.MagicPrimitiveHoriz, opts.Fault)
	if err != nil {
		return nil, fmt.Errorf("open horizon marker: %w", err)
	}
	return &Store{dir: dir, opts: opts, next: next, horizon: horizon}, nil
}

// NextID reports the next identifier that Write will allocate.
func (s *Store) NextID() uint64 { return s.next.Value() }

// Horizon reports the id up to which all dependent indexes have been
// checkpointed (spec.md §4.5).
func (s *Store) Horizon() uint64 { return s.horizon.Value() }

// AdvanceHorizon durably sets the horizon marker. Called by the database
// layer once a checkpoint covering up to id h has completed; the caller
// already holds WriteMu for the whole checkpoint, so this does not take
// it again (sync.Mutex is not reentrant).
func (s *Store) AdvanceHorizon(h uint64) error { return s.horizon.Advance(h) }

func (s *Store) partitionFile(n uint32) (*tile.File, error) {
	if int(n) < len(s.partitions) && s.partitions[n] != nil {
		return s.partitions[n], nil
	}
	if int(n) >= len(s.partitions) {
		grown := make([]*tile.File, n+1)
		copy(grown, s.partitions)
		s.partitions = grown
	}
	path := api.PartitionPath(s.dir, "i", n)
	f, err := tile.Open(s.opts.Pool, path, api.MagicPrimitivePartition, tile.Options{
		Transactional: s.opts.Transactional,
		FsyncPool:     s.opts.FsyncPool,
		Fault:         s.opts.Fault,
	})
	if err != nil {
		return nil, fmt.Errorf("open primitive partition %q: %w", path, err)
	}
	if err := f.Grow(dataOrigin); err != nil {
		return nil, fmt.Errorf("grow primitive partition %q: %w", path, err)
	}
	s.partitions[n] = f
	return f, nil
}

// indexEntryOffset places the dense index table from tile 1 on, leaving
// tile 0 to the partition magic.
func indexEntryOffset(local uint32) int64 {
	tileNum := int64(local) / entriesPerTile
	within := int64(local) % entriesPerTile
	return (1+tileNum)*tile.Size + within*indexEntrySize
}

func readIndexEntry(f *tile.File, local uint32) (int64, error) {
	off := indexEntryOffset(local)
	ref, buf, err := f.Get(off, off+indexEntrySize, tile.Read)
	if err != nil {
		return 0, err
	}
	defer f.Free(ref)
	return int64(get40(buf)) * 8, nil
}

func writeIndexEntry(f *tile.File, local uint32, absEnd int64) error {
	if absEnd%8 != 0 {
		return fmt.Errorf("%w: primitive store: end offset %d not 8-byte aligned", api.ErrDatabase, absEnd)
	}
	off := indexEntryOffset(local)
	ref, buf, err := f.Get(off, off+indexEntrySize, tile.Write)
	if err != nil {
		return err
	}
	defer f.Free(ref)
	put40(buf, uint64(absEnd/8))
	return nil
}

func pad8(n int) int { return (n + 7) &^ 7 }

// Write appends data as a new record, returning its freshly allocated id.
//
// Write takes WriteMu for its duration so it can never interleave with a
// checkpoint driving the same tiled files through FinishBackup/
// StartWrites/FinishWrites (spec.md §5).
func (s *Store) Write(data []byte) (uint64, error) {
	if s.opts.WriteMu != nil {
		s.opts.WriteMu.Lock()
		defer s.opts.WriteMu.Unlock()
	}
	id := s.next.Value()
	partition, local := api.PartitionOf(id)
	f, err := s.partitionFile(partition)
	if err != nil {
		return 0, err
	}

	var start int64
	if local == 0 {
		start = dataOrigin
	} else {
		start, err = readIndexEntry(f, local-1)
		if err != nil {
			return 0, fmt.Errorf("read previous index entry: %w", err)
		}
	}

	padded := pad8(len(data))
	end := start + int64(padded)
	if err := f.Grow(end); err != nil {
		return 0, fmt.Errorf("grow for write: %w", err)
	}
	buf := data
	if padded != len(data) {
		buf = make([]byte, padded)
		copy(buf, data)
	}
	if err := tile.WriteAt(f, start, buf); err != nil {
		return 0, fmt.Errorf("write record %d: %w", id, err)
	}
	if err := writeIndexEntry(f, local, end); err != nil {
		return 0, fmt.Errorf("write index entry %d: %w", id, err)
	}

	if _, err := s.next.Next(); err != nil {
		return 0, fmt.Errorf("advance next marker: %w", err)
	}
	klog.V(2).Infof("primitive: wrote id %d (%d bytes, partition %d local %d)", id, len(data), partition, local)
	return id, nil
}

// Read returns the record previously written at id, zero-padded to a
// multiple of 8 bytes (its length is end minus start of its extent).
func (s *Store) Read(id uint64) ([]byte, error) {
	if id >= s.next.Value() {
		return nil, fmt.Errorf("%w: primitive id %d", api.ErrNo, id)
	}
	partition, local := api.PartitionOf(id)
	f, err := s.partitionFile(partition)
	if err != nil {
		return nil, err
	}
	end, err := readIndexEntry(f, local)
	if err != nil {
		return nil, fmt.Errorf("read index entry %d: %w", id, err)
	}
	var start int64
	if local == 0 {
		start = dataOrigin
	} else {
		start, err = readIndexEntry(f, local-1)
		if err != nil {
			return nil, fmt.Errorf("read previous index entry: %w", err)
		}
	}
	if end < start {
		return nil, fmt.Errorf("%w: primitive id %d: end %d before start %d", api.ErrDatabase, id, end, start)
	}
	return tile.ReadAt(f, start, int(end-start))
}

// discoverPartitions lists the partition numbers already present on disk
// under dir, for Verify to walk without requiring the caller to have
// written to (and thus opened) every one of them this process.
func discoverPartitions(dir, prefix string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []uint32
	for _, e := range entries {
		var n uint32
		if _, err := fmt.Sscanf(e.Name(), prefix+"-%02d.addb", &n); err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// Verify walks every partition on disk and confirms the dense index
// table's invariants: entries are monotonically non-decreasing end
// offsets, each 8-byte aligned, each no smaller than dataOrigin
// (spec.md §4.5, §8 consistency checking).
func (s *Store) Verify() error {
	nums, err := discoverPartitions(s.dir, "i")
	if err != nil {
		return fmt.Errorf("discover primitive partitions: %w", err)
	}
	for _, n := range nums {
		f, err := s.partitionFile(n)
		if err != nil {
			return err
		}
		prev := dataOrigin
		for local := uint32(0); uint64(local) < api.PartitionSize; local++ {
			end, err := readIndexEntry(f, local)
			if err != nil {
				return fmt.Errorf("partition %d local %d: %w", n, local, err)
			}
			if end == 0 {
				continue // never written
			}
			if end%8 != 0 {
				return fmt.Errorf("%w: partition %d local %d: end offset %d not 8-byte aligned", api.ErrDatabase, n, local, end)
			}
			if end < prev {
				return fmt.Errorf("%w: partition %d local %d: end offset %d precedes previous %d", api.ErrDatabase, n, local, end, prev)
			}
			prev = end
		}
	}
	return nil
}

// Refresh stretches every open partition after an external writer has
// grown the store, per spec.md §4.5 "Refresh".
func (s *Store) Refresh() error {
	for _, f := range s.partitions {
		if f == nil {
			continue
		}
		if err := f.Stretch(); err != nil {
			return fmt.Errorf("refresh partition %q: %w", f.Path(), err)
		}
	}
	return nil
}

// Files returns every currently open partition file, for the checkpoint
// driver to fold into its participant list.
func (s *Store) Files() []*tile.File {
	out := make([]*tile.File, 0, len(s.partitions))
	for _, f := range s.partitions {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

// Dir returns the store's root directory, for directory-fsync purposes.
func (s *Store) Dir() string { return s.dir }

// Close closes every open partition and both markers.
func (s *Store) Close() error {
	var firstErr error
	for _, f := range s.partitions {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.next.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.horizon.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
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

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
	"os"
	"sort"
	"sync"

	"k8s.io/klog/v2"

	"github.com/google/graphd/api"
	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/sabotage"
	"github.com/google/graphd/internal/tile"
	"github.com/google/graphd/largearray"
)

// Options configure an Index.
type Options struct {
	Pool              *tile.Pool
	FsyncPool         *asyncsync.Pool
	Fault             *sabotage.Hook
	Transactional     bool
	OverflowSoftLimit int // see largearray.DefaultSoftLimit

	// WriteMu, if set, is taken for the duration of every call that
	// mutates tile pool state, dirty/scheduled lists, or slot contents
	// (Add, Promote). The database layer shares one mutex across every
	// Index and the primitive Store built on the same pool, so a
	// background Checkpoint never runs concurrently with an application
	// write, per spec.md §5's single-writer-thread model.
	WriteMu *sync.Mutex
}

// AddOptions tunes a single Add call.
type AddOptions struct {
	// IgnoreDuplicate, if set, turns a rejected duplicate/out-of-order
	// insert into a silent no-op instead of api.ErrExists.
	IgnoreDuplicate bool
}

// Index is the source→list index of spec.md §4.6.
type Index struct {
	dir  string
	opts Options

	partitions []*tile.File
	overflow   *largearray.Cache
}

// Open opens (creating if necessary) the index rooted at dir.
func Open(dir string, opts Options) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir index %q: %w", dir, err)
	}
	overflow, err := largearray.NewCache(dir, opts.OverflowSoftLimit, largearray.Options{
		Pool:          opts.Pool,
		FsyncPool:     opts.FsyncPool,
		Fault:         opts.Fault,
		Transactional: opts.Transactional,
	})
	if err != nil {
		return nil, fmt.Errorf("open overflow cache: %w", err)
	}
	return &Index{dir: dir, opts: opts, overflow: overflow}, nil
}

func (ix *Index) partitionFile(n uint32) (*tile.File, error) {
	if int(n) < len(ix.partitions) && ix.partitions[n] != nil {
		return ix.partitions[n], nil
	}
	if int(n) >= len(ix.partitions) {
		grown := make([]*tile.File, n+1)
		copy(grown, ix.partitions)
		ix.partitions = grown
	}
	path := api.PartitionPath(ix.dir, "g", n)
	f, err := tile.Open(ix.opts.Pool, path, api.MagicIndexPartition, tile.Options{
		Transactional: ix.opts.Transactional,
		FsyncPool:     ix.opts.FsyncPool,
		Fault:         ix.opts.Fault,
	})
	if err != nil {
		return nil, fmt.Errorf("open index partition %q: %w", path, err)
	}
	if err := f.Grow(arenaBase); err != nil {
		return nil, fmt.Errorf("grow index partition header %q: %w", path, err)
	}
	ix.partitions[n] = f
	return f, nil
}

func rejectDuplicate(opts AddOptions) error {
	if opts.IgnoreDuplicate {
		return nil
	}
	return api.ErrExists
}

// Add inserts target into source's sorted target set. Per spec.md §4.6,
// targets must be added in strictly increasing order per source; a target
// equal to or less than the current maximum is a rejected duplicate.
//
// Add takes WriteMu for its duration so it can never interleave with a
// checkpoint driving the same tiled files through FinishBackup/
// StartWrites/FinishWrites (spec.md §5).
func (ix *Index) Add(source, target uint64, opts AddOptions) error {
	if ix.opts.WriteMu != nil {
		ix.opts.WriteMu.Lock()
		defer ix.opts.WriteMu.Unlock()
	}
	partition, local := api.PartitionOf(source)
	f, err := ix.partitionFile(partition)
	if err != nil {
		return err
	}
	s, err := readSlot(f, local)
	if err != nil {
		return err
	}
	switch s.kind {
	case kindEmpty:
		return writeSlotRaw(f, local, encodeSingleton(target))
	case kindSingleton:
		if target <= s.value {
			return rejectDuplicate(opts)
		}
		return ix.promoteSingleton(f, local, s.value, target)
	case kindMulti:
		return ix.addToMulti(f, local, s, source, target, opts)
	case kindLarge:
		return ix.addToLarge(f, local, source, target, opts)
	case kindBitmap:
		return ix.addToBitmap(source, target, opts)
	default:
		return fmt.Errorf("%w: index partition %q local %d: unrecognized slot", api.ErrDatabase, f.Path(), local)
	}
}

func (ix *Index) promoteSingleton(f *tile.File, local uint32, oldVal, newVal uint64) error {
	off, err := allocArena(f, 1)
	if err != nil {
		return err
	}
	arr := multiArray{exp: 1, offset: off}
	if err := arr.writeAll(f, []uint64{oldVal, newVal}); err != nil {
		return err
	}
	return writeSlotRaw(f, local, encodeMulti(1, off))
}

func (ix *Index) addToMulti(f *tile.File, local uint32, s slot, source, target uint64, opts AddOptions) error {
	arr := multiArray{exp: s.exp, offset: s.offset}
	last, err := arr.last(f)
	if err != nil {
		return err
	}
	if target <= last {
		return rejectDuplicate(opts)
	}
	count, full, _, err := arr.readSentinel(f)
	if err != nil {
		return err
	}
	if !full {
		return arr.append(f, target)
	}
	_ = count

	newExp := s.exp + 1
	if newExp > numSizeClasses {
		klog.V(1).Infof("index: source %d exhausted multi-array growth, promoting to large array", source)
		return ix.promoteMultiToLarge(f, local, arr, source, target)
	}
	ids, err := arr.list(f)
	if err != nil {
		return err
	}
	newOff, err := allocArena(f, newExp)
	if err != nil {
		return err
	}
	newArr := multiArray{exp: newExp, offset: newOff}
	if err := newArr.writeAll(f, append(ids, target)); err != nil {
		return err
	}
	if err := freeArena(f, s.exp, s.offset); err != nil {
		return err
	}
	return writeSlotRaw(f, local, encodeMulti(newExp, newOff))
}

func (ix *Index) promoteMultiToLarge(f *tile.File, local uint32, arr multiArray, source, target uint64) error {
	ids, err := arr.list(f)
	if err != nil {
		return err
	}
	lf, err := ix.overflow.Array(source)
	if err != nil {
		return err
	}
	if err := lf.Append(append(ids, target)); err != nil {
		return err
	}
	if err := freeArena(f, arr.exp, arr.offset); err != nil {
		return err
	}
	return writeSlotRaw(f, local, encodeLarge(lf.Size()))
}

func (ix *Index) addToLarge(f *tile.File, local uint32, source, target uint64, opts AddOptions) error {
	lf, err := ix.overflow.Array(source)
	if err != nil {
		return err
	}
	last, ok, err := lf.Last()
	if err != nil {
		return err
	}
	if ok && target <= last {
		return rejectDuplicate(opts)
	}
	if err := lf.Append([]uint64{target}); err != nil {
		return err
	}
	return writeSlotRaw(f, local, encodeLarge(lf.Size()))
}

func (ix *Index) addToBitmap(source, target uint64, opts AddOptions) error {
	bm, err := ix.overflow.Bitmap(source)
	if err != nil {
		return err
	}
	present, err := bm.Check(target)
	if err != nil {
		return err
	}
	if present {
		return rejectDuplicate(opts)
	}
	return bm.Set(target)
}

// N reports the number of targets currently stored for source.
func (ix *Index) N(source uint64) (uint64, error) {
	partition, local := api.PartitionOf(source)
	f, err := ix.partitionFile(partition)
	if err != nil {
		return 0, err
	}
	s, err := readSlot(f, local)
	if err != nil {
		return 0, err
	}
	switch s.kind {
	case kindEmpty:
		return 0, nil
	case kindSingleton:
		return 1, nil
	case kindMulti:
		count, _, _, err := (multiArray{exp: s.exp, offset: s.offset}).readSentinel(f)
		return count, err
	case kindLarge:
		lf, err := ix.overflow.Array(source)
		if err != nil {
			return 0, err
		}
		return lf.Size(), nil
	case kindBitmap:
		bm, err := ix.overflow.Bitmap(source)
		if err != nil {
			return 0, err
		}
		var n uint64
		id, ok, err := bm.ScanForward(0)
		for ok {
			if err != nil {
				return 0, err
			}
			n++
			id, ok, err = bm.ScanForward(id + 1)
		}
		return n, err
	default:
		return 0, fmt.Errorf("%w: unrecognized slot kind", api.ErrDatabase)
	}
}

func binarySearchLarge(lf *largearray.File, target uint64) (uint64, bool, error) {
	n := lf.Size()
	lo, hi := uint64(0), n
	for lo < hi {
		mid := lo + (hi-lo)/2
		ids, err := lf.ReadRange(mid, mid+1)
		if err != nil {
			return 0, false, err
		}
		if ids[0] < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < n {
		ids, err := lf.ReadRange(lo, lo+1)
		if err != nil {
			return 0, false, err
		}
		if ids[0] == target {
			return lo, true, nil
		}
	}
	return 0, false, nil
}

// Find locates target in source's set and returns an Iterator whose first
// Next() call yields target itself, continuing forward from there. It
// returns api.ErrNo if target is absent.
func (ix *Index) Find(source, target uint64) (*Iterator, error) {
	partition, local := api.PartitionOf(source)
	f, err := ix.partitionFile(partition)
	if err != nil {
		return nil, err
	}
	s, err := readSlot(f, local)
	if err != nil {
		return nil, err
	}
	switch s.kind {
	case kindEmpty:
		return nil, api.ErrNo
	case kindSingleton:
		if s.value != target {
			return nil, api.ErrNo
		}
		return &Iterator{kind: kindSingleton, ids: []uint64{target}}, nil
	case kindMulti:
		arr := multiArray{exp: s.exp, offset: s.offset}
		ids, err := arr.list(f)
		if err != nil {
			return nil, err
		}
		idx := sort.Search(len(ids), func(i int) bool { return ids[i] >= target })
		if idx == len(ids) || ids[idx] != target {
			return nil, api.ErrNo
		}
		return &Iterator{kind: kindMulti, ids: ids[idx:]}, nil
	case kindLarge:
		lf, err := ix.overflow.Array(source)
		if err != nil {
			return nil, err
		}
		idx, ok, err := binarySearchLarge(lf, target)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, api.ErrNo
		}
		return &Iterator{kind: kindLarge, lf: lf, lfPos: idx}, nil
	case kindBitmap:
		bm, err := ix.overflow.Bitmap(source)
		if err != nil {
			return nil, err
		}
		present, err := bm.Check(target)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, api.ErrNo
		}
		return &Iterator{kind: kindBitmap, bm: bm, bmNext: target, bmHasNext: true}, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized slot kind", api.ErrDatabase)
	}
}

// Promote converts source's representation directly to kind, bypassing
// the size-triggered auto-promotion in addToMulti. This is a policy
// decision left to the caller (e.g. a source known in advance to be
// dense is cheaper to store as a Bitmap from the start).
type PromoteKind int

const (
	PromoteLarge PromoteKind = iota
	PromoteBitmap
)

// Promote takes WriteMu for the same reason Add does: it mutates slot
// contents and arena allocation state shared with the checkpoint driver.
func (ix *Index) Promote(source uint64, kind PromoteKind) error {
	if ix.opts.WriteMu != nil {
		ix.opts.WriteMu.Lock()
		defer ix.opts.WriteMu.Unlock()
	}
	partition, local := api.PartitionOf(source)
	f, err := ix.partitionFile(partition)
	if err != nil {
		return err
	}
	s, err := readSlot(f, local)
	if err != nil {
		return err
	}
	switch s.kind {
	case kindLarge, kindBitmap:
		return api.ErrAlready
	case kindEmpty:
		return fmt.Errorf("%w: source %d has nothing to promote", api.ErrNo, source)
	}

	var ids []uint64
	if s.kind == kindSingleton {
		ids = []uint64{s.value}
	} else {
		ids, err = (multiArray{exp: s.exp, offset: s.offset}).list(f)
		if err != nil {
			return err
		}
	}

	switch kind {
	case PromoteLarge:
		lf, err := ix.overflow.Array(source)
		if err != nil {
			return err
		}
		if err := lf.Append(ids); err != nil {
			return err
		}
		if s.kind == kindMulti {
			if err := freeArena(f, s.exp, s.offset); err != nil {
				return err
			}
		}
		return writeSlotRaw(f, local, encodeLarge(lf.Size()))
	case PromoteBitmap:
		bm, err := ix.overflow.Bitmap(source)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := bm.Set(id); err != nil {
				return err
			}
		}
		if s.kind == kindMulti {
			if err := freeArena(f, s.exp, s.offset); err != nil {
				return err
			}
		}
		return writeSlotRaw(f, local, encodeBitmap())
	default:
		return fmt.Errorf("index: unknown promote kind %d", kind)
	}
}

// Range names one source's target set, for Intersect.
type Range struct {
	Source uint64
}

// Intersect returns the sorted intersection of a's and b's target sets,
// merge-joining their iterators (both sides are already sorted).
func (ix *Index) Intersect(a, b Range) ([]uint64, error) {
	ia, err := ix.Iterator(a.Source, false)
	if err != nil {
		return nil, err
	}
	ib, err := ix.Iterator(b.Source, false)
	if err != nil {
		return nil, err
	}
	var out []uint64
	va, oka, err := ia.Next()
	if err != nil {
		return nil, err
	}
	vb, okb, err := ib.Next()
	if err != nil {
		return nil, err
	}
	for oka && okb {
		switch {
		case va == vb:
			out = append(out, va)
			if va, oka, err = ia.Next(); err != nil {
				return nil, err
			}
			if vb, okb, err = ib.Next(); err != nil {
				return nil, err
			}
		case va < vb:
			if va, oka, err = ia.Next(); err != nil {
				return nil, err
			}
		default:
			if vb, okb, err = ib.Next(); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// FixedIntersect intersects two already-materialized ascending id slices,
// for combining results across several Intersect/Iterator passes without
// re-touching disk. Neither input may contain duplicates; out-of-order
// input is reported as api.ErrDatabase rather than silently mishandled.
func (ix *Index) FixedIntersect(ids, fixed []uint64) ([]uint64, error) {
	if err := checkAscending(ids); err != nil {
		return nil, err
	}
	if err := checkAscending(fixed); err != nil {
		return nil, err
	}
	var out []uint64
	i, j := 0, 0
	for i < len(ids) && j < len(fixed) {
		switch {
		case ids[i] == fixed[j]:
			out = append(out, ids[i])
			i++
			j++
		case ids[i] < fixed[j]:
			i++
		default:
			j++
		}
	}
	return out, nil
}

func checkAscending(ids []uint64) error {
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			return fmt.Errorf("%w: FixedIntersect input not strictly ascending at index %d", api.ErrDatabase, i)
		}
	}
	return nil
}

func discoverPartitions(dir string) ([]uint32, error) {
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
		if _, err := fmt.Sscanf(e.Name(), "g-%02d.addb", &n); err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// Verify walks every partition on disk and confirms each source's slot is
// internally consistent: multi-array sentinels report a count within
// bounds, and every target set (wherever cheap to check in-line) is
// strictly ascending with no duplicates (spec.md §4.6, §8 consistency
// checking). Large-array and bitmap backings are checked structurally via
// their own Verify methods, driven by internal/fsck.
func (ix *Index) Verify() error {
	nums, err := discoverPartitions(ix.dir)
	if err != nil {
		return fmt.Errorf("discover index partitions: %w", err)
	}
	for _, n := range nums {
		f, err := ix.partitionFile(n)
		if err != nil {
			return err
		}
		for local := uint32(0); uint64(local) < api.PartitionSize; local++ {
			s, err := readSlot(f, local)
			if err != nil {
				return fmt.Errorf("partition %d local %d: %w", n, local, err)
			}
			switch s.kind {
			case kindMulti:
				arr := multiArray{exp: s.exp, offset: s.offset}
				count, full, _, err := arr.readSentinel(f)
				if err != nil {
					return fmt.Errorf("partition %d local %d: %w", n, local, err)
				}
				if !full && count >= arr.capacity() {
					return fmt.Errorf("%w: partition %d local %d: sentinel count %d not below capacity %d", api.ErrDatabase, n, local, count, arr.capacity())
				}
				ids, err := arr.list(f)
				if err != nil {
					return fmt.Errorf("partition %d local %d: %w", n, local, err)
				}
				for i := 1; i < len(ids); i++ {
					if ids[i] <= ids[i-1] {
						return fmt.Errorf("%w: partition %d local %d: target set not strictly ascending at index %d (%d <= %d)", api.ErrDatabase, n, local, i, ids[i], ids[i-1])
					}
				}
			case kindLarge:
				lf, err := ix.overflow.Array(api.GlobalID(n, local))
				if err != nil {
					return fmt.Errorf("partition %d local %d: %w", n, local, err)
				}
				if err := lf.Verify(); err != nil {
					return fmt.Errorf("partition %d local %d: %w", n, local, err)
				}
			case kindBitmap:
				bm, err := ix.overflow.Bitmap(api.GlobalID(n, local))
				if err != nil {
					return fmt.Errorf("partition %d local %d: %w", n, local, err)
				}
				if err := bm.Verify(); err != nil {
					return fmt.Errorf("partition %d local %d: %w", n, local, err)
				}
			}
		}
	}
	return nil
}

// Refresh stretches every open partition and overflow file after an
// external writer has grown the index.
func (ix *Index) Refresh() error {
	for _, f := range ix.partitions {
		if f == nil {
			continue
		}
		if err := f.Stretch(); err != nil {
			return fmt.Errorf("refresh index partition %q: %w", f.Path(), err)
		}
	}
	var stretchErr error
	ix.overflow.EachArray(func(f *largearray.File) {
		if err := f.Tile().Stretch(); err != nil && stretchErr == nil {
			stretchErr = err
		}
	})
	ix.overflow.EachBitmap(func(b *largearray.Bitmap) {
		if err := b.Tile().Stretch(); err != nil && stretchErr == nil {
			stretchErr = err
		}
	})
	return stretchErr
}

// Files returns every open partition and overflow file, for the
// checkpoint driver's participant list.
func (ix *Index) Files() []*tile.File {
	out := make([]*tile.File, 0, len(ix.partitions))
	for _, f := range ix.partitions {
		if f != nil {
			out = append(out, f)
		}
	}
	ix.overflow.EachArray(func(f *largearray.File) { out = append(out, f.Tile()) })
	ix.overflow.EachBitmap(func(b *largearray.Bitmap) { out = append(out, b.Tile()) })
	return out
}

// Dir returns the index's root directory.
func (ix *Index) Dir() string { return ix.dir }

// Close closes every open partition and overflow file.
func (ix *Index) Close() error {
	var firstErr error
	for _, f := range ix.partitions {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := ix.overflow.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

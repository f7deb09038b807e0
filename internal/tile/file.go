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

package tile

import (
	"fmt"
	"os"

	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"

	"github.com/google/graphd/api"
	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/backup"
	"github.com/google/graphd/internal/sabotage"
)

// AccessMode selects read or write semantics for Get.
type AccessMode int

const (
	// Read returns a pointer valid for reading the current contents.
	Read AccessMode = iota
	// Write triggers copy-on-write and dirty-page tracking when used in
	// transactional mode.
	Write
)

// File is the tiled file handle of spec.md §3: an open backing file
// fronted by a table of tiles, a leading initial mapping for cheap reads,
// and the dirty/scheduled bookkeeping a checkpoint drives through.
type File struct {
	pool *Pool
	path string
	fd   *os.File
	magic api.Magic

	size int64 // physical file size

	initMap      []byte
	initMapTiles uint32

	table  []*tileEntry
	locked []bool // parallel to table; true iff that tile's disk mapping is mlock'd

	dirty     []*tileEntry
	scheduled []*tileEntry

	transactional     bool
	backupLog         *backup.Log
	backupSyncStarted bool
	fsyncPool         *asyncsync.Pool
	fileFsync         *asyncsync.Handle

	fault *sabotage.Hook
}

// Options configure a newly opened File.
type Options struct {
	// Transactional enables copy-on-write and backup logging. Non-
	// transactional files (e.g. a reader process's view) skip both.
	Transactional bool
	// InitialMapTiles is the number of tiles covered by the leading
	// initial mapping used for cheap unmodified reads.
	InitialMapTiles uint32
	FsyncPool       *asyncsync.Pool
	Fault           *sabotage.Hook
}

// Open opens (creating if necessary) the tiled file at path, verifying or
// writing its magic, and maps the leading initial region.
func Open(pool *Pool, path string, magic api.Magic, opts Options) (*File, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	info, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}

	f := &File{
		pool:          pool,
		path:          path,
		fd:            fd,
		magic:         magic,
		size:          info.Size(),
		initMapTiles:  opts.InitialMapTiles,
		transactional: opts.Transactional,
		fsyncPool:     opts.FsyncPool,
		fault:         opts.Fault,
	}

	if f.size == 0 {
		if err := f.initNewFile(magic); err != nil {
			_ = fd.Close()
			return nil, err
		}
	} else {
		var hdr [4]byte
		if _, err := fd.ReadAt(hdr[:], 0); err != nil {
			_ = fd.Close()
			return nil, fmt.Errorf("read magic of %q: %w", path, err)
		}
		if err := api.CheckMagic(path, hdr, magic); err != nil {
			_ = fd.Close()
			return nil, err
		}
	}

	if err := f.mapInitial(); err != nil {
		_ = fd.Close()
		return nil, err
	}

	if f.transactional {
		f.backupLog = backup.New(path, opts.FsyncPool, opts.Fault)
	}

	return f, nil
}

func (f *File) initNewFile(magic api.Magic) error {
	if err := extendSparse(f.fd, Size); err != nil {
		return err
	}
	if _, err := f.fd.WriteAt(magic[:], 0); err != nil {
		return fmt.Errorf("write magic of %q: %w", f.path, err)
	}
	f.size = Size
	return nil
}

func (f *File) mapInitial() error {
	n := f.initMapTiles
	if n == 0 {
		n = 1
	}
	want := int64(n) * Size
	if want > f.size {
		want = f.size
	}
	b, err := mapRegion(f.fd, 0, int(want))
	if err != nil {
		return fmt.Errorf("map initial region of %q: %w", f.path, err)
	}
	f.initMap = b
	f.initMapTiles = uint32(want / Size)
	return nil
}

// Path returns the filesystem path backing this file.
func (f *File) Path() string { return f.path }

// Size returns the current physical file size.
func (f *File) Size() int64 { return f.size }

func tileBounds(num uint32) (start, end int64) {
	start = int64(num) * Size
	return start, start + Size
}

func tileOf(offset int64) (num uint32, within int64) {
	return uint32(offset / Size), offset % Size
}

func crossesTileBoundary(s, e int64) bool {
	if s == e {
		return false
	}
	return s/Size != (e-1)/Size
}

func (f *File) growTable(n uint32) {
	if uint32(len(f.table)) > n {
		return
	}
	grown := make([]*tileEntry, n+1)
	copy(grown, f.table)
	f.table = grown
	lockedGrown := make([]bool, n+1)
	copy(lockedGrown, f.locked)
	f.locked = lockedGrown
}

func (f *File) ensureTile(num uint32) (*tileEntry, error) {
	f.growTable(num)
	t := f.table[num]
	if t == nil {
		t = &tileEntry{file: f, num: num, state: clean}
		f.table[num] = t
	}
	if !t.mapped() {
		start, _ := tileBounds(num)
		length := Size
		if start+Size > f.size {
			length = int(f.size - start)
		}
		b, err := mapRegion(f.fd, start, length)
		if err != nil {
			return nil, err
		}
		f.pool.mu.Lock()
		f.pool.total += int64(len(b))
		f.pool.evictToFitLocked()
		f.pool.mu.Unlock()
		t.disk = b
		t.memory = b
	}
	return t, nil
}

// peekInitMap returns a slice of the initial mapping iff [s,e) lies
// entirely within it and the covering tile has not been separately
// materialized (which may hold newer, dirty content) — spec.md §4.1 "Peek".
func (f *File) peekInitMap(s, e int64) ([]byte, bool) {
	if e > int64(len(f.initMap)) {
		return nil, false
	}
	num, _ := tileOf(s)
	if num < uint32(len(f.table)) && f.table[num] != nil && f.table[num].mapped() {
		return nil, false
	}
	return f.initMap[s:e], true
}

// Get returns a pointer to bytes [s, e) and a reference that must be
// released with Free (spec.md §4.1).
func (f *File) Get(s, e int64, mode AccessMode) (Ref, []byte, error) {
	if e <= s || e-s > Size {
		return Ref{}, nil, fmt.Errorf("%w: Get(%d,%d): access must be non-empty and fit in one tile", api.ErrDatabase, s, e)
	}
	if crossesTileBoundary(s, e) {
		return Ref{}, nil, fmt.Errorf("%w: Get(%d,%d): access crosses a tile boundary", api.ErrDatabase, s, e)
	}

	if mode == Read {
		if b, ok := f.peekInitMap(s, e); ok {
			f.pool.mu.Lock()
			f.pool.linked += int64(len(b))
			f.pool.mu.Unlock()
			return Ref{file: f, fromInitMap: true, size: len(b)}, b, nil
		}
	}

	num, within := tileOf(s)
	t, err := f.ensureTile(num)
	if err != nil {
		return Ref{}, nil, err
	}
	sz := int(e - s)

	f.pool.mu.Lock()
	f.pool.unmarkFreeLocked(t)
	t.addRef()
	f.pool.linked += int64(sz)
	f.pool.mu.Unlock()

	if mode == Write && f.transactional {
		if err := f.prepareWrite(t, within, within+(e-s)); err != nil {
			f.Free(Ref{file: f, num: num, size: sz})
			return Ref{}, nil, err
		}
	}

	return Ref{file: f, num: num, size: sz}, t.memory[within : within+(e-s)], nil
}

// prepareWrite implements the copy-on-write and proactive-backup logic of
// spec.md §4.1 "Write paths" for a write touching tile t at [wStart,wEnd).
func (f *File) prepareWrite(t *tileEntry, wStart, wEnd int64) error {
	switch t.state {
	case clean:
		buf := make([]byte, len(t.disk))
		copy(buf, t.disk)
		t.memory = buf
		t.state = t.state.onWrite()
		f.dirty = append(f.dirty, t)
	case scheduledClean:
		buf := make([]byte, len(t.memory))
		copy(buf, t.memory)
		t.memory = buf
		t.state = t.state.onWrite()
		// This write lands after the tile's scheduled snapshot, so it will
		// not be picked up by the checkpoint currently in flight. It must
		// still be re-linked into f.dirty so the *next* FinishBackup (once
		// this tile's scheduled slot is cleared by FinishWrites) finds it;
		// otherwise the tile would end up with state == dirty but no list
		// referencing it, orphaning the write from every future checkpoint.
		f.dirty = append(f.dirty, t)
	case dirty, scheduledDirty:
		// already has a private memory buffer distinct from disk/scheduled.
	}

	mask := pageMask(int(wStart), int(wEnd))
	newPages := mask &^ t.dirtyBits
	if newPages.any() && f.backupLog != nil {
		if err := f.backupPages(t, newPages); err != nil {
			klog.Warningf("%q: deferred backup for tile %d: %v", f.path, t.num, err)
			// Not fatal here: checkpoint phase 1 (finish_backup) retries
			// whatever didn't make it into backedBits below.
		} else {
			t.backedBits |= newPages
		}
	}
	t.dirtyBits |= mask
	return nil
}

func (f *File) backupPages(t *tileEntry, pages pageBits) error {
	base := t.offset()
	for p := 0; p < pagesPerTile; p++ {
		if pages&(1<<uint(p)) == 0 {
			continue
		}
		off := base + int64(p)*pageSize
		end := p*pageSize + pageSize
		if end > len(t.disk) {
			end = len(t.disk)
		}
		if p*pageSize >= len(t.disk) {
			continue
		}
		if err := f.backupLog.Write(off, t.disk[p*pageSize:end]); err != nil {
			return err
		}
	}
	return nil
}

// Grow extends the physical file, if necessary, to cover byte offset
// need-1, rounding up to a whole number of tiles (spec.md §4.1
// "Allocation"). It's exported so multi-tile logical records (e.g. the
// primitive store's variable-length entries) can reserve space up front
// and then issue a sequence of single-tile Get(Write) calls across it.
func (f *File) Grow(need int64) error {
	if need <= 0 {
		return nil
	}
	num, _ := tileOf(need - 1)
	want, _ := tileBounds(num)
	want += Size
	if want > f.size {
		// Sparse extension writes a single byte at the new last offset
		// (extendSparse); retried because a
		// transient ENOSPC on a near-full filesystem can clear up by the
		// time a concurrent writer elsewhere frees space.
		err := retry.Do(
			func() error { return extendSparse(f.fd, want) },
			retry.Attempts(3),
			retry.DelayType(retry.BackOffDelay),
		)
		if err != nil {
			return err
		}
		f.size = want
	}
	return nil
}

// Alloc grows the physical file as needed to cover [s,e), then returns a
// write-mode pointer (spec.md §4.1 "Allocation").
func (f *File) Alloc(s, e int64) (Ref, []byte, error) {
	if err := f.Grow(e); err != nil {
		return Ref{}, nil, err
	}
	return f.Get(s, e, Write)
}

// Free releases a reference obtained from Get or Alloc.
func (f *File) Free(r Ref) {
	if r.Empty() {
		return
	}
	if r.fromInitMap {
		f.pool.mu.Lock()
		f.pool.linked -= int64(r.size)
		f.pool.mu.Unlock()
		return
	}
	t := f.table[r.num]
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	f.pool.linked -= int64(r.size)
	if t.dropRef() == 0 && t.evictable() {
		f.pool.markFreeLocked(t)
	}
}

// Link duplicates a reference, bumping the underlying tile's ref count.
func (f *File) Link(r Ref) Ref {
	if r.Empty() {
		return r
	}
	if r.fromInitMap {
		f.pool.mu.Lock()
		f.pool.linked += int64(r.size)
		f.pool.mu.Unlock()
		return r
	}
	t := f.table[r.num]
	f.pool.mu.Lock()
	t.addRef()
	f.pool.linked += int64(r.size)
	f.pool.mu.Unlock()
	return r
}

// Peek returns a pointer into the initial mapping iff [offset,offset+n)
// lies within it, doesn't cross a tile boundary, and no tile has been
// materialized for that slot (spec.md §4.1 "Peek"). It never increments any
// reference count.
func (f *File) Peek(offset int64, n int) ([]byte, bool) {
	if crossesTileBoundary(offset, offset+int64(n)) {
		return nil, false
	}
	return f.peekInitMap(offset, offset+int64(n))
}

// ReadArray returns the longest prefix of [s,e) safe to read without
// materializing a tile (spec.md §4.1 "Array read").
func (f *File) ReadArray(s, e int64) []byte {
	if e > int64(len(f.initMap)) {
		e = int64(len(f.initMap))
	}
	first, _ := tileOf(s)
	for num := first; int64(num)*Size < e; num++ {
		if num < uint32(len(f.table)) && f.table[num] != nil && f.table[num].mapped() {
			e = int64(num) * Size // stop before the first materialized tile
			break
		}
	}
	if e <= s {
		return nil
	}
	return f.initMap[s:e]
}

// Stretch refreshes the recorded physical size after an external writer has
// grown the file, rebuilding the initial mapping once the file has grown
// past it (spec.md §4.1 "Stretch"). mapInitial caps the rebuilt mapping at
// the file's current size, so the extra 10% of tiles computed here is not
// mapped: there is no headroom beyond end of file.
func (f *File) Stretch() error {
	info, err := f.fd.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", f.path, err)
	}
	if info.Size() == f.size {
		return nil
	}
	f.size = info.Size()

	wantTiles := uint32(f.size/Size) + 1
	if wantTiles <= f.initMapTiles {
		return nil
	}
	newTiles := wantTiles + wantTiles/10 + 1
	if err := unmapRegion(f.initMap); err != nil {
		return fmt.Errorf("unmap initial region of %q: %w", f.path, err)
	}
	f.initMap = nil
	f.initMapTiles = newTiles
	return f.mapInitial()
}

// readBackup replays path's published backup log straight into the
// backing mmap via ensureTile, without going through prepareWrite (so no
// new backup records are appended for data that's already durable in the
// log being replayed).
func readBackup(f *File, horizon uint64) error {
	return backup.Read(f.path, horizon, func(r backup.Record) error {
		num, within := tileOf(r.Offset)
		t, err := f.ensureTile(num)
		if err != nil {
			return err
		}
		end := within + int64(len(r.Data))
		if end > int64(len(t.disk)) {
			return fmt.Errorf("%w: backup record for %q tile %d overruns tile bounds", api.ErrDatabase, f.path, num)
		}
		copy(t.disk[within:end], r.Data)
		t.memory = t.disk
		t.state = clean
		t.dirtyBits = 0
		t.backedBits = 0
		return nil
	})
}

// Close unmaps all mapped regions and closes the file descriptor. It is a
// protocol error to close a File with dirty or still-referenced tiles.
func (f *File) Close() error {
	if len(f.dirty) > 0 || len(f.scheduled) > 0 {
		return fmt.Errorf("%w: close %q: dirty or scheduled tiles outstanding", api.ErrDatabase, f.path)
	}
	for _, t := range f.table {
		if t == nil {
			continue
		}
		if t.refs > 0 {
			return fmt.Errorf("%w: close %q: tile %d still referenced", api.ErrDatabase, f.path, t.num)
		}
		if t.mapped() {
			f.pool.mu.Lock()
			if t.onFreeList {
				f.pool.free.Remove(tileKey{f, t.num})
			}
			f.pool.total -= int64(len(t.disk))
			f.pool.mu.Unlock()
			if err := unmapRegion(t.disk); err != nil {
				klog.Warningf("close %q: unmap tile %d: %v", f.path, t.num, err)
			}
		}
	}
	if err := unmapRegion(f.initMap); err != nil {
		klog.Warningf("close %q: unmap initial region: %v", f.path, err)
	}
	return f.fd.Close()
}

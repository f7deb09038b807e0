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
	"bytes"
	"path/filepath"
	"testing"

	"github.com/google/graphd/api"
	"github.com/google/graphd/internal/asyncsync"
)

func openTestFile(t *testing.T, transactional bool) *File {
	t.Helper()
	dir := t.TempDir()
	pool := NewPool(DefaultMax)
	fsyncPool := asyncsync.NewPool(1, nil)
	f, err := Open(pool, filepath.Join(dir, "t.addb"), api.MagicIndexPartition, Options{
		Transactional: transactional,
		FsyncPool:     fsyncPool,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f
}

func TestWriteAtReadAtRoundTrip(t *testing.T) {
	f := openTestFile(t, true)
	defer f.Close()

	want := bytes.Repeat([]byte("graphd"), 20000) // spans several tiles
	if err := f.Grow(int64(len(want))); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if err := WriteAt(f, 0, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := ReadAt(f, 0, len(want))
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("ReadAt did not return the bytes written by WriteAt")
	}

	// Force FinishBackup to close out any still-dirty tile from WriteAt
	// before Close, which refuses to close a file with dirty tiles.
	if err := f.FinishBackup(1); err != nil {
		t.Fatalf("FinishBackup: %v", err)
	}
	if err := f.StartWrites(); err != nil {
		t.Fatalf("StartWrites: %v", err)
	}
	if _, err := f.FinishWrites(false, true); err != nil {
		t.Fatalf("FinishWrites: %v", err)
	}
	if err := f.RemoveBackup(); err != nil {
		t.Fatalf("RemoveBackup: %v", err)
	}
}

func TestCloseRefusesDirtyTiles(t *testing.T) {
	f := openTestFile(t, true)
	if err := f.Grow(Size); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if err := WriteAt(f, 0, []byte("x")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Close(); err == nil {
		t.Error("Close() on a file with a dirty tile = nil, want error")
	}
	// Clean up properly so the temp dir removal doesn't race an open fd.
	if err := f.FinishBackup(1); err != nil {
		t.Fatalf("FinishBackup: %v", err)
	}
	if err := f.StartWrites(); err != nil {
		t.Fatalf("StartWrites: %v", err)
	}
	if _, err := f.FinishWrites(false, true); err != nil {
		t.Fatalf("FinishWrites: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close after checkpoint: %v", err)
	}
}

// TestCOWIsolationAfterFinishBackup exercises spec.md §8's "copy-on-write
// isolation" property: after phase 1 (FinishBackup) snapshots a dirty
// tile, a further write mutates the tile's memory but leaves the
// snapshot (scheduled) byte-identical to what it was at phase 1.
func TestCOWIsolationAfterFinishBackup(t *testing.T) {
	f := openTestFile(t, true)
	defer f.Close()

	if err := f.Grow(Size); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if err := WriteAt(f, 0, []byte("before")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.FinishBackup(1); err != nil {
		t.Fatalf("FinishBackup: %v", err)
	}

	te := f.table[0]
	snapshotBefore := append([]byte(nil), te.scheduled[:6]...)

	if err := WriteAt(f, 0, []byte("after!")); err != nil {
		t.Fatalf("WriteAt after FinishBackup: %v", err)
	}

	if !bytes.Equal(te.scheduled[:6], snapshotBefore) {
		t.Errorf("scheduled snapshot changed after a post-FinishBackup write: got %q, want %q", te.scheduled[:6], snapshotBefore)
	}
	if bytes.Equal(te.memory[:6], snapshotBefore) {
		t.Error("memory was not mutated by the post-FinishBackup write")
	}

	if err := f.StartWrites(); err != nil {
		t.Fatalf("StartWrites: %v", err)
	}
	if _, err := f.FinishWrites(false, true); err != nil {
		t.Fatalf("FinishWrites: %v", err)
	}
}

func TestEvictionPreservesDirtiness(t *testing.T) {
	f := openTestFile(t, true)
	defer func() {
		f.FinishBackup(1)
		f.StartWrites()
		f.FinishWrites(false, true)
		f.Close()
	}()

	if err := f.Grow(Size); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if err := WriteAt(f, 0, []byte("dirty")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	// Force the pool's soft cap down to nothing, which would evict any
	// evictable tile; the dirty tile here must survive regardless.
	f.pool.SetMax(0)

	te := f.table[0]
	if te == nil || te.disk == nil {
		t.Fatal("dirty tile was evicted despite having no free references")
	}
}

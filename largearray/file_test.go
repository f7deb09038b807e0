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
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/checkpoint"
	"github.com/google/graphd/internal/tile"
)

func newTestFile(t *testing.T) *File {
	t.Helper()
	dir := t.TempDir()
	pool := tile.NewPool(tile.DefaultMax)
	fsyncPool := asyncsync.NewPool(1, nil)
	f, err := Open(filepath.Join(dir, "overflow.addb"), 42, Options{
		Pool: pool, FsyncPool: fsyncPool, Transactional: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFileAppendAndReadRange(t *testing.T) {
	f := newTestFile(t)

	want := []uint64{100, 200, 300, 1 << 30}
	if err := f.Append(want); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := f.Size(); got != uint64(len(want)) {
		t.Fatalf("Size() = %d, want %d", got, len(want))
	}

	got, err := f.ReadRange(0, f.Size())
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadRange mismatch (-want +got):\n%s", diff)
	}

	last, ok, err := f.Last()
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if !ok || last != want[len(want)-1] {
		t.Errorf("Last() = (%d, %v), want (%d, true)", last, ok, want[len(want)-1])
	}
}

func TestFileAppendAcrossMultipleCalls(t *testing.T) {
	f := newTestFile(t)

	if err := f.Append([]uint64{1, 2, 3}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := f.Append([]uint64{4, 5}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := f.ReadRange(0, f.Size())
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	want := []uint64{1, 2, 3, 4, 5}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadRange mismatch (-want +got):\n%s", diff)
	}
}

func TestFileVerifyRejectsOutOfOrder(t *testing.T) {
	f := newTestFile(t)
	if err := f.Append([]uint64{10, 20}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := f.Verify(); err != nil {
		t.Errorf("Verify() on ascending data = %v, want nil", err)
	}

	// Force a non-ascending pair directly onto disk, bypassing Append's
	// contract, to exercise Verify's detection path.
	buf := make([]byte, entrySize)
	put40(buf, 5)
	if err := tile.WriteAt(f.tf, headerSize+int64(f.Size()-1)*entrySize, buf); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Verify(); err == nil {
		t.Error("Verify() on corrupted data = nil, want error")
	}
}

func TestFileReopenPreservesSize(t *testing.T) {
	dir := t.TempDir()
	pool := tile.NewPool(tile.DefaultMax)
	fsyncPool := asyncsync.NewPool(1, nil)
	path := filepath.Join(dir, "overflow.addb")

	f, err := Open(path, 7, Options{Pool: pool, FsyncPool: fsyncPool, Transactional: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.Append([]uint64{1, 2, 3}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// A transactional file's appends reach disk only through a checkpoint,
	// and Close refuses a file with dirty tiles.
	d := &checkpoint.Driver{Files: []*tile.File{f.Tile()}, FsyncPool: fsyncPool}
	if err := d.Run(context.Background(), 1); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2, err := Open(path, 7, Options{Pool: pool, FsyncPool: fsyncPool, Transactional: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close()
	if got, want := f2.Size(), uint64(3); got != want {
		t.Errorf("Size() after reopen = %d, want %d", got, want)
	}
}

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

package checkpoint

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/google/graphd/api"
	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/tile"
)

func openParticipant(t *testing.T, dir, name string, pool *tile.Pool, fsyncPool *asyncsync.Pool) *tile.File {
	t.Helper()
	f, err := tile.Open(pool, filepath.Join(dir, name), api.MagicIndexPartition, tile.Options{
		Transactional: true,
		FsyncPool:     fsyncPool,
	})
	if err != nil {
		t.Fatalf("Open(%s): %v", name, err)
	}
	return f
}

// TestRunCheckpointsMultipleFilesTogether drives the full six-phase
// protocol across two files sharing one checkpoint, mirroring how the
// primitive store and an index partition commit together (spec.md §4.4).
func TestRunCheckpointsMultipleFilesTogether(t *testing.T) {
	dir := t.TempDir()
	pool := tile.NewPool(tile.DefaultMax)
	fsyncPool := asyncsync.NewPool(2, nil)

	a := openParticipant(t, dir, "a.addb", pool, fsyncPool)
	defer a.Close()
	b := openParticipant(t, dir, "b.addb", pool, fsyncPool)
	defer b.Close()

	if err := a.Grow(tile.Size); err != nil {
		t.Fatalf("a.Grow: %v", err)
	}
	if err := tile.WriteAt(a, 0, []byte("alpha")); err != nil {
		t.Fatalf("a WriteAt: %v", err)
	}
	if err := b.Grow(tile.Size); err != nil {
		t.Fatalf("b.Grow: %v", err)
	}
	if err := tile.WriteAt(b, 0, []byte("beta")); err != nil {
		t.Fatalf("b WriteAt: %v", err)
	}

	d := &Driver{
		Files:       []*tile.File{a, b},
		Directories: []string{dir},
		FsyncPool:   fsyncPool,
		HardSync:    true,
	}
	if err := d.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if a.HasDirty() || b.HasDirty() {
		t.Error("files still report dirty tiles after a completed checkpoint")
	}

	gotA, err := tile.ReadAt(a, 0, 5)
	if err != nil {
		t.Fatalf("a ReadAt: %v", err)
	}
	if !bytes.Equal(gotA, []byte("alpha")) {
		t.Errorf("a = %q, want %q", gotA, "alpha")
	}
	gotB, err := tile.ReadAt(b, 0, 4)
	if err != nil {
		t.Fatalf("b ReadAt: %v", err)
	}
	if !bytes.Equal(gotB, []byte("beta")) {
		t.Errorf("b = %q, want %q", gotB, "beta")
	}
}

// TestRunWithNoDirtyFilesIsANoop confirms a checkpoint over files with
// nothing written since the last one returns immediately without error.
func TestRunWithNoDirtyFilesIsANoop(t *testing.T) {
	dir := t.TempDir()
	pool := tile.NewPool(tile.DefaultMax)
	fsyncPool := asyncsync.NewPool(1, nil)

	a := openParticipant(t, dir, "a.addb", pool, fsyncPool)
	defer a.Close()

	d := &Driver{Files: []*tile.File{a}, Directories: []string{dir}, FsyncPool: fsyncPool, HardSync: true}
	if err := d.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run on a clean file: %v", err)
	}
}

// TestRollbackRestoresPreCheckpointBytes is spec.md §8's crash-mid-checkpoint
// scenario: a backup log published by FinishBackup/SyncBackup still holds
// the pre-checkpoint bytes, so Rollback can restore them even though the
// write phase never ran.
func TestRollbackRestoresPreCheckpointBytes(t *testing.T) {
	dir := t.TempDir()
	pool := tile.NewPool(tile.DefaultMax)
	fsyncPool := asyncsync.NewPool(1, nil)

	a := openParticipant(t, dir, "a.addb", pool, fsyncPool)
	defer a.Close()

	if err := a.Grow(tile.Size); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if err := tile.WriteAt(a, 0, []byte("before")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	d := &Driver{Files: []*tile.File{a}, Directories: []string{dir}, FsyncPool: fsyncPool, HardSync: true}
	if err := d.Run(context.Background(), 1); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	if err := tile.WriteAt(a, 0, []byte("after!")); err != nil {
		t.Fatalf("second WriteAt: %v", err)
	}
	if err := a.FinishBackup(2); err != nil {
		t.Fatalf("FinishBackup: %v", err)
	}
	for {
		done, err := a.SyncBackup(true, true)
		if err != nil {
			t.Fatalf("SyncBackup: %v", err)
		}
		if done {
			break
		}
	}
	// Simulate a crash here, before StartWrites ever runs: the published
	// backup log on disk still holds the "before" bytes, and Rollback must
	// restore them.
	if err := a.Rollback(2); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, err := tile.ReadAt(a, 0, 6)
	if err != nil {
		t.Fatalf("ReadAt after Rollback: %v", err)
	}
	if !bytes.Equal(got, []byte("before")) {
		t.Errorf("after Rollback = %q, want %q", got, "before")
	}
}

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

// Package checkpoint drives the six-phase group-commit protocol of
// spec.md §4.4 across every tiled file participating in a checkpoint.
// Phase k+1 only begins, for any file, once phase k has completed for
// every file: a crash at any point leaves every file either fully at its
// pre-checkpoint state (recoverable via backup replay) or fully at its
// post-checkpoint state, never a mix.
package checkpoint

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/tile"
)

// Phase names one of the six steps of spec.md §4.4.
type Phase int

const (
	PhaseFinishBackup Phase = iota
	PhaseSyncBackup
	PhaseStartWrites
	PhaseFinishWrites
	PhaseSyncDirectory
	PhaseRemoveBackup
)

func (p Phase) String() string {
	switch p {
	case PhaseFinishBackup:
		return "finish_backup"
	case PhaseSyncBackup:
		return "sync_backup"
	case PhaseStartWrites:
		return "start_writes"
	case PhaseFinishWrites:
		return "finish_writes"
	case PhaseSyncDirectory:
		return "sync_directory"
	case PhaseRemoveBackup:
		return "remove_backup"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Driver orchestrates a checkpoint across a fixed set of tiled files plus
// the directories their backup-log renames land in.
type Driver struct {
	Files       []*tile.File
	Directories []string // distinct directories to fsync at phase 5

	FsyncPool *asyncsync.Pool
	HardSync  bool // false trades durability for speed, e.g. stress-harness fast mode

	// Concurrency bounds how many files are driven through a phase at once.
	// 0 means unbounded (one goroutine per file).
	Concurrency int
}

// Run executes all six phases in order against the files with any dirty
// tiles, using horizon as the new recovery horizon committed by
// finish_backup. It returns once remove_backup has completed for every
// participating file, or the first error encountered. A failure in
// finish_backup or sync_backup first Aborts every participating file; a
// failure in any later phase is returned without Abort, since by then the
// backup logs are published and recovery goes through Rollback.
func (d *Driver) Run(ctx context.Context, horizon uint64) error {
	participants := make([]*tile.File, 0, len(d.Files))
	for _, f := range d.Files {
		if f.HasDirty() {
			participants = append(participants, f)
		}
	}
	if len(participants) == 0 {
		klog.V(1).Infof("checkpoint: no dirty files, nothing to do")
		return nil
	}
	klog.V(1).Infof("checkpoint: starting with %d dirty file(s), horizon=%d", len(participants), horizon)

	if err := d.finishBackup(ctx, participants, horizon); err != nil {
		d.abortAll(participants)
		return fmt.Errorf("checkpoint phase %s: %w", PhaseFinishBackup, err)
	}
	if err := d.syncBackup(ctx, participants); err != nil {
		d.abortAll(participants)
		return fmt.Errorf("checkpoint phase %s: %w", PhaseSyncBackup, err)
	}
	if err := d.startWrites(ctx, participants); err != nil {
		// Past this point backup logs are published and writes may have
		// partially landed: the recovery path is Rollback, not Abort.
		return fmt.Errorf("checkpoint phase %s: %w", PhaseStartWrites, err)
	}
	if err := d.finishWrites(ctx, participants); err != nil {
		return fmt.Errorf("checkpoint phase %s: %w", PhaseFinishWrites, err)
	}
	if err := d.syncDirectories(ctx); err != nil {
		return fmt.Errorf("checkpoint phase %s: %w", PhaseSyncDirectory, err)
	}
	if err := d.removeBackup(ctx, participants); err != nil {
		return fmt.Errorf("checkpoint phase %s: %w", PhaseRemoveBackup, err)
	}

	klog.V(1).Infof("checkpoint: completed for %d file(s)", len(participants))
	return nil
}

func (d *Driver) abortAll(files []*tile.File) {
	for _, f := range files {
		if err := f.Abort(); err != nil {
			klog.Warningf("checkpoint abort %q: %v", f.Path(), err)
		}
	}
}

func (d *Driver) eachFile(files []*tile.File, fn func(*tile.File) error) error {
	g := new(errgroup.Group)
	if d.Concurrency > 0 {
		g.SetLimit(d.Concurrency)
	}
	for _, f := range files {
		f := f
		g.Go(func() error { return fn(f) })
	}
	return g.Wait()
}

func (d *Driver) finishBackup(_ context.Context, files []*tile.File, horizon uint64) error {
	return d.eachFile(files, func(f *tile.File) error {
		return f.FinishBackup(horizon)
	})
}

// syncBackup drives every file's backup-log fsync+publish to completion,
// one goroutine per file, each blocking (block=true) on its own file's
// fsync rather than on another file's disk.
func (d *Driver) syncBackup(_ context.Context, files []*tile.File) error {
	return d.eachFile(files, func(f *tile.File) error {
		for {
			done, err := f.SyncBackup(d.HardSync, true)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	})
}

func (d *Driver) startWrites(_ context.Context, files []*tile.File) error {
	return d.eachFile(files, func(f *tile.File) error {
		return f.StartWrites()
	})
}

func (d *Driver) finishWrites(_ context.Context, files []*tile.File) error {
	return d.eachFile(files, func(f *tile.File) error {
		for {
			done, err := f.FinishWrites(d.HardSync, true)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	})
}

func (d *Driver) syncDirectories(_ context.Context) error {
	if !d.HardSync || d.FsyncPool == nil {
		return nil
	}
	g := new(errgroup.Group)
	for _, dir := range d.Directories {
		dir := dir
		g.Go(func() error {
			h, err := d.FsyncPool.StartDir(dir)
			if err != nil {
				return fmt.Errorf("sync directory %q: %w", dir, err)
			}
			if _, err := h.Finish(true); err != nil {
				return fmt.Errorf("sync directory %q: %w", dir, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Driver) removeBackup(_ context.Context, files []*tile.File) error {
	return d.eachFile(files, func(f *tile.File) error {
		return f.RemoveBackup()
	})
}

// Rollback replays every file's published backup log (if still present)
// against itself, recovering the pre-checkpoint state after a crash
// between start_writes and remove_backup. It must only be called before
// any writer has begun issuing new Get/Alloc calls against these files.
func (d *Driver) Rollback(_ context.Context, horizon uint64) error {
	return d.eachFile(d.Files, func(f *tile.File) error {
		return f.Rollback(horizon)
	})
}

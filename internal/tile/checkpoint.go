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
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"

	"github.com/google/graphd/api"
)

// FinishBackup, SyncBackup, StartWrites, FinishWrites and RemoveBackup below
// are phases 1-4 and 6 of the group-commit checkpoint protocol of spec.md
// §4.4; phase 5, the directory fsync, is run by internal/checkpoint itself.
// internal/checkpoint drives them across every participating File, only
// starting phase k+1 once phase k has returned for every file.

// HasDirty reports whether this file has any tile dirtied since its last
// checkpoint, i.e. whether it needs to participate in the next one at all.
func (f *File) HasDirty() bool { return len(f.dirty) > 0 }

// FinishBackup is checkpoint phase 1: every dirty tile's not-yet-logged
// pages are appended to the backup log (retrying whatever the eager write
// in prepareWrite failed to land), the tile's memory buffer is frozen as
// its "scheduled" snapshot, and the log's horizon record is finalized.
func (f *File) FinishBackup(horizon uint64) error {
	for _, t := range f.dirty {
		pending := t.dirtyBits &^ t.backedBits
		if pending.any() && f.backupLog != nil {
			// The eager write in prepareWrite may have failed transiently
			// (e.g. a momentarily full disk); this is the point spec.md §7
			// calls out as the one where such a failure becomes fatal, so
			// retry a bounded number of times first.
			err := retry.Do(
				func() error { return f.backupPages(t, pending) },
				retry.Attempts(3),
				retry.DelayType(retry.BackOffDelay),
			)
			if err != nil {
				return fmt.Errorf("finish backup: %q tile %d: %w", f.path, t.num, err)
			}
			t.backedBits |= pending
		}
		t.scheduled = t.memory
		t.scheduledBits = t.dirtyBits
		t.dirtyBits = 0
		t.backedBits = 0
		t.state = t.state.onSchedule()
		f.scheduled = append(f.scheduled, t)
	}
	f.dirty = f.dirty[:0]

	if f.backupLog != nil {
		if err := f.backupLog.Finish(horizon); err != nil {
			return fmt.Errorf("finish backup log for %q: %w", f.path, err)
		}
	}
	return nil
}

// SyncBackup is checkpoint phase 2: the finished backup log generation is
// fsynced and then published (renamed from .clx to .cln). With hardSync
// false the fsync is skipped and the log is published at once, trading
// durability for speed (used by the stress harness's fast-mode runs).
// block selects poll vs. wait semantics on the underlying async fsync: with
// block false, an unfinished fsync returns (false, nil) so the caller can
// poll again later.
func (f *File) SyncBackup(hardSync, block bool) (bool, error) {
	if f.backupLog == nil || !f.backupLog.Enabled() {
		return true, nil
	}
	if !hardSync {
		if err := f.backupLog.Publish(); err != nil {
			return false, fmt.Errorf("publish backup for %q: %w", f.path, err)
		}
		return true, nil
	}
	if !f.backupSyncStarted {
		if err := f.backupLog.SyncStart(); err != nil {
			return false, fmt.Errorf("sync backup for %q: %w", f.path, err)
		}
		f.backupSyncStarted = true
	}
	if err := f.backupLog.SyncFinish(block); err != nil {
		if errors.Is(err, api.ErrMore) {
			return false, nil
		}
		return false, fmt.Errorf("sync backup for %q: %w", f.path, err)
	}
	f.backupSyncStarted = false
	if err := f.backupLog.Publish(); err != nil {
		return false, fmt.Errorf("publish backup for %q: %w", f.path, err)
	}
	return true, nil
}

// StartWrites is checkpoint phase 3: each scheduled tile's frozen snapshot
// is copied into the backing mmap'd region, making the new values visible
// to the file's eventual on-disk contents.
func (f *File) StartWrites() error {
	for _, t := range f.scheduled {
		for p := 0; p < pagesPerTile; p++ {
			if t.scheduledBits&(1<<uint(p)) == 0 {
				continue
			}
			start := p * pageSize
			if start >= len(t.disk) {
				continue
			}
			end := start + pageSize
			if end > len(t.disk) {
				end = len(t.disk)
			}
			copy(t.disk[start:end], t.scheduled[start:end])
		}
	}
	return nil
}

// FinishWrites is checkpoint phase 4: the file's writeback from phase 3 is
// fsynced, then every scheduled tile drops its snapshot and reverts to a
// non-scheduled state (spec.md §9 Design Notes, cowState.onWritesDone).
func (f *File) FinishWrites(hardSync, block bool) (bool, error) {
	if hardSync {
		if f.fileFsync == nil {
			h, err := f.fsyncPool.Start(f.fd)
			if err != nil {
				return false, fmt.Errorf("finish writes for %q: %w", f.path, err)
			}
			f.fileFsync = h
		}
		done, err := f.fileFsync.Finish(block)
		if err != nil {
			return false, fmt.Errorf("finish writes fsync for %q: %w", f.path, err)
		}
		if !done {
			return false, nil
		}
		f.fileFsync = nil
	}

	f.pool.mu.Lock()
	for _, t := range f.scheduled {
		t.scheduled = nil
		t.scheduledBits = 0
		t.state = t.state.onWritesDone()
		if t.state == clean {
			t.memory = t.disk
		}
		if t.refs == 0 && t.evictable() {
			f.pool.markFreeLocked(t)
		}
	}
	f.pool.mu.Unlock()
	f.scheduled = f.scheduled[:0]
	return true, nil
}

// RemoveBackup is checkpoint phase 6: the published backup log is unlinked
// now that every participating file has durably landed its writes. From
// this point the pre-checkpoint state can no longer be recovered.
func (f *File) RemoveBackup() error {
	if f.backupLog == nil {
		return nil
	}
	return f.backupLog.RemoveBackup()
}

// Abort discards an in-progress checkpoint before phase 3 has touched any
// backing file: scheduled tiles fall back to dirty so the next checkpoint
// attempt picks them back up, and the half-written backup log generation
// is removed.
func (f *File) Abort() error {
	if f.backupLog != nil {
		if err := f.backupLog.Abort(); err != nil {
			klog.Warningf("abort %q: %v", f.path, err)
		}
	}
	f.backupSyncStarted = false
	for _, t := range f.scheduled {
		t.dirtyBits |= t.scheduledBits
		t.backedBits = 0
		t.scheduledBits = 0
		t.scheduled = nil
		switch t.state {
		case scheduledClean, scheduledDirty:
			t.state = dirty
		}
		f.dirty = append(f.dirty, t)
	}
	f.scheduled = f.scheduled[:0]
	return nil
}

// Rollback replays this file's published backup log (if its horizon is at
// least the caller's) directly into the backing mmap, bypassing COW
// tracking and backup logging entirely: it is only ever used during crash
// recovery, before any writer has reopened the file (spec.md §4.2, §5).
func (f *File) Rollback(horizon uint64) error {
	return readBackup(f, horizon)
}

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

// Package backup implements the per-file write-ahead undo log described in
// spec.md §4.2: a double-buffered, rotating append-only log of
// (offset, length, bytes) records recording the pre-modification contents
// of pages about to be dirtied, so a crash between a checkpoint's write
// phase and its final unlink can be undone by replay.
package backup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/google/graphd/api"
	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/sabotage"
)

// HorizonPlaceholder marks a log whose header has been written but whose
// real horizon has not yet been committed by Finish. A reader encountering
// this value treats the log as incomplete and discards it (spec.md §4.2).
const HorizonPlaceholder = (uint64(1) << 40) - 1 // ALL_ONES over 40 bits

const headerSize = 4 + 5 // magic + 5-byte horizon
const recordHeaderSize = 8 + 8

// Record is one (offset, payload) entry from a replayed log.
type Record struct {
	Offset int64
	Data   []byte
}

// state names where a Log is in its open/finish/sync/publish lifecycle.
type state int

const (
	stateClosed state = iota
	stateOpen
	stateFinished
	stateSyncing
	statePublished
)

// Log is the write-ahead undo log for a single subject file.
//
// It is not safe for concurrent use; the engine serializes all mutation of
// a Log on the single writer goroutine (spec.md §5), with the exception of
// the async fsync handle started by SyncStart, which runs on a pool
// worker.
type Log struct {
	subjectPath string
	gen         int // which of the two rotating generations is active (0 or 1)
	activePath  string

	f       *os.File
	st      state
	horizon uint64

	pool  *asyncsync.Pool
	fsync *asyncsync.Handle

	bytesWritten int64
	fault        *sabotage.Hook
}

// New creates a Log for the given subject file path. pool is used to
// offload fsyncs; fault, if non-nil, injects deterministic I/O failures for
// testing.
func New(subjectPath string, pool *asyncsync.Pool, fault *sabotage.Hook) *Log {
	return &Log{subjectPath: subjectPath, pool: pool, fault: fault}
}

// Enabled reports whether this log currently has an open generation.
func (l *Log) Enabled() bool { return l.st != stateClosed }

// open lazily creates the active generation's .clx file on first Write, per
// spec.md §4.2 ("Open lazily on the first write"). It uses the first
// available of the two rotating paths; if both already exist on disk this
// indicates caller misuse (the previous generation was never finished and
// cleaned up).
func (l *Log) open() error {
	if l.st != stateClosed {
		return nil
	}
	for gen := 0; gen < 2; gen++ {
		p := api.BackupPathActive(l.subjectPath, gen)
		if _, err := os.Stat(p); err == nil {
			continue
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("create backup log %q: %w", p, err)
		}
		l.f = f
		l.gen = gen
		l.activePath = p
		l.st = stateOpen
		l.horizon = HorizonPlaceholder
		l.bytesWritten = 0
		return l.writeHeader()
	}
	return fmt.Errorf("backup: both rotating generations exist for %q: caller must finish one before opening another", l.subjectPath)
}

func (l *Log) writeHeader() error {
	var buf [headerSize]byte
	copy(buf[0:4], api.MagicBackupLog[:])
	put40(buf[4:9], l.horizon)
	// A plain Write (not WriteAt) advances the descriptor's offset past the
	// header, which is where Write's writev appends the first record.
	if _, err := l.f.Write(buf[:]); err != nil {
		return fmt.Errorf("write backup header: %w", err)
	}
	l.bytesWritten = headerSize
	return nil
}

// Write appends one page-sized record to the log, opening it first if
// necessary. offset is the page-aligned location of data within the
// subject file.
func (l *Log) Write(offset int64, data []byte) error {
	if err := l.open(); err != nil {
		return err
	}
	if err := l.fault.Trip(); err != nil {
		return fmt.Errorf("backup write(%d): injected fault: %w", offset, err)
	}

	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(offset))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(len(data)))

	// A vectored write issues the header and the payload to the kernel as
	// a single syscall, so a crash can never observe one without the
	// other (spec.md §4.2).
	iovs := []unix.Iovec{unixIovec(hdr[:]), unixIovec(data)}
	n, err := unix.Writev(int(l.f.Fd()), iovs)
	if err != nil {
		return fmt.Errorf("writev backup record at %d: %w", l.bytesWritten, err)
	}
	want := len(hdr) + len(data)
	if n != want {
		return fmt.Errorf("short writev backup record: wrote %d of %d bytes", n, want)
	}
	l.bytesWritten += int64(want)
	return nil
}

// Finish closes out the active generation: it overwrites the placeholder
// horizon with the real value, converting the log from "active" to
// "waiting" for an fsync (spec.md §4.2, checkpoint phase 1).
func (l *Log) Finish(horizon uint64) error {
	if l.st == stateClosed {
		return nil // no dirty pages this checkpoint: nothing to finish.
	}
	if l.st != stateOpen {
		return fmt.Errorf("backup: Finish called in state %d", l.st)
	}
	l.horizon = horizon
	var hb [5]byte
	put40(hb[:], horizon)
	if _, err := l.f.WriteAt(hb[:], 4); err != nil {
		return fmt.Errorf("finish backup header: %w", err)
	}
	l.st = stateFinished
	return nil
}

// SyncStart begins an asynchronous fsync of the just-finished generation.
func (l *Log) SyncStart() error {
	if l.st != stateFinished {
		return fmt.Errorf("backup: SyncStart called in state %d", l.st)
	}
	h, err := l.pool.Start(l.f)
	if err != nil {
		return err
	}
	l.fsync = h
	l.st = stateSyncing
	return nil
}

// SyncFinish polls (block=false) or waits (block=true) for the fsync
// started by SyncStart. It returns api.ErrMore if block is false and the
// fsync has not yet completed.
func (l *Log) SyncFinish(block bool) error {
	if l.st != stateSyncing {
		return fmt.Errorf("backup: SyncFinish called in state %d", l.st)
	}
	done, err := l.fsync.Finish(block)
	if err != nil {
		return fmt.Errorf("backup fsync: %w", err)
	}
	if !done {
		return api.ErrMore
	}
	l.fsync = nil
	l.st = statePublished // logically: ready to publish; actual rename happens in Publish
	return nil
}

// Close truncates an empty log (no records were ever written beyond the
// header) and releases the file handle, without removing it from disk.
func (l *Log) Close() error {
	if l.f == nil {
		return nil
	}
	if l.bytesWritten <= headerSize {
		if err := l.f.Truncate(headerSize); err != nil {
			return fmt.Errorf("truncate empty backup log: %w", err)
		}
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Publish atomically renames the active generation from .clx to .cln,
// making it the official backup for the subject file (spec.md §4.2). This
// is a non-fsyncing rename because the enclosing directory is fsynced
// separately (checkpoint phase 5).
func (l *Log) Publish() error {
	dst := api.BackupPathPublished(l.subjectPath)
	if err := os.Rename(l.activePath, dst); err != nil {
		return fmt.Errorf("publish backup log: %w", err)
	}
	l.st = stateClosed
	l.activePath = ""
	return nil
}

// Unpublish removes a previously published .cln log, e.g. during Abort.
func (l *Log) Unpublish() error {
	dst := api.BackupPathPublished(l.subjectPath)
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unpublish backup log: %w", err)
	}
	return nil
}

// RemoveBackup unlinks the published log once a checkpoint's remaining
// phases have all completed successfully (spec.md §4.4 phase 6). From this
// point the pre-checkpoint state is no longer recoverable.
func (l *Log) RemoveBackup() error {
	return l.Unpublish()
}

// Abort discards everything in progress: the active generation's file (if
// any) is closed and removed, and the in-memory state reset.
func (l *Log) Abort() error {
	if l.fsync != nil {
		l.fsync.Cancel()
		l.fsync = nil
	}
	if l.f != nil {
		path := l.activePath
		_ = l.f.Close()
		l.f = nil
		if path != "" {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				klog.Warningf("abort: remove backup log %q: %v", path, err)
			}
		}
	}
	l.st = stateClosed
	l.activePath = ""
	return nil
}

// BytesWritten returns the number of bytes appended to the log's current
// (or most recently finished) generation, for reporting purposes.
func (l *Log) BytesWritten() int64 { return l.bytesWritten }

// Read replays a published log against apply, which should write each
// record's payload back into the subject file through the tile manager in
// "backup apply" mode (dirtying the tile but bypassing recursive backup
// logging, per spec.md §4.2). horizon is the caller's current recovery
// horizon.
//
// Read implements the two discard rules of spec.md §4.2/§8: a log whose
// header horizon is the placeholder value, or whose horizon is less than
// the caller's horizon, is discarded without calling apply.
func Read(subjectPath string, horizon uint64, apply func(Record) error) error {
	p := api.BackupPathPublished(subjectPath)
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read backup log %q: %w", p, err)
	}
	if len(raw) < headerSize {
		return fmt.Errorf("%w: backup log %q: truncated header", fmt.Errorf("short file"), p)
	}
	if err := api.CheckMagic(p, [4]byte(raw[0:4]), api.MagicBackupLog); err != nil {
		return err
	}
	logHorizon := get40(raw[4:9])
	if logHorizon == HorizonPlaceholder {
		klog.V(1).Infof("backup log %q: unfinished (placeholder horizon), discarding", p)
		return nil
	}
	if logHorizon < horizon {
		klog.V(1).Infof("backup log %q: stale (horizon %d < %d), discarding", p, logHorizon, horizon)
		return nil
	}

	off := headerSize
	count := 0
	for off < len(raw) {
		if off+recordHeaderSize > len(raw) {
			return fmt.Errorf("backup log %q: truncated record header at %d", p, off)
		}
		recOffset := int64(binary.BigEndian.Uint64(raw[off : off+8]))
		recSize := binary.BigEndian.Uint64(raw[off+8 : off+16])
		off += recordHeaderSize
		if uint64(off)+recSize > uint64(len(raw)) {
			return fmt.Errorf("backup log %q: truncated payload at %d", p, off)
		}
		data := raw[off : uint64(off)+recSize]
		if err := apply(Record{Offset: recOffset, Data: data}); err != nil {
			return fmt.Errorf("apply backup record at %d: %w", recOffset, err)
		}
		off += int(recSize)
		count++
	}
	klog.V(1).Infof("backup log %q: replayed %d records", p, count)
	return nil
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

func unixIovec(b []byte) unix.Iovec {
	var iov unix.Iovec
	if len(b) > 0 {
		iov.SetLen(len(b))
		iov.Base = &b[0]
	}
	return iov
}

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

// Package graphd implements a dense-identifier, tile-backed graph storage
// engine (spec.md §1): an immutable primitive record store plus one or
// more source→list indexes over it, all sharing a single group-commit
// checkpoint protocol for crash-consistent durability.
package graphd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/checkpoint"
	"github.com/google/graphd/internal/tile"
	"github.com/google/graphd/index"
	"github.com/google/graphd/primitive"
)

// Database coordinates a primitive record store and any number of named
// indexes over it behind one shared checkpoint protocol (spec.md §4.4).
type Database struct {
	dir  string
	opts *Options

	pool      *tile.Pool
	fsyncPool *asyncsync.Pool

	// writeMu serializes every mutation of tile pool state, dirty/
	// scheduled lists, and backup-log state across the primitive store,
	// every index, and the checkpoint driver, per spec.md §5 ("all
	// mutation ... happens in one thread"). Checkpoint holds it for its
	// whole run; primitive.Store.Write and index.Index.Add/Promote hold
	// it via the same *sync.Mutex threaded through their Options, so a
	// background Checkpoint started by Run never interleaves with an
	// application write.
	writeMu sync.Mutex

	primitives *primitive.Store

	mu      sync.RWMutex
	indexes map[string]*index.Index

	stopOnce sync.Once
	stopRun  chan struct{}
	runDone  chan struct{}
}

// Open opens (creating if necessary) the database rooted at dir.
func Open(dir string, opts ...Option) (*Database, error) {
	o := resolveOptions(opts...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir database %q: %w", dir, err)
	}

	pool := tile.NewPool(tile.DefaultMax)
	fsyncPool := asyncsync.NewPool(o.FsyncWorkers, o.Fault)

	db := &Database{
		dir:       dir,
		opts:      o,
		pool:      pool,
		fsyncPool: fsyncPool,
		indexes:   make(map[string]*index.Index),
	}

	primDir := filepath.Join(dir, "primitive")
	prim, err := primitive.Open(primDir, primitive.Options{
		Pool:          pool,
		FsyncPool:     fsyncPool,
		Fault:         o.Fault,
		Transactional: o.Transactional,
		WriteMu:       &db.writeMu,
	})
	if err != nil {
		return nil, fmt.Errorf("open primitive store: %w", err)
	}
	db.primitives = prim
	return db, nil
}

// Primitives returns the database's record store, for direct Write/Read
// access by callers that don't need indexing (spec.md §4.5).
func (db *Database) Primitives() *primitive.Store { return db.primitives }

// Index returns the named index, opening it on first use.
func (db *Database) Index(name string) (*index.Index, error) {
	db.mu.RLock()
	ix, ok := db.indexes[name]
	db.mu.RUnlock()
	if ok {
		return ix, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if ix, ok := db.indexes[name]; ok {
		return ix, nil
	}
	ix, err := index.Open(filepath.Join(db.dir, name), index.Options{
		Pool:              db.pool,
		FsyncPool:         db.fsyncPool,
		Fault:             db.opts.Fault,
		Transactional:     db.opts.Transactional,
		OverflowSoftLimit: db.opts.OverflowSoftLimit,
		WriteMu:           &db.writeMu,
	})
	if err != nil {
		return nil, fmt.Errorf("open index %q: %w", name, err)
	}
	db.indexes[name] = ix
	return ix, nil
}

// participants returns every tiled file currently open across the
// primitive store and all indexes, for the checkpoint driver.
func (db *Database) participants() []*tile.File {
	var out []*tile.File
	out = append(out, db.primitives.Files()...)
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, ix := range db.indexes {
		out = append(out, ix.Files()...)
	}
	return out
}

// directories returns every directory this checkpoint fsyncs in phase 5
// (spec.md §4.4): the primitive store's directory and each open index's
// own directory. The indexes' large/ and bgmap/ subdirectories and the
// database root are not in the list.
func (db *Database) directories() []string {
	dirs := []string{db.primitives.Dir()}
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, ix := range db.indexes {
		dirs = append(dirs, ix.Dir())
	}
	return dirs
}

// Checkpoint runs one full group-commit checkpoint (spec.md §4.4) covering
// every file currently open, durably advancing the primitive store's
// horizon to its pre-checkpoint NextID on success.
//
// Checkpoint holds writeMu for its whole duration, so it never interleaves
// with an application call to Primitives().Write or an Index's Add/
// Promote, which take the same mutex (spec.md §5).
func (db *Database) Checkpoint(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	horizon := db.primitives.NextID()
	d := &checkpoint.Driver{
		Files:       db.participants(),
		Directories: db.directories(),
		FsyncPool:   db.fsyncPool,
		HardSync:    db.opts.HardSync,
		Concurrency: db.opts.CheckpointConcurrency,
	}
	if err := d.Run(ctx, horizon); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := db.primitives.AdvanceHorizon(horizon); err != nil {
		return fmt.Errorf("checkpoint: advance horizon: %w", err)
	}
	klog.V(1).Infof("graphd: checkpoint complete, horizon now %d", horizon)
	return nil
}

// Recover replays every participant's published backup log, rolling back
// to the last durable checkpoint (spec.md §5 "Crash recovery"). Callers
// invoke this once, immediately after Open, before any other access.
func (db *Database) Recover(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	horizon := db.primitives.Horizon()
	d := &checkpoint.Driver{Files: db.participants()}
	if err := d.Rollback(ctx, horizon); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if err := db.primitives.Refresh(); err != nil {
		return fmt.Errorf("recover: refresh primitive store: %w", err)
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	for name, ix := range db.indexes {
		if err := ix.Refresh(); err != nil {
			return fmt.Errorf("recover: refresh index %q: %w", name, err)
		}
	}
	return nil
}

// Run starts a background goroutine that checkpoints on
// opts.CheckpointInterval until the returned stop function is called.
func (db *Database) Run(ctx context.Context) (stop func()) {
	db.stopRun = make(chan struct{})
	db.runDone = make(chan struct{})
	go func() {
		defer close(db.runDone)
		t := time.NewTicker(db.opts.CheckpointInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-db.stopRun:
				return
			case <-t.C:
				if err := db.Checkpoint(ctx); err != nil {
					klog.Errorf("graphd: periodic checkpoint failed: %v", err)
				}
			}
		}
	}()
	return func() {
		db.stopOnce.Do(func() { close(db.stopRun) })
		<-db.runDone
	}
}

// Close closes the primitive store and every opened index.
func (db *Database) Close() error {
	var firstErr error
	if err := db.primitives.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for name, ix := range db.indexes {
		if err := ix.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close index %q: %w", name, err)
		}
	}
	return firstErr
}

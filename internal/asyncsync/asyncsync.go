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

// Package asyncsync offloads fdatasync/fsync calls to a bounded pool of
// worker goroutines so the caller's main loop can keep advancing other
// files while a sync is in flight (spec.md §4.3).
//
// This is the same fire-and-forget-with-status-flag semantics as the
// engine it's modelled on, but dispatched onto a fixed worker pool
// (golang.org/x/sync/errgroup) rather than spawning one OS thread per
// fsync, per spec.md §9 Design Notes.
package asyncsync

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/google/graphd/internal/sabotage"
)

// Pool is a fixed-size pool of fsync workers shared by every tiled file and
// backup log in the process.
type Pool struct {
	g     *errgroup.Group
	fault *sabotage.Hook
}

// DefaultWorkers is used when NewPool is given a non-positive count.
func DefaultWorkers() int {
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 4
}

// NewPool creates a pool with the given number of worker slots.
func NewPool(workers int, fault *sabotage.Hook) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	p := &Pool{fault: fault}
	var g errgroup.Group
	g.SetLimit(workers)
	p.g = &g
	nprocOnce.Do(raiseNprocLimit)
	return p
}

var nprocOnce sync.Once

// Handle tracks one in-flight (or completed) async fsync.
type Handle struct {
	done chan struct{}
	err  error

	mu        sync.Mutex
	cancelled bool
}

// Start spawns a worker that calls Fdatasync on f and reports back via the
// returned Handle.
func (p *Pool) Start(f *os.File) (*Handle, error) {
	h := &Handle{done: make(chan struct{})}
	p.g.Go(func() error {
		defer close(h.done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		// The workers this package is modelled on explicitly unbind
		// themselves from any CPU affinity the process set on the main
		// thread; Go's scheduler doesn't expose that knob per-goroutine, so
		// LockOSThread/UnlockOSThread (which hands the M back to the
		// scheduler's free pool on return) is the idiomatic equivalent.
		h.mu.Lock()
		cancelled := h.cancelled
		h.mu.Unlock()
		if cancelled {
			return nil
		}
		if err := p.fault.Trip(); err != nil {
			h.err = fmt.Errorf("injected fault: %w", err)
			return nil
		}
		if err := unix.Fdatasync(int(f.Fd())); err != nil {
			h.err = fmt.Errorf("fdatasync(%s): %w", f.Name(), err)
		}
		return nil
	})
	return h, nil
}

// StartDir begins an async fsync of a directory file descriptor, used by
// the checkpoint engine's phase 5 to make published renames durable.
func (p *Pool) StartDir(path string) (*Handle, error) {
	d, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dir %q for fsync: %w", path, err)
	}
	h, startErr := p.Start(d)
	if startErr != nil {
		_ = d.Close()
		return nil, startErr
	}
	// The worker only needs the fd; close the handle once the sync settles.
	go func() {
		<-h.done
		_ = d.Close()
	}()
	return h, nil
}

// Finish polls (block=false) or blocks (block=true) on h's completion.
// With block=false, it returns (false, nil) while the sync is still
// in-flight ("more work pending").
func (h *Handle) Finish(block bool) (bool, error) {
	if block {
		<-h.done
		return true, h.err
	}
	select {
	case <-h.done:
		return true, h.err
	default:
		return false, nil
	}
}

// Cancel detaches from an in-flight sync; its result, once it lands, is
// discarded. A cancelled sync is treated as having succeeded by the abort
// path that calls it (spec.md §5).
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
}

// raiseNprocLimit raises RLIMIT_NPROC's soft limit to its hard limit once,
// matching spec.md §4.3: "If thread creation fails because of RLIMIT_NPROC,
// raise the soft limit to the hard limit once at startup." Go's goroutines
// don't consume a kernel thread each, so this is defensive rather than
// load-bearing, but kept for parity with the process-wide ulimit the
// engine's child processes (e.g. the stress harness) may also depend on.
func raiseNprocLimit() {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &rlim); err != nil {
		klog.V(2).Infof("getrlimit(RLIMIT_NPROC): %v", err)
		return
	}
	if rlim.Cur >= rlim.Max {
		return
	}
	rlim.Cur = rlim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NPROC, &rlim); err != nil {
		klog.V(2).Infof("setrlimit(RLIMIT_NPROC): %v", err)
	}
}

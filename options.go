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

package graphd

import (
	"time"

	"github.com/google/graphd/internal/sabotage"
)

const (
	// DefaultCheckpointInterval is how often a Database auto-checkpoints
	// when WithCheckpointInterval is not given.
	DefaultCheckpointInterval = 250 * time.Millisecond

	// DefaultCheckpointConcurrency bounds how many files a single
	// checkpoint phase touches concurrently.
	DefaultCheckpointConcurrency = 64

	// DefaultOverflowSoftLimit is the default ceiling on large-array and
	// bitmap files held open at once, per index.
	DefaultOverflowSoftLimit = 5000
)

// Options holds settings resolved from a variadic list of Option funcs,
// following the same WithX pattern the rest of this stack uses for
// storage configuration.
type Options struct {
	// Transactional enables the copy-on-write/backup-log durability path
	// (spec.md §4.1, §4.4). Disabling it trades crash-safety for speed,
	// e.g. for bulk reloads from another durable source.
	Transactional bool

	// HardSync controls whether checkpoint phases 2 and 4 actually fsync,
	// or only order writes via the page cache (spec.md §4.4).
	HardSync bool

	CheckpointInterval    time.Duration
	CheckpointConcurrency int
	OverflowSoftLimit     int
	FsyncWorkers          int

	// Fault, if non-nil, is wired into every file this database opens.
	Fault *sabotage.Hook
}

// Option mutates an Options during Open.
type Option func(*Options)

func resolveOptions(opts ...Option) *Options {
	o := &Options{
		Transactional:         true,
		HardSync:              true,
		CheckpointInterval:    DefaultCheckpointInterval,
		CheckpointConcurrency: DefaultCheckpointConcurrency,
		OverflowSoftLimit:     DefaultOverflowSoftLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTransactional sets whether writes go through the copy-on-write
// backup-log path. Default true.
func WithTransactional(v bool) Option {
	return func(o *Options) { o.Transactional = v }
}

// WithHardSync sets whether checkpoints fsync or merely order writes.
// Default true.
func WithHardSync(v bool) Option {
	return func(o *Options) { o.HardSync = v }
}

// WithCheckpointInterval sets the auto-checkpoint period used by Run.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *Options) { o.CheckpointInterval = d }
}

// WithCheckpointConcurrency bounds how many files one checkpoint phase
// touches at once.
func WithCheckpointConcurrency(n int) Option {
	return func(o *Options) { o.CheckpointConcurrency = n }
}

// WithOverflowSoftLimit bounds how many large-array/bitmap files are held
// open at once, per index.
func WithOverflowSoftLimit(n int) Option {
	return func(o *Options) { o.OverflowSoftLimit = n }
}

// WithFsyncWorkers bounds the async fsync worker pool's concurrency; see
// internal/asyncsync.
func WithFsyncWorkers(n int) Option {
	return func(o *Options) { o.FsyncWorkers = n }
}

// WithFaultInjection wires a deterministic I/O fault injector into every
// file the database opens. Intended for tests exercising spec.md §8's
// crash-recovery scenarios; see internal/sabotage.
func WithFaultInjection(h *sabotage.Hook) Option {
	return func(o *Options) { o.Fault = h }
}

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

// Package fsck implements the offline consistency check of spec.md §8: a
// read-through walk of a database's primitive store and indexes that
// surfaces structural corruption (a broken sentinel invariant, an
// unsorted target list, a misaligned record offset) as an
// api.ErrDatabase-wrapped error rather than letting it surface later as a
// subtler read-time failure.
package fsck

import (
	"fmt"
	"path/filepath"

	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/sabotage"
	"github.com/google/graphd/internal/tile"
	"github.com/google/graphd/index"
	"github.com/google/graphd/primitive"
)

// Options configure a Check run.
type Options struct {
	// IndexNames lists the index subdirectories (under dir) to check, in
	// addition to the primitive store.
	IndexNames []string
}

// Check walks the database rooted at dir and returns the first consistency
// violation found, or nil if none.
func Check(dir string, opts Options) error {
	pool := tile.NewPool(tile.DefaultMax)
	fsyncPool := asyncsync.NewPool(1, nil)
	var fault *sabotage.Hook

	prim, err := primitive.Open(filepath.Join(dir, "primitive"), primitive.Options{
		Pool: pool, FsyncPool: fsyncPool, Fault: fault, Transactional: false,
	})
	if err != nil {
		return fmt.Errorf("fsck: open primitive store: %w", err)
	}
	defer prim.Close()
	if err := prim.Verify(); err != nil {
		return fmt.Errorf("fsck: primitive store: %w", err)
	}

	for _, name := range opts.IndexNames {
		ix, err := index.Open(filepath.Join(dir, name), index.Options{
			Pool: pool, FsyncPool: fsyncPool, Fault: fault, Transactional: false,
		})
		if err != nil {
			return fmt.Errorf("fsck: open index %q: %w", name, err)
		}
		verr := ix.Verify()
		if cerr := ix.Close(); cerr != nil && verr == nil {
			verr = cerr
		}
		if verr != nil {
			return fmt.Errorf("fsck: index %q: %w", name, verr)
		}
	}
	return nil
}

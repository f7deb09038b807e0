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
	"testing"

	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/tile"
)

func TestCacheOpensAndEvicts(t *testing.T) {
	dir := t.TempDir()
	pool := tile.NewPool(tile.DefaultMax)
	fsyncPool := asyncsync.NewPool(1, nil)
	c, err := NewCache(dir, 2, Options{Pool: pool, FsyncPool: fsyncPool, Transactional: true})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	for _, id := range []uint64{1, 2, 3} {
		f, err := c.Array(id)
		if err != nil {
			t.Fatalf("Array(%d): %v", id, err)
		}
		if err := f.Append([]uint64{id * 100}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Source 1's file was evicted by the soft limit of 2; fetching it again
	// must transparently reopen it with its previously appended contents.
	f, err := c.Array(1)
	if err != nil {
		t.Fatalf("Array(1) after eviction: %v", err)
	}
	last, ok, err := f.Last()
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if !ok || last != 100 {
		t.Errorf("Last() after reopen = (%d, %v), want (100, true)", last, ok)
	}
}

func TestCacheBitmap(t *testing.T) {
	dir := t.TempDir()
	pool := tile.NewPool(tile.DefaultMax)
	fsyncPool := asyncsync.NewPool(1, nil)
	c, err := NewCache(dir, 0, Options{Pool: pool, FsyncPool: fsyncPool, Transactional: true})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	b, err := c.Bitmap(5)
	if err != nil {
		t.Fatalf("Bitmap(5): %v", err)
	}
	if err := b.Set(42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ok, err := b.Check(42)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Error("Check(42) = false, want true")
	}
}

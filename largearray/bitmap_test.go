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
	"path/filepath"
	"testing"

	"github.com/google/graphd/internal/asyncsync"
	"github.com/google/graphd/internal/tile"
)

func newTestBitmap(t *testing.T) *Bitmap {
	t.Helper()
	dir := t.TempDir()
	pool := tile.NewPool(tile.DefaultMax)
	fsyncPool := asyncsync.NewPool(1, nil)
	b, err := OpenBitmap(filepath.Join(dir, "bitmap.addb"), 9, Options{
		Pool: pool, FsyncPool: fsyncPool, Transactional: true,
	})
	if err != nil {
		t.Fatalf("OpenBitmap: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBitmapSetAndCheck(t *testing.T) {
	b := newTestBitmap(t)
	ids := []uint64{0, 1, 7, 8, 63, 64, 1000, 1 << 20}
	for _, id := range ids {
		if err := b.Set(id); err != nil {
			t.Fatalf("Set(%d): %v", id, err)
		}
	}
	for _, id := range ids {
		ok, err := b.Check(id)
		if err != nil {
			t.Fatalf("Check(%d): %v", id, err)
		}
		if !ok {
			t.Errorf("Check(%d) = false, want true", id)
		}
	}
	for _, id := range []uint64{2, 3, 65, 999} {
		ok, err := b.Check(id)
		if err != nil {
			t.Fatalf("Check(%d): %v", id, err)
		}
		if ok {
			t.Errorf("Check(%d) = true, want false", id)
		}
	}
}

func TestBitmapScanForwardBackward(t *testing.T) {
	b := newTestBitmap(t)
	for _, id := range []uint64{3, 10, 17, 200} {
		if err := b.Set(id); err != nil {
			t.Fatalf("Set(%d): %v", id, err)
		}
	}

	if got, ok, err := b.ScanForward(0); err != nil || !ok || got != 3 {
		t.Errorf("ScanForward(0) = (%d, %v, %v), want (3, true, nil)", got, ok, err)
	}
	if got, ok, err := b.ScanForward(11); err != nil || !ok || got != 17 {
		t.Errorf("ScanForward(11) = (%d, %v, %v), want (17, true, nil)", got, ok, err)
	}
	if _, ok, err := b.ScanForward(201); err != nil || ok {
		t.Errorf("ScanForward(201) = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	if got, ok, err := b.ScanBackward(1000); err != nil || !ok || got != 200 {
		t.Errorf("ScanBackward(1000) = (%d, %v, %v), want (200, true, nil)", got, ok, err)
	}
	if got, ok, err := b.ScanBackward(16); err != nil || !ok || got != 10 {
		t.Errorf("ScanBackward(16) = (%d, %v, %v), want (10, true, nil)", got, ok, err)
	}
	if _, ok, err := b.ScanBackward(2); err != nil || ok {
		t.Errorf("ScanBackward(2) = (_, %v, %v), want (_, false, nil)", ok, err)
	}
}

func TestBitmapVerifyIsNoop(t *testing.T) {
	b := newTestBitmap(t)
	if err := b.Set(5); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Verify(); err != nil {
		t.Errorf("Verify() = %v, want nil", err)
	}
}

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

package marker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/graphd/api"
)

func paths(dir string) (string, string) {
	return filepath.Join(dir, "next.mkr"), filepath.Join(dir, "next.mkr.tmp")
}

func TestOpenEmptyStartsAtZero(t *testing.T) {
	dir := t.TempDir()
	path, temp := paths(dir)
	m, err := Open(path, temp, api.MagicPrimitiveNext, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()
	if got := m.Value(); got != 0 {
		t.Errorf("Value() = %d, want 0", got)
	}
}

func TestAdvanceAndReopen(t *testing.T) {
	dir := t.TempDir()
	path, temp := paths(dir)
	m, err := Open(path, temp, api.MagicPrimitiveNext, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for v := uint64(1); v <= 10; v++ {
		if err := m.Advance(v); err != nil {
			t.Fatalf("Advance(%d): %v", v, err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(path, temp, api.MagicPrimitiveNext, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	if got := m2.Value(); got != 10 {
		t.Errorf("Value() after reopen = %d, want 10", got)
	}
}

// TestAdvancePastRewriteThreshold exercises the "replace over append"
// policy of spec.md §7: once enough records have been appended, Advance
// rewrites the file from scratch instead, and the value survives a reopen
// either way.
func TestAdvancePastRewriteThreshold(t *testing.T) {
	dir := t.TempDir()
	path, temp := paths(dir)
	m, err := Open(path, temp, api.MagicPrimitiveHoriz, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for v := uint64(1); v <= rewriteThreshold+5; v++ {
		if err := m.Advance(v); err != nil {
			t.Fatalf("Advance(%d): %v", v, err)
		}
	}
	if m.sinceRewrite >= rewriteThreshold {
		t.Errorf("sinceRewrite = %d, want < %d after crossing the threshold", m.sinceRewrite, rewriteThreshold)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(path, temp, api.MagicPrimitiveHoriz, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	if want := uint64(rewriteThreshold + 5); m2.Value() != want {
		t.Errorf("Value() after reopen = %d, want %d", m2.Value(), want)
	}
}

func TestNextAllocatesSequentialIDs(t *testing.T) {
	dir := t.TempDir()
	path, temp := paths(dir)
	m, err := Open(path, temp, api.MagicPrimitiveNext, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	for want := uint64(0); want < 5; want++ {
		got, err := m.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Errorf("Next() = %d, want %d", got, want)
		}
	}
	if got := m.Value(); got != 5 {
		t.Errorf("Value() = %d, want 5", got)
	}
}

// TestRecoveryIgnoresTruncatedTrailingRecord is spec.md §6's crash model: a
// crash mid-append may leave a short trailing record on disk, which a
// reopen must ignore in favor of the last complete one.
func TestRecoveryIgnoresTruncatedTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	path, temp := paths(dir)
	m, err := Open(path, temp, api.MagicPrimitiveNext, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for v := uint64(1); v <= 3; v++ {
		if err := m.Advance(v); err != nil {
			t.Fatalf("Advance(%d): %v", v, err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-append: truncate off the last two bytes of the
	// most recent 5-byte record.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-2); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	m2, err := Open(path, temp, api.MagicPrimitiveNext, nil)
	if err != nil {
		t.Fatalf("reopen after simulated crash: %v", err)
	}
	defer m2.Close()
	if got := m2.Value(); got != 2 {
		t.Errorf("Value() after truncated trailing record = %d, want 2 (the last complete record)", got)
	}
}

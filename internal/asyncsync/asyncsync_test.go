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

package asyncsync

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/graphd/internal/sabotage"
)

func TestStartAndBlockingFinish(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	p := NewPool(1, nil)
	h, err := p.Start(f)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	done, err := h.Finish(true)
	if err != nil {
		t.Fatalf("Finish(true): %v", err)
	}
	if !done {
		t.Error("Finish(true) returned done=false, want true")
	}
}

func TestStartDirAndInjectedFault(t *testing.T) {
	dir := t.TempDir()
	wantErr := errors.New("injected")
	p := NewPool(1, sabotage.New(0, wantErr))

	h, err := p.StartDir(dir)
	if err != nil {
		t.Fatalf("StartDir: %v", err)
	}
	if _, err := h.Finish(true); err == nil {
		t.Error("Finish(true) after injected fault = nil, want error")
	}
}

// TestPollingFinishObservesMoreThenSuccess exercises spec.md §8's async
// fsync scenario directly against Handle's completion semantics: polling
// with block=false returns (false, nil) ("more") while the sync is still
// in flight, and (true, nil) once it has landed.
func TestPollingFinishObservesMoreThenSuccess(t *testing.T) {
	h := &Handle{done: make(chan struct{})}

	done, err := h.Finish(false)
	if err != nil {
		t.Fatalf("Finish(false) before completion: %v", err)
	}
	if done {
		t.Fatal("Finish(false) before completion = true, want false (MORE)")
	}

	close(h.done)

	done, err = h.Finish(false)
	if err != nil {
		t.Fatalf("Finish(false) after completion: %v", err)
	}
	if !done {
		t.Error("Finish(false) after completion = false, want true")
	}
}

func TestCancelDiscardsResult(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	p := NewPool(1, nil)
	h, err := p.Start(f)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Cancel()
	if _, err := h.Finish(true); err != nil {
		t.Errorf("Finish(true) after Cancel = %v, want nil", err)
	}
}

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

// Package sabotage implements deterministic I/O fault injection for tests.
//
// Rather than the process-wide mutable state used by the engine this was
// ported from, a Hook is an explicit value threaded into the constructors
// that need it, so concurrent tests can each run their own countdown
// without stepping on one another.
package sabotage

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// EnvVar is the environment variable consulted by FromEnv.
const EnvVar = "GRAPHD_FAULT"

// Hook is a shared countdown:errno fault injector.
//
// After Countdown successful calls to Trip, the next call returns Err once,
// then the hook goes quiet again (Countdown resets to -1, meaning "never
// trip again") so a single test can arrange exactly one injected failure.
type Hook struct {
	mu        sync.Mutex
	countdown int
	err       error
}

// New returns a Hook that injects err after countdown successful Trip calls.
// A countdown < 0 disables the hook.
func New(countdown int, err error) *Hook {
	return &Hook{countdown: countdown, err: err}
}

// FromEnv parses EnvVar ("<countdown>:<errno>", e.g. "40:5" for EIO) and
// returns a disabled Hook if the variable is unset or malformed.
func FromEnv() *Hook {
	v, ok := os.LookupEnv(EnvVar)
	if !ok {
		return New(-1, nil)
	}
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return New(-1, nil)
	}
	n, err1 := strconv.Atoi(parts[0])
	e, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return New(-1, nil)
	}
	return New(n, syscall.Errno(e))
}

// Trip decrements the countdown and returns the injected error exactly once,
// when the countdown reaches zero. A nil Hook never trips.
func (h *Hook) Trip() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.countdown < 0 {
		return nil
	}
	if h.countdown > 0 {
		h.countdown--
		return nil
	}
	h.countdown = -1
	return h.err
}

func (h *Hook) String() string {
	if h == nil {
		return "sabotage.Hook(nil)"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("sabotage.Hook(countdown=%d, err=%v)", h.countdown, h.err)
}

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

package api

import "errors"

// Error kinds shared across the engine (spec.md §7).
var (
	// ErrNo indicates a lookup found no such entry.
	ErrNo = errors.New("no such entry")
	// ErrMore indicates an async operation has not yet completed; retry.
	ErrMore = errors.New("more work pending")
	// ErrAlready indicates the operation had no work to do.
	ErrAlready = errors.New("already done")
	// ErrExists indicates a duplicate insert was rejected.
	ErrExists = errors.New("entry already exists")
	// ErrDatabase indicates on-disk corruption: a bad magic, a broken
	// sentinel invariant, or a size not on the expected granularity.
	ErrDatabase = errors.New("database corruption detected")
)

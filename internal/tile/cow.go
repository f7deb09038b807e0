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

package tile

import "fmt"

// cowState names the four reachable combinations of a tile's memory
// regions (spec.md §9 Design Notes): disk is always the mapped view of the
// backing file; memory is the copy-on-write working copy, which equals
// disk in the clean state and is the scheduled buffer itself in the
// scheduledClean state; scheduled is the snapshot taken at the start of a
// checkpoint's finish_backup phase.
type cowState int

const (
	// clean: memory == disk, no scheduled snapshot.
	clean cowState = iota
	// dirty: memory is a heap buffer distinct from disk, no scheduled snapshot.
	dirty
	// scheduledClean: a checkpoint snapshot exists, but no new writes have
	// landed since finish_backup ran (memory == scheduled; disk still
	// holds the pre-checkpoint bytes until start_writes).
	scheduledClean
	// scheduledDirty: a checkpoint snapshot exists, and new writes have
	// re-dirtied the tile since (all three regions are distinct).
	scheduledDirty
)

func (s cowState) String() string {
	switch s {
	case clean:
		return "clean"
	case dirty:
		return "dirty"
	case scheduledClean:
		return "scheduledClean"
	case scheduledDirty:
		return "scheduledDirty"
	default:
		return fmt.Sprintf("cowState(%d)", int(s))
	}
}

// onWrite returns the state a tile transitions to when a write dirties it.
func (s cowState) onWrite() cowState {
	switch s {
	case clean:
		return dirty
	case scheduledClean:
		return scheduledDirty
	case dirty, scheduledDirty:
		return s
	default:
		panic("unreachable cowState")
	}
}

// onSchedule returns the state a tile transitions to when a checkpoint's
// finish_backup phase snapshots its dirty pages.
func (s cowState) onSchedule() cowState {
	switch s {
	case dirty:
		return scheduledClean
	case clean, scheduledClean, scheduledDirty:
		panic(fmt.Sprintf("onSchedule called on non-dirty tile (state=%s)", s))
	default:
		panic("unreachable cowState")
	}
}

// onWritesDone returns the state a tile transitions to once the
// checkpoint's start_writes phase has copied the scheduled snapshot into
// disk and freed it.
func (s cowState) onWritesDone() cowState {
	switch s {
	case scheduledClean:
		return clean
	case scheduledDirty:
		return dirty
	case clean, dirty:
		panic(fmt.Sprintf("onWritesDone called on unscheduled tile (state=%s)", s))
	default:
		panic("unreachable cowState")
	}
}

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

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapRegion maps length bytes of fd starting at offset, read-write.
func mapRegion(fd *os.File, offset int64, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	b, err := unix.Mmap(int(fd.Fd()), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap(offset=%d, len=%d): %w", offset, length, err)
	}
	return b, nil
}

// unmapRegion unmaps a region previously returned by mapRegion. A nil slice
// is a no-op.
func unmapRegion(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

// mlockRegion locks b into physical memory.
func mlockRegion(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

// munlockRegion undoes mlockRegion.
func munlockRegion(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munlock(b)
}

// extendSparse grows the file to at least size bytes using a sparse
// extension: a single byte is written at the new last offset, which is
// enough to make the filesystem report the new length without allocating
// the intervening blocks (spec.md §4.1 "Allocation").
func extendSparse(fd *os.File, size int64) error {
	if size == 0 {
		return nil
	}
	if _, err := fd.WriteAt([]byte{0}, size-1); err != nil {
		return fmt.Errorf("sparse extend to %d: %w", size, err)
	}
	return nil
}

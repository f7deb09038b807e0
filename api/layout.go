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

import (
	"fmt"
	"path/filepath"
)

// Filesystem layout conventions (spec.md §6).
//
// A database is a directory containing one subdirectory per index (or the
// primitive store), each holding partition files named by an alphanumeric
// suffix. Large-array files live under a "large/" subdirectory, bitmaps
// under "bgmap/". Backup logs co-locate with their subject file.

// PartitionPath returns the path of the n'th partition file of a store
// rooted at dir, using the given one-letter prefix ("g" for index
// partitions, "i" for primitive-store partitions).
func PartitionPath(dir, prefix string, n uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%02d.addb", prefix, n))
}

// LargeArrayDir returns the subdirectory holding large-array files.
func LargeArrayDir(dir string) string { return filepath.Join(dir, "large") }

// LargeArrayPath returns the path of the large-array file for the given id.
func LargeArrayPath(dir string, id uint64) string {
	return filepath.Join(LargeArrayDir(dir), fmt.Sprintf("%d.glf", id))
}

// BitmapDir returns the subdirectory holding bitmap files.
func BitmapDir(dir string) string { return filepath.Join(dir, "bgmap") }

// BitmapPath returns the path of the bitmap file for the given source id.
func BitmapPath(dir string, sourceID uint64) string {
	return filepath.Join(BitmapDir(dir), fmt.Sprintf("%d.bgm", sourceID))
}

// Backup log suffixes (spec.md §6): two rotating in-progress generations,
// plus the published name.
const (
	BackupSuffixA     = "0.clx"
	BackupSuffixB     = "1.clx"
	BackupSuffixDone  = ".cln"
)

// BackupPathActive returns the path of backup-log generation gen (0 or 1)
// for the subject file at path.
func BackupPathActive(path string, gen int) string {
	if gen == 0 {
		return path + "." + BackupSuffixA
	}
	return path + "." + BackupSuffixB
}

// BackupPathPublished returns the published backup-log path for the
// subject file at path.
func BackupPathPublished(path string) string {
	return path + BackupSuffixDone
}

// Marker file names (spec.md §6).
const (
	MarkerNext        = "next"
	MarkerNextTemp    = "next.TMP"
	MarkerHorizon     = "horizon"
	MarkerHorizonTemp = "horizon.TMP"
)

// MarkerPath returns the path of the named marker file rooted at dir.
func MarkerPath(dir, name string) string { return filepath.Join(dir, name) }

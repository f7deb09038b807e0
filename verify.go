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

package graphd

import (
	"fmt"
	"os"

	"github.com/google/graphd/internal/fsck"
)

// Verify runs the offline consistency check of spec.md §8 against the
// database rooted at path, without opening it for read/write access.
// Every top-level subdirectory other than "primitive" is treated as an
// index to check.
func Verify(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "primitive" {
			continue
		}
		names = append(names, e.Name())
	}
	return fsck.Check(path, fsck.Options{IndexNames: names})
}

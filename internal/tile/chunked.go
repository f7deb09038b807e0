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

// ReadAt and WriteAt give callers a byte-range view spanning any number of
// tiles, built out of single-tile Get calls: every access Get itself
// performs still respects the "never straddle a tile" contract of
// spec.md §3, but the logical record a consumer (the primitive store, the
// index) is reading or writing need not be tile-aligned or tile-sized.

// ReadAt returns a copy of the n bytes at absolute offset off.
func ReadAt(f *File, off int64, n int) ([]byte, error) {
	out := make([]byte, n)
	cursor := off
	rem := out
	for len(rem) > 0 {
		tileEnd := (cursor/Size + 1) * Size
		chunk := int(tileEnd - cursor)
		if chunk > len(rem) {
			chunk = len(rem)
		}
		ref, buf, err := f.Get(cursor, cursor+int64(chunk), Read)
		if err != nil {
			return nil, err
		}
		copy(rem[:chunk], buf)
		f.Free(ref)
		cursor += int64(chunk)
		rem = rem[chunk:]
	}
	return out, nil
}

// WriteAt writes data at absolute offset off, in transactional mode
// triggering copy-on-write and backup logging one tile at a time.
func WriteAt(f *File, off int64, data []byte) error {
	cursor := off
	rem := data
	for len(rem) > 0 {
		tileEnd := (cursor/Size + 1) * Size
		chunk := int(tileEnd - cursor)
		if chunk > len(rem) {
			chunk = len(rem)
		}
		ref, buf, err := f.Get(cursor, cursor+int64(chunk), Write)
		if err != nil {
			return err
		}
		copy(buf, rem[:chunk])
		f.Free(ref)
		cursor += int64(chunk)
		rem = rem[chunk:]
	}
	return nil
}

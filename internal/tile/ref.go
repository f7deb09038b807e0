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

// Ref is an opaque, ref-count-bumping handle returned by File.Get/Alloc.
// (File.Peek returns a bare slice and takes no reference.)
//
// The source this package is modelled on encodes a tile reference as a
// single integer, with a negative sentinel meaning "this is actually a
// direct slice of the initial mapping, and the payload is the slice size".
// Rather than replicate that bit-packing trick, Ref is a small sum type:
// exactly one of (tile, initMapSize) is "active", selected by fromInitMap.
type Ref struct {
	file *File
	num  uint32 // tile number within file, valid iff !fromInitMap

	fromInitMap bool
	size        int // bytes charged against pool.linked by this reference
}

// Empty reports whether this Ref holds no live reference (e.g. the zero Ref).
func (r Ref) Empty() bool { return r.file == nil && !r.fromInitMap }

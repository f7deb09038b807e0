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

package index

import (
	"github.com/google/graphd/api"
	"github.com/google/graphd/largearray"
)

// Iterator walks one source's target set in ascending or descending order.
// It is not safe for concurrent use.
type Iterator struct {
	kind    slotKind
	reverse bool

	ids []uint64 // singleton/multi: the full (already oriented) list
	pos int

	lf    *largearray.File // large: backing file
	lfPos uint64           // large: next index to read (forward) or one past it (reverse)

	bm        *largearray.Bitmap // bitmap: backing file
	bmNext    uint64
	bmHasNext bool
}

// Iterator returns an Iterator over source's target set.
func (ix *Index) Iterator(source uint64, reverse bool) (*Iterator, error) {
	partition, local := api.PartitionOf(source)
	f, err := ix.partitionFile(partition)
	if err != nil {
		return nil, err
	}
	s, err := readSlot(f, local)
	if err != nil {
		return nil, err
	}
	it := &Iterator{kind: s.kind, reverse: reverse}
	switch s.kind {
	case kindEmpty:
	case kindSingleton:
		it.ids = []uint64{s.value}
	case kindMulti:
		ids, err := (multiArray{exp: s.exp, offset: s.offset}).list(f)
		if err != nil {
			return nil, err
		}
		if reverse {
			reverseInPlace(ids)
		}
		it.ids = ids
	case kindLarge:
		lf, err := ix.overflow.Array(source)
		if err != nil {
			return nil, err
		}
		it.lf = lf
		if reverse {
			it.lfPos = lf.Size()
		}
	case kindBitmap:
		bm, err := ix.overflow.Bitmap(source)
		if err != nil {
			return nil, err
		}
		it.bm = bm
		if reverse {
			it.bmNext, it.bmHasNext, err = bm.ScanBackward(api.MaxID - 1)
		} else {
			it.bmNext, it.bmHasNext, err = bm.ScanForward(0)
		}
		if err != nil {
			return nil, err
		}
	}
	return it, nil
}

func reverseInPlace(ids []uint64) {
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
}

// Next returns the next target id, in the iterator's chosen direction, and
// false once exhausted.
func (it *Iterator) Next() (uint64, bool, error) {
	switch it.kind {
	case kindEmpty:
		return 0, false, nil
	case kindSingleton, kindMulti:
		if it.pos >= len(it.ids) {
			return 0, false, nil
		}
		v := it.ids[it.pos]
		it.pos++
		return v, true, nil
	case kindLarge:
		if it.reverse {
			if it.lfPos == 0 {
				return 0, false, nil
			}
			it.lfPos--
			ids, err := it.lf.ReadRange(it.lfPos, it.lfPos+1)
			if err != nil {
				return 0, false, err
			}
			return ids[0], true, nil
		}
		if it.lfPos >= it.lf.Size() {
			return 0, false, nil
		}
		ids, err := it.lf.ReadRange(it.lfPos, it.lfPos+1)
		if err != nil {
			return 0, false, err
		}
		it.lfPos++
		return ids[0], true, nil
	case kindBitmap:
		if !it.bmHasNext {
			return 0, false, nil
		}
		val := it.bmNext
		var err error
		if it.reverse {
			if val == 0 {
				it.bmHasNext = false
			} else {
				it.bmNext, it.bmHasNext, err = it.bm.ScanBackward(val - 1)
			}
		} else {
			it.bmNext, it.bmHasNext, err = it.bm.ScanForward(val + 1)
		}
		if err != nil {
			return 0, false, err
		}
		return val, true, nil
	default:
		return 0, false, nil
	}
}

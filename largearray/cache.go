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

package largearray

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/google/graphd/api"
)

// DefaultSoftLimit is the default number of large-array/bitmap files held
// open at once; beyond it, the least recently used is closed (spec.md
// §4.7's "small working set of overflow files open at a time").
const DefaultSoftLimit = 5000

// Cache lazily opens and soft-LRU-evicts the large-array and bitmap files
// backing promoted sources, so a database touching millions of sources
// doesn't hold millions of file descriptors open.
type Cache struct {
	dir  string
	opts Options

	arrays  *lru.Cache[uint64, *File]
	bitmaps *lru.Cache[uint64, *Bitmap]
}

// NewCache constructs a Cache rooted at dir (an index's directory; files
// live under its "large/" and "bgmap/" subdirectories). limit<=0 uses
// DefaultSoftLimit.
func NewCache(dir string, limit int, opts Options) (*Cache, error) {
	if limit <= 0 {
		limit = DefaultSoftLimit
	}
	if err := os.MkdirAll(api.LargeArrayDir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir large-array dir: %w", err)
	}
	if err := os.MkdirAll(api.BitmapDir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir bitmap dir: %w", err)
	}
	c := &Cache{dir: dir, opts: opts}
	arrays, err := lru.NewWithEvict[uint64, *File](limit, func(id uint64, f *File) {
		if err := f.Close(); err != nil {
			klog.Warningf("large-array cache: closing evicted source %d: %v", id, err)
		}
	})
	if err != nil {
		return nil, err
	}
	bitmaps, err := lru.NewWithEvict[uint64, *Bitmap](limit, func(id uint64, b *Bitmap) {
		if err := b.Close(); err != nil {
			klog.Warningf("bitmap cache: closing evicted source %d: %v", id, err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.arrays, c.bitmaps = arrays, bitmaps
	return c, nil
}

// Array returns the (opened-on-demand) large-array file for sourceID.
func (c *Cache) Array(sourceID uint64) (*File, error) {
	if f, ok := c.arrays.Get(sourceID); ok {
		return f, nil
	}
	f, err := Open(api.LargeArrayPath(c.dir, sourceID), sourceID, c.opts)
	if err != nil {
		return nil, err
	}
	c.arrays.Add(sourceID, f)
	return f, nil
}

// Bitmap returns the (opened-on-demand) bitmap file for sourceID.
func (c *Cache) Bitmap(sourceID uint64) (*Bitmap, error) {
	if b, ok := c.bitmaps.Get(sourceID); ok {
		return b, nil
	}
	b, err := OpenBitmap(api.BitmapPath(c.dir, sourceID), sourceID, c.opts)
	if err != nil {
		return nil, err
	}
	c.bitmaps.Add(sourceID, b)
	return b, nil
}

// EachArray calls fn for every large-array file currently held open, for
// the checkpoint driver's participant enumeration.
func (c *Cache) EachArray(fn func(*File)) {
	for _, id := range c.arrays.Keys() {
		if f, ok := c.arrays.Peek(id); ok {
			fn(f)
		}
	}
}

// EachBitmap calls fn for every bitmap file currently held open.
func (c *Cache) EachBitmap(fn func(*Bitmap)) {
	for _, id := range c.bitmaps.Keys() {
		if b, ok := c.bitmaps.Peek(id); ok {
			fn(b)
		}
	}
}

// Close closes every currently open file.
func (c *Cache) Close() error {
	var firstErr error
	c.EachArray(func(f *File) {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	c.EachBitmap(func(b *Bitmap) {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	c.arrays.Purge()
	c.bitmaps.Purge()
	return firstErr
}

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

// Package marker implements the tiny anchor file of spec.md §3/§4.2/§7: a
// monotonically increasing 40-bit value (a database's "next id" or its
// checkpoint "horizon") recorded durably with an append-mostly,
// rewrite-occasionally policy so that a crash never loses more than the
// most recent advance.
package marker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/google/graphd/api"
	"github.com/google/graphd/internal/sabotage"
)

// rewriteThreshold is the number of appended records after which the next
// Advance rewrites the file from scratch instead, keeping it under one
// disk block (spec.md §7).
const rewriteThreshold = 800

const recordSize = 5 // 40-bit big-endian value

// Marker anchors one durable 40-bit counter.
type Marker struct {
	path     string
	tempPath string
	magic    api.Magic

	f     *os.File
	value uint64

	sinceRewrite int
	fault        *sabotage.Hook
}

// Open opens or creates the marker file at path, using tempPath as the
// write-ahead name for full rewrites. If the file is empty (newly
// created), its value starts at 0.
func Open(path, tempPath string, magic api.Magic, fault *sabotage.Hook) (*Marker, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open marker %q: %w", path, err)
	}
	m := &Marker{path: path, tempPath: tempPath, magic: magic, f: f, fault: fault}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat marker %q: %w", path, err)
	}
	if info.Size() == 0 {
		if err := m.rewriteLocked(0); err != nil {
			_ = f.Close()
			return nil, err
		}
		return m, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read marker %q: %w", path, err)
	}
	if len(raw) < 4 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: marker %q: truncated magic", api.ErrDatabase, path)
	}
	if err := api.CheckMagic(path, [4]byte(raw[0:4]), magic); err != nil {
		_ = f.Close()
		return nil, err
	}

	body := raw[4:]
	// The last *complete* 5-byte record is authoritative (spec.md §6): a
	// crash mid-append may leave a short trailing record, which is ignored.
	n := len(body) / recordSize
	if n == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: marker %q: no complete record", api.ErrDatabase, path)
	}
	m.value = get40(body[(n-1)*recordSize : n*recordSize])
	m.sinceRewrite = n - 1 // the first record came from the last rewrite
	return m, nil
}

// Value returns the marker's current durable value.
func (m *Marker) Value() uint64 { return m.value }

// Advance durably sets the marker to v, rewriting the file if the append
// threshold has been reached, otherwise appending one record.
func (m *Marker) Advance(v uint64) error {
	if v == m.value {
		return nil
	}
	if m.sinceRewrite >= rewriteThreshold {
		if err := m.rewriteLocked(v); err != nil {
			return err
		}
	} else {
		if err := m.appendLocked(v); err != nil {
			return err
		}
	}
	m.value = v
	return nil
}

// Next durably advances the marker by one and returns the value it held
// before the advance (the id just allocated, for the primitive store's
// next_id use, spec.md §4.5).
func (m *Marker) Next() (uint64, error) {
	id := m.value
	if err := m.Advance(m.value + 1); err != nil {
		return 0, err
	}
	return id, nil
}

func (m *Marker) appendLocked(v uint64) error {
	if err := m.fault.Trip(); err != nil {
		return fmt.Errorf("marker %q: injected fault: %w", m.path, err)
	}
	off := int64(4 + m.sinceRewrite*recordSize + recordSize)
	var buf [recordSize]byte
	put40(buf[:], v)
	if _, err := m.f.WriteAt(buf[:], off); err != nil {
		return fmt.Errorf("append marker %q: %w", m.path, err)
	}
	if err := unix.Fdatasync(int(m.f.Fd())); err != nil {
		return fmt.Errorf("fsync marker %q: %w", m.path, err)
	}
	m.sinceRewrite++
	return nil
}

// rewriteLocked replaces the marker file wholesale via a temp file plus
// rename, the "replace over append" policy of spec.md §7.
func (m *Marker) rewriteLocked(v uint64) error {
	if err := m.fault.Trip(); err != nil {
		return fmt.Errorf("marker %q: injected fault: %w", m.path, err)
	}
	tf, err := os.OpenFile(m.tempPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("create marker temp %q: %w", m.tempPath, err)
	}
	var buf [4 + recordSize]byte
	copy(buf[0:4], m.magic[:])
	put40(buf[4:4+recordSize], v)
	if _, err := tf.WriteAt(buf[:], 0); err != nil {
		_ = tf.Close()
		return fmt.Errorf("write marker temp %q: %w", m.tempPath, err)
	}
	if err := unix.Fdatasync(int(tf.Fd())); err != nil {
		_ = tf.Close()
		return fmt.Errorf("fsync marker temp %q: %w", m.tempPath, err)
	}
	if err := tf.Close(); err != nil {
		return fmt.Errorf("close marker temp %q: %w", m.tempPath, err)
	}
	if err := os.Rename(m.tempPath, m.path); err != nil {
		return fmt.Errorf("rename marker temp %q onto %q: %w", m.tempPath, m.path, err)
	}
	if err := m.f.Close(); err != nil {
		klog.Warningf("close pre-rewrite handle for marker %q: %v", m.path, err)
	}
	f, err := os.OpenFile(m.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("reopen marker %q after rewrite: %w", m.path, err)
	}
	m.f = f
	m.sinceRewrite = 0
	return nil
}

// Close releases the marker's file handle.
func (m *Marker) Close() error {
	return m.f.Close()
}

func put40(b []byte, v uint64) {
	b[0] = byte(v >> 32)
	b[1] = byte(v >> 24)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 8)
	b[4] = byte(v)
}

func get40(b []byte) uint64 {
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])
}

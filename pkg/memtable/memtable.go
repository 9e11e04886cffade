// Copyright 2026 PingCAP, Inc.
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

// Package memtable implements a small in-memory write buffer that charges its
// memory to a writebuffer.Manager. It exists to drive the manager the way a
// storage engine would, it does not persist anything.
package memtable

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/pingcap/writebuffer/pkg/writebuffer"
)

const (
	// DefaultBlockSize is the size of the arena blocks reserved from the manager.
	DefaultBlockSize int64 = 4 << 10
	// entryOverhead approximates the per-entry bookkeeping of the table.
	entryOverhead = 32
	btreeDegree   = 32
)

var (
	// ErrMemTableFrozen is returned when writing to a table that has been frozen.
	ErrMemTableFrozen = errors.New("memtable is frozen")
	// ErrInstanceClosed is returned when using a closed Instance.
	ErrInstanceClosed = errors.New("instance is closed")
	// ErrExceedsBufferSize is returned when a write needs more memory than the
	// stalling manager will ever admit.
	ErrExceedsBufferSize = errors.New("write needs more memory than the write buffer size")
)

type entry struct {
	key   []byte
	value []byte
}

func lessEntry(a, b *entry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

func newTree() *btree.BTreeG[*entry] {
	return btree.NewG[*entry](btreeDegree, lessEntry)
}

// MemTable is an ordered key/value table. Memory is taken from the manager in
// blocks and is only given back by Release, like an arena: overwriting a key
// does not shrink the table.
type MemTable struct {
	id        uint64
	wbm       *writebuffer.Manager
	blockSize int64

	mu        sync.RWMutex
	tree      *btree.BTreeG[*entry]
	used      int64
	allocated int64
	frozen    bool
	released  bool
}

// NewMemTable creates an empty table charging wbm in blocks of blockSize bytes.
func NewMemTable(id uint64, wbm *writebuffer.Manager, blockSize int64) *MemTable {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &MemTable{
		id:        id,
		wbm:       wbm,
		blockSize: blockSize,
		tree:      newTree(),
	}
}

// ID returns the table id.
func (t *MemTable) ID() uint64 {
	return t.id
}

// Put inserts or overwrites key. It may block in the manager when the write
// buffer limit is exceeded and stalling is allowed.
func (t *MemTable) Put(ctx context.Context, key, value []byte) error {
	size := int64(len(key)+len(value)) + entryOverhead
	var reserved int64
	for {
		t.mu.Lock()
		if t.frozen {
			t.mu.Unlock()
			return t.giveBack(reserved)
		}
		t.allocated += reserved
		reserved = 0
		if t.used+size <= t.allocated {
			t.tree.ReplaceOrInsert(&entry{
				key:   append([]byte(nil), key...),
				value: append([]byte(nil), value...),
			})
			t.used += size
			t.mu.Unlock()
			return nil
		}
		need := (t.used + size - t.allocated + t.blockSize - 1) / t.blockSize * t.blockSize
		t.mu.Unlock()
		if exceedsBufferSize(t.wbm, need) {
			return errors.Annotatef(ErrExceedsBufferSize, "need %d bytes, buffer size %d", need, t.wbm.BufferSize())
		}

		// Never hold the table lock while the manager may block.
		if err := t.wbm.ReserveMem(ctx, need); err != nil {
			return errors.Trace(err)
		}
		reserved = need
	}
}

// exceedsBufferSize reports whether reserving need bytes would stall forever.
func exceedsBufferSize(wbm *writebuffer.Manager, need int64) bool {
	return wbm.Enabled() && wbm.AllowStall() && need > wbm.BufferSize()
}

// reserveArena charges the first block up front, unless that would stall.
func (t *MemTable) reserveArena() {
	if !t.wbm.TryReserveMem(t.blockSize) {
		return
	}
	t.mu.Lock()
	t.allocated += t.blockSize
	t.mu.Unlock()
}

// giveBack frees memory reserved for a write that lost the race with Freeze.
// The reservation was counted as mutable, the frozen table never saw it.
func (t *MemTable) giveBack(reserved int64) error {
	if reserved > 0 {
		t.wbm.ScheduleFreeMem(reserved)
		if err := t.wbm.FreeMem(reserved); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(ErrMemTableFrozen)
}

// Get returns the value of key.
func (t *MemTable) Get(key []byte) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.tree.Get(&entry{key: key})
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Ascend calls fn for every entry in key order until fn returns false.
func (t *MemTable) Ascend(fn func(key, value []byte) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.tree.Ascend(func(e *entry) bool {
		return fn(e.key, e.value)
	})
}

// Len returns the number of keys.
func (t *MemTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// DataSize returns the bytes taken by the entries.
func (t *MemTable) DataSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.used
}

// ApproximateMemoryUsage returns the bytes reserved from the manager.
func (t *MemTable) ApproximateMemoryUsage() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allocated
}

// Frozen reports whether the table is immutable.
func (t *MemTable) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}

// Freeze makes the table immutable and tells the manager its memory is about
// to be freed. Writes racing with Freeze fail with ErrMemTableFrozen.
func (t *MemTable) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return
	}
	t.frozen = true
	t.wbm.ScheduleFreeMem(t.allocated)
}

// Release gives all the memory of the table back to the manager. The table
// is frozen first if needed. Calling it again does nothing.
func (t *MemTable) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return nil
	}
	if !t.frozen {
		t.frozen = true
		t.wbm.ScheduleFreeMem(t.allocated)
	}
	t.released = true
	allocated := t.allocated
	t.allocated = 0
	return errors.Trace(t.wbm.FreeMem(allocated))
}

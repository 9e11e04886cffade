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

package memory

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/pingcap/errors"
)

// ErrAccountingUnderflow is returned when a release is larger than the bytes
// currently tracked. The counter is clamped at zero before it is returned.
var ErrAccountingUnderflow = errors.New("memory accounting underflow")

// Accountant counts the bytes currently reserved for one kind of memory, for
// example the write buffers of every engine instance sharing a budget.
//
// All methods are safe for concurrent use. Consume is wait-free and Release is
// lock-free: neither ever takes a lock, so reporting from many goroutines does
// not serialize on the accountant.
//
// The counter never becomes negative. A release larger than the tracked usage
// clamps the counter to zero and is reported with ErrAccountingUnderflow.
type Accountant struct {
	bytesConsumed atomic.Int64
	maxConsumed   atomic.Int64
	underflows    atomic.Int64
	label         string
}

// NewAccountant creates an Accountant. The label is only used in diagnostics.
func NewAccountant(label string) *Accountant {
	return &Accountant{label: label}
}

// Label returns the label of the Accountant.
func (a *Accountant) Label() string {
	return a.label
}

// Consume adds bytes to the tracked usage and returns the new usage.
// "bytes" must not be negative, use Release to give memory back.
func (a *Accountant) Consume(bytes int64) int64 {
	if bytes <= 0 {
		return a.bytesConsumed.Load()
	}
	consumed := a.bytesConsumed.Add(bytes)
	for {
		maxNow := a.maxConsumed.Load()
		if consumed <= maxNow || a.maxConsumed.CompareAndSwap(maxNow, consumed) {
			break
		}
	}
	return consumed
}

// Release subtracts bytes from the tracked usage and returns the new usage.
// When bytes exceeds the tracked usage the counter is set to zero and an
// ErrAccountingUnderflow is returned along with the clamped usage.
func (a *Accountant) Release(bytes int64) (int64, error) {
	if bytes <= 0 {
		return a.bytesConsumed.Load(), nil
	}
	for {
		old := a.bytesConsumed.Load()
		next := old - bytes
		if next >= 0 {
			if a.bytesConsumed.CompareAndSwap(old, next) {
				return next, nil
			}
			continue
		}
		if a.bytesConsumed.CompareAndSwap(old, 0) {
			a.underflows.Add(1)
			return 0, errors.Annotatef(ErrAccountingUnderflow,
				"%s: release %d bytes but only %d tracked", a.label, bytes, old)
		}
	}
}

// BytesConsumed returns a snapshot of the tracked usage. It may be stale by the
// time the caller looks at it when other goroutines are reporting concurrently.
func (a *Accountant) BytesConsumed() int64 {
	return a.bytesConsumed.Load()
}

// MaxConsumed returns the peak usage observed since the Accountant was created.
func (a *Accountant) MaxConsumed() int64 {
	return a.maxConsumed.Load()
}

// Underflows returns how many releases have been clamped at zero.
func (a *Accountant) Underflows() int64 {
	return a.underflows.Load()
}

// String implements fmt.Stringer.
func (a *Accountant) String() string {
	return fmt.Sprintf("%q{consumed: %s, max: %s}",
		a.label, FormatBytes(a.BytesConsumed()), FormatBytes(a.MaxConsumed()))
}

const (
	byteSizeGB = int64(1 << 30)
	byteSizeMB = int64(1 << 20)
	byteSizeKB = int64(1 << 10)
)

var byteUnits = []struct {
	size int64
	name string
}{
	{byteSizeGB, "GB"},
	{byteSizeMB, "MB"},
	{byteSizeKB, "KB"},
}

// FormatBytes formats numBytes in the largest unit it strictly exceeds.
// Exact multiples print without decimals, values below 10 keep two.
func FormatBytes(numBytes int64) string {
	for _, u := range byteUnits {
		if numBytes <= u.size {
			continue
		}
		v := float64(numBytes) / float64(u.size)
		prec := 1
		if numBytes%u.size == 0 {
			prec = 0
		} else if v < 10 {
			prec = 2
		}
		return strconv.FormatFloat(v, 'f', prec, 64) + " " + u.name
	}
	return strconv.FormatInt(numBytes, 10) + " Bytes"
}

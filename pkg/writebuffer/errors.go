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

package writebuffer

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/writebuffer/pkg/util/memory"
)

var (
	// ErrInvalidBufferSize is returned when a manager is created with a negative limit.
	ErrInvalidBufferSize = errors.New("invalid write buffer size")
	// ErrInvalidMemSize is returned when a negative size is reported.
	ErrInvalidMemSize = errors.New("invalid write buffer memory size")
	// ErrManagerReleased is returned when Release is called more times than the
	// manager has owners.
	ErrManagerReleased = errors.New("write buffer manager already released")
	// ErrAccountingUnderflow is returned by FreeMem when the freed size is larger
	// than the tracked usage. The usage is clamped at zero.
	ErrAccountingUnderflow = memory.ErrAccountingUnderflow
)

const failpointPrefix = "writebuffer/"

// evalFailpoint evaluates the failpoint writebuffer/<name>. It returns a nil
// error only when the failpoint is enabled.
func evalFailpoint(name string) (failpoint.Value, error) {
	return failpoint.Eval(failpointPrefix + name)
}

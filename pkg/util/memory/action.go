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
	"sync"

	"go.uber.org/zap"
)

// ActionOnExceed is the action taken when memory usage exceeds a limit that is
// not enforced by blocking.
// NOTE: All the implementors should be thread-safe.
type ActionOnExceed interface {
	// Action will be called when the usage tracked by a exceeds limit.
	Action(a *Accountant, limit int64)
	// Reset is called once the usage falls back under the limit, so that the
	// next crossing triggers the action again.
	Reset()
}

// LogOnExceed logs a warning once per crossing of the limit.
type LogOnExceed struct {
	logger  *zap.Logger
	logHook func(label string, consumed, limit int64)

	mutex sync.Mutex // For synchronization.
	acted bool
}

// NewLogOnExceed creates a LogOnExceed writing to logger.
func NewLogOnExceed(logger *zap.Logger) *LogOnExceed {
	return &LogOnExceed{logger: logger}
}

// SetLogHook sets a hook for LogOnExceed. The hook replaces the warning.
func (l *LogOnExceed) SetLogHook(hook func(label string, consumed, limit int64)) {
	l.mutex.Lock()
	l.logHook = hook
	l.mutex.Unlock()
}

// Action logs a warning only once until Reset is called.
func (l *LogOnExceed) Action(a *Accountant, limit int64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.acted {
		return
	}
	l.acted = true
	consumed := a.BytesConsumed()
	if l.logHook != nil {
		l.logHook(a.Label(), consumed, limit)
		return
	}
	l.logger.Warn("memory exceeds quota",
		zap.String("label", a.Label()),
		zap.String("consumed", FormatBytes(consumed)),
		zap.String("quota", FormatBytes(limit)))
}

// Reset re-arms the action.
func (l *LogOnExceed) Reset() {
	l.mutex.Lock()
	l.acted = false
	l.mutex.Unlock()
}

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

package testsetup

import (
	"fmt"
	"os"

	"github.com/pingcap/writebuffer/pkg/util/logutil"
	"go.uber.org/goleak"
)

// SetupForCommonTest runs before all the tests of a package. The log level can
// be changed with the log_level environment variable.
func SetupForCommonTest() {
	level := os.Getenv("log_level")
	if level == "" {
		level = "warn"
	}
	conf := logutil.NewLogConfig(level, logutil.DefaultLogFormat, logutil.EmptyFileLogConfig, false)
	if err := logutil.InitLogger(conf); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "fail to init logger: %v\n", err)
		os.Exit(1)
	}
}

// LeakOptions are the goroutines every package may leave behind.
func LeakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreTopFunction("github.com/golang/glog.(*loggingT).flushDaemon"),
		goleak.IgnoreTopFunction("github.com/golang/glog.(*fileSink).flushDaemon"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	}
}

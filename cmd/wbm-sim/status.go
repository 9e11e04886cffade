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

package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap/writebuffer/pkg/memtable"
	"github.com/pingcap/writebuffer/pkg/util/logutil"
	"github.com/pingcap/writebuffer/pkg/writebuffer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type statusHandler struct {
	wbm       *writebuffer.Manager
	instances []*memtable.Instance
}

type simStatus struct {
	Manager     writebuffer.Stats        `json:"manager"`
	UsageRatio  float64                  `json:"usage_ratio"`
	ShouldStall bool                     `json:"should_stall"`
	Instances   []memtable.InstanceStats `json:"instances"`
}

func newStatusRouter(h *statusHandler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/instances/{name}", h.handleInstance).Methods(http.MethodGet)
	// HTTP path for prometheus.
	router.Handle("/metrics", promhttp.Handler())
	return router
}

func (h *statusHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := simStatus{
		Manager:     h.wbm.Stats(),
		UsageRatio:  h.wbm.UsageRatio(),
		ShouldStall: h.wbm.ShouldStall(),
		Instances:   make([]memtable.InstanceStats, 0, len(h.instances)),
	}
	for _, db := range h.instances {
		st.Instances = append(st.Instances, db.Stats())
	}
	writeJSON(w, st)
}

func (h *statusHandler) handleInstance(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	for _, db := range h.instances {
		if db.Name() == name {
			writeJSON(w, db.Stats())
			return
		}
	}
	http.Error(w, "instance not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v any) {
	js, err := json.Marshal(v)
	if err != nil {
		logutil.BgLogger().Error("encode json failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(js)
}

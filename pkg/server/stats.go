/*
Copyright 2022 The Machine Controller Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// NodeStats is the node- and pod-level resource usage snapshot GET
// /stats/summary reports, a reduced form of the kubelet's own
// stats/v1alpha1.Summary.
type NodeStats struct {
	Node NodeUsage  `json:"node"`
	Pods []PodUsage `json:"pods"`
}

// NodeUsage is the node-wide portion of a NodeStats snapshot.
type NodeUsage struct {
	Time      time.Time `json:"time"`
	CPUNanos  uint64    `json:"cpuUsageNanoCores"`
	MemoryBytes uint64  `json:"memoryWorkingSetBytes"`
}

// PodUsage is one pod's portion of a NodeStats snapshot.
type PodUsage struct {
	Namespace   string    `json:"namespace"`
	Name        string    `json:"name"`
	UID         string    `json:"uid"`
	Time        time.Time `json:"time"`
	CPUNanos    uint64    `json:"cpuUsageNanoCores"`
	MemoryBytes uint64    `json:"memoryWorkingSetBytes"`
}

// handleStatsSummary implements GET /stats/summary.
func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "stats not supported by this provider", http.StatusNotImplemented)
		return
	}
	summary, err := s.stats.Summary(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

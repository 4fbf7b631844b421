/*
Copyright 2019 The Machine Controller Authors.

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
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/heptiolabs/healthcheck"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// HealthState tracks the two facts GET /healthz promises to report: that
// this node's credentials are loaded and that the pod watch is currently
// connected. Both flags start false so a process that crashes before
// finishing bootstrap reports unhealthy rather than a stale default.
type HealthState struct {
	mu                sync.RWMutex
	credentialsLoaded bool
	watchConnected    bool
}

// NewHealthState returns a HealthState with both flags false.
func NewHealthState() *HealthState {
	return &HealthState{}
}

// SetCredentialsLoaded records whether the node's serving certificate and
// kubeconfig are currently usable.
func (h *HealthState) SetCredentialsLoaded(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.credentialsLoaded = ok
}

// SetWatchConnected records whether pkg/dispatcher currently has a live
// watch against the API server.
func (h *HealthState) SetWatchConnected(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchConnected = ok
}

// Check implements healthcheck.Check: it fails until both credentials are
// loaded and the watch is connected.
func (h *HealthState) Check() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.credentialsLoaded {
		return fmt.Errorf("node credentials not yet loaded")
	}
	if !h.watchConnected {
		return fmt.Errorf("pod watch not yet connected")
	}
	return nil
}

// healthzHandler adapts HealthState.Check to a plain http.Handler for the
// public /healthz route spec.md describes: 200 iff Check reports no error.
func (h *HealthState) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.Check(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// apiserverReachable is a heptiolabs/healthcheck.Check for the internal
// diagnostics listener, separate from the TLS-terminated public surface:
// it fails readiness if the API server cannot be listed at all.
func apiserverReachable(client kubernetes.Interface) healthcheck.Check {
	return func() error {
		_, err := client.CoreV1().Nodes().List(context.Background(), metav1.ListOptions{Limit: 1})
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}
		return nil
	}
}

// NewDiagnosticsHandler returns the internal liveness/readiness handler
// mounted on a loopback-only port, in the teacher's
// github.com/heptiolabs/healthcheck idiom: /live always reports process
// health, /ready also requires API server reachability plus any extra
// checks the caller supplies (cmd/krustlet/main.go adds a
// "valid-info-kubeconfig" check the same way
// cmd/machine-controller/main.go's readinessChecks does). The returned
// healthcheck.Handler is returned rather than a bare http.Handler so
// cmd/krustlet/main.go can mount its LiveEndpoint/ReadyEndpoint at /live and
// /ready on its own mux alongside /metrics, the same layout
// createUtilHTTPServer builds.
func NewDiagnosticsHandler(client kubernetes.Interface, extra map[string]healthcheck.Check) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(5000))
	h.AddReadinessCheck("apiserver-reachable", apiserverReachable(client))
	for name, check := range extra {
		h.AddReadinessCheck(name, check)
	}
	return h
}

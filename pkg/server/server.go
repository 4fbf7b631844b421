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

// Package server is krustlet's TLS-terminated HTTP surface: container
// logs, exec, port-forward, a stats summary and healthz, the same five
// endpoints the kubelet itself exposes to the control plane. Routing
// uses github.com/gorilla/mux for path-parameterized routes and
// github.com/gorilla/websocket for the exec/portForward upgraded
// channels.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/krustlet/krustlet/pkg/provider"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// errPodNotOnThisNode is returned by KubeconfigPodResolver when the named
// pod exists but is scheduled to a different node.
var errPodNotOnThisNode = errors.New("server: pod is not scheduled to this node")

// PodResolver looks up the pod a request names and confirms it belongs to
// this node; satisfied by a thin wrapper around the Kubernetes API.
type PodResolver interface {
	ResolvePod(ctx context.Context, namespace, name string) (podUID string, err error)
}

// StatsSource supplies the per-pod resource usage GET /stats/summary
// reports; satisfied by pkg/podstatus.
type StatsSource interface {
	Summary(ctx context.Context) (NodeStats, error)
}

// Server is krustlet's TLS-terminated kubelet-compatible HTTP API.
type Server struct {
	log      *zap.SugaredLogger
	provider provider.Provider
	pods     PodResolver
	stats    StatsSource
	health   *HealthState
}

// Config groups a Server's construction-time dependencies.
type Config struct {
	Log      *zap.SugaredLogger
	Provider provider.Provider
	Pods     PodResolver
	Stats    StatsSource
	Health   *HealthState
}

// New builds a Server ready to be wrapped in an *http.Server by the caller.
func New(cfg Config) *Server {
	return &Server{log: cfg.Log, provider: cfg.Provider, pods: cfg.Pods, stats: cfg.Stats, health: cfg.Health}
}

// Handler returns the mux.Router implementing every route.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/containerLogs/{namespace}/{pod}/{container}", s.handleContainerLogs).Methods(http.MethodGet)
	r.HandleFunc("/exec/{namespace}/{pod}/{container}", s.handleExec).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/portForward/{namespace}/{pod}", s.handlePortForward).Methods(http.MethodPost, http.MethodGet)
	r.HandleFunc("/stats/summary", s.handleStatsSummary).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.health.healthzHandler).Methods(http.MethodGet)
	return r
}

// NewTLSServer wraps Handler in an *http.Server configured with tlsConfig,
// matching the kubelet's own TLS-terminated serving convention.
func NewTLSServer(addr string, tlsConfig *tls.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		TLSConfig:    tlsConfig,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // streaming logs/exec/portForward must not be cut off
	}
}

// KubeconfigPodResolver resolves namespace/name to a pod UID directly
// through the Kubernetes API, with no local cache: the serving surface is
// low-QPS enough that an informer would be overkill.
type KubeconfigPodResolver struct {
	Client   kubernetes.Interface
	NodeName string
}

func (r *KubeconfigPodResolver) ResolvePod(ctx context.Context, namespace, name string) (string, error) {
	pod, err := r.Client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", err
	}
	if pod.Spec.NodeName != r.NodeName {
		return "", errPodNotOnThisNode
	}
	return string(pod.UID), nil
}

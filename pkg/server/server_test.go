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
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/krustlet/krustlet/pkg/provider"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	corev1 "k8s.io/api/core/v1"
)

type stubResolver struct{ uid string }

func (s stubResolver) ResolvePod(ctx context.Context, namespace, name string) (string, error) {
	return s.uid, nil
}

type stubProvider struct {
	logs io.ReadCloser
}

func (p *stubProvider) Architecture() string           { return "test" }
func (p *stubProvider) InitialState() provider.StateID { return "" }
func (p *stubProvider) Transition(ctx context.Context, state provider.StateID, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	return provider.Complete()
}
func (p *stubProvider) Logs(ctx context.Context, podUID, container string, tail int, follow bool) (io.ReadCloser, error) {
	return p.logs, nil
}
func (p *stubProvider) Exec(ctx context.Context, podUID, container string, command []string) (provider.ExecSession, error) {
	return nil, provider.ErrUnsupported
}

func TestHandleContainerLogs(t *testing.T) {
	srv := &Server{
		log:      zap.NewNop().Sugar(),
		provider: &stubProvider{logs: io.NopCloser(strings.NewReader("hello\n"))},
		pods:     stubResolver{uid: "pod-uid-1"},
		health:   NewHealthState(),
	}
	req := httptest.NewRequest(http.MethodGet, "/containerLogs/default/my-pod/my-container", nil)
	req = mux.SetURLVars(req, map[string]string{"namespace": "default", "pod": "my-pod", "container": "my-container"})
	rec := httptest.NewRecorder()

	srv.handleContainerLogs(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello\n", rec.Body.String())
}

func TestHealthzReportsUnhealthyUntilReady(t *testing.T) {
	h := NewHealthState()
	rec := httptest.NewRecorder()
	h.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetCredentialsLoaded(true)
	h.SetWatchConnected(true)
	rec = httptest.NewRecorder()
	h.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleExecReturns501WhenUnsupported(t *testing.T) {
	srv := &Server{
		log:      zap.NewNop().Sugar(),
		provider: &stubProvider{},
		pods:     stubResolver{uid: "pod-uid-1"},
		health:   NewHealthState(),
	}
	req := httptest.NewRequest(http.MethodPost, "/exec/default/my-pod/my-container?command=sh", nil)
	req = mux.SetURLVars(req, map[string]string{"namespace": "default", "pod": "my-pod", "container": "my-container"})
	rec := httptest.NewRecorder()

	srv.handleExec(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

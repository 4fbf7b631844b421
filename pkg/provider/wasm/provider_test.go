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

package wasm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/krustlet/krustlet/pkg/blobstore"
	"github.com/krustlet/krustlet/pkg/ociregistry"
	"github.com/krustlet/krustlet/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

// emptyWASMModule is the minimal valid WASM binary: the magic number and
// version header with no sections. It compiles and instantiates cleanly
// with no exports, which is enough to exercise the provider's lifecycle
// plumbing without depending on a real guest program.
var emptyWASMModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

type fakeVolumes struct {
	mounted   []string
	unmounted []string
}

func (f *fakeVolumes) Mount(ctx context.Context, pod *corev1.Pod) error {
	f.mounted = append(f.mounted, string(pod.UID))
	return nil
}

func (f *fakeVolumes) Unmount(ctx context.Context, podUID string) error {
	f.unmounted = append(f.unmounted, podUID)
	return nil
}

type fakeDevices struct {
	allocated []string
	released  []string
}

func (f *fakeDevices) Allocate(ctx context.Context, pod *corev1.Pod) error {
	f.allocated = append(f.allocated, string(pod.UID))
	return nil
}

func (f *fakeDevices) Release(ctx context.Context, podUID string) {
	f.released = append(f.released, podUID)
}

func newTestProvider(t *testing.T, volumes VolumeMounter, devices DeviceAllocator) *Provider {
	t.Helper()
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	p, err := New(context.Background(), Config{
		Blobs:    store,
		Registry: ociregistry.New(true, "test"),
		Volumes:  volumes,
		Devices:  devices,
	})
	require.NoError(t, err)
	return p
}

func moduleRef(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "module.wasm")
	require.NoError(t, os.WriteFile(path, emptyWASMModule, 0o644))
	return "fs://" + path
}

func testPod(ref string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{UID: types.UID("pod-1")},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "main", Image: ref}},
		},
	}
}

func TestArchitecture(t *testing.T) {
	p := newTestProvider(t, nil, nil)
	assert.Equal(t, "wasm32-wasi", p.Architecture())
	assert.Equal(t, StateRegistered, p.InitialState())
}

func TestTransition_FullLifecycle(t *testing.T) {
	volumes := &fakeVolumes{}
	devices := &fakeDevices{}
	p := newTestProvider(t, volumes, devices)

	pod := testPod(moduleRef(t))
	shared := &provider.SharedContext{NodeName: "n1", PodUID: "pod-1", Status: provider.NewPodStatus()}
	ctx := context.Background()

	r := p.Transition(ctx, StateRegistered, shared, pod)
	require.Equal(t, provider.ResultTransition, r.Kind)
	assert.Equal(t, StateImagePull, r.NextState)

	r = p.Transition(ctx, StateImagePull, shared, pod)
	require.Equal(t, provider.ResultTransition, r.Kind, "image pull: %v", r.Err)
	assert.Equal(t, StateVolumeMount, r.NextState)

	r = p.Transition(ctx, StateVolumeMount, shared, pod)
	require.Equal(t, provider.ResultTransition, r.Kind)
	assert.Equal(t, StateResources, r.NextState)

	r = p.Transition(ctx, StateResources, shared, pod)
	require.Equal(t, provider.ResultTransition, r.Kind)
	assert.Equal(t, StateStarting, r.NextState)

	r = p.Transition(ctx, StateStarting, shared, pod)
	require.Equal(t, provider.ResultTransition, r.Kind, "starting: %v", r.Err)
	assert.Equal(t, StateRunning, r.NextState)
	phase, containers := shared.Status.Snapshot()
	assert.Equal(t, corev1.PodRunning, phase)
	assert.Equal(t, "Running", containers["main"].State)

	r = p.Transition(ctx, StateRunning, shared, pod)
	require.Equal(t, provider.ResultNext, r.Kind)
	require.NotNil(t, r.Effect)

	effectDone := make(chan error, 1)
	go func() { effectDone <- r.Effect(ctx) }()
	select {
	case err := <-effectDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Running effect did not complete once the module exited")
	}

	r = p.Transition(ctx, StateTerminating, shared, pod)
	require.Equal(t, provider.ResultTransition, r.Kind)
	assert.Equal(t, StateTerminated, r.NextState)
	assert.Equal(t, []string{"pod-1"}, volumes.unmounted)
	assert.Equal(t, []string{"pod-1"}, devices.released)

	r = p.Transition(ctx, StateTerminated, shared, pod)
	assert.Equal(t, provider.ResultComplete, r.Kind)
}

func TestExec_AlwaysUnsupported(t *testing.T) {
	p := newTestProvider(t, nil, nil)
	_, err := p.Exec(context.Background(), "pod-1", "main", []string{"sh"})
	assert.ErrorIs(t, err, provider.ErrUnsupported)
}

func TestLogs_UnknownPodIsNotRunning(t *testing.T) {
	p := newTestProvider(t, nil, nil)
	_, err := p.Logs(context.Background(), "no-such-pod", "main", 0, false)
	assert.ErrorIs(t, err, provider.ErrNotRunning)
}

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

// Package wasm is krustlet's default runtime adapter: it turns a pod's
// container specs into running WASM instances on top of
// github.com/tetratelabs/wazero, with a WASI preview 1 ABI.
package wasm

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/krustlet/krustlet/pkg/blobstore"
	"github.com/krustlet/krustlet/pkg/ociregistry"
	"github.com/krustlet/krustlet/pkg/provider"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"golang.org/x/sync/singleflight"

	corev1 "k8s.io/api/core/v1"
)

// Architecture is the node-label/taint value this provider advertises.
const Architecture = "wasm32-wasi"

const (
	// StateRegistered is the provider's initial state for every new pod.
	StateRegistered provider.StateID = "Registered"
	// StateImagePull fetches every container's module blob.
	StateImagePull provider.StateID = "ImagePull"
	// StateVolumeMount stages and publishes every declared volume.
	StateVolumeMount provider.StateID = "VolumeMount"
	// StateResources allocates extended resources requested by the pod.
	StateResources provider.StateID = "Resources"
	// StateStarting instantiates and starts each container's WASM module.
	StateStarting provider.StateID = "Starting"
	// StateRunning waits for a running container to exit or be cancelled.
	StateRunning provider.StateID = "Running"
	// StateTerminating tears down running instances and releases resources.
	StateTerminating provider.StateID = "Terminating"
	// StateTerminated is the machine's normal terminal state.
	StateTerminated provider.StateID = "Terminated"
	// StateError is entered after a fatal transition failure; it drains
	// into Terminating so instances, volumes and devices are released.
	StateError provider.StateID = "Error"
)

// VolumeMounter stages and publishes CSI volumes for a pod; satisfied by
// pkg/csivolume.Manager. Declared here, not imported, to avoid a cyclic
// dependency between the provider and the volume manager.
type VolumeMounter interface {
	Mount(ctx context.Context, pod *corev1.Pod) error
	Unmount(ctx context.Context, podUID string) error
}

// DeviceAllocator allocates extended resources for a pod; satisfied by
// pkg/deviceplugin.Manager.
type DeviceAllocator interface {
	Allocate(ctx context.Context, pod *corev1.Pod) error
	Release(ctx context.Context, podUID string)
}

// Provider is the wazero-backed implementation of provider.Provider.
type Provider struct {
	blobs    *blobstore.Store
	registry *ociregistry.Client
	runtime  wazero.Runtime
	volumes  VolumeMounter
	devices  DeviceAllocator

	pullGroup singleflight.Group

	mu        sync.Mutex
	instances map[string]*podInstances // keyed by pod UID
}

// Config groups a Provider's construction-time dependencies, assembled by
// cmd/krustlet/main.go once the blob store, registry client and volume/
// device managers exist.
type Config struct {
	Blobs    *blobstore.Store
	Registry *ociregistry.Client
	Volumes  VolumeMounter
	Devices  DeviceAllocator
}

// New builds a wazero-backed Provider. The wazero runtime and its WASI
// preview 1 host module are created once and shared across every pod's
// WASM instances on this node.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("wasm: instantiate WASI host module: %w", err)
	}
	return &Provider{
		blobs:     cfg.Blobs,
		registry:  cfg.Registry,
		runtime:   runtime,
		volumes:   cfg.Volumes,
		devices:   cfg.Devices,
		instances: map[string]*podInstances{},
	}, nil
}

func (p *Provider) Architecture() string { return Architecture }

func (p *Provider) InitialState() provider.StateID { return StateRegistered }

// ErrorState implements statemachine.ErrorStateProvider: a failed
// transition re-enters StateError, which itself drains into Terminating
// so running instances, volumes and devices are still released.
func (p *Provider) ErrorState() provider.StateID { return StateError }

func (p *Provider) Logs(ctx context.Context, podUID, container string, tail int, follow bool) (io.ReadCloser, error) {
	p.mu.Lock()
	inst, ok := p.instances[podUID]
	p.mu.Unlock()
	if !ok {
		return nil, provider.ErrNotRunning
	}
	c, ok := inst.container(container)
	if !ok {
		return nil, provider.ErrNotRunning
	}
	return c.logBuffer.Reader(tail, follow), nil
}

func (p *Provider) Exec(ctx context.Context, podUID, container string, command []string) (provider.ExecSession, error) {
	// The default WASM runtime has no interactive shell inside a WASI
	// module; exec is unsupported until a provider ships one.
	return nil, provider.ErrUnsupported
}

func (p *Provider) podState(podUID string) *podInstances {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[podUID]
	if !ok {
		inst = newPodInstances()
		p.instances[podUID] = inst
	}
	return inst
}

func (p *Provider) dropPodState(podUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.instances, podUID)
}


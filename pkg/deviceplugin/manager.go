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

// Package deviceplugin is the client side of the kubelet device plugin
// protocol: it dials the Unix sockets pkg/plugin discovers, streams
// ListAndWatch updates into a node's extended-resource capacity, and
// calls Allocate on a pod's behalf when its containers request one of
// those resources.
package deviceplugin

import (
	"context"
	"fmt"
	"io"
	"sync"

	v1alpha1 "github.com/krustlet/krustlet/pkg/apis/krustlet/v1alpha1"

	"go.uber.org/zap"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	corev1 "k8s.io/api/core/v1"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

// CapacityPatcher is the subset of pkg/node.Manager a Manager needs to
// publish device counts as node capacity.
type CapacityPatcher interface {
	PatchCapacity(ctx context.Context, resource corev1.ResourceName, count int64)
}

type registeredPlugin struct {
	endpoint string
	conn     *grpc.ClientConn
	cancel   context.CancelFunc

	mu      sync.Mutex
	devices []*pluginapi.Device
}

// Manager implements pkg/provider/wasm.DeviceAllocator: it tracks one
// registeredPlugin per extended resource name and serves Allocate calls
// out of the devices the plugin's most recent ListAndWatch update
// reported healthy.
type Manager struct {
	log      *zap.SugaredLogger
	capacity CapacityPatcher

	mu      sync.Mutex
	plugins map[corev1.ResourceName]*registeredPlugin
	allocs  map[v1alpha1.DeviceAllocationKey]*v1alpha1.DeviceAllocation
}

// NewManager returns a Manager that patches device counts into capacity.
func NewManager(log *zap.SugaredLogger, capacity CapacityPatcher) *Manager {
	return &Manager{
		log:      log,
		capacity: capacity,
		plugins:  map[corev1.ResourceName]*registeredPlugin{},
		allocs:   map[v1alpha1.DeviceAllocationKey]*v1alpha1.DeviceAllocation{},
	}
}

// Register dials a newly discovered device plugin's socket, checks that it
// answers GetDevicePluginOptions (the returned options are not kept, and no
// API version is compared), and starts streaming its
// ListAndWatch updates into node capacity. It is called by pkg/plugin's
// registrar once a socket has completed the registration handshake.
func (m *Manager) Register(ctx context.Context, resourceName corev1.ResourceName, endpoint string) error {
	conn, err := grpc.DialContext(ctx, "unix://"+endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return fmt.Errorf("deviceplugin: dial %s at %s: %w", resourceName, endpoint, err)
	}
	client := pluginapi.NewDevicePluginClient(conn)

	if _, err := client.GetDevicePluginOptions(ctx, &pluginapi.Empty{}); err != nil {
		conn.Close()
		return fmt.Errorf("deviceplugin: GetDevicePluginOptions %s: %w", resourceName, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	p := &registeredPlugin{endpoint: endpoint, conn: conn, cancel: cancel}

	m.mu.Lock()
	if old, ok := m.plugins[resourceName]; ok {
		old.cancel()
		old.conn.Close()
	}
	m.plugins[resourceName] = p
	m.mu.Unlock()

	go m.watch(watchCtx, resourceName, client, p)
	return nil
}

// Unregister stops tracking resourceName, e.g. when its socket disappears,
// and zeroes its node capacity.
func (m *Manager) Unregister(resourceName corev1.ResourceName) {
	m.mu.Lock()
	p, ok := m.plugins[resourceName]
	delete(m.plugins, resourceName)
	m.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	p.conn.Close()
	m.capacity.PatchCapacity(context.Background(), resourceName, 0)
}

func (m *Manager) watch(ctx context.Context, resourceName corev1.ResourceName, client pluginapi.DevicePluginClient, p *registeredPlugin) {
	stream, err := client.ListAndWatch(ctx, &pluginapi.Empty{})
	if err != nil {
		m.log.Errorw("deviceplugin: ListAndWatch failed", "resource", resourceName, "error", err)
		return
	}
	for {
		resp, err := stream.Recv()
		if err == io.EOF || ctx.Err() != nil {
			return
		}
		if err != nil {
			m.log.Warnw("deviceplugin: ListAndWatch stream ended", "resource", resourceName, "error", err)
			return
		}

		p.mu.Lock()
		p.devices = resp.Devices
		p.mu.Unlock()

		m.capacity.PatchCapacity(ctx, resourceName, int64(countHealthy(resp.Devices)))
	}
}

func countHealthy(devices []*pluginapi.Device) int {
	n := 0
	for _, d := range devices {
		if d.Health == pluginapi.Healthy {
			n++
		}
	}
	return n
}

// Allocate satisfies every extended resource request in pod by asking the
// owning plugin to allocate that many devices, recording what it returns
// so Release can hand the same devices back later.
func (m *Manager) Allocate(ctx context.Context, pod *corev1.Pod) error {
	var granted []v1alpha1.DeviceAllocationKey
	for i := range pod.Spec.Containers {
		c := &pod.Spec.Containers[i]
		for name, qty := range c.Resources.Requests {
			p, ok := m.lookup(name)
			if !ok {
				continue
			}
			want := int(qty.Value())
			ids := m.reserve(p, want)
			if len(ids) == 0 || len(ids) < want {
				p.mu.Lock()
				for _, d := range p.devices {
					for _, id := range ids {
						if d.ID == id {
							d.Health = pluginapi.Healthy
						}
					}
				}
				p.mu.Unlock()
				m.releaseAll(string(pod.UID), granted)
				return fmt.Errorf("deviceplugin: not enough healthy devices available for %s", name)
			}

			client := pluginapi.NewDevicePluginClient(p.conn)
			resp, err := client.Allocate(ctx, &pluginapi.AllocateRequest{
				ContainerRequests: []*pluginapi.ContainerAllocateRequest{{DevicesIDs: ids}},
			})
			if err != nil {
				m.releaseAll(string(pod.UID), granted)
				return fmt.Errorf("deviceplugin: Allocate %s: %w", name, err)
			}

			key := v1alpha1.DeviceAllocationKey{PodUID: string(pod.UID), ResourceName: string(name)}
			alloc := &v1alpha1.DeviceAllocation{
				PodUID:       string(pod.UID),
				ResourceName: string(name),
				DeviceIDs:    ids,
			}
			if len(resp.ContainerResponses) > 0 {
				cr := resp.ContainerResponses[0]
				alloc.Env = cr.Envs
				alloc.Annotations = cr.Annotations
				alloc.Mounts = map[string]string{}
				for _, mnt := range cr.Mounts {
					alloc.Mounts[mnt.ContainerPath] = mnt.HostPath
				}
			}

			m.mu.Lock()
			m.allocs[key] = alloc
			m.mu.Unlock()
			granted = append(granted, key)
		}
	}
	return nil
}

// Release returns every device podUID holds back to its plugin's pool and
// drops the allocation record.
func (m *Manager) Release(ctx context.Context, podUID string) {
	m.mu.Lock()
	var keys []v1alpha1.DeviceAllocationKey
	for k := range m.allocs {
		if k.PodUID == podUID {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()
	m.releaseAll(podUID, keys)
}

func (m *Manager) releaseAll(podUID string, keys []v1alpha1.DeviceAllocationKey) {
	for _, key := range keys {
		m.mu.Lock()
		alloc, ok := m.allocs[key]
		delete(m.allocs, key)
		p := m.plugins[corev1.ResourceName(key.ResourceName)]
		m.mu.Unlock()
		if !ok || p == nil {
			continue
		}
		p.mu.Lock()
		for _, d := range p.devices {
			for _, id := range alloc.DeviceIDs {
				if d.ID == id {
					d.Health = pluginapi.Healthy
				}
			}
		}
		p.mu.Unlock()
	}
}

func (m *Manager) lookup(name corev1.ResourceName) (*registeredPlugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[name]
	return p, ok
}

// reserve picks up to count healthy device IDs from p and marks them
// Unhealthy so a concurrent Allocate for a different pod does not also
// pick them; Release restores their health once the pod no longer holds
// them.
func (m *Manager) reserve(p *registeredPlugin, count int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, d := range p.devices {
		if len(ids) == count {
			break
		}
		if d.Health == pluginapi.Healthy {
			ids = append(ids, d.ID)
			d.Health = pluginapi.Unhealthy
		}
	}
	return ids
}

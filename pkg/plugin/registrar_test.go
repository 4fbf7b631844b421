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

package plugin

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	v1alpha1 "github.com/krustlet/krustlet/pkg/apis/krustlet/v1alpha1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"google.golang.org/grpc"

	corev1 "k8s.io/api/core/v1"
	registerapi "k8s.io/kubelet/pkg/apis/pluginregistration/v1"
)

type fakeRegistrationServer struct {
	registerapi.UnimplementedRegistrationServer
	info     *registerapi.PluginInfo
	statusCh chan *registerapi.RegistrationStatus
}

func (f *fakeRegistrationServer) GetInfo(ctx context.Context, _ *registerapi.InfoRequest) (*registerapi.PluginInfo, error) {
	return f.info, nil
}

func (f *fakeRegistrationServer) NotifyRegistrationStatus(ctx context.Context, status *registerapi.RegistrationStatus) (*registerapi.RegistrationStatusResponse, error) {
	f.statusCh <- status
	return &registerapi.RegistrationStatusResponse{}, nil
}

func startFakePlugin(t *testing.T, dir, name string, info *registerapi.PluginInfo) (*fakeRegistrationServer, string) {
	t.Helper()
	sock := filepath.Join(dir, name+".sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := grpc.NewServer()
	fake := &fakeRegistrationServer{info: info, statusCh: make(chan *registerapi.RegistrationStatus, 1)}
	registerapi.RegisterRegistrationServer(srv, fake)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return fake, sock
}

type fakeCSIRegistrar struct {
	mu   sync.Mutex
	name string
	ep   string
}

func (f *fakeCSIRegistrar) Register(name, endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name, f.ep = name, endpoint
}
func (f *fakeCSIRegistrar) Unregister(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = ""
}

type fakeDeviceRegistrar struct {
	mu   sync.Mutex
	name corev1.ResourceName
}

func (f *fakeDeviceRegistrar) Register(ctx context.Context, resourceName corev1.ResourceName, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = resourceName
	return nil
}
func (f *fakeDeviceRegistrar) Unregister(resourceName corev1.ResourceName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = ""
}

func TestRegistrar_DispatchesCSIPlugin(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "csi-driver.sock")
	plugin, _ := startFakePlugin(t, dir, "csi-driver", &registerapi.PluginInfo{
		Type: string(v1alpha1.PluginTypeCSI), Name: "fake.csi.example.com", Endpoint: sock, SupportedVersions: []string{SupportedVersion},
	})

	csi := &fakeCSIRegistrar{}
	dev := &fakeDeviceRegistrar{}
	r := NewRegistrar(dir, zap.NewNop().Sugar(), csi, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Run(ctx)

	select {
	case status := <-plugin.statusCh:
		assert.True(t, status.PluginRegistered)
	case <-time.After(time.Second):
		t.Fatal("registration status was never sent")
	}

	csi.mu.Lock()
	defer csi.mu.Unlock()
	assert.Equal(t, "fake.csi.example.com", csi.name)
}

func TestRegistrar_DispatchesDevicePlugin(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "device-plugin.sock")
	plugin, _ := startFakePlugin(t, dir, "device-plugin", &registerapi.PluginInfo{
		Type: string(v1alpha1.PluginTypeDevice), Name: "example.com/gpu", Endpoint: sock, SupportedVersions: []string{SupportedVersion},
	})

	csi := &fakeCSIRegistrar{}
	dev := &fakeDeviceRegistrar{}
	r := NewRegistrar(dir, zap.NewNop().Sugar(), csi, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Run(ctx)

	select {
	case status := <-plugin.statusCh:
		assert.True(t, status.PluginRegistered)
	case <-time.After(time.Second):
		t.Fatal("registration status was never sent")
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.EqualValues(t, "example.com/gpu", dev.name)
}

func TestRegistrar_RejectsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	plugin, _ := startFakePlugin(t, dir, "old-plugin", &registerapi.PluginInfo{
		Type: string(v1alpha1.PluginTypeCSI), Name: "old.example.com", SupportedVersions: []string{"v0"},
	})

	csi := &fakeCSIRegistrar{}
	dev := &fakeDeviceRegistrar{}
	r := NewRegistrar(dir, zap.NewNop().Sugar(), csi, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Run(ctx)

	select {
	case status := <-plugin.statusCh:
		assert.False(t, status.PluginRegistered)
		assert.NotEmpty(t, status.Error)
	case <-time.After(time.Second):
		t.Fatal("registration status was never sent")
	}
}

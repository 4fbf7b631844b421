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

package csivolume

import (
	"context"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

// fakeNodeServer is an in-memory CSI node plugin recording which RPCs it
// received, standing in for a real driver behind the Unix socket Manager
// dials.
type fakeNodeServer struct {
	csi.UnimplementedNodeServer
	staged, published, unpublished, unstaged int32
}

func (f *fakeNodeServer) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	atomic.AddInt32(&f.staged, 1)
	return &csi.NodeStageVolumeResponse{}, nil
}

func (f *fakeNodeServer) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	atomic.AddInt32(&f.published, 1)
	return &csi.NodePublishVolumeResponse{}, nil
}

func (f *fakeNodeServer) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	atomic.AddInt32(&f.unpublished, 1)
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

func (f *fakeNodeServer) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	atomic.AddInt32(&f.unstaged, 1)
	return &csi.NodeUnstageVolumeResponse{}, nil
}

func startFakeDriver(t *testing.T) (*fakeNodeServer, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "csi.sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := grpc.NewServer()
	fake := &fakeNodeServer{}
	csi.RegisterNodeServer(srv, fake)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return fake, sock
}

func TestManager_MountAndUnmount(t *testing.T) {
	driver, sock := startFakeDriver(t)
	drivers := NewDriverSet()
	drivers.Register("fake.csi.example.com", sock)

	client := fake.NewSimpleClientset(
		&corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: "claim-1", Namespace: "default"},
			Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: "pv-1"},
		},
		&corev1.PersistentVolume{
			ObjectMeta: metav1.ObjectMeta{Name: "pv-1"},
			Spec: corev1.PersistentVolumeSpec{
				PersistentVolumeSource: corev1.PersistentVolumeSource{
					CSI: &corev1.CSIPersistentVolumeSource{
						Driver:       "fake.csi.example.com",
						VolumeHandle: "vol-1",
					},
				},
			},
		},
	)

	m := NewManager(client, "node-1", t.TempDir(), drivers)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", UID: "pod-uid-1"},
		Spec: corev1.PodSpec{
			Volumes: []corev1.Volume{{
				Name:         "data",
				VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: "claim-1"}},
			}},
		},
	}

	require.NoError(t, m.Mount(context.Background(), pod))
	assert.EqualValues(t, 1, atomic.LoadInt32(&driver.staged))
	assert.EqualValues(t, 1, atomic.LoadInt32(&driver.published))

	require.NoError(t, m.Unmount(context.Background(), "pod-uid-1"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&driver.unpublished))
	assert.EqualValues(t, 1, atomic.LoadInt32(&driver.unstaged))
}

func TestManager_MountSkipsNonCSIVolumes(t *testing.T) {
	drivers := NewDriverSet()
	client := fake.NewSimpleClientset()
	m := NewManager(client, "node-1", t.TempDir(), drivers)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", UID: "pod-uid-2"},
		Spec: corev1.PodSpec{
			Volumes: []corev1.Volume{{
				Name:         "scratch",
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			}},
		},
	}
	assert.NoError(t, m.Mount(context.Background(), pod))
}

func TestManager_MountFailsWhenDriverNotRegistered(t *testing.T) {
	drivers := NewDriverSet()
	client := fake.NewSimpleClientset(
		&corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: "claim-2", Namespace: "default"},
			Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: "pv-2"},
		},
		&corev1.PersistentVolume{
			ObjectMeta: metav1.ObjectMeta{Name: "pv-2"},
			Spec: corev1.PersistentVolumeSpec{
				PersistentVolumeSource: corev1.PersistentVolumeSource{
					CSI: &corev1.CSIPersistentVolumeSource{Driver: "unregistered.example.com", VolumeHandle: "vol-2"},
				},
			},
		},
	)
	m := NewManager(client, "node-1", t.TempDir(), drivers)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", UID: "pod-uid-3"},
		Spec: corev1.PodSpec{
			Volumes: []corev1.Volume{{
				Name:         "data",
				VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: "claim-2"}},
			}},
		},
	}
	assert.Error(t, m.Mount(context.Background(), pod))
}

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
	"fmt"
	"path/filepath"
	"sync"

	"github.com/container-storage-interface/spec/lib/go/csi"
	v1alpha1 "github.com/krustlet/krustlet/pkg/apis/krustlet/v1alpha1"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Manager implements pkg/provider/wasm.VolumeMounter by staging and
// publishing every CSI-backed PersistentVolumeClaim a pod declares, and
// unpublishing/unstaging them on teardown. It resolves each PVC to its
// bound PersistentVolume and CSI driver through the Kubernetes API, then
// dials that driver's node-plugin Unix socket directly; discovery of the
// socket's location is pkg/plugin's job, fed into the shared DriverSet.
type Manager struct {
	client   kubernetes.Interface
	nodeID   string
	baseDir  string // root for staging/publish target paths, e.g. /var/lib/krustlet
	drivers  *DriverSet

	mu          sync.Mutex
	attachments map[string][]*v1alpha1.VolumeAttachment // keyed by pod UID
}

// NewManager returns a Manager that resolves volumes via client and stages
// them under baseDir, dialing driver sockets tracked in drivers.
func NewManager(client kubernetes.Interface, nodeID, baseDir string, drivers *DriverSet) *Manager {
	return &Manager{
		client:      client,
		nodeID:      nodeID,
		baseDir:     baseDir,
		drivers:     drivers,
		attachments: map[string][]*v1alpha1.VolumeAttachment{},
	}
}

// Mount stages and publishes every CSI-backed volume pod.Spec.Volumes
// declares. A volume with no PersistentVolumeClaim source, or whose claim
// is bound to a non-CSI PersistentVolume, is skipped: this provider only
// speaks CSI.
func (m *Manager) Mount(ctx context.Context, pod *corev1.Pod) error {
	var staged []*v1alpha1.VolumeAttachment
	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim == nil {
			continue
		}
		att, err := m.mountOne(ctx, pod, vol.Name, vol.PersistentVolumeClaim.ClaimName)
		if err != nil {
			m.rollback(ctx, staged)
			return fmt.Errorf("csivolume: mount %s: %w", vol.Name, err)
		}
		if att != nil {
			staged = append(staged, att)
		}
	}
	if len(staged) == 0 {
		return nil
	}
	m.mu.Lock()
	m.attachments[string(pod.UID)] = append(m.attachments[string(pod.UID)], staged...)
	m.mu.Unlock()
	return nil
}

func (m *Manager) mountOne(ctx context.Context, pod *corev1.Pod, volumeName, claimName string) (*v1alpha1.VolumeAttachment, error) {
	pvc, err := m.client.CoreV1().PersistentVolumeClaims(pod.Namespace).Get(ctx, claimName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get pvc %s/%s: %w", pod.Namespace, claimName, err)
	}
	if pvc.Spec.VolumeName == "" {
		return nil, fmt.Errorf("pvc %s/%s is not yet bound", pod.Namespace, claimName)
	}
	pv, err := m.client.CoreV1().PersistentVolumes().Get(ctx, pvc.Spec.VolumeName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get pv %s: %w", pvc.Spec.VolumeName, err)
	}
	if pv.Spec.CSI == nil {
		return nil, nil
	}
	src := pv.Spec.CSI

	endpoint, ok := m.drivers.Endpoint(src.Driver)
	if !ok {
		return nil, fmt.Errorf("driver %s is not registered on this node", src.Driver)
	}

	conn, err := dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", src.Driver, endpoint, err)
	}
	defer conn.Close()
	node := csi.NewNodeClient(conn)

	volCap := &csi.VolumeCapability{
		AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{}},
		AccessMode: &csi.VolumeCapability_AccessMode{Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER},
	}

	stagingPath := filepath.Join(m.baseDir, "staging", string(pod.UID), volumeName)
	targetPath := filepath.Join(m.baseDir, "pods", string(pod.UID), "volumes", volumeName)

	if _, err := node.NodeStageVolume(ctx, &csi.NodeStageVolumeRequest{
		VolumeId:          src.VolumeHandle,
		StagingTargetPath: stagingPath,
		VolumeCapability:  volCap,
		VolumeContext:     src.VolumeAttributes,
		Secrets:           map[string]string{},
	}); err != nil && status.Code(err) != codes.Unimplemented {
		// Unimplemented means this driver has no separate staging step
		// (common for ephemeral or single-call drivers); NodePublishVolume
		// alone is then sufficient.
		return nil, fmt.Errorf("NodeStageVolume: %w", err)
	}

	if _, err := node.NodePublishVolume(ctx, &csi.NodePublishVolumeRequest{
		VolumeId:          src.VolumeHandle,
		StagingTargetPath: stagingPath,
		TargetPath:        targetPath,
		VolumeCapability:  volCap,
		Readonly:          src.ReadOnly,
		VolumeContext:     src.VolumeAttributes,
	}); err != nil {
		return nil, fmt.Errorf("NodePublishVolume: %w", err)
	}

	return &v1alpha1.VolumeAttachment{
		VolumeID:    src.VolumeHandle,
		Driver:      src.Driver,
		PodUID:      string(pod.UID),
		TargetPath:  targetPath,
		StagingPath: stagingPath,
		AccessMode:  v1alpha1.AccessModeSingleNodeWriter,
		VolumeCtx:   src.VolumeAttributes,
		Staged:      true,
		Published:   true,
	}, nil
}

// Unmount unpublishes and unstages every volume Mount staged for podUID.
// It is best-effort across volumes: an error from one driver does not
// prevent the rest from being released, since the pod is being torn down
// either way.
func (m *Manager) Unmount(ctx context.Context, podUID string) error {
	m.mu.Lock()
	atts := m.attachments[podUID]
	delete(m.attachments, podUID)
	m.mu.Unlock()

	var firstErr error
	for _, att := range atts {
		if err := m.unmountOne(ctx, att); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) unmountOne(ctx context.Context, att *v1alpha1.VolumeAttachment) error {
	endpoint, ok := m.drivers.Endpoint(att.Driver)
	if !ok {
		return fmt.Errorf("driver %s is no longer registered", att.Driver)
	}
	conn, err := dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("dial %s at %s: %w", att.Driver, endpoint, err)
	}
	defer conn.Close()
	node := csi.NewNodeClient(conn)

	var errs []error
	if _, err := node.NodeUnpublishVolume(ctx, &csi.NodeUnpublishVolumeRequest{
		VolumeId:   att.VolumeID,
		TargetPath: att.TargetPath,
	}); err != nil {
		errs = append(errs, fmt.Errorf("NodeUnpublishVolume: %w", err))
	}
	if _, err := node.NodeUnstageVolume(ctx, &csi.NodeUnstageVolumeRequest{
		VolumeId:          att.VolumeID,
		StagingTargetPath: att.StagingPath,
	}); err != nil {
		errs = append(errs, fmt.Errorf("NodeUnstageVolume: %w", err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (m *Manager) rollback(ctx context.Context, staged []*v1alpha1.VolumeAttachment) {
	for _, att := range staged {
		_ = m.unmountOne(ctx, att)
	}
}

func dial(ctx context.Context, endpoint string) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, "unix://"+endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
}

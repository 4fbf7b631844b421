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

// Package v1alpha1 holds the in-process value types for entities from the
// data model that have no corresponding Kubernetes API type: module blobs,
// plugins, CSI volume attachments and device allocations. Pods, Nodes,
// Leases and CertificateSigningRequests use the upstream k8s.io/api types
// directly; krustlet does not register a CRD of its own.
package v1alpha1

import "time"

// ModuleDigest identifies a content-addressed WASM module blob.
type ModuleDigest string

// Blob is a pulled WASM module retained in the content-addressed cache.
// Two pulls of the same digest share one Blob.
type Blob struct {
	Digest    ModuleDigest
	MediaType string
	Size      int64
	Bytes     []byte
}

// PluginType distinguishes the two plugin surfaces the registrar dispatches to.
type PluginType string

const (
	PluginTypeCSI    PluginType = "CSIPlugin"
	PluginTypeDevice PluginType = "DevicePlugin"
)

// Plugin describes a registered per-socket storage or device plugin.
type Plugin struct {
	Name             string
	Type             PluginType
	Endpoint         string
	SupportedVersion string
	SocketPath       string
	RegisteredAt     time.Time
}

// Key uniquely identifies a plugin registration; at most one Plugin may be
// registered per Key at any time.
type PluginKey struct {
	Name string
	Type PluginType
}

func (p Plugin) Key() PluginKey {
	return PluginKey{Name: p.Name, Type: p.Type}
}

// VolumeAccessMode mirrors the CSI access mode enum krustlet requests.
type VolumeAccessMode string

const (
	AccessModeSingleNodeWriter VolumeAccessMode = "SINGLE_NODE_WRITER"
	AccessModeMultiNodeReader  VolumeAccessMode = "MULTI_NODE_READER_ONLY"
)

// VolumeAttachmentKey identifies a CSI volume attachment by the pair the
// data model declares as its identity.
type VolumeAttachmentKey struct {
	VolumeID string
	PodUID   string
}

// VolumeAttachment tracks one CSI-backed volume mounted into one pod's sandbox.
type VolumeAttachment struct {
	VolumeID     string
	Driver       string
	PodUID       string
	TargetPath   string
	StagingPath  string
	AccessMode   VolumeAccessMode
	MountOptions []string
	VolumeCtx    map[string]string
	Staged       bool
	Published    bool
}

// DeviceAllocationKey identifies a device allocation by the pair the data
// model declares as its identity.
type DeviceAllocationKey struct {
	PodUID       string
	ResourceName string
}

// DeviceAllocation records the devices a device plugin handed to one pod
// for the lifetime of that pod.
type DeviceAllocation struct {
	PodUID       string
	ResourceName string
	DeviceIDs    []string
	Mounts       map[string]string
	Env          map[string]string
	Annotations  map[string]string
}

// ContainerState mirrors the three-state container lifecycle from the data
// model table.
type ContainerState string

const (
	ContainerWaiting    ContainerState = "Waiting"
	ContainerRunning    ContainerState = "Running"
	ContainerTerminated ContainerState = "Terminated"
)

// ContainerStatus is krustlet's internal view of one container's lifecycle,
// independent of how it gets projected into a corev1.ContainerStatus patch.
type ContainerStatus struct {
	Name         string
	State        ContainerState
	Reason       string
	Message      string
	ExitCode     int32
	RestartCount int32
	StartedAt    time.Time
	FinishedAt   time.Time
}

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

// Package node owns the single Node object and Lease krustlet registers
// itself as, and everything that keeps both current: the heartbeat, the
// advertised capacity/allocatable, and the Ready condition.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/krustlet/krustlet/pkg/apierrors"

	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// TaintKey and TaintEffect are the default taint krustlet applies to its
// own Node so only pods that explicitly tolerate the WASM runtime land on
// it.
const (
	TaintKey    = "kubernetes.io/arch"
	TaintEffect = corev1.TaintEffectNoExecute

	// consecutiveFailuresBeforeNotReady is how many heartbeat failures in a
	// row flip the locally tracked Ready condition to False.
	consecutiveFailuresBeforeNotReady = 2

	capacityDebounce = time.Second
)

// Spec is the fixed description of the node krustlet registers: it never
// changes once the process has started, unlike capacity which the device
// manager and plugin registrar revise continuously.
type Spec struct {
	Name         string
	Architecture string
	Addresses    []corev1.NodeAddress
	Labels       map[string]string
	MaxPods      int64
	LeaseInterval time.Duration
}

// Manager owns the Node and Lease objects for a single krustlet instance.
// Capacity updates from the device manager and plugin registrar arrive
// through Patch Capacity and are coalesced before being written, so a
// burst of plugin registrations produces one Node status update, not one
// per plugin.
type Manager struct {
	client ctrlruntimeclient.Client
	spec   Spec

	mu       sync.Mutex
	ready    bool
	failures int
	extended map[corev1.ResourceName]int64
	debounce *time.Timer
}

// New returns a Manager for the given node spec. Nothing is written to
// the API server until Register is called.
func New(client ctrlruntimeclient.Client, spec Spec) *Manager {
	return &Manager{
		client:   client,
		spec:     spec,
		extended: map[corev1.ResourceName]int64{},
	}
}

// Register idempotently creates the Node object with its labels, default
// taint, and initial status (capacity/allocatable/addresses/nodeInfo). If
// the Node already exists (a restart), its labels and taint are
// reconciled. In both cases the Ready condition is set to False with
// reason Initializing until MarkReady is called.
func (m *Manager) Register(ctx context.Context) error {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   m.spec.Name,
			Labels: m.spec.Labels,
		},
		Spec: corev1.NodeSpec{
			Taints: []corev1.Taint{{
				Key:    TaintKey,
				Value:  m.spec.Architecture,
				Effect: TaintEffect,
			}},
		},
	}

	if err := m.client.Create(ctx, node); err != nil {
		if !kerrors.IsAlreadyExists(err) {
			return apierrors.New(apierrors.KindAPIUnavailable, "create node", err)
		}
		if err := m.reconcileExisting(ctx); err != nil {
			return err
		}
	}

	return m.patchStatus(ctx, func(n *corev1.Node) {
		n.Status.Capacity = m.capacity()
		n.Status.Allocatable = m.capacity()
		n.Status.Addresses = m.spec.Addresses
		n.Status.NodeInfo.Architecture = m.spec.Architecture
		setCondition(n, corev1.NodeReady, corev1.ConditionFalse, "Initializing", "node manager is starting up")
	})
}

// MarkReady flips the Node's Ready condition to True once credentials and
// the plugin registrar have both initialized.
func (m *Manager) MarkReady(ctx context.Context) error {
	m.mu.Lock()
	m.ready = true
	m.failures = 0
	m.mu.Unlock()

	return m.patchStatus(ctx, func(n *corev1.Node) {
		setCondition(n, corev1.NodeReady, corev1.ConditionTrue, "KubeletReady", "krustlet is ready")
	})
}

func (m *Manager) reconcileExisting(ctx context.Context) error {
	return m.update(ctx, func(n *corev1.Node) {
		if n.Labels == nil {
			n.Labels = map[string]string{}
		}
		for k, v := range m.spec.Labels {
			n.Labels[k] = v
		}
		for _, t := range n.Spec.Taints {
			if t.Key == TaintKey {
				return
			}
		}
		n.Spec.Taints = append(n.Spec.Taints, corev1.Taint{Key: TaintKey, Value: m.spec.Architecture, Effect: TaintEffect})
	})
}

// PatchCapacity replaces the extended-resource inventory for a single
// resource name and schedules a debounced Node status patch. Calling it
// repeatedly within the debounce window collapses into a single API
// write.
func (m *Manager) PatchCapacity(ctx context.Context, resource corev1.ResourceName, count int64) {
	m.mu.Lock()
	if count <= 0 {
		delete(m.extended, resource)
	} else {
		m.extended[resource] = count
	}
	if m.debounce == nil {
		m.debounce = time.AfterFunc(capacityDebounce, func() {
			m.mu.Lock()
			m.debounce = nil
			capacity := m.capacity()
			m.mu.Unlock()
			// Best-effort: the next PatchCapacity call (from the device
			// manager's next ListAndWatch update) will retry the write.
			_ = m.patchStatus(ctx, func(n *corev1.Node) {
				n.Status.Capacity = capacity
				n.Status.Allocatable = capacity.DeepCopy()
			})
		})
	}
	m.mu.Unlock()
}

// capacity returns the fixed pod/cpu/memory capacity merged with the
// current extended-resource table. Must be called with m.mu held or from
// a context where no concurrent PatchCapacity call can race it.
func (m *Manager) capacity() corev1.ResourceList {
	list := corev1.ResourceList{
		corev1.ResourcePods: *resource.NewQuantity(m.spec.MaxPods, resource.DecimalSI),
	}
	for name, count := range m.extended {
		list[name] = *resource.NewQuantity(count, resource.DecimalSI)
	}
	return list
}

// Heartbeat renews the Node's Lease every spec.LeaseInterval until ctx is
// cancelled. After consecutiveFailuresBeforeNotReady renewal failures in
// a row it patches the Node Ready condition to False locally and keeps
// retrying; a later success flips it back to True.
func (m *Manager) Heartbeat(ctx context.Context) error {
	interval := m.spec.LeaseInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := m.renewLease(ctx); err != nil {
		m.recordHeartbeatFailure(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.renewLease(ctx); err != nil {
				m.recordHeartbeatFailure(ctx, err)
			} else {
				m.recordHeartbeatSuccess(ctx)
			}
		}
	}
}

func (m *Manager) recordHeartbeatFailure(ctx context.Context, cause error) {
	m.mu.Lock()
	m.failures++
	shouldMarkNotReady := m.failures >= consecutiveFailuresBeforeNotReady && m.ready
	if shouldMarkNotReady {
		m.ready = false
	}
	m.mu.Unlock()

	if shouldMarkNotReady {
		_ = m.patchStatus(ctx, func(n *corev1.Node) {
			setCondition(n, corev1.NodeReady, corev1.ConditionFalse, "HeartbeatFailed", cause.Error())
		})
	}
}

func (m *Manager) recordHeartbeatSuccess(ctx context.Context) {
	m.mu.Lock()
	wasNotReady := m.failures >= consecutiveFailuresBeforeNotReady
	m.failures = 0
	if wasNotReady {
		m.ready = true
	}
	m.mu.Unlock()

	if wasNotReady {
		_ = m.patchStatus(ctx, func(n *corev1.Node) {
			setCondition(n, corev1.NodeReady, corev1.ConditionTrue, "KubeletReady", "heartbeat recovered")
		})
	}
}

func (m *Manager) renewLease(ctx context.Context) error {
	now := metav1.NewMicroTime(time.Now())
	lease := &coordinationv1.Lease{}
	key := types.NamespacedName{Name: m.spec.Name, Namespace: metav1.NamespaceNodeLease}
	err := m.client.Get(ctx, key, lease)
	if kerrors.IsNotFound(err) {
		lease = &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: m.spec.Name, Namespace: metav1.NamespaceNodeLease},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity: &m.spec.Name,
				RenewTime:      &now,
			},
		}
		if err := m.client.Create(ctx, lease); err != nil {
			return apierrors.New(apierrors.KindAPIUnavailable, "create lease", err)
		}
		return nil
	}
	if err != nil {
		return apierrors.New(apierrors.KindAPIUnavailable, "get lease", err)
	}
	lease.Spec.HolderIdentity = &m.spec.Name
	lease.Spec.RenewTime = &now
	if err := m.client.Update(ctx, lease); err != nil {
		return apierrors.New(apierrors.KindAPIUnavailable, "renew lease", err)
	}
	return nil
}

// Shutdown patches the Node's Ready condition to False with reason
// NodeShutdown and deletes the Lease, so the control plane evicts pods
// scheduled here promptly instead of waiting out the full node-monitor
// grace period.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.patchStatus(ctx, func(n *corev1.Node) {
		setCondition(n, corev1.NodeReady, corev1.ConditionFalse, "NodeShutdown", "krustlet is shutting down")
	}); err != nil {
		return err
	}

	lease := &coordinationv1.Lease{ObjectMeta: metav1.ObjectMeta{Name: m.spec.Name, Namespace: metav1.NamespaceNodeLease}}
	if err := m.client.Delete(ctx, lease); err != nil && !kerrors.IsNotFound(err) {
		return apierrors.New(apierrors.KindAPIUnavailable, "delete lease", err)
	}
	return nil
}

func (m *Manager) patchStatus(ctx context.Context, modify func(*corev1.Node)) error {
	_, err := m.update(ctx, modify)
	return err
}

func (m *Manager) update(ctx context.Context, modify func(*corev1.Node)) (*corev1.Node, error) {
	node := &corev1.Node{}
	err := retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		if err := m.client.Get(ctx, types.NamespacedName{Name: m.spec.Name}, node); err != nil {
			return err
		}
		modify(node)
		return m.client.Update(ctx, node)
	})
	if err != nil {
		return nil, apierrors.New(apierrors.KindAPIUnavailable, "update node", err)
	}
	return node, nil
}

func setCondition(n *corev1.Node, typ corev1.NodeConditionType, status corev1.ConditionStatus, reason, message string) {
	now := metav1.Now()
	for i, c := range n.Status.Conditions {
		if c.Type == typ {
			if c.Status != status {
				n.Status.Conditions[i].LastTransitionTime = now
			}
			n.Status.Conditions[i].Status = status
			n.Status.Conditions[i].Reason = reason
			n.Status.Conditions[i].Message = message
			n.Status.Conditions[i].LastHeartbeatTime = now
			return
		}
	}
	n.Status.Conditions = append(n.Status.Conditions, corev1.NodeCondition{
		Type:               typ,
		Status:             status,
		Reason:             reason,
		Message:            message,
		LastHeartbeatTime:  now,
		LastTransitionTime: now,
	})
}

// GetNode returns the current Node object, the read path the dispatcher
// and statemachine use for toleration checks.
func (m *Manager) GetNode(ctx context.Context) (*corev1.Node, error) {
	node := &corev1.Node{}
	if err := m.client.Get(ctx, types.NamespacedName{Name: m.spec.Name}, node); err != nil {
		return nil, apierrors.New(apierrors.KindAPIUnavailable, "get node", fmt.Errorf("%s: %w", m.spec.Name, err))
	}
	return node, nil
}

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

package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func newFakeClient(t *testing.T, objs ...ctrlruntimeclient.Object) ctrlruntimeclient.Client {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	require.NoError(t, coordinationv1.AddToScheme(scheme))
	return fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
}

func testSpec() Spec {
	return Spec{
		Name:          "worker-1",
		Architecture:  "wasm32-wasi",
		MaxPods:       110,
		LeaseInterval: 10 * time.Millisecond,
	}
}

func TestRegister_CreatesNodeWithTaintAndCapacity(t *testing.T) {
	client := newFakeClient(t)
	m := New(client, testSpec())

	require.NoError(t, m.Register(context.Background()))

	node, err := m.GetNode(context.Background())
	require.NoError(t, err)
	require.Len(t, node.Spec.Taints, 1)
	assert.Equal(t, TaintKey, node.Spec.Taints[0].Key)
	assert.Equal(t, "wasm32-wasi", node.Spec.Taints[0].Value)
	assert.Equal(t, "110", node.Status.Capacity[corev1.ResourcePods].String())

	cond := findCondition(node, corev1.NodeReady)
	require.NotNil(t, cond)
	assert.Equal(t, corev1.ConditionFalse, cond.Status)
}

func TestRegister_IsIdempotent(t *testing.T) {
	client := newFakeClient(t)
	m := New(client, testSpec())

	require.NoError(t, m.Register(context.Background()))
	require.NoError(t, m.Register(context.Background()))

	node, err := m.GetNode(context.Background())
	require.NoError(t, err)
	assert.Len(t, node.Spec.Taints, 1, "re-registering must not duplicate the default taint")
}

func TestMarkReady_SetsConditionTrue(t *testing.T) {
	client := newFakeClient(t)
	m := New(client, testSpec())
	require.NoError(t, m.Register(context.Background()))

	require.NoError(t, m.MarkReady(context.Background()))

	node, err := m.GetNode(context.Background())
	require.NoError(t, err)
	cond := findCondition(node, corev1.NodeReady)
	require.NotNil(t, cond)
	assert.Equal(t, corev1.ConditionTrue, cond.Status)
}

func TestPatchCapacity_DebouncesIntoOneWrite(t *testing.T) {
	client := newFakeClient(t)
	m := New(client, testSpec())
	require.NoError(t, m.Register(context.Background()))

	m.PatchCapacity(context.Background(), "example.com/gpu", 2)
	m.PatchCapacity(context.Background(), "example.com/gpu", 4)

	require.Eventually(t, func() bool {
		node, err := m.GetNode(context.Background())
		if err != nil {
			return false
		}
		q, ok := node.Status.Capacity["example.com/gpu"]
		return ok && q.Value() == 4
	}, time.Second, 5*time.Millisecond)
}

func TestPatchCapacity_RemovesResourceWhenZero(t *testing.T) {
	client := newFakeClient(t)
	m := New(client, testSpec())
	require.NoError(t, m.Register(context.Background()))

	m.PatchCapacity(context.Background(), "example.com/gpu", 2)
	require.Eventually(t, func() bool {
		node, _ := m.GetNode(context.Background())
		_, ok := node.Status.Capacity["example.com/gpu"]
		return ok
	}, time.Second, 5*time.Millisecond)

	m.PatchCapacity(context.Background(), "example.com/gpu", 0)
	require.Eventually(t, func() bool {
		node, _ := m.GetNode(context.Background())
		_, ok := node.Status.Capacity["example.com/gpu"]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_RenewsLeaseAndStopsOnCancel(t *testing.T) {
	client := newFakeClient(t)
	m := New(client, testSpec())
	require.NoError(t, m.Register(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Heartbeat(ctx) }()

	require.Eventually(t, func() bool {
		lease := &coordinationv1.Lease{}
		err := client.Get(context.Background(), types.NamespacedName{Name: "worker-1", Namespace: metav1.NamespaceNodeLease}, lease)
		return err == nil && lease.Spec.RenewTime != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Heartbeat did not stop after context cancellation")
	}
}

func TestShutdown_MarksNotReadyAndDeletesLease(t *testing.T) {
	client := newFakeClient(t)
	m := New(client, testSpec())
	require.NoError(t, m.Register(context.Background()))
	require.NoError(t, m.renewLease(context.Background()))

	require.NoError(t, m.Shutdown(context.Background()))

	node, err := m.GetNode(context.Background())
	require.NoError(t, err)
	cond := findCondition(node, corev1.NodeReady)
	require.NotNil(t, cond)
	assert.Equal(t, corev1.ConditionFalse, cond.Status)
	assert.Equal(t, "NodeShutdown", cond.Reason)

	lease := &coordinationv1.Lease{}
	err = client.Get(context.Background(), types.NamespacedName{Name: "worker-1", Namespace: metav1.NamespaceNodeLease}, lease)
	assert.True(t, kerrors.IsNotFound(err))
}

func findCondition(n *corev1.Node, typ corev1.NodeConditionType) *corev1.NodeCondition {
	for i := range n.Status.Conditions {
		if n.Status.Conditions[i].Type == typ {
			return &n.Status.Conditions[i]
		}
	}
	return nil
}

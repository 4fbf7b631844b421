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

// Package podstatus projects a provider's in-process provider.PodStatus
// snapshots into a pod's real corev1.PodStatus and emits Kubernetes
// Events for the lifecycle transitions an operator watches for.
package podstatus

import (
	"context"
	"fmt"
	"sync"

	"github.com/krustlet/krustlet/pkg/provider"

	"go.uber.org/zap"

	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/record"
)

// Reason values attached to the Events this publisher emits, matching the
// kubelet's own stable event reasons so existing tooling keeps working.
const (
	ReasonStarted          = "Started"
	ReasonKilling          = "Killing"
	ReasonImagePullBackOff = "ImagePullBackOff"
	ReasonFailedMount      = "FailedMount"
	ReasonFailedCreatePod  = "FailedCreatePodSandbox"
	ReasonRestartError     = "RestartError"
)

// Publisher patches a pod's corev1.PodStatus from a provider's
// provider.PodStatus snapshot and emits Events for notable transitions.
// One Publisher is shared across every pod on the node; all of its
// methods are safe to call concurrently for different pods.
type Publisher struct {
	client   kubernetes.Interface
	recorder record.EventRecorder
	log      *zap.SugaredLogger

	mu        sync.Mutex
	lastByUID map[string]corev1.PodStatus
}

// NewPublisher returns a Publisher that patches through client and emits
// Events through recorder, which cmd/krustlet/main.go builds with
// newEventRecorder.
func NewPublisher(client kubernetes.Interface, recorder record.EventRecorder, log *zap.SugaredLogger) *Publisher {
	return &Publisher{client: client, recorder: recorder, log: log, lastByUID: map[string]corev1.PodStatus{}}
}

// Publish projects shared's current snapshot onto pod and patches the API
// server only if the projected status actually changed, then emits any
// Events the transition warrants.
func (p *Publisher) Publish(ctx context.Context, pod *corev1.Pod, shared *provider.SharedContext) error {
	phase, containers := shared.Status.Snapshot()
	next := project(pod, phase, containers)

	if equality.Semantic.DeepEqual(pod.Status, next) {
		return nil
	}

	p.mu.Lock()
	prev := p.lastByUID[shared.PodUID]
	p.mu.Unlock()
	p.emitTransitionEvents(pod, prev, next)

	patched := pod.DeepCopy()
	patched.Status = next
	if _, err := p.client.CoreV1().Pods(pod.Namespace).UpdateStatus(ctx, patched, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("podstatus: update status for %s/%s: %w", pod.Namespace, pod.Name, err)
	}
	p.mu.Lock()
	p.lastByUID[shared.PodUID] = next
	p.mu.Unlock()
	return nil
}

// Forget drops any cached status for podUID once its state machine exits,
// so a later pod reusing the same sandbox never sees a stale diff base.
func (p *Publisher) Forget(podUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastByUID, podUID)
}

func project(pod *corev1.Pod, phase corev1.PodPhase, containers map[string]provider.ContainerStatusView) corev1.PodStatus {
	status := pod.Status.DeepCopy()
	status.Phase = phase

	byName := make(map[string]corev1.ContainerStatus, len(status.ContainerStatuses))
	for _, cs := range status.ContainerStatuses {
		byName[cs.Name] = cs
	}

	var out []corev1.ContainerStatus
	for _, c := range pod.Spec.Containers {
		view, ok := containers[c.Name]
		cs, existed := byName[c.Name]
		if !existed {
			cs = corev1.ContainerStatus{Name: c.Name, Image: c.Image}
		}
		if ok {
			prevRunning := cs.State.Running
			cs.RestartCount = view.RestartCount
			cs.State = projectState(view)
			if prevRunning != nil && cs.State.Running != nil {
				cs.State.Running.StartedAt = prevRunning.StartedAt
			}
			cs.Ready = view.State == "Running"
		}
		out = append(out, cs)
	}
	status.ContainerStatuses = out
	return *status
}

func projectState(view provider.ContainerStatusView) corev1.ContainerState {
	switch view.State {
	case "Running":
		return corev1.ContainerState{Running: &corev1.ContainerStateRunning{StartedAt: metav1.Now()}}
	case "Terminated":
		return corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
			ExitCode: view.ExitCode,
			Reason:   view.Reason,
			Message:  view.Message,
		}}
	default:
		return corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{
			Reason:  view.Reason,
			Message: view.Message,
		}}
	}
}

func (p *Publisher) emitTransitionEvents(pod *corev1.Pod, prev, next corev1.PodStatus) {
	if prev.Phase != corev1.PodRunning && next.Phase == corev1.PodRunning {
		p.recorder.Event(pod, corev1.EventTypeNormal, ReasonStarted, "pod started")
	}
	if next.Phase == corev1.PodFailed || next.Phase == corev1.PodSucceeded {
		if prev.Phase != corev1.PodFailed && prev.Phase != corev1.PodSucceeded {
			p.recorder.Event(pod, corev1.EventTypeNormal, ReasonKilling, "pod terminated")
		}
	}

	prevByName := make(map[string]corev1.ContainerStatus, len(prev.ContainerStatuses))
	for _, cs := range prev.ContainerStatuses {
		prevByName[cs.Name] = cs
	}
	for _, cs := range next.ContainerStatuses {
		if cs.State.Waiting == nil {
			continue
		}
		old := prevByName[cs.Name]
		if old.State.Waiting != nil && old.State.Waiting.Reason == cs.State.Waiting.Reason {
			continue
		}
		switch cs.State.Waiting.Reason {
		case "ImagePullBackOff", "PullError":
			p.recorder.Eventf(pod, corev1.EventTypeWarning, ReasonImagePullBackOff, "container %s: %s", cs.Name, cs.State.Waiting.Message)
		case "RestartError":
			p.recorder.Eventf(pod, corev1.EventTypeWarning, ReasonRestartError, "container %s: %s", cs.Name, cs.State.Waiting.Message)
		case "StartError":
			p.recorder.Eventf(pod, corev1.EventTypeWarning, ReasonFailedCreatePod, "container %s: %s", cs.Name, cs.State.Waiting.Message)
		}
	}
}

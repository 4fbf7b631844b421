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
	"fmt"

	v1alpha1 "github.com/krustlet/krustlet/pkg/apis/krustlet/v1alpha1"
	"github.com/krustlet/krustlet/pkg/apierrors"
	"github.com/krustlet/krustlet/pkg/provider"

	corev1 "k8s.io/api/core/v1"
)

// Transition implements provider.Provider. The engine calls it once per
// tick with the pod's current state; this provider's state graph is
// Registered -> ImagePull -> VolumeMount -> Resources -> Starting ->
// Running -> Terminating -> Terminated, with Error reachable from any
// state and itself draining into Terminating.
func (p *Provider) Transition(ctx context.Context, state provider.StateID, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	switch state {
	case StateRegistered:
		return provider.Transition(StateImagePull)
	case StateImagePull:
		return p.transitionImagePull(ctx, pod)
	case StateVolumeMount:
		return p.transitionVolumeMount(ctx, pod)
	case StateResources:
		return p.transitionResources(ctx, pod)
	case StateStarting:
		return p.transitionStarting(ctx, shared, pod)
	case StateRunning:
		return p.transitionRunning(shared, pod)
	case StateError:
		return provider.Transition(StateTerminating)
	case StateTerminating:
		return p.transitionTerminating(ctx, shared, pod)
	case StateTerminated:
		return provider.Complete()
	default:
		return provider.ErrorResult(apierrors.New(apierrors.KindProvider, "transition", unknownStateError(state)))
	}
}

type unknownStateError provider.StateID

func (e unknownStateError) Error() string { return "wasm: unknown state " + string(e) }

func (p *Provider) transitionImagePull(ctx context.Context, pod *corev1.Pod) provider.StateResult {
	for i := range pod.Spec.Containers {
		if _, err := p.pullModule(ctx, pod.Spec.Containers[i].Image); err != nil {
			return provider.ErrorResult(err)
		}
	}
	return provider.Transition(StateVolumeMount)
}

func (p *Provider) transitionVolumeMount(ctx context.Context, pod *corev1.Pod) provider.StateResult {
	if p.volumes == nil || len(pod.Spec.Volumes) == 0 {
		return provider.Transition(StateResources)
	}
	if err := p.volumes.Mount(ctx, pod); err != nil {
		return provider.ErrorResult(apierrors.New(apierrors.KindMount, "mount pod volumes", err))
	}
	return provider.Transition(StateResources)
}

func (p *Provider) transitionResources(ctx context.Context, pod *corev1.Pod) provider.StateResult {
	if p.devices == nil || !podRequestsExtendedResources(pod) {
		return provider.Transition(StateStarting)
	}
	if err := p.devices.Allocate(ctx, pod); err != nil {
		return provider.ErrorResult(apierrors.New(apierrors.KindProvider, "allocate devices", err))
	}
	return provider.Transition(StateStarting)
}

func podRequestsExtendedResources(pod *corev1.Pod) bool {
	for _, c := range pod.Spec.Containers {
		for name := range c.Resources.Requests {
			if !isNativeResource(name) {
				return true
			}
		}
	}
	return false
}

func isNativeResource(name corev1.ResourceName) bool {
	switch name {
	case corev1.ResourceCPU, corev1.ResourceMemory, corev1.ResourceEphemeralStorage, corev1.ResourcePods:
		return true
	default:
		return false
	}
}

func (p *Provider) transitionStarting(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	inst := p.podState(shared.PodUID)
	for i := range pod.Spec.Containers {
		spec := pod.Spec.Containers[i]
		blob, err := p.pullModule(ctx, spec.Image)
		if err != nil {
			return provider.ErrorResult(err)
		}
		c, err := p.startContainer(ctx, spec, blob)
		if err != nil {
			shared.Status.SetContainer(spec.Name, provider.ContainerStatusView{State: "Waiting", Reason: "StartError", Message: err.Error()})
			return provider.ErrorResult(apierrors.New(apierrors.KindProvider, "start container "+spec.Name, err))
		}
		inst.put(spec.Name, c)
		shared.Status.SetContainer(spec.Name, provider.ContainerStatusView{State: "Running"})
	}
	shared.Status.SetPhase(corev1.PodRunning)
	return provider.Transition(StateRunning)
}

// transitionRunning waits for containers to exit and applies the pod's
// restartPolicy to each exit in turn: Always restarts unconditionally,
// OnFailure restarts only a non-zero exit, Never restarts nothing. The
// state only moves on to Terminating once an exit occurs that the policy
// says should not be restarted, or ctx is cancelled.
func (p *Provider) transitionRunning(shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	inst := p.podState(shared.PodUID)
	return provider.Next(StateTerminating, func(ctx context.Context) error {
		handled := map[*containerInstance]bool{}
		for {
			c, ok := inst.waitForUnhandledExit(ctx, handled)
			if !ok {
				return nil
			}
			handled[c] = true

			if !shouldRestart(pod.Spec.RestartPolicy, c.exitCode) {
				return nil
			}

			count := inst.incrementRestart(c.name)
			restarted, err := p.restartContainer(ctx, pod, c.name)
			if err != nil {
				shared.Status.SetContainer(c.name, provider.ContainerStatusView{
					State: "Waiting", Reason: "RestartError", Message: err.Error(), RestartCount: count,
				})
				return apierrors.New(apierrors.KindProvider, "restart container "+c.name, err)
			}
			inst.put(c.name, restarted)
			shared.Status.SetContainer(c.name, provider.ContainerStatusView{State: "Running", RestartCount: count})
		}
	})
}

// shouldRestart decides whether a container exiting with exitCode should
// be restarted under policy, per the Container state transition invariant.
func shouldRestart(policy corev1.RestartPolicy, exitCode int32) bool {
	switch policy {
	case corev1.RestartPolicyAlways:
		return true
	case corev1.RestartPolicyOnFailure:
		return exitCode != 0
	default: // corev1.RestartPolicyNever, or unset.
		return false
	}
}

// restartContainer pulls (or reuses the cached blob for) name's image and
// starts a fresh instance, replacing the one that just exited.
func (p *Provider) restartContainer(ctx context.Context, pod *corev1.Pod, name string) (*containerInstance, error) {
	for i := range pod.Spec.Containers {
		if pod.Spec.Containers[i].Name != name {
			continue
		}
		spec := pod.Spec.Containers[i]
		blob, err := p.pullModule(ctx, spec.Image)
		if err != nil {
			return nil, err
		}
		return p.startContainer(ctx, spec, blob)
	}
	return nil, fmt.Errorf("wasm: container %q not found in pod spec", name)
}

func (p *Provider) transitionTerminating(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	inst := p.podState(shared.PodUID)
	inst.stopAll(ctx)

	if p.devices != nil {
		p.devices.Release(ctx, shared.PodUID)
	}
	if p.volumes != nil {
		if err := p.volumes.Unmount(ctx, shared.PodUID); err != nil {
			// Best-effort: a pod being deleted should not get stuck because
			// its volume driver is unreachable during teardown.
		}
	}
	p.dropPodState(shared.PodUID)
	shared.Status.SetPhase(terminalPhase(pod, inst))
	return provider.Transition(StateTerminated)
}

func terminalPhase(pod *corev1.Pod, inst *podInstances) corev1.PodPhase {
	if inst.anyFailed() {
		return corev1.PodFailed
	}
	return corev1.PodSucceeded
}

func (p *Provider) pullModule(ctx context.Context, ref string) (*v1alpha1.Blob, error) {
	v, err, _ := p.pullGroup.Do(ref, func() (interface{}, error) {
		fetched, err := p.registry.Pull(ctx, ref)
		if err != nil {
			return nil, err
		}
		return p.blobs.Get(ctx, fetched.Digest, func(ctx context.Context, d v1alpha1.ModuleDigest) (string, []byte, error) {
			return fetched.MediaType, fetched.Bytes, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(*v1alpha1.Blob), nil
}

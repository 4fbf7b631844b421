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

// Package provider declares the runtime-adapter interface the pod state
// machine engine drives, and a name-keyed factory registry for the
// runtimes that implement it. The engine is agnostic to the Provider's
// choice of runtime: swapping the default WASM runtime for some other
// runtime requires no change to the engine, only a new registered
// Factory.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	corev1 "k8s.io/api/core/v1"
)

// ErrUnsupported is returned by Exec when a provider has no interactive
// exec support at all (the default WASM provider's permanent answer).
var ErrUnsupported = errors.New("exec not supported by this provider")

// ErrNotRunning is returned by Exec and Logs when the named container is
// not currently running.
var ErrNotRunning = errors.New("container is not running")

// StateID is a provider-opaque tag identifying one node in the state
// graph. The engine never inspects its value, only compares it for
// equality and looks it up in the provider's transition table.
type StateID string

// ResultKind distinguishes the four shapes a transition function may
// return, per the engine's StateResult contract.
type ResultKind int

const (
	// ResultTransition moves directly to NextState with no side effect.
	ResultTransition ResultKind = iota
	// ResultNext moves to NextState after the engine runs Effect.
	ResultNext
	// ResultError is a fatal failure; the engine moves to its built-in
	// Error state with Err recorded in status.
	ResultError
	// ResultComplete ends the machine; no further transitions occur.
	ResultComplete
)

// Effect is asynchronous work the engine performs on behalf of a
// ResultNext transition, such as starting a WASM instance or waiting for
// a container to exit. Effect must treat ctx cancellation as a
// suspension point and return promptly; an Effect that ignores
// cancellation for more than the engine's wedge timeout is abandoned and
// logged as a provider bug. Transition functions themselves are called
// synchronously and are not timed.
type Effect func(ctx context.Context) error

// StateResult is what a transition function returns.
type StateResult struct {
	Kind      ResultKind
	NextState StateID
	Effect    Effect
	Err       error
}

// Transition builds a ResultTransition result.
func Transition(next StateID) StateResult {
	return StateResult{Kind: ResultTransition, NextState: next}
}

// Next builds a ResultNext result.
func Next(next StateID, effect Effect) StateResult {
	return StateResult{Kind: ResultNext, NextState: next, Effect: effect}
}

// ErrorResult builds a ResultError result.
func ErrorResult(err error) StateResult {
	return StateResult{Kind: ResultError, Err: err}
}

// Complete builds a ResultComplete result.
func Complete() StateResult {
	return StateResult{Kind: ResultComplete}
}

// SharedContext is threaded through every transition function for one pod
// state machine instance. It is created once per pod UID and lives for
// the lifetime of that instance.
type SharedContext struct {
	NodeName string
	PodUID   string

	// Status accumulates the per-container view that the pod status
	// publisher periodically projects into the pod's corev1.PodStatus.
	Status *PodStatus
}

// PodStatus is the provider-visible, in-process mirror of one pod's
// status; the dispatcher/podstatus publisher projects it into the real
// corev1.PodStatus patch.
type PodStatus struct {
	mu         sync.Mutex
	Phase      corev1.PodPhase
	Containers map[string]ContainerStatusView
}

// ContainerStatusView is the subset of container status a provider
// reports; it intentionally mirrors apis/krustlet/v1alpha1.ContainerStatus
// without importing it, since a provider should not need the full data
// model to report a state change.
type ContainerStatusView struct {
	State        string
	Reason       string
	Message      string
	ExitCode     int32
	RestartCount int32
}

// NewPodStatus returns an empty PodStatus for a freshly registered pod.
func NewPodStatus() *PodStatus {
	return &PodStatus{Phase: corev1.PodPending, Containers: map[string]ContainerStatusView{}}
}

// SetContainer records container c's latest view under lock.
func (s *PodStatus) SetContainer(name string, view ContainerStatusView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Containers[name] = view
}

// SetPhase records the pod's latest phase under lock.
func (s *PodStatus) SetPhase(phase corev1.PodPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Phase = phase
}

// Snapshot returns a copy of the current phase and per-container views.
func (s *PodStatus) Snapshot() (corev1.PodPhase, map[string]ContainerStatusView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ContainerStatusView, len(s.Containers))
	for k, v := range s.Containers {
		out[k] = v
	}
	return s.Phase, out
}

// Provider is the closed capability set the engine drives a pod through.
// A Provider supplies the state graph (via InitialState and Transition);
// the engine itself knows nothing about the meaning of any StateID.
type Provider interface {
	// Architecture returns the node-label/taint value this provider
	// advertises, e.g. "wasm32-wasi".
	Architecture() string

	// InitialState returns the StateID every new pod state machine starts in.
	InitialState() StateID

	// Transition runs the transition function for state on pod, threading
	// shared through every call for the lifetime of one pod UID's machine.
	Transition(ctx context.Context, state StateID, shared *SharedContext, pod *corev1.Pod) StateResult

	// Logs streams container log bytes. follow keeps the stream open past
	// EOF until ctx is cancelled; tail limits to the last N lines, or all
	// output when tail <= 0.
	Logs(ctx context.Context, podUID, container string, tail int, follow bool) (io.ReadCloser, error)

	// Exec runs command inside the named container's sandbox and wires
	// stdio to the returned ExecSession. Providers without interactive
	// exec support return ErrUnsupported.
	Exec(ctx context.Context, podUID, container string, command []string) (ExecSession, error)
}

// ExecSession is a single exec invocation's stdio plumbing.
type ExecSession interface {
	io.Writer // stdin
	io.Reader // combined stdout+stderr
	// Wait blocks until the exec'd command exits and returns its exit code.
	Wait(ctx context.Context) (exitCode int32, err error)
}

// Config carries a provider's construction-time settings, sourced from
// CLI flags, environment variables or a config file by pkg/config. Keys
// are provider-defined.
type Config map[string]string

// Factory constructs a Provider from its Config.
type Factory func(cfg Config) (Provider, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register adds a named Factory to the registry. It panics on a
// duplicate name, since that only happens from a programming error at
// package init time.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("provider: duplicate registration for %q", name))
	}
	factories[name] = f
}

// New constructs the named provider with cfg.
func New(name string, cfg Config) (Provider, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: no runtime registered under %q", name)
	}
	return f(cfg)
}

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

// Package statemachine is the generic engine that drives one pod through
// a provider.Provider's state graph. The engine never inspects a StateID's
// meaning; it only dispatches on the ResultKind a transition returns, runs
// Effects with a wedge-detection timeout, and retries once into a
// provider's own Error state when one is offered. Any provider.Provider
// can be driven by the same Engine, the way pkg/provider/wasm is today.
package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/krustlet/krustlet/pkg/provider"

	"go.uber.org/zap"

	corev1 "k8s.io/api/core/v1"
)

// defaultWedgeTimeout is how long the engine waits, once ctx or Stop has
// cancelled a transition's Effect, for that Effect to return before
// treating it as a provider bug and abandoning it.
const defaultWedgeTimeout = 30 * time.Second

// PodSource supplies the pod spec a running state machine should use for
// its next transition. *github.com/krustlet/krustlet/pkg/dispatcher.Slot
// satisfies this; the engine depends only on this narrow interface so it
// never needs to import the dispatcher.
type PodSource interface {
	// Get returns the most recently delivered pod. ok is false only if no
	// pod has ever been delivered for this UID.
	Get(ctx context.Context) (pod *corev1.Pod, ok bool)
}

// ErrorStateProvider is implemented by a Provider that wants a
// ResultError outcome to re-enter one of its own states for cleanup
// (releasing devices, unmounting volumes) instead of ending the engine's
// drive loop immediately. The engine calls ErrorState at most once per
// Run; if that re-entry itself errors, the second error is returned.
type ErrorStateProvider interface {
	provider.Provider
	ErrorState() provider.StateID
}

// Option configures an Engine.
type Option func(*Engine)

// WithWedgeTimeout overrides the default 30s effect wedge-detection timeout.
func WithWedgeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.wedge = d }
}

// WithLogger attaches a logger the engine reports wedged effects to.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine drives a single pod's state machine. The dispatcher constructs
// one Engine per pod UID and calls Run in its own goroutine.
type Engine struct {
	prov  provider.Provider
	wedge time.Duration
	log   *zap.SugaredLogger

	mu      sync.Mutex
	stop    context.CancelFunc
	stopped bool
}

// New returns an Engine driving pods through prov's state graph.
func New(prov provider.Provider, opts ...Option) *Engine {
	e := &Engine{prov: prov, wedge: defaultWedgeTimeout, log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stop cancels the context passed to whatever Effect is currently
// running, asking the provider's in-flight state (typically Running) to
// wind down. It does not cancel the ctx given to Run, so the transitions
// that follow (a provider's Terminating cleanup) still see a live
// context. Stop is idempotent and safe to call while no Effect is
// running, in which case the next Effect (and any after it) starts
// already cancelled.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop := e.stop
	e.stopped = true
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Run drives pods through prov's state graph starting at prov.InitialState,
// until a transition returns ResultComplete, a fatal ResultError with no
// ErrorStateProvider re-entry left to try, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, shared *provider.SharedContext, pods PodSource) error {
	state := e.prov.InitialState()
	triedErrorState := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pod, ok := pods.Get(ctx)
		if !ok {
			return fmt.Errorf("statemachine: %s: no pod spec available", shared.PodUID)
		}

		result := e.prov.Transition(ctx, state, shared, pod)

		if result.Kind == provider.ResultNext {
			if err := e.runEffect(ctx, state, result.Effect); err != nil {
				result = provider.ErrorResult(err)
			} else {
				state = result.NextState
				continue
			}
		}

		switch result.Kind {
		case provider.ResultTransition:
			state = result.NextState

		case provider.ResultComplete:
			return nil

		case provider.ResultError:
			shared.Status.SetPhase(corev1.PodFailed)
			errProv, hasErrorState := e.prov.(ErrorStateProvider)
			if triedErrorState || !hasErrorState {
				return result.Err
			}
			triedErrorState = true
			e.log.Errorw("pod transition failed, entering provider error state", "podUID", shared.PodUID, "state", state, "error", result.Err)
			state = errProv.ErrorState()

		default:
			return fmt.Errorf("statemachine: %s: state %q returned unknown result kind %d", shared.PodUID, state, result.Kind)
		}
	}
}

// runEffect runs effect in its own goroutine against a context derived
// from ctx that Stop can cancel independently. An Effect that has not
// been cancelled runs for as long as it needs; once ctx or Stop cancels
// it, the wedge timeout bounds how long the engine waits for it to
// return: a well-behaved Effect treats cancellation as a prompt return,
// so the wedge timer firing after cancellation means the provider
// ignored it.
func (e *Engine) runEffect(ctx context.Context, state provider.StateID, effect provider.Effect) error {
	effectCtx, stop := context.WithCancel(ctx)
	e.mu.Lock()
	e.stop = stop
	if e.stopped {
		stop()
	}
	e.mu.Unlock()
	defer stop()

	done := make(chan error, 1)
	go func() { done <- effect(effectCtx) }()

	select {
	case err := <-done:
		return err
	case <-effectCtx.Done():
		select {
		case err := <-done:
			return err
		case <-time.After(e.wedge):
			e.log.Errorw("provider effect ignored cancellation past wedge timeout", "state", state, "timeout", e.wedge)
			return fmt.Errorf("statemachine: state %q effect wedged past %s after cancellation", state, e.wedge)
		}
	}
}

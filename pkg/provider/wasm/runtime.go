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
	"errors"
	"fmt"
	"sync"
	"time"

	v1alpha1 "github.com/krustlet/krustlet/pkg/apis/krustlet/v1alpha1"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"

	corev1 "k8s.io/api/core/v1"
)

// exitPollInterval is how often waitForUnhandledExit re-scans the instance
// table while every tracked container is already marked handled, so a
// just-restarted container's fresh exited channel is picked up promptly.
const exitPollInterval = 50 * time.Millisecond

// containerInstance is one running (or exited) WASM module for a
// container within a pod.
type containerInstance struct {
	name      string
	module    wazero.CompiledModule
	logBuffer *logBuffer
	cancel    context.CancelFunc
	exited    chan struct{}
	exitCode  int32
	exitErr   error
}

// podInstances tracks every container instance belonging to one pod UID.
type podInstances struct {
	mu         sync.Mutex
	containers map[string]*containerInstance
	restarts   map[string]int32
}

func newPodInstances() *podInstances {
	return &podInstances{
		containers: map[string]*containerInstance{},
		restarts:   map[string]int32{},
	}
}

// incrementRestart records one more restart of the named container and
// returns its new restart count.
func (p *podInstances) incrementRestart(name string) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts[name]++
	return p.restarts[name]
}

func (p *podInstances) put(name string, c *containerInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.containers[name] = c
}

func (p *podInstances) container(name string) (*containerInstance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[name]
	return c, ok
}

func (p *podInstances) snapshot() []*containerInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*containerInstance, 0, len(p.containers))
	for _, c := range p.containers {
		out = append(out, c)
	}
	return out
}

// waitForUnhandledExit blocks until some tracked container not already
// present in handled exits, returning that instance, or returns (nil,
// false) once ctx is cancelled. The Running state's effect loop uses this
// to apply restartPolicy to each exit exactly once: handled is keyed by
// instance identity, not container name, so a freshly restarted instance
// (a new *containerInstance put under the same name) is still eligible.
func (p *podInstances) waitForUnhandledExit(ctx context.Context, handled map[*containerInstance]bool) (*containerInstance, bool) {
	for {
		cases := p.snapshot()
		var pending []*containerInstance
		for _, c := range cases {
			select {
			case <-c.exited:
				if !handled[c] {
					return c, true
				}
			default:
				pending = append(pending, c)
			}
		}
		if len(pending) == 0 {
			select {
			case <-ctx.Done():
				return nil, false
			case <-time.After(exitPollInterval):
				continue
			}
		}

		done := make(chan struct{})
		var once sync.Once
		signal := func() { once.Do(func() { close(done) }) }
		for _, c := range pending {
			go func(c *containerInstance) {
				select {
				case <-c.exited:
					signal()
				case <-ctx.Done():
				}
			}(c)
		}
		select {
		case <-done:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// anyFailed reports whether any container in the pod exited with a
// non-zero code, used to decide the pod's terminal phase.
func (p *podInstances) anyFailed() bool {
	for _, c := range p.snapshot() {
		select {
		case <-c.exited:
			if c.exitCode != 0 {
				return true
			}
		default:
		}
	}
	return false
}

// stopAll signals every running module to stop via its cancellation
// context and waits briefly for each to actually exit.
func (p *podInstances) stopAll(ctx context.Context) {
	for _, c := range p.snapshot() {
		select {
		case <-c.exited:
			continue
		default:
		}
		c.cancel()
		select {
		case <-c.exited:
		case <-ctx.Done():
		}
	}
}

func (p *Provider) startContainer(ctx context.Context, spec corev1.Container, blob *v1alpha1.Blob) (*containerInstance, error) {
	compiled, err := p.runtime.CompileModule(ctx, blob.Bytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	buf := newLogBuffer()
	instCtx, cancel := context.WithCancel(ctx)
	c := &containerInstance{
		name:      spec.Name,
		module:    compiled,
		logBuffer: buf,
		cancel:    cancel,
		exited:    make(chan struct{}),
	}

	cfg := wazero.NewModuleConfig().
		WithStdout(buf).
		WithStderr(buf).
		WithArgs(append([]string{spec.Name}, spec.Args...)...)
	for _, e := range spec.Env {
		cfg = cfg.WithEnv(e.Name, e.Value)
	}

	go func() {
		defer close(c.exited)
		mod, runErr := p.runtime.InstantiateModule(instCtx, compiled, cfg)
		if mod != nil {
			defer mod.Close(instCtx)
		}
		c.exitCode, c.exitErr = exitCodeOf(runErr)
	}()

	return c, nil
}

// exitCodeOf translates a wazero module-run error into a container exit
// code: wazero surfaces a WASI proc_exit status as a sys.ExitError, and
// any other error is treated as a non-zero crash.
func exitCodeOf(err error) (int32, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode()), nil
	}
	return 1, err
}

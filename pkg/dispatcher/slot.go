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

package dispatcher

import (
	"context"
	"sync"

	corev1 "k8s.io/api/core/v1"
)

// Slot is a single-slot, latest-value holder for one pod UID's most
// recently observed spec. The watch loop calls Put every time a new
// version arrives; Put never blocks and only the newest value survives.
// A state machine engine calls Get once per transition tick to pick up
// whatever is newest at that moment, so a burst of updates while the
// engine is busy collapses into a single read, matching the data model's
// "single-writer channel" concurrency note.
type Slot struct {
	mu      sync.Mutex
	value   *corev1.Pod
	updated chan struct{}
}

// NewSlot returns a Slot seeded with the pod that caused its creation.
func NewSlot(initial *corev1.Pod) *Slot {
	return &Slot{value: initial, updated: make(chan struct{})}
}

// Put replaces the slot's value and wakes any Wait callers. It never blocks.
func (s *Slot) Put(pod *corev1.Pod) {
	s.mu.Lock()
	s.value = pod
	old := s.updated
	s.updated = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

// Get returns the current value. ok is false only when no value has ever
// been put, which does not happen for a Slot obtained from NewSlot.
func (s *Slot) Get(ctx context.Context) (*corev1.Pod, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.value != nil
}

// Wait blocks until the next Put after this call begins, or ctx is
// cancelled, then returns the latest value.
func (s *Slot) Wait(ctx context.Context) (*corev1.Pod, bool) {
	s.mu.Lock()
	ch := s.updated
	s.mu.Unlock()

	select {
	case <-ch:
		return s.Get(ctx)
	case <-ctx.Done():
		return nil, false
	}
}

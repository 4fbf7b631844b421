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

// Package dispatcher watches the pods assigned to this node and
// demultiplexes the watch stream to one long-lived actor per pod UID. It
// is the thing that keeps the "at most one state machine per pod UID"
// invariant: a Dispatcher launches Run exactly once per UID and, for the
// lifetime of that pod, only ever calls Slot.Put to deliver later
// updates, never a second Run.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/krustlet/krustlet/pkg/backoff"

	"go.uber.org/zap"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

// relistBackoff governs the delay between failed (re)list attempts and
// between a watch ending and the next relist.
var relistBackoff = backoff.Policy{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, JitterFrac: 0.2}

// defaultGracePeriod is used when a deleted pod carries no
// DeletionGracePeriodSeconds, matching the kubelet's own default.
const defaultGracePeriod = 30 * time.Second

// RunFunc launches and drives one pod's state machine for the lifetime of
// one UID. ctx is cancelled when the Dispatcher itself is stopped or when
// a relist no longer includes the pod's UID; grace is cancelled once the pod's deletion grace period elapses so
// RunFunc can ask its engine to wind down the running workload while
// still using ctx for any cleanup transitions that follow. RunFunc must
// return once the pod is fully torn down so the Dispatcher can forget it.
type RunFunc func(ctx context.Context, grace context.Context, uid string, pods *Slot)

// Dispatcher watches pods scheduled to one node and drives exactly one
// RunFunc invocation per pod UID.
type Dispatcher struct {
	client   kubernetes.Interface
	nodeName string
	log      *zap.SugaredLogger
	run      RunFunc

	mu     sync.Mutex
	active map[string]*handle
}

type handle struct {
	slot       *Slot
	cancelRun  context.CancelFunc
	cancelGrace context.CancelFunc
	graceTimer *time.Timer
	done       chan struct{}
}

// New returns a Dispatcher that will call run exactly once per pod UID
// scheduled to nodeName.
func New(client kubernetes.Interface, nodeName string, log *zap.SugaredLogger, run RunFunc) *Dispatcher {
	return &Dispatcher{
		client:   client,
		nodeName: nodeName,
		log:      log,
		run:      run,
		active:   map[string]*handle{},
	}
}

// Run drives the watch loop until ctx is cancelled: it lists the node's
// current pods, dispatches each, then watches from the list's resource
// version. A watch that ends (including an Expired/"too old resource
// version" error, which arrives as a watch.Error event with no Bookmark)
// triggers a fresh relist after relistBackoff, since a plain re-watch from
// a stale resourceVersion would otherwise fail again immediately.
func (d *Dispatcher) Run(ctx context.Context) error {
	b := backoff.New(relistBackoff)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		rv, err := d.relist(ctx)
		if err != nil {
			d.log.Errorw("dispatcher: list pods failed", "error", err)
			if !sleepOrDone(ctx, b.Next()) {
				return nil
			}
			continue
		}
		b.Reset()

		if err := d.watch(ctx, rv); err != nil {
			d.log.Warnw("dispatcher: watch ended, relisting", "error", err)
			if !sleepOrDone(ctx, b.Next()) {
				return nil
			}
		}
	}
}

func (d *Dispatcher) listWatch() *cache.ListWatch {
	selector := fields.OneTermEqualSelector("spec.nodeName", d.nodeName).String()
	return cache.NewListWatchFromClient(d.client.CoreV1().RESTClient(), "pods", metav1.NamespaceAll, fields.ParseSelectorOrDie(selector))
}

func (d *Dispatcher) relist(ctx context.Context) (string, error) {
	list, err := d.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", d.nodeName).String(),
	})
	if err != nil {
		return "", fmt.Errorf("list pods for node %s: %w", d.nodeName, err)
	}

	seen := map[string]bool{}
	for i := range list.Items {
		pod := &list.Items[i]
		seen[string(pod.UID)] = true
		d.dispatch(ctx, pod)
	}
	d.forgetMissing(seen)

	return list.ResourceVersion, nil
}

func (d *Dispatcher) watch(ctx context.Context, resourceVersion string) error {
	w, err := d.listWatch().WatchFunc(metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
	})
	if err != nil {
		return fmt.Errorf("watch pods for node %s: %w", d.nodeName, err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.ResultChan():
			if !ok {
				return fmt.Errorf("watch channel closed")
			}
			switch event.Type {
			case watch.Added, watch.Modified:
				pod, ok := event.Object.(*corev1.Pod)
				if !ok {
					continue
				}
				d.dispatch(ctx, pod)
			case watch.Deleted:
				pod, ok := event.Object.(*corev1.Pod)
				if !ok {
					continue
				}
				d.delete(string(pod.UID), pod)
			case watch.Bookmark:
				// No state change; the resource version merely advanced.
			case watch.Error:
				return fmt.Errorf("watch error event: %v", event.Object)
			}
		}
	}
}

// dispatch routes pod to its existing handle, or launches a new one if
// this is the first time this UID has been seen, preserving "at most one
// RunFunc invocation per pod UID" for the lifetime of the Dispatcher.
func (d *Dispatcher) dispatch(ctx context.Context, pod *corev1.Pod) {
	if pod.Spec.NodeName != d.nodeName {
		return
	}
	uid := string(pod.UID)

	d.mu.Lock()
	h, exists := d.active[uid]
	if exists {
		d.mu.Unlock()
		h.slot.Put(pod)
		if pod.DeletionTimestamp != nil {
			d.scheduleGrace(h, pod)
		}
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	graceCtx, cancelGrace := context.WithCancel(runCtx)
	h = &handle{
		slot:        NewSlot(pod),
		cancelRun:   cancelRun,
		cancelGrace: cancelGrace,
		done:        make(chan struct{}),
	}
	d.active[uid] = h
	d.mu.Unlock()

	go func() {
		defer close(h.done)
		defer d.forget(uid)
		d.run(runCtx, graceCtx, uid, h.slot)
	}()
}

// scheduleGrace starts (once) the grace-period timer that cancels the
// handle's grace context, asking its state machine to stop its running
// workload without tearing down the context used for cleanup transitions.
func (d *Dispatcher) scheduleGrace(h *handle, pod *corev1.Pod) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.graceTimer != nil {
		return
	}
	grace := defaultGracePeriod
	if pod.DeletionGracePeriodSeconds != nil {
		grace = time.Duration(*pod.DeletionGracePeriodSeconds) * time.Second
	}
	h.graceTimer = time.AfterFunc(grace, h.cancelGrace)
}

func (d *Dispatcher) delete(uid string, pod *corev1.Pod) {
	d.mu.Lock()
	h, exists := d.active[uid]
	d.mu.Unlock()
	if !exists {
		return
	}
	h.slot.Put(pod)
	d.scheduleGrace(h, pod)
}

func (d *Dispatcher) forget(uid string) {
	d.mu.Lock()
	if h, ok := d.active[uid]; ok {
		if h.graceTimer != nil {
			h.graceTimer.Stop()
		}
		h.cancelRun()
		delete(d.active, uid)
	}
	d.mu.Unlock()
}

// forgetMissing cancels and drops any active handle for a UID that did
// not appear in the most recent relist, e.g. a delete event missed during
// a watch gap.
func (d *Dispatcher) forgetMissing(seen map[string]bool) {
	d.mu.Lock()
	var stale []string
	for uid := range d.active {
		if !seen[uid] {
			stale = append(stale, uid)
		}
	}
	d.mu.Unlock()
	for _, uid := range stale {
		d.forget(uid)
	}
}

// Active reports how many pod state machines are currently running,
// mainly for diagnostics and tests.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

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

// Package csivolume stages and publishes CSI-backed volumes for pods,
// implementing pkg/provider/wasm.VolumeMounter. It holds no opinion about
// how a driver's socket was discovered; pkg/plugin registers and
// unregisters endpoints in a DriverSet as it discovers and loses plugins.
package csivolume

import "sync"

// DriverSet tracks the Unix-domain-socket endpoint each registered CSI
// driver is currently reachable at.
type DriverSet struct {
	mu        sync.RWMutex
	endpoints map[string]string
}

// NewDriverSet returns an empty DriverSet.
func NewDriverSet() *DriverSet {
	return &DriverSet{endpoints: map[string]string{}}
}

// Register records that driver name is reachable at endpoint, replacing
// any previous endpoint for the same name.
func (d *DriverSet) Register(name, endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[name] = endpoint
}

// Unregister removes a driver's endpoint, e.g. when its socket disappears.
func (d *DriverSet) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.endpoints, name)
}

// Endpoint returns the socket path driver name last registered at.
func (d *DriverSet) Endpoint(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.endpoints[name]
	return ep, ok
}

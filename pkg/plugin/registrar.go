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

// Package plugin discovers CSI and device plugin sockets dropped into a
// well-known directory and runs the kubelet plugin registration
// handshake against each: GetInfo to learn the plugin's type, name and
// serving endpoint, then NotifyRegistrationStatus to tell it whether it
// was accepted. Accepted sockets are handed off to pkg/csivolume or
// pkg/deviceplugin, whichever their declared type names.
package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	v1alpha1 "github.com/krustlet/krustlet/pkg/apis/krustlet/v1alpha1"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	corev1 "k8s.io/api/core/v1"
	registerapi "k8s.io/kubelet/pkg/apis/pluginregistration/v1"
)

// SupportedVersion is the only plugin registration API version this
// registrar accepts.
const SupportedVersion = "v1"

// CSIRegistrar accepts newly discovered CSI driver endpoints; satisfied
// by pkg/csivolume.DriverSet.
type CSIRegistrar interface {
	Register(name, endpoint string)
	Unregister(name string)
}

// DeviceRegistrar accepts newly discovered device plugin endpoints;
// satisfied by pkg/deviceplugin.Manager.
type DeviceRegistrar interface {
	Register(ctx context.Context, resourceName corev1.ResourceName, endpoint string) error
	Unregister(resourceName corev1.ResourceName)
}

// Registrar watches a directory of plugin registration sockets and
// dispatches each to the CSI or device plugin subsystem.
type Registrar struct {
	dir     string
	log     *zap.SugaredLogger
	csi     CSIRegistrar
	devices DeviceRegistrar

	mu      sync.Mutex
	plugins map[string]v1alpha1.Plugin // socket path -> what was registered there
}

// NewRegistrar returns a Registrar that watches dir for plugin sockets.
func NewRegistrar(dir string, log *zap.SugaredLogger, csi CSIRegistrar, devices DeviceRegistrar) *Registrar {
	return &Registrar{
		dir:     dir,
		log:     log,
		csi:     csi,
		devices: devices,
		plugins: map[string]v1alpha1.Plugin{},
	}
}

// Run watches the registration directory until ctx is cancelled. It first
// processes every socket already present, then reacts to fsnotify events
// for ones that appear or disappear afterward.
func (r *Registrar) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("plugin: create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("plugin: watch %s: %w", r.dir, err)
	}

	existing, err := filepath.Glob(filepath.Join(r.dir, "*.sock"))
	if err != nil {
		return fmt.Errorf("plugin: glob %s: %w", r.dir, err)
	}
	for _, sock := range existing {
		r.handleCreate(ctx, sock)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("plugin: fsnotify watcher closed")
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				r.handleCreate(ctx, event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				r.handleRemove(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("plugin: fsnotify watcher closed")
			}
			r.log.Warnw("plugin: fsnotify error", "error", err)
		}
	}
}

func (r *Registrar) handleCreate(ctx context.Context, sock string) {
	info, err := r.getInfo(ctx, sock)
	if err != nil {
		r.log.Errorw("plugin: GetInfo failed", "socket", sock, "error", err)
		return
	}

	acceptErr := r.dispatch(ctx, info)
	status := &registerapi.RegistrationStatus{PluginRegistered: acceptErr == nil}
	if acceptErr != nil {
		status.Error = acceptErr.Error()
	}
	r.notify(ctx, sock, status)
	if acceptErr != nil {
		r.log.Errorw("plugin: rejected registration", "socket", sock, "name", info.Name, "error", acceptErr)
		return
	}

	endpoint := info.Endpoint
	if endpoint == "" {
		endpoint = sock
	}
	r.mu.Lock()
	r.plugins[sock] = v1alpha1.Plugin{
		Name:             info.Name,
		Type:             v1alpha1.PluginType(info.Type),
		Endpoint:         endpoint,
		SupportedVersion: SupportedVersion,
		SocketPath:       sock,
	}
	r.mu.Unlock()
	r.log.Infow("plugin: registered", "name", info.Name, "type", info.Type, "endpoint", endpoint)
}

func (r *Registrar) handleRemove(sock string) {
	r.mu.Lock()
	p, ok := r.plugins[sock]
	delete(r.plugins, sock)
	r.mu.Unlock()
	if !ok {
		return
	}
	switch p.Type {
	case v1alpha1.PluginTypeCSI:
		r.csi.Unregister(p.Name)
	case v1alpha1.PluginTypeDevice:
		r.devices.Unregister(corev1.ResourceName(p.Name))
	}
	r.log.Infow("plugin: unregistered", "name", p.Name, "type", p.Type)
}

func (r *Registrar) getInfo(ctx context.Context, sock string) (*registerapi.PluginInfo, error) {
	conn, err := grpc.DialContext(ctx, "unix://"+sock, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sock, err)
	}
	defer conn.Close()

	client := registerapi.NewRegistrationClient(conn)
	return client.GetInfo(ctx, &registerapi.InfoRequest{})
}

func (r *Registrar) notify(ctx context.Context, sock string, status *registerapi.RegistrationStatus) {
	conn, err := grpc.DialContext(ctx, "unix://"+sock, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		r.log.Warnw("plugin: could not notify registration status", "socket", sock, "error", err)
		return
	}
	defer conn.Close()

	client := registerapi.NewRegistrationClient(conn)
	if _, err := client.NotifyRegistrationStatus(ctx, status); err != nil {
		r.log.Warnw("plugin: NotifyRegistrationStatus failed", "socket", sock, "error", err)
	}
}

func (r *Registrar) dispatch(ctx context.Context, info *registerapi.PluginInfo) error {
	if !supportsVersion(info.SupportedVersions) {
		return fmt.Errorf("plugin %s does not support registration version %s", info.Name, SupportedVersion)
	}
	endpoint := info.Endpoint
	if endpoint == "" {
		return fmt.Errorf("plugin %s reported no endpoint", info.Name)
	}
	switch v1alpha1.PluginType(info.Type) {
	case v1alpha1.PluginTypeCSI:
		r.csi.Register(info.Name, endpoint)
		return nil
	case v1alpha1.PluginTypeDevice:
		return r.devices.Register(ctx, corev1.ResourceName(info.Name), endpoint)
	default:
		return fmt.Errorf("plugin %s has unknown type %q", info.Name, info.Type)
	}
}

func supportsVersion(versions []string) bool {
	for _, v := range versions {
		if v == SupportedVersion {
			return true
		}
	}
	return false
}

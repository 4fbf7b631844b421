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

// Package ociregistry pulls WASM module blobs by image reference from an
// OCI-compatible registry, with a "fs://" local-filesystem fallback for
// development builds.
package ociregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	v1alpha1 "github.com/krustlet/krustlet/pkg/apis/krustlet/v1alpha1"
	"github.com/krustlet/krustlet/pkg/apierrors"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
)

const localPrefix = "fs://"

// Client pulls module blobs by reference.
type Client struct {
	allowLocalModules bool
	userAgent         string
	credentials       func(registryHost string) (username, password string)
}

// New returns a Client. allowLocalModules gates the "fs://" reference
// scheme, which --x-allow-local-modules enables for development. userAgent
// is sent on every registry request.
func New(allowLocalModules bool, userAgent string) *Client {
	return &Client{allowLocalModules: allowLocalModules, userAgent: userAgent}
}

// WithCredentials installs a lookup function used to authenticate against
// a given registry host. Without one, registry requests are anonymous;
// cmd/krustlet/main.go does not install one.
func (c *Client) WithCredentials(f func(registryHost string) (username, password string)) *Client {
	c.credentials = f
	return c
}

// Pull fetches the module blob named by ref, which is either a standard
// OCI image reference (registry/repo:tag or @digest) or, when
// allowLocalModules is set, a "fs://" path to a local WASM file.
func (c *Client) Pull(ctx context.Context, ref string) (*v1alpha1.Blob, error) {
	if strings.HasPrefix(ref, localPrefix) {
		if !c.allowLocalModules {
			return nil, apierrors.New(apierrors.KindConfig, "pull module", fmt.Errorf("fs:// references require --x-allow-local-modules: %s", ref))
		}
		return c.pullLocal(ref)
	}
	return c.pullRemote(ctx, ref)
}

func (c *Client) pullLocal(ref string) (*v1alpha1.Blob, error) {
	path := strings.TrimPrefix(ref, localPrefix)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierrors.New(apierrors.KindImagePull, "read local module", err)
	}
	return &v1alpha1.Blob{
		Digest:    digestOf(data),
		MediaType: "application/wasm",
		Size:      int64(len(data)),
		Bytes:     data,
	}, nil
}

func (c *Client) pullRemote(ctx context.Context, ref string) (*v1alpha1.Blob, error) {
	parsed, err := registry.ParseReference(ref)
	if err != nil {
		return nil, apierrors.New(apierrors.KindConfig, "parse image reference", err)
	}

	repo, err := remote.NewRepository(parsed.String())
	if err != nil {
		return nil, apierrors.New(apierrors.KindConfig, "build registry repository", err)
	}
	repo.Client = c.authClient(parsed.Registry)

	manifestDesc, err := repo.Resolve(ctx, parsed.Reference)
	if err != nil {
		return nil, apierrors.New(apierrors.KindImagePull, "resolve image reference", err)
	}

	manifest, err := fetchManifest(ctx, repo, manifestDesc)
	if err != nil {
		return nil, err
	}
	if len(manifest.Layers) == 0 {
		return nil, apierrors.New(apierrors.KindImagePull, "pull module", fmt.Errorf("manifest for %s has no layers", ref))
	}

	layer := manifest.Layers[0]
	rc, err := repo.Fetch(ctx, layer)
	if err != nil {
		return nil, apierrors.New(apierrors.KindImagePull, "fetch layer blob", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, layer.Size))
	if err != nil {
		return nil, apierrors.New(apierrors.KindImagePull, "read layer blob", err)
	}

	return &v1alpha1.Blob{
		Digest:    v1alpha1.ModuleDigest(layer.Digest.String()),
		MediaType: layer.MediaType,
		Size:      layer.Size,
		Bytes:     data,
	}, nil
}

func fetchManifest(ctx context.Context, repo *remote.Repository, desc ocispec.Descriptor) (*ocispec.Manifest, error) {
	rc, err := repo.Fetch(ctx, desc)
	if err != nil {
		return nil, apierrors.New(apierrors.KindImagePull, "fetch manifest", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, desc.Size))
	if err != nil {
		return nil, apierrors.New(apierrors.KindImagePull, "read manifest", err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, apierrors.New(apierrors.KindImagePull, "parse manifest", err)
	}
	return &manifest, nil
}

func digestOf(data []byte) v1alpha1.ModuleDigest {
	return v1alpha1.ModuleDigest(digest.Canonical.FromBytes(data).String())
}

func (c *Client) authClient(registryHost string) *auth.Client {
	client := &auth.Client{
		Cache:    auth.NewCache(),
		ClientID: c.userAgent,
	}
	client.SetUserAgent(c.userAgent)
	if c.credentials != nil {
		user, pass := c.credentials(registryHost)
		client.Credential = auth.StaticCredential(registryHost, auth.Credential{Username: user, Password: pass})
	}
	return client
}

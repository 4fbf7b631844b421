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

// Package blobstore is the content-addressed on-disk cache of fetched
// WASM module blobs: one file per digest, deduplicated across concurrent
// pullers of the same digest.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	v1alpha1 "github.com/krustlet/krustlet/pkg/apis/krustlet/v1alpha1"
	"github.com/krustlet/krustlet/pkg/apierrors"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves the bytes for a digest from wherever the module
// actually lives (an OCI registry, a local filesystem path); the store
// calls it at most once per digest regardless of how many callers ask
// for that digest concurrently.
type Fetcher func(ctx context.Context, d v1alpha1.ModuleDigest) (mediaType string, data []byte, err error)

// Store is a digest-keyed cache of module blobs under a root directory.
// Concurrent Get calls for the same digest coalesce into a single
// Fetcher invocation via golang.org/x/sync/singleflight, mirroring the
// single-flight pattern spec.md assigns to image pulls.
type Store struct {
	root  string
	group singleflight.Group
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apierrors.New(apierrors.KindImagePull, "create blob store", err)
	}
	return &Store{root: dir}, nil
}

// Get returns the cached blob for digest d, calling fetch to populate the
// cache on a miss. Two concurrent Get calls for the same digest result in
// exactly one call to fetch.
func (s *Store) Get(ctx context.Context, d v1alpha1.ModuleDigest, fetch Fetcher) (*v1alpha1.Blob, error) {
	if blob, err := s.read(d); err == nil {
		return blob, nil
	}

	v, err, _ := s.group.Do(string(d), func() (interface{}, error) {
		if blob, err := s.read(d); err == nil {
			return blob, nil
		}
		mediaType, data, err := fetch(ctx, d)
		if err != nil {
			return nil, err
		}
		if err := verifyDigest(d, data); err != nil {
			return nil, err
		}
		if err := s.write(d, data); err != nil {
			return nil, err
		}
		return &v1alpha1.Blob{Digest: d, MediaType: mediaType, Size: int64(len(data)), Bytes: data}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*v1alpha1.Blob), nil
}

// Has reports whether digest d is already cached, without fetching it.
func (s *Store) Has(d v1alpha1.ModuleDigest) bool {
	_, err := os.Stat(s.path(d))
	return err == nil
}

func (s *Store) path(d v1alpha1.ModuleDigest) string {
	return filepath.Join(s.root, sanitize(string(d)))
}

func sanitize(digestStr string) string {
	out := make([]byte, 0, len(digestStr))
	for i := 0; i < len(digestStr); i++ {
		c := digestStr[i]
		if c == ':' {
			c = '-'
		}
		out = append(out, c)
	}
	return string(out)
}

func (s *Store) read(d v1alpha1.ModuleDigest) (*v1alpha1.Blob, error) {
	data, err := os.ReadFile(s.path(d))
	if err != nil {
		return nil, err
	}
	return &v1alpha1.Blob{Digest: d, Size: int64(len(data)), Bytes: data}, nil
}

func (s *Store) write(d v1alpha1.ModuleDigest, data []byte) error {
	tmp, err := os.CreateTemp(s.root, "blob-*.tmp")
	if err != nil {
		return apierrors.New(apierrors.KindImagePull, "create temp blob", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apierrors.New(apierrors.KindImagePull, "write temp blob", err)
	}
	if err := tmp.Close(); err != nil {
		return apierrors.New(apierrors.KindImagePull, "close temp blob", err)
	}
	if err := os.Rename(tmpPath, s.path(d)); err != nil {
		return apierrors.New(apierrors.KindImagePull, "rename temp blob", err)
	}
	return nil
}

func verifyDigest(want v1alpha1.ModuleDigest, data []byte) error {
	algo := digest.Canonical
	got := algo.FromBytes(data)
	if got.String() != string(want) {
		return apierrors.New(apierrors.KindImagePull, "verify digest", fmt.Errorf("digest mismatch: want %s, got %s", want, got))
	}
	return nil
}

// Copy streams the cached blob for d to w without loading it into memory.
// It does not fetch on a miss: an uncached digest is an error.
func (s *Store) Copy(d v1alpha1.ModuleDigest, w io.Writer) error {
	f, err := os.Open(s.path(d))
	if err != nil {
		return apierrors.New(apierrors.KindImagePull, "open cached blob", err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

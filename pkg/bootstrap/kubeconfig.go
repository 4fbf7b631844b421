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

package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/krustlet/krustlet/pkg/apierrors"

	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"k8s.io/client-go/tools/clientcmd"
)

// loadKubeconfig reads and parses the kubeconfig at path, returning
// (nil, nil) if the file does not exist yet.
func loadKubeconfig(path string) (*clientcmdapi.Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.New(apierrors.KindCredential, "read kubeconfig", err)
	}
	cfg, err := clientcmd.Load(data)
	if err != nil {
		return nil, apierrors.New(apierrors.KindCredential, "parse kubeconfig", err)
	}
	return cfg, nil
}

// hasClientCertificate reports whether cfg already carries a non-empty
// client certificate for its current context, the signal that a previous
// EnsureNodeCredentials call already completed.
func hasClientCertificate(cfg *clientcmdapi.Config) bool {
	if cfg == nil {
		return false
	}
	var authInfo *clientcmdapi.AuthInfo
	ok := false
	if ctx, found := cfg.Contexts[cfg.CurrentContext]; found {
		authInfo, ok = cfg.AuthInfos[ctx.AuthInfo]
	}
	if !ok {
		for _, a := range cfg.AuthInfos {
			authInfo = a
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	return len(authInfo.ClientCertificateData) > 0 || authInfo.ClientCertificate != ""
}

// writeKubeconfig atomically persists cfg at path with mode 0600: it is
// written to a sibling temp file and renamed into place so a crash mid
// write never leaves a half-written kubeconfig for the next start to trip
// over.
func writeKubeconfig(path string, cfg *clientcmdapi.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apierrors.New(apierrors.KindCredential, "mkdir kubeconfig dir", err)
	}
	data, err := clientcmd.Write(*cfg)
	if err != nil {
		return apierrors.New(apierrors.KindCredential, "serialize kubeconfig", err)
	}
	return atomicWriteFile(path, data, kubeconfigMode)
}

// atomicWriteFile writes data to a temp file in the same directory as path
// and renames it over path, so concurrent readers (or a crash) never
// observe a partially written file.
func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return apierrors.New(apierrors.KindCredential, "mkdir", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return apierrors.New(apierrors.KindCredential, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apierrors.New(apierrors.KindCredential, "write temp file", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return apierrors.New(apierrors.KindCredential, "chmod temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return apierrors.New(apierrors.KindCredential, "close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return apierrors.New(apierrors.KindCredential, "rename temp file", fmt.Errorf("%s -> %s: %w", tmpPath, path, err))
	}
	return nil
}

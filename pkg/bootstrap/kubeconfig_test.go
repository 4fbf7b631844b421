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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// bootstrapKubeconfigFixture builds a one-shot bootstrap kubeconfig the
// way a cluster's bootstrap-token flow would: a single anonymous cluster
// entry plus a token-authenticated user, mirroring the
// createBootstrapToken/createBootstrapKubeconfig shape a cluster-side
// bootstrap controller produces.
func bootstrapKubeconfigFixture(server, token string) *clientcmdapi.Config {
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters["bootstrap"] = &clientcmdapi.Cluster{
		Server:                   server,
		CertificateAuthorityData: []byte("fake-ca-data"),
	}
	cfg.AuthInfos[""] = &clientcmdapi.AuthInfo{Token: token}
	cfg.Contexts["bootstrap"] = &clientcmdapi.Context{Cluster: "bootstrap", AuthInfo: ""}
	cfg.CurrentContext = "bootstrap"
	return cfg
}

func TestHasClientCertificate(t *testing.T) {
	assert.False(t, hasClientCertificate(nil))

	bootstrapCfg := bootstrapKubeconfigFixture("https://example:6443", "abc.def")
	assert.False(t, hasClientCertificate(bootstrapCfg))

	withCert := bootstrapKubeconfigFixture("https://example:6443", "")
	withCert.AuthInfos[""].ClientCertificateData = []byte("cert")
	assert.True(t, hasClientCertificate(withCert))
}

func TestWriteAndLoadKubeconfigRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "kubeconfig")

	cfg := buildKubeconfig(bootstrapKubeconfigFixture("https://example:6443", "abc.def"), "worker-1", []byte("cert-pem"), []byte("key-pem"))
	require.NoError(t, writeKubeconfig(path, cfg))

	loaded, err := loadKubeconfig(path)
	require.NoError(t, err)
	require.True(t, hasClientCertificate(loaded))
	assert.Equal(t, "https://example:6443", currentCluster(loaded).Server)
}

func TestLoadKubeconfig_MissingFileIsNotError(t *testing.T) {
	cfg, err := loadKubeconfig(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestCurrentCluster_FallsBackToFirstWhenNoCurrentContext(t *testing.T) {
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters["only"] = &clientcmdapi.Cluster{Server: "https://only:6443"}

	assert.Equal(t, "https://only:6443", currentCluster(cfg).Server)
}

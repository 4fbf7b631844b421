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
	"context"
	"fmt"
	"os"

	"github.com/krustlet/krustlet/pkg/apierrors"

	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"k8s.io/client-go/tools/clientcmd"
	certificatesv1client "k8s.io/client-go/kubernetes/typed/certificates/v1"
)

// EnsureNodeCredentials turns the one-shot bootstrap kubeconfig at
// bootstrapPath into a long-lived client certificate for nodeName,
// persisted as a kubeconfig at kubeconfigPath. If kubeconfigPath already
// carries a client certificate, the call is a no-op: it loads and returns
// that kubeconfig instead of submitting a new CSR.
//
// On success the bootstrap file is removed; its one-shot token must not
// be reusable after the node has its own credentials.
func EnsureNodeCredentials(ctx context.Context, bootstrapPath, kubeconfigPath, nodeName string) (*clientcmdapi.Config, error) {
	existing, err := loadKubeconfig(kubeconfigPath)
	if err != nil {
		return nil, err
	}
	if hasClientCertificate(existing) {
		return existing, nil
	}

	bootstrapCfg, err := clientcmd.LoadFromFile(bootstrapPath)
	if err != nil {
		return nil, apierrors.New(apierrors.KindCredential, "load bootstrap kubeconfig", err)
	}

	restCfg, err := clientcmd.NewDefaultClientConfig(*bootstrapCfg, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, apierrors.New(apierrors.KindCredential, "build bootstrap client config", err)
	}

	csrClient, err := certificatesv1client.NewForConfig(restCfg)
	if err != nil {
		return nil, apierrors.New(apierrors.KindCredential, "build CSR client", err)
	}

	req := csrRequest{
		name:       fmt.Sprintf(ClientCSRNamePattern, nodeName),
		commonName: NodeUserPrefix + nodeName,
		group:      NodeGroup,
		usages:     clientCertUsages,
	}
	keyPair, err := newCSR(req)
	if err != nil {
		return nil, err
	}
	if err := submitCSR(ctx, csrClient.CertificateSigningRequests(), req, keyPair.csrPEM); err != nil {
		return nil, err
	}
	certPEM, err := pollCSR(ctx, csrClient.CertificateSigningRequests(), req.name, DefaultBackoff)
	if err != nil {
		return nil, err
	}

	newCfg := buildKubeconfig(bootstrapCfg, nodeName, certPEM, keyPair.keyPEM)
	if err := writeKubeconfig(kubeconfigPath, newCfg); err != nil {
		return nil, err
	}

	if err := os.Remove(bootstrapPath); err != nil && !os.IsNotExist(err) {
		// The credentials are already safely on disk; failing to clean up
		// the one-shot bootstrap file is logged by the caller, not fatal.
		return newCfg, apierrors.New(apierrors.KindCredential, "remove bootstrap file", err)
	}

	return newCfg, nil
}

// buildKubeconfig derives a client kubeconfig from the cluster coordinates
// in bootstrapCfg (server URL, CA data) plus the node's own signed
// certificate and private key.
func buildKubeconfig(bootstrapCfg *clientcmdapi.Config, nodeName string, certPEM, keyPEM []byte) *clientcmdapi.Config {
	cluster := currentCluster(bootstrapCfg)

	const clusterName = "default"
	const userName = "krustlet"
	const contextName = "default"

	out := clientcmdapi.NewConfig()
	out.Clusters[clusterName] = &clientcmdapi.Cluster{
		Server:                   cluster.Server,
		CertificateAuthorityData: cluster.CertificateAuthorityData,
		InsecureSkipTLSVerify:    cluster.InsecureSkipTLSVerify,
	}
	out.AuthInfos[userName] = &clientcmdapi.AuthInfo{
		ClientCertificateData: certPEM,
		ClientKeyData:         keyPEM,
	}
	out.Contexts[contextName] = &clientcmdapi.Context{
		Cluster:  clusterName,
		AuthInfo: userName,
	}
	out.CurrentContext = contextName
	return out
}

// currentCluster returns the Cluster entry a bootstrap kubeconfig's
// current context points at, falling back to the first entry present if
// CurrentContext is unset (bootstrap kubeconfigs built from a
// cluster-info ConfigMap often carry a single, unnamed cluster).
func currentCluster(cfg *clientcmdapi.Config) *clientcmdapi.Cluster {
	if ctx, ok := cfg.Contexts[cfg.CurrentContext]; ok {
		if c, ok := cfg.Clusters[ctx.Cluster]; ok {
			return c
		}
	}
	for _, c := range cfg.Clusters {
		return c
	}
	return clientcmdapi.NewCluster()
}

/*
Copyright 2019 The Machine Controller Authors.

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

// Package clusterinfo resolves the coordinates (server URL, CA data) of
// the cluster krustlet runs against: the public "cluster-info" ConfigMap
// first, falling back to the in-cluster "kubernetes" Service's
// EndpointSlice.
package clusterinfo

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

const (
	configMapName        = "cluster-info"
	kubernetesServiceName = "kubernetes"
	securePortName        = "https"
)

// New builds a KubeconfigProvider using clientConfig's CA data as the
// fallback source of trust when the in-cluster discovery path is used.
func New(clientConfig *rest.Config, kubeClient kubernetes.Interface) *KubeconfigProvider {
	return &KubeconfigProvider{clientConfig: clientConfig, kubeClient: kubeClient}
}

// KubeconfigProvider resolves cluster coordinates with direct API reads
// rather than an informer/lister; every GetKubeconfig call performs a
// fresh lookup.
type KubeconfigProvider struct {
	clientConfig *rest.Config
	kubeClient   kubernetes.Interface
}

// GetKubeconfig returns a minimal kubeconfig carrying just the cluster's
// server URL and CA data.
func (p *KubeconfigProvider) GetKubeconfig(ctx context.Context, log *zap.SugaredLogger) (*clientcmdapi.Config, error) {
	cfg, err := p.getFromConfigMap(ctx)
	if err != nil {
		log.Debugw("could not get cluster-info kubeconfig from configmap, falling back to endpointslice discovery", "error", err)
		return p.buildFromEndpointSlice(ctx)
	}
	return cfg, nil
}

func (p *KubeconfigProvider) getFromConfigMap(ctx context.Context) (*clientcmdapi.Config, error) {
	cm, err := p.kubeClient.CoreV1().ConfigMaps(metav1.NamespacePublic).Get(ctx, configMapName, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	data, found := cm.Data["kubeconfig"]
	if !found {
		return nil, errors.New("no kubeconfig found in cluster-info configmap")
	}
	return clientcmd.Load([]byte(data))
}

func (p *KubeconfigProvider) buildFromEndpointSlice(ctx context.Context) (*clientcmdapi.Config, error) {
	slices, err := p.kubeClient.DiscoveryV1().EndpointSlices(metav1.NamespaceDefault).List(ctx, metav1.ListOptions{
		LabelSelector: discoveryv1.LabelServiceName + "=" + kubernetesServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("list endpointslices for the kubernetes service: %w", err)
	}
	if len(slices.Items) == 0 {
		return nil, errors.New("no endpointslices found for the kubernetes service")
	}

	addr, port, err := firstReadyAddress(slices.Items)
	if err != nil {
		return nil, err
	}

	caData, err := getCAData(p.clientConfig)
	if err != nil {
		return nil, fmt.Errorf("get ca data from client config: %w", err)
	}

	return &clientcmdapi.Config{
		Kind:       "Config",
		APIVersion: "v1",
		Clusters: map[string]*clientcmdapi.Cluster{
			"": {
				Server:                   fmt.Sprintf("https://%s:%d", addr, port),
				CertificateAuthorityData: caData,
			},
		},
	}, nil
}

// firstReadyAddress returns the first address/port pair backed by a Ready
// endpoint across all given slices, skipping any endpoint explicitly
// marked not-ready.
func firstReadyAddress(slices []discoveryv1.EndpointSlice) (string, int32, error) {
	for _, slice := range slices {
		port, ok := securePort(slice.Ports)
		if !ok {
			continue
		}
		for _, ep := range slice.Endpoints {
			if ep.Conditions.Ready != nil && !*ep.Conditions.Ready {
				continue
			}
			if len(ep.Addresses) == 0 {
				continue
			}
			return ep.Addresses[0], port, nil
		}
	}
	return "", 0, errors.New("no ready endpoint found for the kubernetes service")
}

func securePort(ports []discoveryv1.EndpointPort) (int32, bool) {
	for _, p := range ports {
		if p.Name != nil && *p.Name == securePortName && p.Port != nil {
			return *p.Port, true
		}
	}
	return 0, false
}

func getCAData(config *rest.Config) ([]byte, error) {
	if config == nil {
		return nil, errors.New("no client config available to source CA data from")
	}
	if len(config.TLSClientConfig.CAData) > 0 {
		return config.TLSClientConfig.CAData, nil
	}
	return os.ReadFile(config.TLSClientConfig.CAFile)
}

// GetBearerToken returns the bearer token the underlying client config
// authenticates with, if any.
func (p *KubeconfigProvider) GetBearerToken() string {
	if p.clientConfig == nil {
		return ""
	}
	return p.clientConfig.BearerToken
}

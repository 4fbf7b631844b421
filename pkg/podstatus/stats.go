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

package podstatus

import (
	"context"
	"runtime"

	"github.com/krustlet/krustlet/pkg/server"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// StatsCollector implements pkg/server.StatsSource. WASM modules run
// in-process inside wazero's shared runtime, which exposes no per-instance
// CPU/memory accounting, so per-pod usage is reported as zero; the node
// total comes from the Go runtime's own memory stats, which is at least
// representative of this process's footprint.
type StatsCollector struct {
	client   kubernetes.Interface
	nodeName string
}

// NewStatsCollector returns a StatsCollector scoped to nodeName.
func NewStatsCollector(client kubernetes.Interface, nodeName string) *StatsCollector {
	return &StatsCollector{client: client, nodeName: nodeName}
}

func (s *StatsCollector) Summary(ctx context.Context) (server.NodeStats, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	list, err := s.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + s.nodeName,
	})
	if err != nil {
		return server.NodeStats{}, err
	}

	summary := server.NodeStats{
		Node: server.NodeUsage{Time: metav1.Now().Time, MemoryBytes: mem.HeapAlloc},
	}
	for _, pod := range list.Items {
		summary.Pods = append(summary.Pods, server.PodUsage{
			Namespace: pod.Namespace,
			Name:      pod.Name,
			UID:       string(pod.UID),
			Time:      summary.Node.Time,
		})
	}
	return summary, nil
}

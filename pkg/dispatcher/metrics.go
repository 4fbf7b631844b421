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

package dispatcher

import "github.com/prometheus/client_golang/prometheus"

const metricsPrefix = "krustlet_"

// Collector reports the number of pod state machines this Dispatcher is
// currently running, the way pkg/controller/machine/metrics.go's
// MachineCollector reports the number of machines a controller manages.
type Collector struct {
	d *Dispatcher

	activePods *prometheus.Desc
}

// NewCollector returns a prometheus.Collector scraping d.Active() on every
// collection, so the gauge never drifts from the Dispatcher's own bookkeeping.
func NewCollector(d *Dispatcher) *Collector {
	return &Collector{
		d: d,
		activePods: prometheus.NewDesc(
			metricsPrefix+"active_pods",
			"The number of pod state machines currently running on this node",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activePods
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activePods, prometheus.GaugeValue, float64(c.d.Active()))
}

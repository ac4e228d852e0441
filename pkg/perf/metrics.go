/*
Copyright 2017 The Storgo Authors All rights reserved.

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

package perf

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterTargetMetrics publishes the read/write rate of one target as
// prometheus gauges on the default registry. Duplicate registration (target
// re-added under the same name) is ignored.
func RegisterTargetMetrics(targetName string, read, write *Performance) {
	readGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "stgt",
		Subsystem:   "target",
		Name:        "read_bytes_per_second",
		Help:        "Read throughput over the trailing sample window.",
		ConstLabels: prometheus.Labels{"target": targetName},
	}, func() float64 { return float64(read.BytesPerSecond()) })
	writeGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "stgt",
		Subsystem:   "target",
		Name:        "write_bytes_per_second",
		Help:        "Write throughput over the trailing sample window.",
		ConstLabels: prometheus.Labels{"target": targetName},
	}, func() float64 { return float64(write.BytesPerSecond()) })

	for _, c := range []prometheus.Collector{readGauge, writeGauge} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

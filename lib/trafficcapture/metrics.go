/*
Copyright 2024 Gravitational, Inc.

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

package trafficcapture

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics is the set of prometheus collectors that mirror the live
// statistics view reported through Stats. They are updated from the same
// call sites that already maintain that snapshot (the writer loop and
// pushRecord/stop), never from a separate polling goroutine.
type metrics struct {
	running        prometheus.Gauge
	bufferedBytes  prometheus.Gauge
	writtenBytes   prometheus.Gauge
	framesWritten  prometheus.Counter
	droppedPackets prometheus.Counter
	stopTotal      *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "traffic_recorder",
			Name:      "running",
			Help:      "Whether a traffic recording is currently active (0/1).",
		}),
		bufferedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "traffic_recorder",
			Name:      "buffered_bytes",
			Help:      "Current summed cost of packets queued for write.",
		}),
		writtenBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "traffic_recorder",
			Name:      "written_bytes",
			Help:      "Bytes written to the current capture file.",
		}),
		framesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "traffic_recorder",
			Name:      "frames_written_total",
			Help:      "Total number of frames written across all recordings.",
		}),
		droppedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "traffic_recorder",
			Name:      "dropped_packets_total",
			Help:      "Total number of packets rejected by the bounded queue.",
		}),
		stopTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "traffic_recorder",
			Name:      "stop_total",
			Help:      "Total number of recordings that reached a terminal status, by status kind.",
		}, []string{"status"}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.running,
		m.bufferedBytes,
		m.writtenBytes,
		m.framesWritten,
		m.droppedPackets,
		m.stopTotal,
	}
}

// registerCollectors registers cs with the default prometheus registry,
// ignoring AlreadyRegisteredError so re-creating a Recorder in a test
// process does not fail on double registration.
func registerCollectors(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

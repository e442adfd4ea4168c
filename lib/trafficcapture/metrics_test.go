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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterCollectorsIgnoresDuplicateRegistration(t *testing.T) {
	m := newMetrics()
	require.NoError(t, registerCollectors(m.collectors()...))
	require.NoError(t, registerCollectors(m.collectors()...))
}

func TestNewMetricsProducesDistinctCollectors(t *testing.T) {
	m := newMetrics()
	seen := map[prometheus.Collector]bool{}
	for _, c := range m.collectors() {
		require.False(t, seen[c])
		seen[c] = true
	}
}

/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package stats exports the daemon's synchronization state as
// prometheus metrics.
package stats

import (
	"fmt"
	"net/http"
	"strconv"

	ptp "github.com/caobinxin/linuxptp/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is a registry of gauges tracking the sync state of the clock
type Stats struct {
	registry *prometheus.Registry

	masterOffset prometheus.Gauge
	pathDelay    prometheus.Gauge
	freqAdj      prometheus.Gauge
	servoState   prometheus.Gauge
	gmPresent    prometheus.Gauge
	portState    *prometheus.GaugeVec
}

// New creates a Stats with all gauges registered
func New() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		masterOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptp_master_offset_ns",
			Help: "Current offset from the selected master clock in nanoseconds",
		}),
		pathDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptp_path_delay_ns",
			Help: "Current filtered mean path delay in nanoseconds",
		}),
		freqAdj: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptp_frequency_adjustment_ppb",
			Help: "Last frequency adjustment applied to the clock in PPB",
		}),
		servoState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptp_servo_state",
			Help: "Servo state: 0 unlocked, 1 jump, 2 locked",
		}),
		gmPresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptp_gm_present",
			Help: "Whether a foreign grandmaster is currently selected",
		}),
		portState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ptp_port_state",
			Help: "Per-port protocol state, values from the PTP state enumeration",
		}, []string{"port"}),
	}
	s.registry.MustRegister(s.masterOffset, s.pathDelay, s.freqAdj, s.servoState, s.gmPresent, s.portState)
	return s
}

// SetMasterOffset records the offset from master in nanoseconds
func (s *Stats) SetMasterOffset(ns float64) {
	s.masterOffset.Set(ns)
}

// SetPathDelay records the filtered path delay in nanoseconds
func (s *Stats) SetPathDelay(ns float64) {
	s.pathDelay.Set(ns)
}

// SetFreqAdj records the last frequency adjustment in PPB
func (s *Stats) SetFreqAdj(ppb float64) {
	s.freqAdj.Set(ppb)
}

// SetServoState records the servo state as its numeric value
func (s *Stats) SetServoState(state float64) {
	s.servoState.Set(state)
}

// SetGMPresent records whether a foreign master is selected
func (s *Stats) SetGMPresent(present bool) {
	if present {
		s.gmPresent.Set(1)
	} else {
		s.gmPresent.Set(0)
	}
}

// SetPortState records the state of one port
func (s *Stats) SetPortState(port uint16, state ptp.PortState) {
	s.portState.WithLabelValues(strconv.Itoa(int(port))).Set(float64(state))
}

// Start serves the metrics over HTTP, blocking forever
func (s *Stats) Start(listenPort int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(fmt.Sprintf(":%d", listenPort), mux)
}

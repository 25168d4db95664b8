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

// Package metrics exposes the daemon's Prometheus collectors: everything
// spec.md §7/§8 asks an operator to observe, wired into its own registry so
// a second VirtualRouter in the same process (not something the daemon
// itself does today, but the collectors don't assume otherwise) can't
// collide with this one's collector names.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set is the bundle of collectors one VirtualRouter updates over its
// lifetime.
type Set struct {
	registry *prometheus.Registry

	AdvertisementsSent     prometheus.Counter
	AdvertisementsReceived prometheus.Counter
	PacketsInvalid         *prometheus.CounterVec // labeled by reason
	Transitions            *prometheus.CounterVec // labeled by from,to
	State                  prometheus.Gauge        // 0=Init,1=Backup,2=Master
	AdvertisementJitter    prometheus.Gauge        // seconds, from vrrp/jitter
}

// New builds a Set labeled with the instance's vrid and interface, and
// registers it on a fresh registry.
func New(vrid uint8, iface string) *Set {
	labels := prometheus.Labels{"vrid": strconv.Itoa(int(vrid)), "interface": iface}
	registry := prometheus.NewRegistry()

	s := &Set{
		registry: registry,
		AdvertisementsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "uvrrpd",
			Name:        "advertisements_sent_total",
			Help:        "Advertisements transmitted by this VirtualRouter.",
			ConstLabels: labels,
		}),
		AdvertisementsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "uvrrpd",
			Name:        "advertisements_received_total",
			Help:        "Valid advertisements received from peers.",
			ConstLabels: labels,
		}),
		PacketsInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "uvrrpd",
			Name:        "packets_invalid_total",
			Help:        "Inbound packets rejected by ReceiveAndValidate, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "uvrrpd",
			Name:        "state_transitions_total",
			Help:        "FSM state transitions, by origin and destination state.",
			ConstLabels: labels,
		}, []string{"from", "to"}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "uvrrpd",
			Name:        "state",
			Help:        "Current FSM state: 0=init, 1=backup, 2=master.",
			ConstLabels: labels,
		}),
		AdvertisementJitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "uvrrpd",
			Name:        "advertisement_jitter_seconds",
			Help:        "Standard deviation of Master advertisement inter-arrival time.",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		s.AdvertisementsSent,
		s.AdvertisementsReceived,
		s.PacketsInvalid,
		s.Transitions,
		s.State,
		s.AdvertisementJitter,
	)
	return s
}

// Handler returns the HTTP handler vrrp/daemon mounts on its monitoring
// port.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

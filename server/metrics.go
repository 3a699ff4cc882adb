// Copyright 2026 The CryMatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics exposes the control plane's counters through a Prometheus scrape
// endpoint. With no port configured the counters still exist but nothing
// serves them.
type Metrics struct {
	registry *prometheus.Registry
	server   *http.Server

	TicketsSubmitted  prometheus.Counter
	TicketsAssigned   prometheus.Counter
	TicketsConsumed   prometheus.Counter
	TicketsExpired    prometheus.Counter
	MatchesFormed     prometheus.Counter
	MatchesDelivered  prometheus.Counter
	MatchmakersOnline prometheus.Gauge
}

func NewMetrics(logger *zap.Logger, config Config) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		TicketsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crymatch", Name: "tickets_submitted_total", Help: "Tickets accepted by the Director.",
		}),
		TicketsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crymatch", Name: "tickets_assigned_total", Help: "Tickets moved to a matchmaker stream.",
		}),
		TicketsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crymatch", Name: "tickets_consumed_total", Help: "Tickets removed from the system.",
		}),
		TicketsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crymatch", Name: "tickets_expired_total", Help: "Tickets dropped past their maximum age.",
		}),
		MatchesFormed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crymatch", Name: "matches_formed_total", Help: "Matches posted by matchmakers.",
		}),
		MatchesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crymatch", Name: "matches_delivered_total", Help: "Matches delivered to readers.",
		}),
		MatchmakersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crymatch", Name: "matchmakers_online", Help: "Matchmakers with a live status.",
		}),
	}
	registry.MustRegister(
		m.TicketsSubmitted,
		m.TicketsAssigned,
		m.TicketsConsumed,
		m.TicketsExpired,
		m.MatchesFormed,
		m.MatchesDelivered,
		m.MatchmakersOnline,
	)

	if port := config.GetMetrics().PrometheusPort; port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		m.server = &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Starting Prometheus metrics exporter", zap.Int("port", port))
			if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics exporter listener failed", zap.Error(err))
			}
		}()
	}

	return m
}

func (m *Metrics) Stop(logger *zap.Logger) {
	if m.server == nil {
		return
	}
	if err := m.server.Shutdown(context.Background()); err != nil {
		logger.Error("Metrics exporter shutdown failed", zap.Error(err))
	}
}

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

// Package health exposes a liveness endpoint and a Prometheus metrics
// endpoint for the running daemon, grounded on
// dnswatch/snoop/prometheus_exporter.go's promauto counter vectors and
// promhttp.Handler on a dedicated listener — generalized from DNS
// query/response tallies to ring-loss counters, queue depths, cache hit
// rate, and hash-latency quantiles.
package health

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	ringLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netwatchd_ring_loss_total",
		Help: "Samples lost between kernel ring buffer polls.",
	})
	queueLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netwatchd_queue_loss_total",
		Help: "Raw events dropped due to a full Monitor->Aggregator channel.",
	})
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netwatchd_exe_cache_hits_total",
		Help: "Exe Cache lookups that found a cached hash.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netwatchd_exe_cache_misses_total",
		Help: "Exe Cache lookups that scheduled a new hash job.",
	})
	hashLatencyQuantile = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netwatchd_hash_latency_seconds",
		Help: "Hash resolution latency quantiles over the current window.",
	}, []string{"quantile"})
	scanQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netwatchd_scan_queue_depth",
		Help: "Hashes queued for reputation lookup.",
	})
	knownExecutables = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netwatchd_known_executables",
		Help: "Distinct executables in the Record Store.",
	})
)

// IncRingLoss records a ring buffer loss event of count samples.
func IncRingLoss(count uint64) { ringLoss.Add(float64(count)) }

// IncQueueLoss records count dropped events on the Monitor->Aggregator
// channel.
func IncQueueLoss(count uint64) { queueLoss.Add(float64(count)) }

// IncCacheHit/IncCacheMiss record one Exe Cache lookup outcome.
func IncCacheHit()  { cacheHits.Inc() }
func IncCacheMiss() { cacheMisses.Inc() }

// SetHashLatencyQuantiles publishes this window's p50/p95/p99 hash latency.
func SetHashLatencyQuantiles(p50, p95, p99 float64) {
	hashLatencyQuantile.WithLabelValues("p50").Set(p50)
	hashLatencyQuantile.WithLabelValues("p95").Set(p95)
	hashLatencyQuantile.WithLabelValues("p99").Set(p99)
}

// SetScanQueueDepth publishes the current Scan Client queue depth.
func SetScanQueueDepth(n int) { scanQueueDepth.Set(float64(n)) }

// SetKnownExecutables publishes the current Record Store size.
func SetKnownExecutables(n int) { knownExecutables.Set(float64(n)) }

// Server serves /healthz and /metrics on a dedicated listener.
type Server struct {
	addr string
	srv  *http.Server
}

// New builds a health Server bound to addr (e.g. "127.0.0.1:9469").
func New(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Server{addr: addr, srv: &http.Server{Addr: addr, Handler: mux}}
}

// Run starts the listener; it blocks until the server is shut down via
// Close, matching http.Server's own ListenAndServe contract.
func (s *Server) Run() {
	log.WithField("addr", s.addr).Info("health: listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("health: listener failed")
	}
}

// Close shuts the server down gracefully.
func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

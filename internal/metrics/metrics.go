// Package metrics exposes the Prometheus collectors of the IP block engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	requestsInspected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipblock",
		Name:      "requests_inspected_total",
		Help:      "Total number of requests inspected by stage",
	}, []string{"stage"})
	blocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipblock",
		Name:      "blocks_total",
		Help:      "Total number of IP blocks recorded by reason and source",
	}, []string{"reason", "source"})
	rejectedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ipblock",
		Name:      "rejected_requests_total",
		Help:      "Total number of requests short-circuited because the client IP is blocked",
	})
	storageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipblock",
		Name:      "storage_errors_total",
		Help:      "Total number of storage errors by operation",
	}, []string{"op"})
	blockedIPs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ipblock",
		Name:      "blocked_ips",
		Help:      "Number of currently blocked IPs in the block store",
	})
)

// Register initializes metrics with the global Prometheus registry (idempotent)
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(requestsInspected, blocksTotal, rejectedRequests, storageErrors, blockedIPs)
	})
}

func IncRequestsInspected(stage string) { requestsInspected.WithLabelValues(stage).Inc() }
func IncBlocks(reason, source string)   { blocksTotal.WithLabelValues(reason, source).Inc() }
func IncRejected()                      { rejectedRequests.Inc() }
func IncStorageError(op string)         { storageErrors.WithLabelValues(op).Inc() }
func SetBlockedIPs(n int)               { blockedIPs.Set(float64(n)) }

package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the node's Prometheus collectors, following the
// ChuLiYu-raft-recovery pairing of a JSON status page with a /metrics
// scrape endpoint registered against its own registry rather than the
// global default one, so multiple nodes in one test binary don't collide.
type metrics struct {
	registry       *prometheus.Registry
	commitIndex    prometheus.Gauge
	leaderElected  prometheus.Counter
	messagesSent   prometheus.Counter
	quorumTimeouts prometheus.Counter
	forceDelivered prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "msgcluster",
			Name:      "commit_index",
			Help:      "Highest raft commit index known to this node.",
		}),
		leaderElected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgcluster",
			Name:      "leader_elections_total",
			Help:      "Number of times this node became leader.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgcluster",
			Name:      "messages_sent_total",
			Help:      "Number of POST /send requests answered with 200 (leader-appended in async mode, committed in sync_quorum mode).",
		}),
		quorumTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgcluster",
			Name:      "quorum_timeouts_total",
			Help:      "Number of sync_quorum sends that timed out waiting for commit.",
		}),
		forceDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgcluster",
			Name:      "force_delivered_total",
			Help:      "Number of messages released by the ordering buffer's force-delivery escape hatch.",
		}),
	}
	reg.MustRegister(m.commitIndex, m.leaderElected, m.messagesSent, m.quorumTimeouts, m.forceDelivered)
	return m
}

func (s *Server) handleMetrics() gin.HandlerFunc {
	h := promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

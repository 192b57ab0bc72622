package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "postsync", Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "postsync", Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)
	StoreOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "postsync", Name: "store_operations_total", Help: "Document store operations by store, operation and result."},
		[]string{"store", "op", "result"},
	)
	ReplicationDocs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "postsync", Name: "replication_docs_total", Help: "Documents written by the replication session, by direction."},
		[]string{"direction"},
	)
	ReplicationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "postsync", Name: "replication_events_total", Help: "Replication session events by kind."},
		[]string{"kind"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(StoreOperations)
	reg.MustRegister(ReplicationDocs)
	reg.MustRegister(ReplicationEvents)
}

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

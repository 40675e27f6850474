// Package metrics defines the single canonical set of counters the anchor
// service emits. Callers use the Count* helpers rather than touching
// collectors directly so metric names stay in one place.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_requests_created_total",
		Help: "Anchor requests accepted through the API",
	})

	requestsFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_requests_found_total",
		Help: "Intake POSTs that matched an existing request by CID",
	})

	batchesAnchored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_batches_anchored_total",
		Help: "Batches successfully written to the blockchain",
	})

	anchorsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_anchors_created_total",
		Help: "Anchor commits created across all batches",
	})

	candidatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cas_candidates_rejected_total",
		Help: "Candidates failed during batch construction",
	}, []string{"reason"})

	revertToPending = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_revert_to_pending_total",
		Help: "Batches reverted to PENDING because too few candidates remained",
	})

	ethErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_eth_errors_total",
		Help: "Batches returned to PENDING after exhausted Ethereum retries",
	})

	pubsubPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cas_pubsub_published_total",
		Help: "Pubsub messages published by type",
	}, []string{"type"})

	requestsGarbageCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_requests_garbage_collected_total",
		Help: "Expired requests removed by the garbage collector",
	})
)

// Rejection reasons for CountCandidateRejected.
const (
	ReasonConflict    = "conflict"
	ReasonUnreachable = "ipfs_unreachable"
)

func CountRequestCreated()  { requestsCreated.Inc() }
func CountRequestFound()    { requestsFound.Inc() }
func CountBatchAnchored()   { batchesAnchored.Inc() }
func CountRevertToPending() { revertToPending.Inc() }
func CountEthError()        { ethErrors.Inc() }
func CountGarbageCollected(n int) {
	requestsGarbageCollected.Add(float64(n))
}

func CountAnchorsCreated(n int) {
	anchorsCreated.Add(float64(n))
}

func CountCandidateRejected(reason string) {
	candidatesRejected.WithLabelValues(reason).Inc()
}

func CountPubsubPublished(msgType string) {
	pubsubPublished.WithLabelValues(msgType).Inc()
}

package wavedag

import (
	"strconv"

	"github.com/gitzhang10/WaveDAG/dag"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wavedag"

type metrics struct {
	blocksAccepted     prometheus.Counter
	blocksRejected     *prometheus.CounterVec
	equivocations      prometheus.Counter
	proposedRound      prometheus.Gauge
	highestRound       prometheus.Gauge
	pendingBlocks      prometheus.Gauge
	commits            prometheus.Counter
	committedBlocks    prometheus.Counter
	skippedLeaders     prometheus.Counter
	lastCommittedRound prometheus.Gauge
	fetchRequests      prometheus.Counter
	fetchGiveUps       prometheus.Counter
	acksReceived       prometheus.Counter
	backpressure       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, epoch uint64) (*metrics, error) {
	labels := prometheus.Labels{"epoch": strconv.FormatUint(epoch, 10)}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		})
	}
	m := &metrics{
		blocksAccepted: counter("blocks_accepted_total", "Blocks inserted into the DAG store."),
		blocksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "blocks_rejected_total",
			Help:        "Blocks rejected by validation, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		equivocations:      counter("equivocations_total", "Equivocations detected."),
		proposedRound:      gauge("proposed_round", "Round of the last block proposed by this authority."),
		highestRound:       gauge("highest_round", "Highest round in the DAG store."),
		pendingBlocks:      gauge("pending_blocks", "Blocks waiting for their ancestors."),
		commits:            counter("commits_total", "Commits appended to the commit sequence."),
		committedBlocks:    counter("committed_blocks_total", "Blocks output by commits."),
		skippedLeaders:     counter("skipped_leaders_total", "Waves decided without a commit."),
		lastCommittedRound: gauge("last_committed_round", "Round of the last committed leader."),
		fetchRequests:      counter("fetch_requests_total", "Fetch requests sent."),
		fetchGiveUps:       counter("fetch_give_ups_total", "Missing blocks abandoned after the attempt cap."),
		acksReceived:       counter("acks_received_total", "Acknowledgements received for own blocks."),
		backpressure:       counter("backpressure_total", "Proposals delayed by unacknowledged commits."),
	}
	for _, c := range []prometheus.Collector{
		m.blocksAccepted, m.blocksRejected, m.equivocations, m.proposedRound, m.highestRound,
		m.pendingBlocks, m.commits, m.committedBlocks, m.skippedLeaders, m.lastCommittedRound,
		m.fetchRequests, m.fetchGiveUps, m.acksReceived, m.backpressure,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func rejectReason(err error) string {
	switch errors.Cause(err) {
	case ErrBadSignature:
		return "bad_signature"
	case ErrUnknownAuthor:
		return "unknown_author"
	case ErrStaleRound, dag.ErrBelowWatermark:
		return "stale_round"
	case ErrMissingParentReference:
		return "missing_parent_reference"
	case ErrWrongEpoch:
		return "wrong_epoch"
	case ErrOversizedPayload:
		return "oversized_payload"
	case ErrMalformedBlock:
		return "malformed"
	case dag.ErrPendingFull:
		return "pending_full"
	case dag.ErrParentMismatch:
		return "parent_mismatch"
	case dag.ErrInvalidAncestor:
		return "invalid_ancestor"
	default:
		return "other"
	}
}

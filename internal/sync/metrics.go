package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailsync",
		Name:      "runs_total",
		Help:      "Sync runs by mailbox and terminal state.",
	}, []string{"mailbox", "state"})

	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailsync",
		Name:      "pages_total",
		Help:      "Committed pages by mailbox.",
	}, []string{"mailbox"})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailsync",
		Name:      "messages_total",
		Help:      "Ingestion outcomes by mailbox and outcome.",
	}, []string{"mailbox", "outcome"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailsync",
		Name:      "retries_total",
		Help:      "Retried operations by op.",
	}, []string{"op"})

	checkpointSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailsync",
		Name:      "checkpoint_saves_total",
		Help:      "Checkpoint saves by mailbox and result.",
	}, []string{"mailbox", "result"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mailsync",
		Name:      "commit_duration_seconds",
		Help:      "Batch transaction duration.",
		Buckets:   prometheus.DefBuckets,
	})

	outboxPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailsync",
		Name:      "outbox_published_total",
		Help:      "Outbox publish attempts by result.",
	}, []string{"result"})
)

func recordOutcomes(mailboxID string, t tally) {
	for kind, n := range map[OutcomeKind]int{
		OutcomeCreated: t.created,
		OutcomeUpdated: t.updated,
		OutcomeSkipped: t.skipped,
		OutcomeFailed:  t.failed,
	} {
		if n > 0 {
			messagesTotal.WithLabelValues(mailboxID, kind.String()).Add(float64(n))
		}
	}
}

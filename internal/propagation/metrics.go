package propagation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	grantEventsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grant_events_processed_total",
		Help: "The total number of grant lifecycle events processed, by event and outcome.",
	}, []string{"event", "outcome"})

	accessSetMutationsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "access_set_mutations_total",
		Help: "The total number of access-set mutations written, by operation.",
	}, []string{"op"})
)

const (
	outcomeApplied = "applied"
	outcomeSkipped = "skipped"
	outcomeDropped = "dropped"
	outcomeError   = "error"
)

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// The zero-label vecs are incremented through WithLabelValues() at their
// call sites; exercising each one here keeps those call sites honest.
func TestZeroLabelCollectors(t *testing.T) {
	before := testutil.ToFloat64(CitationsStoredTotal.WithLabelValues())
	CitationsStoredTotal.WithLabelValues().Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CitationsStoredTotal.WithLabelValues()))

	before = testutil.ToFloat64(MemoriesCreatedTotal.WithLabelValues())
	MemoriesCreatedTotal.WithLabelValues().Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(MemoriesCreatedTotal.WithLabelValues()))

	before = testutil.ToFloat64(FetchAttemptsTotal.WithLabelValues())
	FetchAttemptsTotal.WithLabelValues().Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FetchAttemptsTotal.WithLabelValues()))

	before = testutil.ToFloat64(EnrichmentDispatchesTotal.WithLabelValues())
	EnrichmentDispatchesTotal.WithLabelValues().Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(EnrichmentDispatchesTotal.WithLabelValues()))

	ActiveRuns.WithLabelValues().Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(ActiveRuns.WithLabelValues()))

	// Histograms have no scalar read-back; observing must simply not panic.
	ScorerDuration.WithLabelValues().Observe(0.25)
	ProcessingDuration.WithLabelValues().Observe(0.25)
	FetchDuration.WithLabelValues().Observe(0.25)
}

func TestLabelledCollectors(t *testing.T) {
	before := testutil.ToFloat64(CitationsProcessedTotal.WithLabelValues("saved"))
	CitationsProcessedTotal.WithLabelValues("saved").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CitationsProcessedTotal.WithLabelValues("saved")))

	before = testutil.ToFloat64(ScorerCallsTotal.WithLabelValues("malformed"))
	ScorerCallsTotal.WithLabelValues("malformed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ScorerCallsTotal.WithLabelValues("malformed")))
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	before := testutil.ToFloat64(respondOutcomes.WithLabelValues(OutcomeLost))
	IncRespond(OutcomeLost)
	assert.Equal(t, before+1, testutil.ToFloat64(respondOutcomes.WithLabelValues(OutcomeLost)))

	runs := testutil.ToFloat64(sweepRuns)
	expired := testutil.ToFloat64(sweepExpired)
	ObserveSweep(3, 1, 20*time.Millisecond)
	assert.Equal(t, runs+1, testutil.ToFloat64(sweepRuns))
	assert.Equal(t, expired+3, testutil.ToFloat64(sweepExpired))

	IncHTTP("/api/v1/pings", 201)
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequests.WithLabelValues("/api/v1/pings", "201")))

	assert.NotPanics(t, func() {
		IncPingOpened("emergency")
		IncTransition("expired")
		IncAlert("no-show")
		IncPush("delivered")
	})
}

func TestWatcherGauge(t *testing.T) {
	base := testutil.ToFloat64(watchers)
	done := WatcherOpened()
	assert.Equal(t, base+1, testutil.ToFloat64(watchers))
	done()
	done()
	assert.Equal(t, base, testutil.ToFloat64(watchers))
}

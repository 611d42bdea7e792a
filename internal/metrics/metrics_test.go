package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreIsolatedPerInstance(t *testing.T) {
	a := New()
	b := New()

	a.SegmentsFetched.Add(3)
	a.Recordings.WithLabelValues("complete").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(a.SegmentsFetched))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SegmentsFetched))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Recordings.WithLabelValues("complete")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.SegmentsFailed.Inc()
	m.Validations.WithLabelValues("OK").Inc()

	path := filepath.Join(t.TempDir(), "recfetch.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "recfetch_segments_failed_total 1")
	assert.Contains(t, string(data), `recfetch_duration_validations_total{class="OK"} 1`)
}

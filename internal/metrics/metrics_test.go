package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverCounters(t *testing.T) {
	m := New("unit-1", "test")
	m.SubmissionRecorded("registration", "committed")
	m.SubmissionRecorded("registration", "committed")
	m.SubmissionRecorded("prescription", "invalid")
	m.EpisodeCreated()
	m.EpisodeClosed("normal")
	m.CommitObserved(3 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues("registration", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("prescription", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.created))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.closed.WithLabelValues("normal")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.commitDuration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("unit-1", "1.2.3")
	m.SetDependency("store", true)
	m.SetDependency("mqtt", false)
	m.GaugeFunc("screening_ws_clients", "Connected websocket clients", func() float64 { return 4 })
	m.EpisodeCreated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`screening_build_info{unit="unit-1",version="1.2.3"} 1`,
		`screening_dependency_up{dependency="store"} 1`,
		`screening_dependency_up{dependency="mqtt"} 0`,
		`screening_ws_clients 4`,
		`screening_episodes_created_total 1`,
		`go_goroutines`,
	} {
		assert.True(t, strings.Contains(text, want), "missing %q", want)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a := New("a", "v")
	b := New("b", "v")
	a.EpisodeCreated()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.created))
}

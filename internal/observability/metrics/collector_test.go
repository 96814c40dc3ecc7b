package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_IsolatedRegistries(t *testing.T) {
	// Two collectors must not collide on registration.
	a := NewCollector()
	b := NewCollector()
	a.SubmissionsJudged.WithLabelValues("accepted").Inc()
	b.SubmissionsJudged.WithLabelValues("accepted").Add(2)
	assert.NotNil(t, a.Handler())
}

func TestCollector_HandlerServesMetrics(t *testing.T) {
	c := NewCollector()
	c.SubmissionsJudged.WithLabelValues("wrong_answer").Inc()
	c.QueueWaiting.Set(4)
	c.ActiveWorkers.Set(3)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `submissions_judged_total{verdict="wrong_answer"} 1`))
	assert.True(t, strings.Contains(body, "judge_queue_waiting 4"))
	assert.True(t, strings.Contains(body, "judge_workers 3"))
}

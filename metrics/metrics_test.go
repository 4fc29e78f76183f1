package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskSubmitted("generate_note")
		m.TaskFinished("generate_note", "completed", time.Second)
		m.QueueDepth("b1", 1, 2)
		m.ForgetBoard("b1")
		m.LLMCall("text", "ok", time.Second)
		m.EventDropped()
	})
	assert.Nil(t, m.Registry())
}

func TestCountersAndGauges(t *testing.T) {
	m := New()

	m.TaskSubmitted("generate_annotation")
	m.TaskSubmitted("generate_annotation")
	m.TaskFinished("generate_annotation", "failed", 2*time.Second)
	m.QueueDepth("b1", 3, 1)
	m.LLMCall("vision", "Timeout", time.Second)
	m.EventDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksSubmitted.WithLabelValues("generate_annotation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksFinished.WithLabelValues("generate_annotation", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.tasksActive.WithLabelValues("b1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksPending.WithLabelValues("b1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmCalls.WithLabelValues("vision", "Timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))
}

func TestHandlerExposesSeries(t *testing.T) {
	m := New()
	m.TaskSubmitted("answer_question")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `studyboard_tasks_submitted_total{type="answer_question"} 1`), body)
}

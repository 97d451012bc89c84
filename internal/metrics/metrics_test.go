package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/voicegate/internal/models"
)

func TestRecordHTTPRequest(t *testing.T) {
	c := New()

	c.RecordHTTPRequest("GET", "/base_tts/", 200, 120*time.Millisecond)
	c.RecordHTTPRequest("GET", "/base_tts/", 200, 80*time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/base_tts/", "200")), 0)
}

func TestEngineObservations(t *testing.T) {
	c := New()

	c.ObserveEngineWait(models.EngineConverter, 10*time.Millisecond)
	c.ObserveEngineBusy(models.EngineConverter, time.Second, nil)
	c.ObserveEngineBusy(models.EngineConverter, time.Second, errors.New("boom"))
	c.SetEngineQueueDepth(models.EngineConverter, 3)

	assert.InDelta(t, 1, testutil.ToFloat64(c.engineErrors.WithLabelValues("converter")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(c.engineQueueDepth.WithLabelValues("converter")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(c.engineWait))
}

func TestPipelineAndCacheCounters(t *testing.T) {
	c := New()

	c.RecordPipeline("full", nil)
	c.RecordPipeline("full", errors.New("failed"))
	c.RecordEmbeddingCache(true)
	c.RecordEmbeddingCache(false)
	c.RecordEmbeddingCache(false)

	assert.InDelta(t, 1, testutil.ToFloat64(c.pipelineTotal.WithLabelValues("full", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.pipelineTotal.WithLabelValues("full", "failure")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(c.embeddingCache.WithLabelValues("miss")), 0)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		c.ObserveEngineWait(models.EngineSynthesizer, 0)
		c.ObserveEngineBusy(models.EngineSynthesizer, 0, nil)
		c.SetEngineQueueDepth(models.EngineSynthesizer, 0)
		c.ObserveStage(models.StageEmit, 0)
		c.RecordPipeline("full", nil)
		c.ObserveAudio(time.Second)
		c.RecordEmbeddingCache(true)
		c.RecordUpload("stored")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.ObserveStage(models.StageToneConvert, 2*time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "voicegate_pipeline_stage_duration_seconds"))
}

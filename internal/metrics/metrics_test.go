package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexanwong/textbehindimage/backend/internal/models"
	"github.com/rexanwong/textbehindimage/backend/internal/worker"
)

func TestWorkerInstrumentationCountsTransitions(t *testing.T) {
	inst := WorkerInstrumentation()
	job := &models.Job{JobType: "metrics_test_job"}

	inst.OnEnqueue(job)
	inst.OnStart(job)
	inst.OnFail(job, errors.New("boom"), time.Millisecond)
	inst.OnRetry(job, time.Second)
	inst.OnComplete(job, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(JobsTotal.WithLabelValues("metrics_test_job", "enqueued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(JobsTotal.WithLabelValues("metrics_test_job", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(JobsTotal.WithLabelValues("metrics_test_job", "retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(JobsTotal.WithLabelValues("metrics_test_job", "completed")))

	inst.OnHeartbeat("w", worker.Stats{ActiveWorkers: 3})
	assert.Equal(t, 3.0, testutil.ToFloat64(WorkerActiveJobs))
}

func TestHandlerExposesCollectors(t *testing.T) {
	CancellationsTotal.WithLabelValues("success").Inc()

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "textbehindimage_billing_cancellations_total")
}

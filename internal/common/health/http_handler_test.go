package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthCheckHttpHandler_ReportsStartup(t *testing.T) {
	startup := NewStartupCompleteChecker()
	checks := NewMultiChecker(startup)
	handler := NewHealthCheckHttpHandler(checks)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	startup.MarkComplete()
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusNoContent, recorder.Code)
}

func TestMultiChecker_AggregatesFailures(t *testing.T) {
	a := NewStartupCompleteChecker()
	b := NewStartupCompleteChecker()
	checks := NewMultiChecker(a)
	checks.Add(b)

	assert.Error(t, checks.Check())
	a.MarkComplete()
	assert.Error(t, checks.Check())
	b.MarkComplete()
	assert.NoError(t, checks.Check())
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(MatchesCancelled.WithLabelValues("expired"))
	MatchesCancelled.WithLabelValues("expired").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(MatchesCancelled.WithLabelValues("expired")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	MatchesProposed.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "carpool_matches_proposed_total"))
}

package reputation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedFeed int

func (f fixedFeed) Score(context.Context, string) (int, error) { return int(f), nil }

func newRouter(feed Feed) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(feed).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestGetReputation_Detailed(t *testing.T) {
	m := NewMemoryMetrics(6)
	m.RecordOutcome(context.Background(), Outcome{Buyer: "0xaaaa", Seller: "0xbbbb", Amount: "1000000", Kind: OutcomeCompleted})
	r := newRouter(WithTimeout(NewCalculatorFeed(m), time.Second))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/reputation/0xAAAA", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Reputation Score `json:"reputation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "0xaaaa", resp.Reputation.Address)
	assert.Equal(t, 1, resp.Reputation.Metrics.TotalEscrows)
}

func TestGetReputation_ScoreOnly(t *testing.T) {
	r := newRouter(fixedFeed(64))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/reputation/0xabc", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Reputation Score `json:"reputation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 64.0, resp.Reputation.Score)
	assert.Equal(t, TierTrusted, resp.Reputation.Tier)
}

func TestGetReputation_Timeout(t *testing.T) {
	r := newRouter(WithTimeout(&slowFeed{delay: time.Second}, 5*time.Millisecond))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/reputation/0xabc", nil))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

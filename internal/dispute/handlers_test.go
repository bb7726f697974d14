package dispute

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Test-Agent"); addr != "" {
			c.Set(auth.ContextKeyAgentAddr, addr)
		}
		if c.GetHeader("X-Test-Admin") == "true" {
			c.Set(auth.ContextKeyAdmin, true)
		}
		c.Next()
	})
	h := NewHandler(f.manager)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r
}

func do(r *gin.Engine, method, path, agent string, body any) (*httptest.ResponseRecorder, map[string]any) {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if agent != "" {
		req.Header.Set("X-Test-Agent", agent)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHandlers_GetDispute(t *testing.T) {
	f := newFixture(t, Config{})
	r := testRouter(f)
	d := f.disputed(t)

	w, body := do(r, http.MethodGet, "/v1/disputes/"+d.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, d.EscrowID, body["escrowId"])
	assert.Equal(t, "open", body["status"])

	w, body = do(r, http.MethodGet, "/v1/escrows/"+d.EscrowID+"/dispute", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, d.ID, body["id"])

	w, _ = do(r, http.MethodGet, "/v1/disputes/dsp_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_Evidence(t *testing.T) {
	f := newFixture(t, Config{})
	r := testRouter(f)
	d := f.disputed(t)

	w, _ := do(r, http.MethodPost, "/v1/disputes/"+d.ID+"/evidence", buyer, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(r, http.MethodPost, "/v1/disputes/"+d.ID+"/evidence", voterA, map[string]string{"content": "ipfs://x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := do(r, http.MethodPost, "/v1/disputes/"+d.ID+"/evidence", buyer, map[string]string{"content": "ipfs://x"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "evidence_collection", body["status"])

	f.now = d.EvidenceDeadline
	w, body = do(r, http.MethodPost, "/v1/disputes/"+d.ID+"/evidence", buyer, map[string]string{"content": "ipfs://y"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "dispute_closed", body["error"])
}

func TestHandlers_Votes(t *testing.T) {
	f := newFixture(t, Config{})
	r := testRouter(f)
	d := f.disputed(t)
	path := "/v1/disputes/" + d.ID + "/votes"

	w, body := do(r, http.MethodPost, path, voterA, map[string]bool{"sideForBuyer": true})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "voting_not_open", body["error"])

	f.now = d.EvidenceDeadline

	w, _ = do(r, http.MethodPost, path, voterA, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(r, http.MethodPost, path, seller, map[string]bool{"sideForBuyer": false})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = do(r, http.MethodPost, path, voterA, map[string]bool{"sideForBuyer": false})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	votes, ok := body["votes"].([]any)
	require.True(t, ok)
	assert.Len(t, votes, 1)

	w, body = do(r, http.MethodPost, path, voterA, map[string]bool{"sideForBuyer": true})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_vote", body["error"])

	w, body = do(r, http.MethodPost, path, "0xdddddddddddddddddddddddddddddddddddddddd", map[string]bool{"sideForBuyer": true})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "reputation_unavailable", body["error"])
}

func TestHandlers_BeginVotingAndTally(t *testing.T) {
	f := newFixture(t, Config{})
	r := testRouter(f)
	d := f.disputed(t)

	w, _ := do(r, http.MethodPost, "/v1/disputes/"+d.ID+"/voting", buyer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := do(r, http.MethodPost, "/v1/disputes/"+d.ID+"/voting", arbitrator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "voting", body["status"])

	w, body = do(r, http.MethodPost, "/v1/disputes/"+d.ID+"/tally", voterA, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "tally_not_due", body["error"])

	got, err := f.manager.Get(context.Background(), d.ID)
	require.NoError(t, err)
	f.now = got.Deadline

	w, body = do(r, http.MethodPost, "/v1/disputes/"+d.ID+"/tally", voterA, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "resolved", body["status"])
	assert.Equal(t, string(escrow.ResolutionRefund), body["outcome"])
	assert.Equal(t, escrow.StatusResolved, f.escrowOf(t, d).Status)
}

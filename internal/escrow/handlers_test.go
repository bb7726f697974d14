package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRouter stands in for auth.Middleware: X-Test-Agent becomes the
// authenticated caller and X-Test-Admin marks an admin.
func testRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Test-Agent"); addr != "" {
			c.Set(auth.ContextKeyAgentAddr, addr)
		}
		if c.GetHeader("X-Test-Admin") != "" {
			c.Set(auth.ContextKeyAdmin, true)
		}
		c.Next()
	})
	h := NewHandler(f.svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, agent string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if agent != "" {
		req.Header.Set("X-Test-Agent", agent)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func createBody(amount string) map[string]any {
	return map[string]any{
		"listingId":  "lst_1",
		"buyerAddr":  buyer,
		"sellerAddr": seller,
		"tokenAddr":  token,
		"amount":     amount,
	}
}

func TestHandlers_ValidateReportsViolations(t *testing.T) {
	f := newFixture(t)
	r := testRouter(f)

	body := createBody("0")
	body["sellerAddr"] = buyer
	w, out := do(t, r, http.MethodPost, "/v1/escrows/validate", "", body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, out["valid"])
	assert.NotEmpty(t, out["violations"])
}

func TestHandlers_CreateAndGet(t *testing.T) {
	f := newFixture(t)
	r := testRouter(f)

	w, out := do(t, r, http.MethodPost, "/v1/escrows", buyer, createBody("100"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id, _ := out["escrowId"].(string)
	require.NotEmpty(t, id)

	w, out = do(t, r, http.MethodGet, "/v1/escrows/"+id+"/status", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "created", out["status"])

	w, _ = do(t, r, http.MethodGet, "/v1/escrows/esc_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_CreateRequiresBuyerCaller(t *testing.T) {
	f := newFixture(t)
	r := testRouter(f)

	w, out := do(t, r, http.MethodPost, "/v1/escrows", seller, createBody("100"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", out["error"])
}

func TestHandlers_CreateValidationError(t *testing.T) {
	f := newFixture(t)
	r := testRouter(f)

	w, out := do(t, r, http.MethodPost, "/v1/escrows", buyer, createBody("abc"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", out["error"])
	assert.NotEmpty(t, out["details"])
}

func TestHandlers_LockConfirmedAndPending(t *testing.T) {
	f := newFixture(t)
	r := testRouter(f)
	lock := map[string]any{"amount": "100", "tokenAddr": token}

	e := f.create(t, "100")
	w, out := do(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/lock", buyer, lock)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "confirmed", out["funds"])

	pending := f.create(t, "100")
	f.ledger.FailNext(ledger.OpLock, 1, errRPCDown)
	w, out = do(t, r, http.MethodPost, "/v1/escrows/"+pending.ID+"/lock", buyer, lock)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "pending", out["funds"])
}

func TestHandlers_FullFlow(t *testing.T) {
	f := newFixture(t)
	r := testRouter(f)
	e := f.locked(t, "1000")

	w, _ := do(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/ship", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/deliver", seller, map[string]any{"trackingRef": "TRK-9"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, out := do(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/approve", seller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", out["error"])

	w, _ = do(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/approve", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusApproved, f.status(t, e.ID))

	w, out = do(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/dispute", buyer, map[string]any{"reason": "late"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state_transition", out["error"])
}

func TestHandlers_OpenDispute(t *testing.T) {
	f := newFixture(t)
	r := testRouter(f)
	e := f.locked(t, "100")

	w, _ := do(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/dispute", buyer, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out := do(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/dispute", buyer, map[string]any{"reason": "never arrived"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, out["disputeId"])
}

func TestHandlers_CancelAdmin(t *testing.T) {
	f := newFixture(t)
	r := testRouter(f)
	e := f.locked(t, "100")

	w, _ := do(t, r, http.MethodPost, "/v1/escrows/"+e.ID+"/cancel", stranger, map[string]any{"reason": "fraud"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/escrows/"+e.ID+"/cancel", nil)
	req.Header.Set("X-Test-Agent", stranger)
	req.Header.Set("X-Test-Admin", "1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, StatusCancelled, f.status(t, e.ID))
}

func TestHandlers_ListByParty(t *testing.T) {
	f := newFixture(t)
	r := testRouter(f)
	f.create(t, "1")
	f.create(t, "2")

	w, out := do(t, r, http.MethodGet, "/v1/agents/"+buyer+"/escrows?limit=1", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), out["count"])
	assert.Equal(t, true, out["hasMore"])

	w, out = do(t, r, http.MethodGet, "/v1/agents/"+buyer+"/escrows?limit=1&cursor="+out["nextCursor"].(string), "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), out["count"])
	assert.Equal(t, false, out["hasMore"])

	w, _ = do(t, r, http.MethodGet, "/v1/agents/"+buyer+"/escrows?cursor=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

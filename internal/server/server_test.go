package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testToken = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"

// fixedFeed scores addresses from a static table.
type fixedFeed map[string]int

func (f fixedFeed) Score(_ context.Context, address string) (int, error) {
	if s, ok := f[strings.ToLower(address)]; ok {
		return s, nil
	}
	return 0, reputation.ErrUnavailable
}

type signer struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newSigner(t *testing.T) signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return signer{key: key, addr: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	cfg := &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		LogFormat:       "text",
		SupportedTokens: []string{testToken},
		FeeBasisPoints:  250,
		AuthMaxSkew:     5 * time.Minute,
	}
	cfg.Ledger.Driver = "memory"
	cfg.Ledger.CallTimeout = 5 * time.Second
	cfg.Ledger.SettleTimeout = time.Minute
	cfg.Ledger.BreakerThreshold = 5
	cfg.Ledger.BreakerCooldown = 30 * time.Second
	cfg.Dispute.EvidenceWindow = 48 * time.Hour
	cfg.Dispute.VotingWindow = 72 * time.Hour
	cfg.Dispute.QuorumWeight = 100
	cfg.Dispute.TallyPoll = time.Minute
	cfg.Recovery.BaseDelay = time.Second
	cfg.Recovery.MaxDelay = time.Minute
	cfg.Recovery.MaxAttempts = 3
	cfg.Recovery.PollInterval = time.Minute
	cfg.Reputation.Timeout = time.Second
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	return s
}

func (s *Server) do(t *testing.T, method, path string, body any, as *signer) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		ts := time.Now().Unix()
		sig, err := auth.Sign(as.key, auth.CanonicalMessage(method, path, ts, raw))
		require.NoError(t, err)
		req.Header.Set(auth.HeaderAddress, as.addr)
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, sig)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := s.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := s.do(t, "GET", "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	// Run() has not been called
	w := s.do(t, "GET", "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = s.do(t, "GET", "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := s.do(t, "GET", "/v1/info", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "escrowd", resp["name"])
	assert.Equal(t, "memory", resp["ledger"])
	assert.EqualValues(t, 250, resp["feeBasisPoints"])
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t, testConfig())

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/escrows",
		"POST:/v1/escrows/validate",
		"GET:/v1/escrows/:id",
		"POST:/v1/escrows/:id/lock",
		"POST:/v1/escrows/:id/deliver",
		"POST:/v1/escrows/:id/approve",
		"POST:/v1/escrows/:id/dispute",
		"POST:/v1/escrows/:id/cancel",
		"GET:/v1/escrows/:id/dispute",
		"GET:/v1/escrows/:id/recovery",
		"POST:/v1/escrows/:id/retry",
		"GET:/v1/disputes/:id",
		"POST:/v1/disputes/:id/evidence",
		"POST:/v1/disputes/:id/votes",
		"POST:/v1/disputes/:id/tally",
		"GET:/v1/agents/:address/escrows",
		"GET:/v1/reputation/:address",
		"POST:/v1/listings",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestProtectedRoutesRequireSignature(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := s.do(t, "POST", "/v1/escrows", map[string]string{"listingId": "lst_1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, "POST", "/v1/disputes/dsp_1/votes", map[string]bool{"sideForBuyer": true}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMalformedPathParamsRejected(t *testing.T) {
	s := newTestServer(t, testConfig())

	for _, path := range []string{
		"/v1/reputation/bob",
		"/v1/agents/0x1234/escrows",
		"/v1/escrows/" + strings.Repeat("a", 200),
		"/v1/disputes/" + strings.Repeat("d", 200),
	} {
		w := s.do(t, "GET", path, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}

	w := s.do(t, "GET", "/v1/escrows/esc_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitApplies(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 10 // burst 1
	s := newTestServer(t, cfg)
	t.Cleanup(s.rateLimiter.Stop)

	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/v1/info", nil, nil).Code)
	w := s.do(t, "GET", "/v1/info", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

// ---------------------------------------------------------------------------
// End-to-end flows
// ---------------------------------------------------------------------------

// openEscrow creates a listing and a funded escrow, returning the escrow ID.
func openEscrow(t *testing.T, s *Server, buyer, seller signer) string {
	t.Helper()

	w := s.do(t, "POST", "/v1/listings", map[string]string{"title": "GPU hours"}, &seller)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	listingID := decode(t, w)["listing"].(map[string]any)["id"].(string)

	w = s.do(t, "POST", "/v1/escrows", escrow.CreateRequest{
		ListingID:  listingID,
		BuyerAddr:  buyer.addr,
		SellerAddr: seller.addr,
		TokenAddr:  testToken,
		Amount:     "100",
	}, &buyer)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["escrowId"].(string)

	w = s.do(t, "POST", "/v1/escrows/"+id+"/lock", map[string]string{"amount": "100", "tokenAddr": testToken}, &buyer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, "confirmed", resp["funds"])
	assert.Equal(t, "funds_locked", resp["escrow"].(map[string]any)["status"])
	return id
}

func TestEscrowHappyPath(t *testing.T) {
	lc := ledger.NewMemoryClient()
	s := newTestServer(t, testConfig(), WithLedger(lc))
	buyer, seller := newSigner(t), newSigner(t)

	id := openEscrow(t, s, buyer, seller)

	w := s.do(t, "POST", "/v1/escrows/"+id+"/deliver", nil, &seller)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "POST", "/v1/escrows/"+id+"/approve", nil, &buyer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "approved", decode(t, w)["escrow"].(map[string]any)["status"])

	w = s.do(t, "GET", "/v1/agents/"+seller.addr+"/escrows", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestDisputeResolvedByQuorum(t *testing.T) {
	arbitrator, voter := newSigner(t), newSigner(t)
	cfg := testConfig()
	cfg.Dispute.Arbitrators = []string{arbitrator.addr}
	s := newTestServer(t, cfg, WithReputationFeed(fixedFeed{voter.addr: 100}))
	buyer, seller := newSigner(t), newSigner(t)

	id := openEscrow(t, s, buyer, seller)

	w := s.do(t, "POST", "/v1/escrows/"+id+"/dispute", map[string]string{"reason": "never delivered"}, &buyer)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	disputeID := decode(t, w)["disputeId"].(string)
	require.NotEmpty(t, disputeID)

	w = s.do(t, "POST", "/v1/disputes/"+disputeID+"/evidence", map[string]string{"content": "tracking shows no shipment"}, &buyer)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Parties never vote
	w = s.do(t, "POST", "/v1/disputes/"+disputeID+"/voting", nil, &buyer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, "POST", "/v1/disputes/"+disputeID+"/voting", nil, &arbitrator)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "voting", decode(t, w)["status"])

	w = s.do(t, "POST", "/v1/disputes/"+disputeID+"/votes", map[string]bool{"sideForBuyer": true}, &seller)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, "POST", "/v1/disputes/"+disputeID+"/votes", map[string]bool{"sideForBuyer": true}, &voter)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, "resolved", resp["status"])
	assert.Equal(t, string(escrow.ResolutionRefund), resp["outcome"])

	w = s.do(t, "GET", "/v1/escrows/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	e := decode(t, w)["escrow"].(map[string]any)
	assert.Equal(t, "resolved", e["status"])
	assert.Equal(t, string(escrow.ResolutionRefund), e["resolution"])

	w = s.do(t, "GET", "/v1/escrows/"+id+"/dispute", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode(t, w)["archivedAt"])
}

func TestEscrowOperation(t *testing.T) {
	tests := []struct {
		op     ledger.Operation
		status escrow.Status
		want   escrow.Operation
	}{
		{ledger.OpLock, escrow.StatusValidated, escrow.OpFund},
		{ledger.OpRelease, escrow.StatusDeliveryConfirmed, escrow.OpConfirm},
		{ledger.OpRelease, escrow.StatusDisputed, escrow.OpResolve},
		{ledger.OpRefund, escrow.StatusDisputed, escrow.OpResolve},
		{ledger.OpRefund, escrow.StatusFundsLocked, escrow.OpCancel},
	}
	for _, tt := range tests {
		t.Run(string(tt.op)+"/"+string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, escrowOperation(tt.op, tt.status))
		})
	}
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://escrowd:***@db:5432/escrowd", maskDSN("postgres://escrowd:secret@db:5432/escrowd"))
	assert.Equal(t, "***", maskDSN("://bad"))
}

package auth

import (
	"crypto/ecdsa"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestRecoverAddress_RoundTrip(t *testing.T) {
	key, addr := newKey(t)
	msg := CanonicalMessage("post", "/v1/escrows", 1700000000, []byte(`{"a":1}`))
	sig, err := Sign(key, msg)
	require.NoError(t, err)

	got, err := RecoverAddress(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	_, err = RecoverAddress(msg, "0x1234")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	key, addr := newKey(t)
	now := time.Unix(1700000000, 0)
	v := NewVerifier(5*time.Minute, []string{strings.ToUpper(addr[:2]) + addr[2:]})
	v.now = func() time.Time { return now }

	body := []byte(`{"reason":"late"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := Sign(key, CanonicalMessage("POST", "/v1/escrows/e1/cancel", now.Unix(), body))
	require.NoError(t, err)

	got, err := v.Verify("POST", "/v1/escrows/e1/cancel", addr, ts, sig, body)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
	assert.True(t, v.IsAdmin(addr))

	_, err = v.Verify("POST", "/v1/escrows/e1/cancel", addr, ts, sig, body)
	assert.ErrorIs(t, err, ErrReplayed)

	_, err = v.Verify("POST", "/v1/escrows/e1/cancel", addr, ts, sig, []byte(`{}`))
	assert.ErrorIs(t, err, ErrBadSignature, "tampered body")

	stale := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	_, err = v.Verify("POST", "/x", addr, stale, sig, body)
	assert.ErrorIs(t, err, ErrStaleTimestamp)

	_, err = v.Verify("POST", "/x", "", ts, sig, body)
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	key, addr := newKey(t)
	v := NewVerifier(5*time.Minute, nil)

	r := gin.New()
	r.Use(Middleware(v))
	r.POST("/open", func(c *gin.Context) {
		c.String(http.StatusOK, GetAuthenticatedAgent(c))
	})
	r.POST("/closed", RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, GetAuthenticatedAgent(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/open", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/closed", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	body := `{"x":1}`
	ts := time.Now().Unix()
	sig, err := Sign(key, CanonicalMessage("POST", "/closed", ts, []byte(body)))
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/closed", strings.NewReader(body))
	req.Header.Set(HeaderAddress, addr)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sig)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, addr, w.Body.String())

	req = httptest.NewRequest("POST", "/open", strings.NewReader(body))
	req.Header.Set(HeaderAddress, addr)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, "0xdeadbeef")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidEthAddress(tc.addr), "IsValidEthAddress(%q)", tc.addr)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 10))
	assert.Equal(t, "hello", SanitizeString("hello world", 5))
	assert.Equal(t, "helloworld", SanitizeString("hello\x00world", 20))
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	errs := Validate(
		Required("listing_id", ""),
		ValidAddress("buyer", "invalid"),
		PositiveUnits("amount", "0"),
		Check("seller", "distinct_parties", false, "buyer and seller must differ"),
	)
	require.Len(t, errs, 4)
	assert.True(t, errs.Has("required"))
	assert.True(t, errs.Has("address"))
	assert.True(t, errs.Has("amount_positive"))
	assert.True(t, errs.Has("distinct_parties"))
	assert.Contains(t, errs.Error(), "buyer: must be a valid Ethereum address")
	assert.Contains(t, errs.Error(), "; ")
}

func TestValidate_NoViolations(t *testing.T) {
	errs := Validate(
		Required("name", "John"),
		ValidAddress("address", "0x1234567890123456789012345678901234567890"),
		PositiveUnits("amount", "100"),
	)
	assert.Empty(t, errs)
	assert.Equal(t, "validation failed", ValidationErrors{}.Error())
}

func TestPositiveUnits(t *testing.T) {
	tests := []struct {
		value string
		rule  string
	}{
		{"100", ""},
		{"1", ""},
		{"0", "amount_positive"},
		{"1.50", "amount_format"},
		{"-1", "amount_format"},
		{"", "amount_format"},
	}
	for _, tc := range tests {
		err := PositiveUnits("amount", tc.value)()
		if tc.rule == "" {
			assert.Nil(t, err, tc.value)
			continue
		}
		require.NotNil(t, err, tc.value)
		assert.Equal(t, tc.rule, err.Rule)
	}
}

func TestMaxLength(t *testing.T) {
	assert.Nil(t, MaxLength("field", "hello", 5)())
	assert.NotNil(t, MaxLength("field", "hello world", 5)())
}

func TestParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/escrows/:id", ParamMiddleware("id", 8), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/escrows/esc_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/escrows/esc_123456789", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r.GET("/info", ParamMiddleware("id", 8), func(c *gin.Context) { c.Status(http.StatusOK) })
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/info", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/reputation/:address", AddressParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/reputation/0x1234567890123456789012345678901234567890", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/reputation/bob", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// Package validation provides input validation helpers and middleware for the escrow API.
//
// Validators return every violated rule rather than stopping at the first,
// so callers can report all problems with a request at once.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks for a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError is a single violated rule.
type ValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationErrors is the full list of violated rules for one request.
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Field + ": " + v.Message
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether the list contains a violation of rule.
func (e ValidationErrors) Has(rule string) bool {
	for _, v := range e {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

// Validator checks one rule and returns nil when it holds.
type Validator func() *ValidationError

// Validate runs every validator and collects all violations.
func Validate(validators ...Validator) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Check is a generic rule: ok must hold.
func Check(field, rule string, ok bool, message string) Validator {
	return func() *ValidationError {
		if ok {
			return nil
		}
		return &ValidationError{Field: field, Rule: rule, Message: message}
	}
}

// Required checks if a field is non-empty
func Required(field, value string) Validator {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Rule: "required", Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address. Empty values
// pass; combine with Required for mandatory fields.
func ValidAddress(field, value string) Validator {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Rule: "address", Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) Validator {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Rule: "max_length", Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveUnits checks that value is an integer base-unit amount above zero.
func PositiveUnits(field, value string) Validator {
	return func() *ValidationError {
		v, ok := money.ParseUnits(value)
		if !ok {
			return &ValidationError{Field: field, Rule: "amount_format", Message: "must be an integer amount in base units"}
		}
		if v.Sign() <= 0 {
			return &ValidationError{Field: field, Rule: "amount_positive", Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// ParamMiddleware rejects requests whose :name path parameter is empty or
// longer than maxLen before they reach a handler. Routes without the
// parameter pass through.
func ParamMiddleware(name string, maxLen int) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Params.Get(name)
		if !ok {
			c.Next()
			return
		}
		if v == "" || len(v) > maxLen || strings.ContainsAny(v, " \x00") {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + name,
				"message": name + " path parameter is malformed",
			})
			return
		}
		c.Next()
	}
}

// AddressParamMiddleware validates the :address URL parameter.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

// Package validation provides input validation for protocol payloads and the
// HTTP API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// hashRegex matches a 64-char lowercase-or-uppercase hex content hash
// (keccak256 output without 0x prefix).
var hashRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// IsValidAddress checks if a string is a valid peer address (0x + 40 hex).
func IsValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// NormalizeAddress lowercases a peer address so comparisons are stable.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// IsValidHash checks if a string is a canonical content hash.
func IsValidHash(s string) bool {
	return hashRegex.MatchString(s)
}

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// HashParamMiddleware validates the :hash URL parameter on routes that use it,
// rejecting malformed aggregate hashes before they reach a store.
func HashParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Param("hash")
		if h != "" && !IsValidHash(h) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_hash",
				"message": "hash must be 64 hex characters",
			})
			return
		}
		c.Next()
	}
}

// ValidationError represents a single field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks that a field is a valid peer address, if present.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // use Required for required fields
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// Package validation checks API request fields and rejects malformed
// input before it reaches a service.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/splitpay/internal/usdc"
)

// MaxRequestSize caps request bodies at 1 MiB.
const MaxRequestSize = 1 << 20

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every rejected field of a request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Respond writes a 400 validation_error and reports true when e is
// non-empty. Handlers return immediately when it does.
func (e Errors) Respond(c *gin.Context) bool {
	if len(e) == 0 {
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": e.Error(),
		"details": e,
	})
	return true
}

// Rule checks one field and returns nil when it passes.
type Rule func() *FieldError

// Check runs every rule and collects the failures in order.
func Check(rules ...Rule) Errors {
	var errs Errors
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

func fail(field, msg string) *FieldError {
	return &FieldError{Field: field, Message: msg}
}

// Required rejects blank values.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

// MaxLength rejects values longer than limit bytes.
func MaxLength(field, value string, limit int) Rule {
	return func() *FieldError {
		if len(value) > limit {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

// Address rejects anything but an Ethereum address. Empty passes; pair
// it with Required.
func Address(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsAddress(value) {
			return fail(field, "must be a valid Ethereum address (0x...)")
		}
		return nil
	}
}

// Amount rejects anything but a positive USDC amount with at most six
// decimals. Empty passes.
func Amount(field, value string) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		amount, ok := usdc.Parse(value)
		switch {
		case !ok:
			return fail(field, "invalid amount format")
		case amount.Sign() <= 0:
			return fail(field, "amount must be greater than zero")
		}
		return nil
	}
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
// Mixed-case input must carry a valid EIP-55 checksum.
func IsAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return false
	}
	body := s[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(s).Hex() == s
}

// IsTxHash reports whether s is a 0x-prefixed 32-byte hex hash.
func IsTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

// BodyLimit caps the request body at maxSize bytes.
func BodyLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParam rejects requests whose named path parameter is not an
// address.
func AddressParam(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(name); v != "" && !IsAddress(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": name + " must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

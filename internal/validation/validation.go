// Package validation checks request input before it reaches a service.
package validation

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/ether"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	return common.IsHexAddress(s)
}

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
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field. It returns nil when the field is acceptable.
type Rule func() *FieldError

// Validate runs every rule and returns the failures in order.
func Validate(rules ...Rule) Errors {
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

// ValidAddress accepts an empty value; pair it with a binding:"required" tag
// when the field is mandatory.
func ValidAddress(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsAddress(value) {
			return fail(field, "must be a valid Ethereum address (0x...)")
		}
		return nil
	}
}

// NonZeroAddress rejects the all-zero address, which nobody can sign for.
func NonZeroAddress(field, value string) Rule {
	return func() *FieldError {
		if IsAddress(value) && common.HexToAddress(value) == (common.Address{}) {
			return fail(field, "must not be the zero address")
		}
		return nil
	}
}

// PositiveEther accepts an empty value or an ether decimal above zero with at
// most 18 fractional digits.
func PositiveEther(field, value string) Rule {
	return positive(field, value, ether.Parse)
}

// PositiveWei accepts an empty value or a base-10 wei integer above zero and
// no larger than 2^256-1.
func PositiveWei(field, value string) Rule {
	return positive(field, value, ether.ParseWei)
}

func positive(field, value string, parse func(string) (*big.Int, bool)) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		v, ok := parse(value)
		if !ok {
			return fail(field, "invalid amount format")
		}
		if v.Sign() <= 0 {
			return fail(field, "amount must be greater than zero")
		}
		return nil
	}
}

// ExactlyOne requires exactly one of two alternative fields to be set.
func ExactlyOne(a, aValue, b, bValue string) Rule {
	return func() *FieldError {
		switch {
		case aValue == "" && bValue == "":
			return fail(a, "one of "+a+" or "+b+" is required")
		case aValue != "" && bValue != "":
			return fail(a, "must not be combined with "+b)
		}
		return nil
	}
}

// AtMostOne rejects setting both of two alternative fields. Setting neither
// is allowed.
func AtMostOne(a, aValue, b, bValue string) Rule {
	return func() *FieldError {
		if aValue != "" && bValue != "" {
			return fail(a, "must not be combined with "+b)
		}
		return nil
	}
}

// AddressParamMiddleware rejects requests whose named URL parameters are
// present but not addresses. With no names it checks :address.
func AddressParamMiddleware(params ...string) gin.HandlerFunc {
	if len(params) == 0 {
		params = []string{"address"}
	}
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsAddress(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_address",
					"message": p + " must be a valid Ethereum address (0x + 40 hex chars)",
				})
				return
			}
		}
		c.Next()
	}
}

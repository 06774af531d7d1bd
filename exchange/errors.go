package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownOrder marks a cancel or query against an order the exchange no
// longer knows: it was filled or cancelled concurrently.
var ErrUnknownOrder = errors.New("unknown order")

// APIError is an error response returned by the exchange.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s (code: %d)", e.Msg, e.Code)
}

// Binance futures codes for orders that are already resolved.
const (
	codeUnknownOrder   = -2011
	codeOrderNotExists = -2013
)

// IsUnknownOrder reports whether err is a benign race: the target order was
// already resolved by the exchange.
func IsUnknownOrder(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownOrder) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeUnknownOrder || apiErr.Code == codeOrderNotExists {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown order sent") || strings.Contains(msg, "order does not exist")
}

package etherscan

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// MaxHeight is the "latest" sentinel passed as endblock. It is also the
// highest block a transfer may carry, since heights are stored as BIGINT.
const MaxHeight uint64 = math.MaxInt64

// PageSize is the fixed number of results requested per page.
const PageSize = 10000

// noTransactions is the message the explorer pairs with status "0" when the
// requested range simply has no data.
const noTransactions = "No transactions found"

// ErrUpstream matches every failure reported by the explorer itself.
var ErrUpstream = errors.New("etherscan upstream error")

// APIError is a non-success envelope returned by the explorer.
type APIError struct {
	Status  string
	Message string
	Detail  string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("Etherscan error: %s (%s)", e.Message, e.Detail)
	}
	return fmt.Sprintf("Etherscan error: %s", e.Message)
}

// Is lets callers match any APIError with errors.Is(err, ErrUpstream).
func (e *APIError) Is(target error) bool {
	return target == ErrUpstream
}

// envelope is the common response wrapper. Result is a list on success and a
// string detail on failure, so it is decoded lazily.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// resultDetail returns Result when it is a non-empty JSON string.
func (e envelope) resultDetail() string {
	var s string
	if err := json.Unmarshal(e.Result, &s); err != nil {
		return ""
	}
	return s
}

type proxyEnvelope struct {
	Result string `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	// proxy endpoints fall back to the account envelope on auth failures
	Status  string `json:"status"`
	Message string `json:"message"`
}

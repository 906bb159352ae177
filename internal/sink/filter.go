package sink

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"github.com/devblac/tokenwatch/internal/transfer"
)

// Predicate reports whether a transfer matches a condition.
type Predicate func(t transfer.Transfer) bool

// Fields available to filter expressions.
const (
	fieldValue     = "value_wei"
	fieldFrom      = "from"
	fieldTo        = "to"
	fieldContract  = "contract"
	fieldSymbol    = "token_symbol"
	fieldBlock     = "block_number"
	fieldDirection = "direction"
)

// CompilePredicates parses sink filter expressions. watched is the synced
// address, used to derive direction ("in", "out" or "self").
// Supported operators: ==, !=, >, <, >=, <=, in, contains.
// Examples:
//
//	"value_wei >= 1_000 * 1e18"
//	"direction == in"
//	"token_symbol in USDC,USDT"
//	"to contains dead"
func CompilePredicates(exprs []string, watched string) ([]Predicate, error) {
	watched = strings.ToLower(watched)
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw, watched)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compile(expr, watched string) (Predicate, error) {
	if field, list, ok := strings.Cut(expr, " in "); ok {
		get, err := accessor(strings.TrimSpace(field), watched)
		if err != nil {
			return nil, err
		}
		values := make(map[string]struct{})
		for _, v := range strings.Split(list, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values[strings.ToLower(v)] = struct{}{}
			}
		}
		return func(t transfer.Transfer) bool {
			_, hit := values[strings.ToLower(get(t))]
			return hit
		}, nil
	}

	if field, needle, ok := strings.Cut(expr, " contains "); ok {
		get, err := accessor(strings.TrimSpace(field), watched)
		if err != nil {
			return nil, err
		}
		needle = strings.ToLower(strings.TrimSpace(needle))
		return func(t transfer.Transfer) bool {
			return strings.Contains(strings.ToLower(get(t)), needle)
		}, nil
	}

	var op string
	for _, candidate := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.Contains(expr, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	lhs, rhs, _ := strings.Cut(expr, op)
	field := strings.TrimSpace(lhs)
	rhs = strings.TrimSpace(rhs)

	switch field {
	case fieldValue, fieldBlock:
		want, ok := evaluateAmount(rhs)
		if !ok {
			return nil, fmt.Errorf("%s needs a numeric operand: %s", field, expr)
		}
		return func(t transfer.Transfer) bool {
			return compareAmounts(amountOf(t, field).Cmp(want), op)
		}, nil
	}

	get, err := accessor(field, watched)
	if err != nil {
		return nil, err
	}
	switch op {
	case "==":
		return func(t transfer.Transfer) bool { return strings.EqualFold(get(t), rhs) }, nil
	case "!=":
		return func(t transfer.Transfer) bool { return !strings.EqualFold(get(t), rhs) }, nil
	default:
		return nil, fmt.Errorf("operator %s is only valid for %s and %s", op, fieldValue, fieldBlock)
	}
}

func accessor(field, watched string) (func(transfer.Transfer) string, error) {
	switch field {
	case fieldFrom:
		return func(t transfer.Transfer) string { return t.From }, nil
	case fieldTo:
		return func(t transfer.Transfer) string { return t.To }, nil
	case fieldContract:
		return func(t transfer.Transfer) string { return t.Contract }, nil
	case fieldSymbol:
		return func(t transfer.Transfer) string {
			if t.TokenSymbol == nil {
				return ""
			}
			return *t.TokenSymbol
		}, nil
	case fieldValue:
		return func(t transfer.Transfer) string { return t.ValueString() }, nil
	case fieldBlock:
		return func(t transfer.Transfer) string { return strconv.FormatUint(t.BlockNumber, 10) }, nil
	case fieldDirection:
		return func(t transfer.Transfer) string { return direction(t, watched) }, nil
	default:
		return nil, fmt.Errorf("unknown field %q", field)
	}
}

func direction(t transfer.Transfer, watched string) string {
	switch {
	case t.From == watched && t.To == watched:
		return "self"
	case t.From == watched:
		return "out"
	case t.To == watched:
		return "in"
	default:
		return ""
	}
}

func amountOf(t transfer.Transfer, field string) *uint256.Int {
	if field == fieldBlock {
		return uint256.NewInt(t.BlockNumber)
	}
	if t.Value == nil {
		return new(uint256.Int)
	}
	return t.Value
}

func compareAmounts(cmp int, op string) bool {
	switch op {
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return false
}

// evaluateAmount evaluates an exact unsigned integer expression, supporting:
// - plain integers: "100", "1_000_000"
// - integer scientific notation: "1e18", "25e5"
// - a single multiplication: "1_000 * 1e18"
func evaluateAmount(s string) (*uint256.Int, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if a, b, ok := strings.Cut(s, "*"); ok {
		x, ok1 := evaluateAmount(a)
		y, ok2 := evaluateAmount(b)
		if !ok1 || !ok2 {
			return nil, false
		}
		out, overflow := new(uint256.Int).MulOverflow(x, y)
		return out, !overflow
	}

	mant, exp, sci := strings.Cut(strings.ToLower(s), "e")
	if !sci {
		v, err := uint256.FromDecimal(s)
		return v, err == nil
	}
	m, ok := new(big.Int).SetString(mant, 10)
	if !ok || m.Sign() < 0 {
		return nil, false
	}
	e, err := strconv.ParseUint(exp, 10, 8)
	if err != nil {
		return nil, false
	}
	m.Mul(m, new(big.Int).Exp(big.NewInt(10), new(big.Int).SetUint64(e), nil))
	v, overflow := uint256.FromBig(m)
	return v, !overflow
}

// filtered sends only transfers matching every predicate.
type filtered struct {
	next  Sender
	preds []Predicate
}

func (f *filtered) Send(ctx context.Context, t transfer.Transfer) error {
	for _, p := range f.preds {
		if !p(t) {
			return nil
		}
	}
	return f.next.Send(ctx, t)
}

func (f *filtered) Close() error {
	if c, ok := f.next.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

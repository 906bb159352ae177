package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// ErrMalformed marks an upstream record whose fields cannot be parsed.
var ErrMalformed = errors.New("malformed transfer")

// RawTransfer is one record of the explorer's tokentx listing, kept verbatim.
type RawTransfer struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	LogIndex        string `json:"logIndex"`
	ContractAddress string `json:"contractAddress"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
}

// Transfer is a normalized ERC20 transfer log, keyed by (TxHash, LogIndex).
type Transfer struct {
	BlockNumber   uint64
	TxHash        string
	LogIndex      uint64
	Contract      string
	From          string
	To            string
	Value         *uint256.Int
	TokenSymbol   *string
	TokenDecimals uint8
	Timestamp     time.Time
}

// Key returns the uniqueness key of the transfer.
func (t Transfer) Key() string {
	return t.TxHash + ":" + strconv.FormatUint(t.LogIndex, 10)
}

// ValueString renders the amount as a base-10 integer.
func (t Transfer) ValueString() string {
	if t.Value == nil {
		return "0"
	}
	return t.Value.Dec()
}

type transferJSON struct {
	BlockNumber   uint64    `json:"block_number"`
	TxHash        string    `json:"tx_hash"`
	LogIndex      uint64    `json:"log_index"`
	Contract      string    `json:"contract"`
	From          string    `json:"from_addr"`
	To            string    `json:"to_addr"`
	ValueWei      string    `json:"value_wei"`
	TokenSymbol   *string   `json:"token_symbol"`
	TokenDecimals uint8     `json:"token_decimals"`
	Timestamp     time.Time `json:"ts"`
}

// MarshalJSON uses the storage column names and a decimal string amount.
func (t Transfer) MarshalJSON() ([]byte, error) {
	return json.Marshal(transferJSON{
		BlockNumber:   t.BlockNumber,
		TxHash:        t.TxHash,
		LogIndex:      t.LogIndex,
		Contract:      t.Contract,
		From:          t.From,
		To:            t.To,
		ValueWei:      t.ValueString(),
		TokenSymbol:   t.TokenSymbol,
		TokenDecimals: t.TokenDecimals,
		Timestamp:     t.Timestamp,
	})
}

// ParseBlockNumber parses a decimal block height. ok is false for empty or
// non-numeric input.
func ParseBlockNumber(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Normalize validates a raw record and converts it into a Transfer.
// Addresses and the tx hash are lower-cased. Missing log index, decimals and
// timestamp default to zero; everything else must parse.
func Normalize(r RawTransfer) (Transfer, error) {
	block, ok := ParseBlockNumber(r.BlockNumber)
	if !ok || block > math.MaxInt64 {
		return Transfer{}, malformed(r, "block number %q", r.BlockNumber)
	}

	hash := strings.ToLower(strings.TrimSpace(r.Hash))
	raw, err := hexutil.Decode(hash)
	if err != nil || len(raw) != common.HashLength {
		return Transfer{}, malformed(r, "tx hash %q", r.Hash)
	}

	logIndex, err := parseOptionalUint(r.LogIndex, 63)
	if err != nil {
		return Transfer{}, malformed(r, "log index %q", r.LogIndex)
	}

	contract, err := normalizeAddress(r.ContractAddress)
	if err != nil {
		return Transfer{}, malformed(r, "contract %q", r.ContractAddress)
	}
	from, err := normalizeAddress(r.From)
	if err != nil {
		return Transfer{}, malformed(r, "from %q", r.From)
	}
	to, err := normalizeAddress(r.To)
	if err != nil {
		return Transfer{}, malformed(r, "to %q", r.To)
	}

	value, err := uint256.FromDecimal(strings.TrimSpace(r.Value))
	if err != nil {
		return Transfer{}, malformed(r, "value %q", r.Value)
	}

	decimals, err := parseOptionalUint(r.TokenDecimal, 8)
	if err != nil {
		return Transfer{}, malformed(r, "token decimals %q", r.TokenDecimal)
	}

	ts, err := parseOptionalUint(r.TimeStamp, 63)
	if err != nil {
		return Transfer{}, malformed(r, "timestamp %q", r.TimeStamp)
	}

	var symbol *string
	if s := r.TokenSymbol; s != "" {
		symbol = &s
	}

	return Transfer{
		BlockNumber:   block,
		TxHash:        hash,
		LogIndex:      logIndex,
		Contract:      contract,
		From:          from,
		To:            to,
		Value:         value,
		TokenSymbol:   symbol,
		TokenDecimals: uint8(decimals),
		Timestamp:     time.Unix(int64(ts), 0).UTC(),
	}, nil
}

// NormalizeAddress lower-cases a 0x address after checking its shape.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) || !strings.HasPrefix(strings.ToLower(addr), "0x") {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return strings.ToLower(addr), nil
}

// normalizeAddress accepts an empty value (contract creations and burns can
// come back without a counterparty).
func normalizeAddress(addr string) (string, error) {
	if strings.TrimSpace(addr) == "" {
		return "", nil
	}
	return NormalizeAddress(addr)
}

func parseOptionalUint(s string, bits int) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, bits)
}

func malformed(r RawTransfer, format string, args ...any) error {
	return fmt.Errorf("%w: tx %s: %s", ErrMalformed, r.Hash, fmt.Sprintf(format, args...))
}

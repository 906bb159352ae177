package etherscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/tokenwatch/internal/transfer"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"
)

const defaultTimeout = 20 * time.Second

// Config parameterizes the explorer client.
type Config struct {
	BaseURL string
	ChainID string
	APIKey  string
	Timeout time.Duration
	// RPS paces requests client-side; 0 disables pacing.
	RPS float64
}

// Client issues tokentx requests against an Etherscan v2 compatible API.
type Client struct {
	endpoint string
	chainID  string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient builds a client. The base URL is the explorer host; the v2 API
// path is appended.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("etherscan base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse etherscan base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	chainID := cfg.ChainID
	if chainID == "" {
		chainID = "1"
	}
	c := &Client{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/v2/api",
		chainID:  chainID,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
	}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return c, nil
}

// FetchPage requests one page of ERC20 transfers for address within
// [fromBlock, toBlock], ascending. An empty range returns (nil, nil).
func (c *Client) FetchPage(ctx context.Context, address string, fromBlock, toBlock uint64) ([]transfer.RawTransfer, error) {
	q := c.query("account", "tokentx")
	q.Set("address", address)
	q.Set("startblock", strconv.FormatUint(fromBlock, 10))
	q.Set("endblock", strconv.FormatUint(toBlock, 10))
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(PageSize))
	q.Set("sort", "asc")

	var env envelope
	if err := c.get(ctx, q, &env); err != nil {
		return nil, err
	}

	if env.Status == "1" {
		var rows []transfer.RawTransfer
		if len(env.Result) > 0 && string(env.Result) != "null" {
			if err := json.Unmarshal(env.Result, &rows); err != nil {
				return nil, fmt.Errorf("decode tokentx result: %w", err)
			}
		}
		return rows, nil
	}
	if env.Message == noTransactions {
		return nil, nil
	}
	return nil, &APIError{Status: env.Status, Message: env.Message, Detail: env.resultDetail()}
}

// Ping returns the chain head as reported by the explorer's proxy module.
func (c *Client) Ping(ctx context.Context) (uint64, error) {
	var env proxyEnvelope
	if err := c.get(ctx, c.query("proxy", "eth_blockNumber"), &env); err != nil {
		return 0, err
	}
	if env.Error != nil {
		return 0, &APIError{Message: env.Error.Message}
	}
	if env.Status == "0" {
		return 0, &APIError{Status: env.Status, Message: env.Message, Detail: env.Result}
	}
	head, err := hexutil.DecodeUint64(env.Result)
	if err != nil {
		return 0, fmt.Errorf("decode block number %q: %w", env.Result, err)
	}
	return head, nil
}

func (c *Client) query(module, action string) url.Values {
	q := url.Values{}
	q.Set("chainid", c.chainID)
	q.Set("module", module)
	q.Set("action", action)
	q.Set("apikey", c.apiKey)
	return q
}

func (c *Client) get(ctx context.Context, q url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// keep the api key out of logged errors
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = c.endpoint
		}
		return fmt.Errorf("call %s: %w", q.Get("action"), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("etherscan http status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

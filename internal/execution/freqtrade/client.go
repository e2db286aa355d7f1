package freqtrade

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/execution"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Client wraps the Freqtrade REST endpoints the executor needs.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	username   string
	password   string
	token      string
}

func NewClient(cfg config.FreqtradeConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.APIURL)
	if raw == "" {
		return nil, fmt.Errorf("freqtrade.api_url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse freqtrade.api_url: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		} else {
			transport.TLSClientConfig.InsecureSkipVerify = true // #nosec G402
		}
	}
	rps := cfg.PollsPerSecond
	if rps <= 0 {
		rps = 2
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		username:   strings.TrimSpace(cfg.Username),
		password:   strings.TrimSpace(cfg.Password),
		token:      strings.TrimSpace(cfg.APIToken),
	}, nil
}

// SetHTTPClient swaps the HTTP client, for tests.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

type ForceEnterPayload struct {
	Pair        string  `json:"pair"`
	Side        string  `json:"side"`
	OrderType   string  `json:"ordertype,omitempty"`
	StakeAmount float64 `json:"stakeamount,omitempty"`
	EntryTag    string  `json:"entry_tag,omitempty"`
}

type ForceExitPayload struct {
	TradeID   string  `json:"tradeid"`
	OrderType string  `json:"ordertype,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
}

// ForceEnter opens a trade and returns its trade id.
func (c *Client) ForceEnter(ctx context.Context, p ForceEnterPayload) (int64, error) {
	body, err := c.do(ctx, http.MethodPost, "/forceenter", p)
	if err != nil {
		return 0, err
	}
	id := gjson.GetBytes(body, "trade_id").Int()
	if id <= 0 {
		return 0, execution.Fatal(fmt.Errorf("freqtrade forceenter returned no trade_id: %s", truncate(body)))
	}
	return id, nil
}

func (c *Client) ForceExit(ctx context.Context, p ForceExitPayload) error {
	_, err := c.do(ctx, http.MethodPost, "/forceexit", p)
	return err
}

// Trade returns the raw trade document for id.
func (c *Client) Trade(ctx context.Context, id int64) (gjson.Result, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/trade/%d", id), nil)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(body), nil
}

// OpenTrades returns the /status array.
func (c *Client) OpenTrades(ctx context.Context) (gjson.Result, error) {
	body, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(body), nil
}

func (c *Client) CancelOpenOrder(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/trades/%d/open-order", id), nil)
	return err
}

func (c *Client) Balance(ctx context.Context) (gjson.Result, error) {
	body, err := c.do(ctx, http.MethodGet, "/balance", nil)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(body), nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c == nil {
		return nil, execution.Fatal(fmt.Errorf("freqtrade client not initialized"))
	}
	endpoint, err := c.resolveEndpoint(path)
	if err != nil {
		return nil, execution.Fatal(err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, execution.Fatal(fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, execution.Fatal(fmt.Errorf("build request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call freqtrade %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read freqtrade response: %w", err)
	}
	if resp.StatusCode >= 300 {
		herr := fmt.Errorf("freqtrade %s %s: %s: %s", method, path, resp.Status, truncate(data))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, execution.Retryable(herr)
		}
		return nil, execution.Fatal(herr)
	}
	if len(bytes.TrimSpace(data)) > 0 && !gjson.ValidBytes(data) {
		return nil, execution.Fatal(fmt.Errorf("freqtrade %s returned invalid json: %s", path, truncate(data)))
	}
	return data, nil
}

func truncate(b []byte) string {
	const limit = 4096
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

func (c *Client) resolveEndpoint(path string) (*url.URL, error) {
	if c.baseURL == nil {
		return nil, fmt.Errorf("freqtrade api url not set")
	}
	trimmed := strings.TrimSpace(path)
	query := ""
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		query = trimmed[idx+1:]
		trimmed = trimmed[:idx]
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	base := *c.baseURL
	base.Path = strings.TrimSuffix(base.Path, "/") + trimmed
	base.RawPath = ""
	base.RawQuery = query
	base.Fragment = ""
	return &base, nil
}

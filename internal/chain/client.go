package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/basetrust/reputation-engine/configs"
)

var (
	// ErrUnreachable is returned once every transport has exhausted its
	// retries for a call.
	ErrUnreachable = errors.New("all chain transports exhausted")

	// ErrRangeTooWide signals a provider rejection that recommends a
	// narrower block range. The log scanner bisects on it.
	ErrRangeTooWide = errors.New("log range too wide for provider")
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// retryableError marks transport-level failures worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Transport is one RPC endpoint with its own breaker, limiter, and retry
// budget.
type Transport struct {
	name    string
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	healthy atomic.Bool
	latency atomic.Int64 // last probe, microseconds
}

func newTransport(name, url string, timeout time.Duration) *Transport {
	t := &Transport{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
	t.healthy.Store(true)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests >= 10 {
				errorRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if errorRate >= 0.6 {
					return true
				}
			}
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("transport", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Chain transport breaker state changed")
		},
	}
	t.breaker = gobreaker.NewCircuitBreaker(settings)

	return t
}

// call performs one JSON-RPC request through the limiter and breaker.
func (t *Transport) call(ctx context.Context, id int64, method string, params []interface{}, out interface{}) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, t.doHTTP(ctx, id, method, params, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &retryableError{err: err}
	}
	return err
}

func (t *Transport) doHTTP(ctx context.Context, id int64, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &retryableError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return &retryableError{err: fmt.Errorf("%s returned HTTP %d", t.name, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s returned HTTP %d", t.name, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &retryableError{err: fmt.Errorf("decoding %s response: %w", t.name, err)}
	}

	if rpcResp.Error != nil {
		return classifyRPCError(rpcResp.Error)
	}

	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("unmarshaling %s result: %w", method, err)
		}
	}
	return nil
}

// classifyRPCError separates range rejections (bisect), transient
// provider errors (retry), and hard errors (fail).
func classifyRPCError(e *rpcError) error {
	msg := strings.ToLower(e.Message)

	rangeHints := []string{
		"block range",
		"returned more than",
		"response size",
		"range is too",
		"query returned",
		"too many results",
	}
	for _, hint := range rangeHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %s", ErrRangeTooWide, e.Message)
		}
	}

	switch e.Code {
	case -32005, -32603: // limit exceeded, internal error
		return &retryableError{err: e}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "rate limit") {
		return &retryableError{err: e}
	}

	return e
}

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Client fans calls across a ranked set of transports. A 15s probe loop
// reorders them by health and latency so the faster endpoint serves first.
type Client struct {
	cfg        configs.ChainConfig
	transports []*Transport

	mu     sync.RWMutex
	ranked []*Transport

	idCounter atomic.Int64
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewClient builds the transport set from config. The fallback endpoint
// is optional.
func NewClient(cfg configs.ChainConfig) *Client {
	transports := []*Transport{
		newTransport("primary", cfg.PrimaryRPC, cfg.RequestTimeout),
	}
	if cfg.FallbackRPC != "" && cfg.FallbackRPC != cfg.PrimaryRPC {
		transports = append(transports, newTransport("fallback", cfg.FallbackRPC, cfg.RequestTimeout))
	}

	c := &Client{
		cfg:        cfg,
		transports: transports,
		ranked:     append([]*Transport(nil), transports...),
		stopCh:     make(chan struct{}),
	}
	return c
}

// Start launches the transport ranking loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.rankLoop()
}

// Stop halts the ranking loop.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Client) rankLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.rankTransports()
		}
	}
}

func (c *Client) rankTransports() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, t := range c.transports {
		start := time.Now()
		var blockHex string
		err := t.doHTTP(ctx, c.nextID(), "eth_blockNumber", nil, &blockHex)
		if err != nil {
			t.healthy.Store(false)
			t.latency.Store(int64(time.Hour / time.Microsecond))
			continue
		}
		t.healthy.Store(true)
		t.latency.Store(time.Since(start).Microseconds())
	}

	ranked := append([]*Transport(nil), c.transports...)
	sort.SliceStable(ranked, func(i, j int) bool {
		hi, hj := ranked[i].healthy.Load(), ranked[j].healthy.Load()
		if hi != hj {
			return hi
		}
		return ranked[i].latency.Load() < ranked[j].latency.Load()
	})

	c.mu.Lock()
	c.ranked = ranked
	c.mu.Unlock()
}

func (c *Client) rankedTransports() []*Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Transport(nil), c.ranked...)
}

func (c *Client) nextID() int64 {
	return c.idCounter.Add(1)
}

// Call runs a JSON-RPC method against the ranked transports with retries
// and exponential backoff. Range rejections bubble up immediately for the
// scanner to bisect; everything else exhausts the transport set before
// reporting ErrUnreachable.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	var lastErr error

	for _, t := range c.rankedTransports() {
		for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
			if attempt > 0 {
				delay := c.cfg.RetryDelay << (attempt - 1)
				select {
				case <-ctx.Done():
					return fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
				case <-time.After(delay):
				}
			}

			err := t.call(ctx, c.nextID(), method, params, out)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrRangeTooWide) {
				return err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v", ErrUnreachable, err)
			}

			lastErr = err
			if !isRetryable(err) {
				// Hard RPC error; another endpoint may still serve it.
				break
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no transports configured")
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, lastErr)
}

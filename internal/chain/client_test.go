package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basetrust/reputation-engine/configs"
)

// rpcStub answers every JSON-RPC request with the handler's result or
// error, echoing the request id.
func rpcStub(t *testing.T, handle func(method string, params []interface{}) (interface{}, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding rpc request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		result, rpcErr := handle(req.Method, req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			b, err := json.Marshal(result)
			if err != nil {
				t.Errorf("marshaling rpc result: %v", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			resp.Result = b
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func clientConfig(primary, fallback string) configs.ChainConfig {
	return configs.ChainConfig{
		PrimaryRPC:          primary,
		FallbackRPC:         fallback,
		RequestTimeout:      2 * time.Second,
		MaxRetries:          2,
		RetryDelay:          time.Millisecond,
		HealthCheckInterval: time.Minute,
	}
}

func TestClientCallSuccess(t *testing.T) {
	srv := rpcStub(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		assert.Equal(t, "eth_blockNumber", method)
		return "0x10", nil
	})
	defer srv.Close()

	c := NewClient(clientConfig(srv.URL, ""))

	var out string
	require.NoError(t, c.Call(context.Background(), "eth_blockNumber", nil, &out))
	assert.Equal(t, "0x10", out)
}

func TestClientFailsOverToFallback(t *testing.T) {
	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer primary.Close()

	fallback := rpcStub(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		return "0x2a", nil
	})
	defer fallback.Close()

	c := NewClient(clientConfig(primary.URL, fallback.URL))

	var out string
	require.NoError(t, c.Call(context.Background(), "eth_blockNumber", nil, &out))
	assert.Equal(t, "0x2a", out)
	assert.Equal(t, int32(3), primaryHits.Load()) // initial try plus two retries
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "try later", http.StatusTooManyRequests)
			return
		}
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`"0x1"`)}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(clientConfig(srv.URL, ""))

	var out string
	require.NoError(t, c.Call(context.Background(), "eth_blockNumber", nil, &out))
	assert.Equal(t, "0x1", out)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientHardErrorSkipsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := rpcStub(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		hits.Add(1)
		return nil, &rpcError{Code: 3, Message: "execution reverted"}
	})
	defer srv.Close()

	c := NewClient(clientConfig(srv.URL, ""))

	err := c.Call(context.Background(), "eth_call", []interface{}{}, nil)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Contains(t, err.Error(), "execution reverted")
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientRangeRejectionBubblesImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := rpcStub(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		hits.Add(1)
		return nil, &rpcError{Code: -32602, Message: "query returned more than 10000 results"}
	})
	defer srv.Close()

	c := NewClient(clientConfig(srv.URL, ""))

	err := c.Call(context.Background(), "eth_getLogs", []interface{}{}, nil)
	assert.ErrorIs(t, err, ErrRangeTooWide)
	assert.NotErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientExhaustsRetryableRPCErrors(t *testing.T) {
	var hits atomic.Int32
	srv := rpcStub(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		hits.Add(1)
		return nil, &rpcError{Code: -32005, Message: "limit exceeded"}
	})
	defer srv.Close()

	c := NewClient(clientConfig(srv.URL, ""))

	err := c.Call(context.Background(), "eth_getBalance", []interface{}{}, nil)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientCancelledContext(t *testing.T) {
	srv := rpcStub(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		return "0x1", nil
	})
	defer srv.Close()

	c := NewClient(clientConfig(srv.URL, ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Call(ctx, "eth_blockNumber", nil, nil)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClassifyRPCError(t *testing.T) {
	t.Run("range hints", func(t *testing.T) {
		msgs := []string{
			"Block range is too large",
			"query returned more than 10000 results",
			"response size exceeded",
			"Log response size exceeded, this block range should work: [0x1, 0x2]",
		}
		for _, msg := range msgs {
			err := classifyRPCError(&rpcError{Code: -32602, Message: msg})
			assert.ErrorIs(t, err, ErrRangeTooWide, msg)
		}
	})

	t.Run("retryable codes and hints", func(t *testing.T) {
		assert.True(t, isRetryable(classifyRPCError(&rpcError{Code: -32005, Message: "limit exceeded"})))
		assert.True(t, isRetryable(classifyRPCError(&rpcError{Code: -32603, Message: "internal error"})))
		assert.True(t, isRetryable(classifyRPCError(&rpcError{Code: -32000, Message: "request timeout"})))
		assert.True(t, isRetryable(classifyRPCError(&rpcError{Code: -32000, Message: "rate limit reached"})))
	})

	t.Run("hard errors pass through", func(t *testing.T) {
		e := &rpcError{Code: 3, Message: "execution reverted"}
		err := classifyRPCError(e)
		assert.False(t, isRetryable(err))
		assert.NotErrorIs(t, err, ErrRangeTooWide)
		assert.Contains(t, err.Error(), "execution reverted")
	})
}

func TestTransportBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := newTransport("test", srv.URL, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := tr.call(ctx, int64(i), "eth_blockNumber", nil, nil)
		require.Error(t, err)
		assert.True(t, isRetryable(err))
	}

	// Three consecutive failures trip the breaker; the next call is
	// refused locally and stays retryable so the ladder moves on.
	err := tr.call(ctx, 4, "eth_blockNumber", nil, nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, isRetryable(err))
}

func TestClientRanksHealthyTransportsFirst(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := rpcStub(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		return "0x1", nil
	})
	defer good.Close()

	c := NewClient(clientConfig(bad.URL, good.URL))
	require.Equal(t, "primary", c.rankedTransports()[0].name)

	c.rankTransports()

	ranked := c.rankedTransports()
	require.Len(t, ranked, 2)
	assert.Equal(t, "fallback", ranked[0].name)
	assert.Equal(t, "primary", ranked[1].name)
}

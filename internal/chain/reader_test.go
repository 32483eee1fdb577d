package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basetrust/reputation-engine/configs"
)

const (
	stubUSDC     = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	stubRegistry = "0xb94704422c2a1e396835a571837aa5ae53285a95"
	stubAgent    = "0x00000000000000000000000000000000000a6e47"
	stubResolver = "0xc6d566a56a1aff6508b41f6c90ff131615583bcd"
	stubWallet   = "0x1111111111111111111111111111111111111111"
	stubOther    = "0x2222222222222222222222222222222222222222"
)

// chainStub is a canned Base node: fixed tip, balances, and transfer
// logs, with an optional per-request span ceiling for bisection tests.
type chainStub struct {
	tipBlock int64
	tipTime  time.Time

	usdcBal     int64
	usdcBalHex  string // overrides usdcBal when set
	ethBalHex   string
	nonceHex    string
	resolver    string // empty means no resolver registered
	resolvedTo  string
	agentBal    int64
	hasRegistry bool
	hasAgent    bool

	outLogs []rpcLog
	inLogs  []rpcLog
	maxSpan int64

	logCalls atomic.Int32
}

func (s *chainStub) handle(method string, params []interface{}) (interface{}, *rpcError) {
	switch method {
	case "eth_blockNumber":
		return hexQuantity(s.tipBlock), nil
	case "eth_getBlockByNumber":
		return map[string]string{
			"number":    hexQuantity(s.tipBlock),
			"timestamp": hexQuantity(s.tipTime.Unix()),
		}, nil
	case "eth_getBalance":
		return s.ethBalHex, nil
	case "eth_getTransactionCount":
		return s.nonceHex, nil
	case "eth_call":
		call, ok := params[0].(map[string]interface{})
		if !ok {
			return nil, &rpcError{Code: -32602, Message: "bad call params"}
		}
		to, _ := call["to"].(string)
		return s.handleCall(strings.ToLower(to))
	case "eth_getLogs":
		filter, ok := params[0].(map[string]interface{})
		if !ok {
			return nil, &rpcError{Code: -32602, Message: "bad filter params"}
		}
		return s.handleGetLogs(filter)
	}
	return nil, &rpcError{Code: -32601, Message: "method not found"}
}

func (s *chainStub) handleCall(to string) (interface{}, *rpcError) {
	switch {
	case to == stubUSDC:
		if s.usdcBalHex != "" {
			return s.usdcBalHex, nil
		}
		return fmt.Sprintf("0x%064x", s.usdcBal), nil
	case s.hasRegistry && to == stubRegistry:
		if s.resolver == "" {
			return "0x" + strings.Repeat("0", 64), nil
		}
		return "0x000000000000000000000000" + strings.TrimPrefix(s.resolver, "0x"), nil
	case s.resolver != "" && to == s.resolver:
		return abiString(s.resolvedTo), nil
	case s.hasAgent && to == stubAgent:
		return fmt.Sprintf("0x%064x", s.agentBal), nil
	}
	return nil, &rpcError{Code: 3, Message: "execution reverted"}
}

func (s *chainStub) handleGetLogs(filter map[string]interface{}) (interface{}, *rpcError) {
	s.logCalls.Add(1)

	fromHex, _ := filter["fromBlock"].(string)
	toHex, _ := filter["toBlock"].(string)
	from, err := parseHexInt64(fromHex)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "bad fromBlock"}
	}
	to, err := parseHexInt64(toHex)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "bad toBlock"}
	}

	if s.maxSpan > 0 && to-from+1 > s.maxSpan {
		return nil, &rpcError{Code: -32602, Message: "query returned more than 10000 results"}
	}

	topics, _ := filter["topics"].([]interface{})
	source := s.inLogs
	if len(topics) == 2 {
		source = s.outLogs
	}

	matched := []rpcLog{}
	for _, lg := range source {
		blk, err := parseHexInt64(lg.BlockNumber)
		if err != nil {
			continue
		}
		if blk >= from && blk <= to {
			matched = append(matched, lg)
		}
	}
	return matched, nil
}

// abiString encodes a dynamic string return value.
func abiString(s string) string {
	padded := []byte(s)
	if rem := len(padded) % 32; rem != 0 {
		padded = append(padded, make([]byte, 32-rem)...)
	}
	return "0x" + fmt.Sprintf("%064x", 32) + fmt.Sprintf("%064x", len(s)) + hex.EncodeToString(padded)
}

func usdcWord(units int64) string {
	return fmt.Sprintf("0x%064x", units)
}

func newTestReader(url string, s *chainStub, windowDays int) Reader {
	chainCfg := configs.ChainConfig{
		PrimaryRPC:     url,
		USDCContract:   stubUSDC,
		BlocksPerDay:   100,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     0,
		RetryDelay:     time.Millisecond,
	}
	if s.hasRegistry {
		chainCfg.ENSRegistry = stubRegistry
	}
	if s.hasAgent {
		chainCfg.AgentRegistry = stubAgent
	}
	scoringCfg := configs.ScoringConfig{
		LogChunkSize:     500,
		LogParallelBatch: 4,
		WindowDays:       windowDays,
	}
	return NewReader(NewClient(chainCfg), chainCfg, scoringCfg)
}

func TestReaderBlockNumber(t *testing.T) {
	s := &chainStub{tipBlock: 1000}
	srv := rpcStub(t, s.handle)
	defer srv.Close()
	r := newTestReader(srv.URL, s, 2)

	n, err := r.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
}

func TestReaderTokenBalance(t *testing.T) {
	s := &chainStub{usdcBal: 150_000_000}
	srv := rpcStub(t, s.handle)
	defer srv.Close()
	r := newTestReader(srv.URL, s, 2)

	bal, err := r.TokenBalance(context.Background(), stubUSDC, stubWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(150_000_000), bal)
}

func TestReaderTokenBalanceOverflowSaturates(t *testing.T) {
	s := &chainStub{usdcBalHex: "0x10000000000000000"} // 2^64
	srv := rpcStub(t, s.handle)
	defer srv.Close()
	r := newTestReader(srv.URL, s, 2)

	bal, err := r.TokenBalance(context.Background(), stubUSDC, stubWallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<63-1), bal)
}

func TestReaderEthBalance(t *testing.T) {
	s := &chainStub{ethBalHex: "0x1bc16d674ec80000"} // 2 ETH in wei
	srv := rpcStub(t, s.handle)
	defer srv.Close()
	r := newTestReader(srv.URL, s, 2)

	bal, err := r.EthBalance(context.Background(), stubWallet)
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000", bal.String())
}

func TestReaderNonce(t *testing.T) {
	s := &chainStub{nonceHex: "0x4b0"}
	srv := rpcStub(t, s.handle)
	defer srv.Close()
	r := newTestReader(srv.URL, s, 2)

	nonce, err := r.Nonce(context.Background(), stubWallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), nonce)
}

func TestReaderHasName(t *testing.T) {
	t.Run("resolves through registry and resolver", func(t *testing.T) {
		s := &chainStub{hasRegistry: true, resolver: stubResolver, resolvedTo: "alice.base.eth"}
		srv := rpcStub(t, s.handle)
		defer srv.Close()
		r := newTestReader(srv.URL, s, 2)

		has, err := r.HasName(context.Background(), stubWallet)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("no resolver registered", func(t *testing.T) {
		s := &chainStub{hasRegistry: true}
		srv := rpcStub(t, s.handle)
		defer srv.Close()
		r := newTestReader(srv.URL, s, 2)

		has, err := r.HasName(context.Background(), stubWallet)
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("resolver returns empty name", func(t *testing.T) {
		s := &chainStub{hasRegistry: true, resolver: stubResolver, resolvedTo: ""}
		srv := rpcStub(t, s.handle)
		defer srv.Close()
		r := newTestReader(srv.URL, s, 2)

		has, err := r.HasName(context.Background(), stubWallet)
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("registry not configured", func(t *testing.T) {
		s := &chainStub{}
		srv := rpcStub(t, s.handle)
		defer srv.Close()
		r := newTestReader(srv.URL, s, 2)

		has, err := r.HasName(context.Background(), stubWallet)
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func TestReaderInAgentRegistry(t *testing.T) {
	t.Run("member", func(t *testing.T) {
		s := &chainStub{hasAgent: true, agentBal: 1}
		srv := rpcStub(t, s.handle)
		defer srv.Close()
		r := newTestReader(srv.URL, s, 2)

		in, err := r.InAgentRegistry(context.Background(), stubWallet)
		require.NoError(t, err)
		assert.True(t, in)
	})

	t.Run("not a member", func(t *testing.T) {
		s := &chainStub{hasAgent: true}
		srv := rpcStub(t, s.handle)
		defer srv.Close()
		r := newTestReader(srv.URL, s, 2)

		in, err := r.InAgentRegistry(context.Background(), stubWallet)
		require.NoError(t, err)
		assert.False(t, in)
	})

	t.Run("registry not configured", func(t *testing.T) {
		s := &chainStub{}
		srv := rpcStub(t, s.handle)
		defer srv.Close()
		r := newTestReader(srv.URL, s, 2)

		in, err := r.InAgentRegistry(context.Background(), stubWallet)
		require.NoError(t, err)
		assert.False(t, in)
	})
}

func TestReaderTransferStats(t *testing.T) {
	tipTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	walletTopic := addressTopic(stubWallet)
	otherTopic := addressTopic(stubOther)

	selfTransfer := rpcLog{
		BlockNumber: hexQuantity(996),
		Data:        usdcWord(5_000_000),
		Topics:      []string{transferTopic, walletTopic, walletTopic},
	}

	s := &chainStub{
		tipBlock: 1000,
		tipTime:  tipTime,
		outLogs: []rpcLog{
			selfTransfer,
			{
				BlockNumber: hexQuantity(964),
				Data:        usdcWord(10_000_000),
				Topics:      []string{transferTopic, walletTopic, otherTopic},
			},
		},
		inLogs: []rpcLog{
			selfTransfer, // appears on both filters; counted once
			{
				BlockNumber: hexQuantity(990),
				Data:        usdcWord(25_000_000),
				Topics:      []string{transferTopic, otherTopic, walletTopic},
			},
		},
	}
	srv := rpcStub(t, s.handle)
	defer srv.Close()
	r := newTestReader(srv.URL, s, 2) // 200-block window fits one chunk

	stats, err := r.TransferStats(context.Background(), stubWallet, 2)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 25.0, stats.TotalIn, 1e-9)
	assert.InDelta(t, 15.0, stats.TotalOut, 1e-9)
	assert.InDelta(t, 10.0, stats.Net, 1e-9)
	assert.InDelta(t, 25.0, stats.In7d, 1e-9)
	assert.InDelta(t, 15.0, stats.Out7d, 1e-9)
	assert.Equal(t, int64(964), stats.FirstBlock)
	assert.Equal(t, int64(996), stats.LastBlock)
	assert.Equal(t, int64(1000), stats.TipBlock)
	assert.True(t, stats.TipTime.Equal(tipTime))

	blockDur := 24 * time.Hour / time.Duration(100)
	require.Len(t, stats.Timestamps, 3)
	assert.True(t, stats.Timestamps[0].Equal(tipTime.Add(-36*blockDur)))
	assert.True(t, stats.Timestamps[1].Equal(tipTime.Add(-10*blockDur)))
	assert.True(t, stats.Timestamps[2].Equal(tipTime.Add(-4*blockDur)))

	assert.Equal(t, int32(2), s.logCalls.Load())
}

func TestReaderTransferStatsBisectsWideRanges(t *testing.T) {
	tipTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	walletTopic := addressTopic(stubWallet)
	otherTopic := addressTopic(stubOther)

	s := &chainStub{
		tipBlock: 1000,
		tipTime:  tipTime,
		maxSpan:  60, // the 101-block window is rejected, halves are fine
		inLogs: []rpcLog{
			{
				BlockNumber: hexQuantity(902),
				Data:        usdcWord(1_000_000),
				Topics:      []string{transferTopic, otherTopic, walletTopic},
			},
			{
				BlockNumber: hexQuantity(980),
				Data:        usdcWord(2_000_000),
				Topics:      []string{transferTopic, otherTopic, walletTopic},
			},
		},
	}
	srv := rpcStub(t, s.handle)
	defer srv.Close()
	r := newTestReader(srv.URL, s, 1)

	stats, err := r.TransferStats(context.Background(), stubWallet, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 3.0, stats.TotalIn, 1e-9)
	assert.Equal(t, int64(902), stats.FirstBlock)
	assert.Equal(t, int64(980), stats.LastBlock)

	// One rejected full-window call, then out+in for each half.
	assert.Equal(t, int32(5), s.logCalls.Load())
}

func TestReaderTransferStatsBisectionFloor(t *testing.T) {
	s := &chainStub{
		tipBlock: 1000,
		tipTime:  time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		maxSpan:  10, // narrower than the bisection floor
	}
	srv := rpcStub(t, s.handle)
	defer srv.Close()
	r := newTestReader(srv.URL, s, 1)

	_, err := r.TransferStats(context.Background(), stubWallet, 1)
	assert.ErrorIs(t, err, ErrRangeTooWide)
}

func TestReaderFetchWalletFacts(t *testing.T) {
	tipTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	s := &chainStub{
		tipBlock:    1000,
		tipTime:     tipTime,
		usdcBal:     150_000_000,
		ethBalHex:   "0x1bc16d674ec80000",
		nonceHex:    "0x64",
		hasRegistry: true, // no resolver: basename stays false
		hasAgent:    true,
		agentBal:    1,
		inLogs: []rpcLog{
			{
				BlockNumber: hexQuantity(990),
				Data:        usdcWord(50_000_000),
				Topics:      []string{transferTopic, addressTopic(stubOther), addressTopic(stubWallet)},
			},
		},
	}
	srv := rpcStub(t, s.handle)
	defer srv.Close()
	r := newTestReader(srv.URL, s, 2)

	facts, err := r.FetchWalletFacts(context.Background(), "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)

	assert.Equal(t, stubWallet, facts.Wallet)
	assert.Equal(t, int64(150_000_000), facts.USDCBalance)
	assert.Equal(t, "2000000000000000000", facts.ETHBalance.String())
	assert.Equal(t, uint64(100), facts.Nonce)
	assert.False(t, facts.HasBasename)
	assert.True(t, facts.InRegistry)
	assert.Equal(t, 1, facts.Transfers.Count)
	assert.InDelta(t, 50.0, facts.Transfers.TotalIn, 1e-9)
	assert.InDelta(t, 0.1, facts.AgeDays, 1e-9) // 10 blocks at 100 per day
}

func TestLogAggregator(t *testing.T) {
	tipTime := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	agg := newLogAggregator(10000, tipTime, 100)

	agg.add([]transferEvent{
		{block: 9990, amount: 10, incoming: true}, // hours old
		{block: 9000, amount: 20, incoming: true}, // ten days old
		{block: 5000, amount: 40, incoming: true}, // fifty days old
		{block: 9980, amount: 5, incoming: false},
	})

	stats := agg.stats()
	assert.Equal(t, 4, stats.Count)
	assert.InDelta(t, 70.0, stats.TotalIn, 1e-9)
	assert.InDelta(t, 5.0, stats.TotalOut, 1e-9)
	assert.InDelta(t, 65.0, stats.Net, 1e-9)
	assert.InDelta(t, 30.0, stats.In30d, 1e-9)
	assert.InDelta(t, 10.0, stats.In7d, 1e-9)
	assert.InDelta(t, 5.0, stats.Out30d, 1e-9)
	assert.InDelta(t, 5.0, stats.Out7d, 1e-9)
	assert.Equal(t, int64(5000), stats.FirstBlock)
	assert.Equal(t, int64(9990), stats.LastBlock)

	require.Len(t, stats.Timestamps, 4)
	for i := 1; i < len(stats.Timestamps); i++ {
		assert.False(t, stats.Timestamps[i].Before(stats.Timestamps[i-1]))
	}
}

func TestLogAggregatorDefaultsBlockRate(t *testing.T) {
	agg := newLogAggregator(100, time.Now().UTC(), 0)
	assert.Equal(t, 2*time.Second, agg.blockDur)
}

func TestParseTransferLog(t *testing.T) {
	ev, ok := parseTransferLog(rpcLog{
		BlockNumber: "0x3e8",
		Data:        usdcWord(1_500_000),
		Topics:      []string{transferTopic},
	}, true)
	require.True(t, ok)
	assert.Equal(t, int64(1000), ev.block)
	assert.InDelta(t, 1.5, ev.amount, 1e-9)
	assert.True(t, ev.incoming)

	_, ok = parseTransferLog(rpcLog{BlockNumber: "0xzz"}, false)
	assert.False(t, ok)
}

func TestIsRevert(t *testing.T) {
	assert.False(t, isRevert(nil))
	assert.True(t, isRevert(fmt.Errorf("rpc error 3: execution reverted")))
	assert.True(t, isRevert(fmt.Errorf("all chain transports exhausted: EXECUTION REVERTED")))
	assert.False(t, isRevert(fmt.Errorf("connection refused")))
}

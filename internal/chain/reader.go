package chain

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/basetrust/reputation-engine/configs"
)

// minChunkBlocks is the bisection floor. A provider that rejects a
// 50-block window is treated as failed rather than narrowed further.
const minChunkBlocks = 50

// maxRetainedTimestamps bounds the per-scan timestamp sample used for
// cadence analysis. Aggregates keep accumulating past the cap.
const maxRetainedTimestamps = 5000

// TransferStats aggregates a wallet's USDC transfer activity over the
// scanned window. Individual logs are folded in per chunk and discarded.
type TransferStats struct {
	Net        float64
	TotalIn    float64
	TotalOut   float64
	In30d      float64
	Out30d     float64
	In7d       float64
	Out7d      float64
	Count      int
	FirstBlock int64
	LastBlock  int64
	Timestamps []time.Time
	TipBlock   int64
	TipTime    time.Time
}

// WalletFacts is everything the scoring pipeline reads from chain for one
// wallet in a single pass.
type WalletFacts struct {
	Wallet      string
	USDCBalance int64 // 6-decimal token units
	ETHBalance  *big.Int
	Nonce       uint64
	HasBasename bool
	InRegistry  bool
	AgeDays     float64
	Transfers   TransferStats
}

// Reader answers chain questions for the scoring pipeline.
type Reader interface {
	FetchWalletFacts(ctx context.Context, wallet string) (*WalletFacts, error)
	TokenBalance(ctx context.Context, token, wallet string) (int64, error)
	EthBalance(ctx context.Context, wallet string) (*big.Int, error)
	Nonce(ctx context.Context, wallet string) (uint64, error)
	TransferStats(ctx context.Context, wallet string, windowDays int) (*TransferStats, error)
	HasName(ctx context.Context, wallet string) (bool, error)
	InAgentRegistry(ctx context.Context, wallet string) (bool, error)
	BlockNumber(ctx context.Context) (int64, error)
}

type reader struct {
	client     *Client
	chain      configs.ChainConfig
	chunkSize  int64
	parallel   int
	rateDelay  time.Duration
	windowDays int
}

// NewReader wires a Reader over the ranked RPC client.
func NewReader(client *Client, chainCfg configs.ChainConfig, scoringCfg configs.ScoringConfig) Reader {
	return &reader{
		client:     client,
		chain:      chainCfg,
		chunkSize:  scoringCfg.LogChunkSize,
		parallel:   scoringCfg.LogParallelBatch,
		rateDelay:  scoringCfg.RateLimitDelay,
		windowDays: scoringCfg.WindowDays,
	}
}

func (r *reader) BlockNumber(ctx context.Context) (int64, error) {
	var hexNum string
	if err := r.client.Call(ctx, "eth_blockNumber", nil, &hexNum); err != nil {
		return 0, err
	}
	return parseHexInt64(hexNum)
}

type rpcBlock struct {
	Number    string `json:"number"`
	Timestamp string `json:"timestamp"`
}

// tipHeader reads the latest block number and timestamp, the anchor for
// per-log time estimation.
func (r *reader) tipHeader(ctx context.Context) (int64, time.Time, error) {
	var blk rpcBlock
	if err := r.client.Call(ctx, "eth_getBlockByNumber", []interface{}{"latest", false}, &blk); err != nil {
		return 0, time.Time{}, err
	}
	num, err := parseHexInt64(blk.Number)
	if err != nil {
		return 0, time.Time{}, err
	}
	ts, err := parseHexInt64(blk.Timestamp)
	if err != nil {
		return 0, time.Time{}, err
	}
	return num, time.Unix(ts, 0).UTC(), nil
}

func (r *reader) ethCall(ctx context.Context, to, data string) (string, error) {
	params := []interface{}{
		map[string]string{"to": to, "data": data},
		"latest",
	}
	var result string
	if err := r.client.Call(ctx, "eth_call", params, &result); err != nil {
		return "", err
	}
	return result, nil
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

func (r *reader) TokenBalance(ctx context.Context, token, wallet string) (int64, error) {
	ret, err := r.ethCall(ctx, token, encodeCall(selectorBalanceOf, addressWord(wallet)))
	if err != nil {
		return 0, err
	}
	n, err := parseHexBig(ret)
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() {
		return math.MaxInt64, nil
	}
	return n.Int64(), nil
}

func (r *reader) EthBalance(ctx context.Context, wallet string) (*big.Int, error) {
	var hexBal string
	if err := r.client.Call(ctx, "eth_getBalance", []interface{}{wallet, "latest"}, &hexBal); err != nil {
		return nil, err
	}
	return parseHexBig(hexBal)
}

func (r *reader) Nonce(ctx context.Context, wallet string) (uint64, error) {
	var hexNonce string
	if err := r.client.Call(ctx, "eth_getTransactionCount", []interface{}{wallet, "latest"}, &hexNonce); err != nil {
		return 0, err
	}
	return parseHexUint64(hexNonce)
}

// HasName checks reverse resolution for the wallet: registry resolver
// lookup, then name() on the resolver. Missing resolvers and reverts mean
// no name, not an error.
func (r *reader) HasName(ctx context.Context, wallet string) (bool, error) {
	if r.chain.ENSRegistry == "" || r.chain.ENSRegistry == zeroAddress {
		return false, nil
	}
	node := namehash(strings.TrimPrefix(strings.ToLower(wallet), "0x") + ".addr.reverse")

	resolverRet, err := r.ethCall(ctx, r.chain.ENSRegistry, encodeCall(selectorResolver, node))
	if err != nil {
		if isRevert(err) {
			return false, nil
		}
		return false, err
	}
	resolverAddr := decodeAddress(resolverRet)
	if resolverAddr == zeroAddress {
		return false, nil
	}

	nameRet, err := r.ethCall(ctx, resolverAddr, encodeCall(selectorName, node))
	if err != nil {
		if isRevert(err) {
			return false, nil
		}
		return false, err
	}
	return decodeString(nameRet) != "", nil
}

// InAgentRegistry reports membership in the agent registry contract. An
// unset registry address disables the signal.
func (r *reader) InAgentRegistry(ctx context.Context, wallet string) (bool, error) {
	if r.chain.AgentRegistry == "" || r.chain.AgentRegistry == zeroAddress {
		return false, nil
	}
	ret, err := r.ethCall(ctx, r.chain.AgentRegistry, encodeCall(selectorBalanceOf, addressWord(wallet)))
	if err != nil {
		if isRevert(err) {
			return false, nil
		}
		return false, err
	}
	n, err := parseHexBig(ret)
	if err != nil {
		return false, nil
	}
	return n.Sign() > 0, nil
}

type rpcLog struct {
	BlockNumber string   `json:"blockNumber"`
	Data        string   `json:"data"`
	Topics      []string `json:"topics"`
	TxHash      string   `json:"transactionHash"`
}

type transferEvent struct {
	block    int64
	amount   float64
	incoming bool
}

// logAggregator folds chunk results into running aggregates so no chunk's
// raw logs outlive its scan.
type logAggregator struct {
	mu       sync.Mutex
	tipBlock int64
	tipTime  time.Time
	blockDur time.Duration

	totalIn, totalOut float64
	in30, out30       float64
	in7, out7         float64
	count             int
	firstBlock        int64
	lastBlock         int64
	timestamps        []time.Time
}

func newLogAggregator(tipBlock int64, tipTime time.Time, blocksPerDay int64) *logAggregator {
	if blocksPerDay <= 0 {
		blocksPerDay = 43200
	}
	return &logAggregator{
		tipBlock: tipBlock,
		tipTime:  tipTime,
		blockDur: 24 * time.Hour / time.Duration(blocksPerDay),
	}
}

func (a *logAggregator) add(events []transferEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ev := range events {
		ts := a.tipTime.Add(-time.Duration(a.tipBlock-ev.block) * a.blockDur)
		age := a.tipTime.Sub(ts)

		if ev.incoming {
			a.totalIn += ev.amount
			if age <= 30*24*time.Hour {
				a.in30 += ev.amount
			}
			if age <= 7*24*time.Hour {
				a.in7 += ev.amount
			}
		} else {
			a.totalOut += ev.amount
			if age <= 30*24*time.Hour {
				a.out30 += ev.amount
			}
			if age <= 7*24*time.Hour {
				a.out7 += ev.amount
			}
		}

		a.count++
		if a.firstBlock == 0 || ev.block < a.firstBlock {
			a.firstBlock = ev.block
		}
		if ev.block > a.lastBlock {
			a.lastBlock = ev.block
		}
		if len(a.timestamps) < maxRetainedTimestamps {
			a.timestamps = append(a.timestamps, ts)
		}
	}
}

func (a *logAggregator) stats() *TransferStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	sort.Slice(a.timestamps, func(i, j int) bool { return a.timestamps[i].Before(a.timestamps[j]) })

	return &TransferStats{
		Net:        a.totalIn - a.totalOut,
		TotalIn:    a.totalIn,
		TotalOut:   a.totalOut,
		In30d:      a.in30,
		Out30d:     a.out30,
		In7d:       a.in7,
		Out7d:      a.out7,
		Count:      a.count,
		FirstBlock: a.firstBlock,
		LastBlock:  a.lastBlock,
		Timestamps: a.timestamps,
		TipBlock:   a.tipBlock,
		TipTime:    a.tipTime,
	}
}

// TransferStats scans the wallet's USDC transfers over the window in
// parallel chunks. Any chunk failure fails the whole scan; partial
// aggregates are never returned.
func (r *reader) TransferStats(ctx context.Context, wallet string, windowDays int) (*TransferStats, error) {
	tip, tipTime, err := r.tipHeader(ctx)
	if err != nil {
		return nil, err
	}

	fromBlock := tip - int64(windowDays)*r.chain.BlocksPerDay
	if fromBlock < 0 {
		fromBlock = 0
	}

	agg := newLogAggregator(tip, tipTime, r.chain.BlocksPerDay)
	planned := r.chunkSize
	cur := fromBlock

	for cur <= tip {
		type span struct{ from, to int64 }
		batch := make([]span, 0, r.parallel)
		for len(batch) < r.parallel && cur <= tip {
			to := cur + planned - 1
			if to > tip {
				to = tip
			}
			batch = append(batch, span{cur, to})
			cur = to + 1
		}

		var narrowed atomic.Bool
		g, gctx := errgroup.WithContext(ctx)
		for _, sp := range batch {
			sp := sp
			g.Go(func() error {
				return r.scanRange(gctx, wallet, sp.from, sp.to, agg, &narrowed)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// Adapt the chunk width between batches: halve after a provider
		// pushback, creep back toward the configured size otherwise.
		if narrowed.Load() {
			planned = planned / 2
			if planned < minChunkBlocks {
				planned = minChunkBlocks
			}
		} else if planned < r.chunkSize {
			planned = planned * 2
			if planned > r.chunkSize {
				planned = r.chunkSize
			}
		}

		if cur <= tip && r.rateDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.rateDelay):
			}
		}
	}

	stats := agg.stats()
	log.Debug().
		Str("wallet", wallet).
		Int("transfers", stats.Count).
		Int64("from_block", fromBlock).
		Int64("tip_block", tip).
		Msg("Transfer scan complete")
	return stats, nil
}

// scanRange fetches one block span, bisecting when the provider rejects
// the width. The floor is minChunkBlocks; below that the error is real.
func (r *reader) scanRange(ctx context.Context, wallet string, from, to int64, agg *logAggregator, narrowed *atomic.Bool) error {
	events, err := r.fetchSpan(ctx, wallet, from, to)
	if errors.Is(err, ErrRangeTooWide) {
		narrowed.Store(true)
		if to-from+1 <= minChunkBlocks {
			return err
		}
		mid := from + (to-from)/2
		if err := r.scanRange(ctx, wallet, from, mid, agg, narrowed); err != nil {
			return err
		}
		return r.scanRange(ctx, wallet, mid+1, to, agg, narrowed)
	}
	if err != nil {
		return err
	}
	agg.add(events)
	return nil
}

// fetchSpan issues the outgoing and incoming Transfer filters for one
// span and parses both result sets. Self-transfers are counted once, on
// the outgoing side.
func (r *reader) fetchSpan(ctx context.Context, wallet string, from, to int64) ([]transferEvent, error) {
	walletTopic := addressTopic(wallet)

	outFilter := map[string]interface{}{
		"fromBlock": hexQuantity(from),
		"toBlock":   hexQuantity(to),
		"address":   r.chain.USDCContract,
		"topics":    []interface{}{transferTopic, walletTopic},
	}
	inFilter := map[string]interface{}{
		"fromBlock": hexQuantity(from),
		"toBlock":   hexQuantity(to),
		"address":   r.chain.USDCContract,
		"topics":    []interface{}{transferTopic, nil, walletTopic},
	}

	var outLogs, inLogs []rpcLog
	if err := r.client.Call(ctx, "eth_getLogs", []interface{}{outFilter}, &outLogs); err != nil {
		return nil, err
	}
	if err := r.client.Call(ctx, "eth_getLogs", []interface{}{inFilter}, &inLogs); err != nil {
		return nil, err
	}

	events := make([]transferEvent, 0, len(outLogs)+len(inLogs))
	for _, lg := range outLogs {
		ev, ok := parseTransferLog(lg, false)
		if ok {
			events = append(events, ev)
		}
	}
	for _, lg := range inLogs {
		if len(lg.Topics) >= 2 && lg.Topics[1] == walletTopic {
			continue // self-transfer already captured
		}
		ev, ok := parseTransferLog(lg, true)
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func parseTransferLog(lg rpcLog, incoming bool) (transferEvent, bool) {
	block, err := parseHexInt64(lg.BlockNumber)
	if err != nil {
		return transferEvent{}, false
	}
	return transferEvent{
		block:    block,
		amount:   usdcAmount(lg.Data),
		incoming: incoming,
	}, true
}

// FetchWalletFacts gathers every chain signal the pipeline needs in one
// parallel pass. Any failed fact fails the fetch; the pipeline never
// scores on partial chain data.
func (r *reader) FetchWalletFacts(ctx context.Context, wallet string) (*WalletFacts, error) {
	facts := &WalletFacts{Wallet: NormalizeAddress(wallet), ETHBalance: big.NewInt(0)}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		bal, err := r.TokenBalance(gctx, r.chain.USDCContract, wallet)
		if err != nil {
			return err
		}
		facts.USDCBalance = bal
		return nil
	})
	g.Go(func() error {
		bal, err := r.EthBalance(gctx, wallet)
		if err != nil {
			return err
		}
		facts.ETHBalance = bal
		return nil
	})
	g.Go(func() error {
		nonce, err := r.Nonce(gctx, wallet)
		if err != nil {
			return err
		}
		facts.Nonce = nonce
		return nil
	})
	g.Go(func() error {
		has, err := r.HasName(gctx, wallet)
		if err != nil {
			return err
		}
		facts.HasBasename = has
		return nil
	})
	g.Go(func() error {
		in, err := r.InAgentRegistry(gctx, wallet)
		if err != nil {
			return err
		}
		facts.InRegistry = in
		return nil
	})
	g.Go(func() error {
		stats, err := r.TransferStats(gctx, wallet, r.windowDays)
		if err != nil {
			return err
		}
		facts.Transfers = *stats
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if facts.Transfers.Count > 0 && facts.Transfers.FirstBlock > 0 {
		span := facts.Transfers.TipBlock - facts.Transfers.FirstBlock
		facts.AgeDays = float64(span) / float64(r.chain.BlocksPerDay)
	}
	return facts, nil
}

package scoring

import (
	"math/big"
	"time"

	"github.com/basetrust/reputation-engine/internal/chain"
	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/repositories"
)

// Inputs is the point-in-time fact snapshot one scoring run works from.
// Chain facts and store aggregates are gathered up front and frozen, so
// every calculator sees the same world.
type Inputs struct {
	Wallet string
	Now    time.Time

	Chain chain.WalletFacts

	Metrics     models.WalletMetrics
	HaveMetrics bool

	Partners []repositories.Partner
	Activity repositories.ActivityWindows

	// PartnerVolumes7d feeds the wash-trading ratio.
	PartnerVolumes7d []repositories.PartnerVolume

	// TopPartnerFirstSeen is the first_seen of the highest-volume partner,
	// when both metrics rows exist.
	TopPartnerFirstSeen *time.Time

	// EarliestInboundSender is the counterparty of the wallet's first
	// inbound transfer, empty when none is indexed.
	EarliestInboundSender string

	// TopPartnerPairs counts relationship rows among the wallet's top-5
	// partners; TopPartnerCount is how many partners were checked.
	TopPartnerPairs int
	TopPartnerCount int

	Profile models.WalletProfile

	RatingCount      int
	AvgRating        float64
	FraudReportCount int

	// PriorQueries counts all prior lookups of this wallet; LookupsLastHour
	// counts the recent ones that gate deposit_and_score.
	PriorQueries    int
	LookupsLastHour int

	// ServiceCount is the number of distinct counterparties with repeated
	// inbound micropayments over the window.
	ServiceCount int

	AvgBalance24h     float64
	HaveAvgBalance24h bool

	// DegradedAggregates is set when any store aggregate failed and was
	// zero-filled. Confidence is capped at 0.5 for the run.
	DegradedAggregates bool
}

// USDCBalance converts the instantaneous token units to whole USDC.
func (in *Inputs) USDCBalance() float64 {
	return float64(in.Chain.USDCBalance) / 1e6
}

// ETHBalance converts wei to ether.
func (in *Inputs) ETHBalance() float64 {
	if in.Chain.ETHBalance == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(in.Chain.ETHBalance),
		big.NewFloat(1e18),
	).Float64()
	return f
}

// TxCount prefers the indexer's lifetime count over the windowed chain
// scan, whichever saw more.
func (in *Inputs) TxCount() int {
	if in.HaveMetrics && in.Metrics.TotalTxCount > in.Chain.Transfers.Count {
		return in.Metrics.TotalTxCount
	}
	return in.Chain.Transfers.Count
}

// AgeDays prefers the indexer's first_seen over the windowed chain scan;
// the scan can only see back as far as its window.
func (in *Inputs) AgeDays() float64 {
	if in.HaveMetrics && !in.Metrics.FirstSeen.IsZero() {
		age := in.Now.Sub(in.Metrics.FirstSeen).Hours() / 24
		if age > in.Chain.AgeDays {
			return age
		}
	}
	return in.Chain.AgeDays
}

// LastActivity returns the wallet's most recent observed transfer time.
func (in *Inputs) LastActivity() (time.Time, bool) {
	if n := len(in.Chain.Transfers.Timestamps); n > 0 {
		return in.Chain.Transfers.Timestamps[n-1], true
	}
	if in.HaveMetrics && !in.Metrics.LastSeen.IsZero() {
		return in.Metrics.LastSeen, true
	}
	return time.Time{}, false
}

// TotalRevenue is lifetime inbound volume, falling back to the windowed
// chain total when the indexer has no row.
func (in *Inputs) TotalRevenue() float64 {
	if in.HaveMetrics && in.Metrics.TotalIn > in.Chain.Transfers.TotalIn {
		return in.Metrics.TotalIn
	}
	return in.Chain.Transfers.TotalIn
}

// TotalOutflows is lifetime outbound volume with the same fallback.
func (in *Inputs) TotalOutflows() float64 {
	if in.HaveMetrics && in.Metrics.TotalOut > in.Chain.Transfers.TotalOut {
		return in.Metrics.TotalOut
	}
	return in.Chain.Transfers.TotalOut
}

// UniquePartners reads the stored aggregate, falling back to the
// relationship rows fetched for this run.
func (in *Inputs) UniquePartners() int {
	if in.HaveMetrics && in.Metrics.UniquePartners > len(in.Partners) {
		return in.Metrics.UniquePartners
	}
	return len(in.Partners)
}

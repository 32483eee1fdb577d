package scoring

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/basetrust/reputation-engine/internal/models"
)

// DimensionResult carries one dimension's integer score plus the signal
// blob persisted with the raw inputs.
type DimensionResult struct {
	Score int
	Data  models.JSONB
}

// Calculator computes the five dimension sub-scores from a frozen input
// snapshot. Curves may be the static defaults or a maturity-adapted set.
type Calculator struct {
	curves       *Curves
	blocksPerDay int64
}

// NewCalculator builds a calculator over the given curve set.
func NewCalculator(curves *Curves, blocksPerDay int64) *Calculator {
	if curves == nil {
		curves = DefaultCurves()
	}
	if blocksPerDay <= 0 {
		blocksPerDay = 43200
	}
	return &Calculator{curves: curves, blocksPerDay: blocksPerDay}
}

func clampScore(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(math.Round(v))
}

// Reliability sums five components: payment proxy, tx count, nonce tier,
// observed uptime span, and recency.
func (c *Calculator) Reliability(in *Inputs) DimensionResult {
	txCount := float64(in.TxCount())

	paymentProxy := Interpolate(c.curves.PaymentProxy, txCount)
	txPoints := Interpolate(c.curves.ReliabilityTx, txCount)

	var noncePoints float64
	switch {
	case in.Chain.Nonce >= 1000:
		noncePoints = 20
	case in.Chain.Nonce >= 100:
		noncePoints = 15
	case in.Chain.Nonce >= 10:
		noncePoints = 8
	case in.Chain.Nonce >= 1:
		noncePoints = 3
	}

	var uptimePoints float64
	if in.Chain.Transfers.LastBlock > in.Chain.Transfers.FirstBlock && in.Chain.Transfers.FirstBlock > 0 {
		span := float64(in.Chain.Transfers.LastBlock - in.Chain.Transfers.FirstBlock)
		uptimePoints = span / float64(90*c.blocksPerDay) * 25
		if uptimePoints > 25 {
			uptimePoints = 25
		}
	}

	var recencyPoints float64
	if last, ok := in.LastActivity(); ok {
		hours := in.Now.Sub(last).Hours()
		switch {
		case hours <= 24:
			recencyPoints = 20
		case hours <= 7*24:
			recencyPoints = 15
		case hours <= 30*24:
			recencyPoints = 5
		}
	}

	total := paymentProxy + txPoints + noncePoints + uptimePoints + recencyPoints
	return DimensionResult{
		Score: clampScore(total),
		Data: models.JSONB{
			"payment_proxy": paymentProxy,
			"tx_points":     txPoints,
			"nonce_points":  noncePoints,
			"uptime_points": math.Round(uptimePoints*100) / 100,
			"recency":       recencyPoints,
			"tx_count":      txCount,
		},
	}
}

// Viability sums balance, cash-flow, age, and trend signals. When the
// gaming detector sets useAvgBalance, the 24h average substitutes for the
// instantaneous USDC balance.
func (c *Calculator) Viability(in *Inputs, useAvgBalance bool) DimensionResult {
	eth := in.ETHBalance()
	var ethPoints float64
	switch {
	case eth >= 0.1:
		ethPoints = 15
	case eth >= 0.01:
		ethPoints = 10
	case eth >= 0.001:
		ethPoints = 5
	case eth > 0:
		ethPoints = 2
	}

	usdc := in.USDCBalance()
	effective := usdc
	if useAvgBalance && in.HaveAvgBalance24h {
		effective = in.AvgBalance24h
	}
	var usdcPoints float64
	switch {
	case effective > 100:
		usdcPoints = 25
	case effective > 50:
		usdcPoints = 20
	case effective > 10:
		usdcPoints = 15
	case effective > 1:
		usdcPoints = 5
	}

	income := in.Chain.Transfers.In30d
	burn := in.Chain.Transfers.Out30d
	var flowPoints float64
	switch {
	case burn > 0 && income/burn > 2:
		flowPoints = 30
	case burn > 0 && income/burn > 1.5:
		flowPoints = 25
	case burn > 0 && income/burn > 1:
		flowPoints = 15
	case burn > 0:
		flowPoints = 5
	case income > 0:
		flowPoints = 30
	}

	agePoints := Interpolate(c.curves.ViabilityAge, in.AgeDays())

	var trendPoints float64
	if in.HaveMetrics {
		switch in.Metrics.BalanceTrend {
		case models.TrendRising:
			trendPoints = 15
		case models.TrendStable:
			trendPoints = 10
		case models.TrendDeclining:
			trendPoints = 5
		}
	}

	var drainPenalty float64
	if usdc == 0 && in.TotalOutflows() > 0 {
		drainPenalty = 15
	}

	total := ethPoints + usdcPoints + flowPoints + agePoints + trendPoints - drainPenalty
	return DimensionResult{
		Score: clampScore(total),
		Data: models.JSONB{
			"eth_points":      ethPoints,
			"usdc_points":     usdcPoints,
			"flow_points":     flowPoints,
			"age_points":      math.Round(agePoints*100) / 100,
			"trend_points":    trendPoints,
			"drain_penalty":   drainPenalty,
			"use_avg_balance": useAvgBalance,
			"effective_usdc":  effective,
		},
	}
}

// Identity sums registration, naming, GitHub, registry, and age signals.
func (c *Calculator) Identity(in *Inputs) DimensionResult {
	var total float64

	if in.Profile.SelfRegistered {
		total += 10
	}
	if in.Chain.HasBasename {
		total += 15
	}
	if in.Profile.GithubVerified {
		total += 20
	}
	switch {
	case in.Profile.GithubStars >= 5:
		total += 5
	case in.Profile.GithubStars >= 1:
		total += 3
	}
	if in.Profile.GithubLastPush != nil {
		sincePush := in.Now.Sub(*in.Profile.GithubLastPush)
		switch {
		case sincePush <= 30*24*time.Hour:
			total += 10
		case sincePush <= 90*24*time.Hour:
			total += 5
		}
	}
	if in.Chain.InRegistry {
		total += 20
	}

	age := in.AgeDays()
	var agePoints float64
	switch {
	case age > 180:
		agePoints = 25
	case age > 90:
		agePoints = 20
	case age > 30:
		agePoints = 15
	case age > 7:
		agePoints = 8
	default:
		agePoints = 2
	}
	total += agePoints

	return DimensionResult{
		Score: clampScore(total),
		Data: models.JSONB{
			"self_registered": in.Profile.SelfRegistered,
			"basename":        in.Chain.HasBasename,
			"github_verified": in.Profile.GithubVerified,
			"github_stars":    in.Profile.GithubStars,
			"registry":        in.Chain.InRegistry,
			"age_points":      agePoints,
		},
	}
}

// Capability sums service activity, revenue, domains, and replications.
func (c *Calculator) Capability(in *Inputs) DimensionResult {
	var servicePoints float64
	switch {
	case in.ServiceCount >= 4:
		servicePoints = 30
	case in.ServiceCount >= 2:
		servicePoints = 25
	case in.ServiceCount == 1:
		servicePoints = 15
	}

	revenue := in.TotalRevenue()
	var revenuePoints float64
	switch {
	case revenue > 500:
		revenuePoints = 30
	case revenue > 50:
		revenuePoints = 20
	case revenue > 1:
		revenuePoints = 10
	}

	var domainPoints float64
	switch {
	case in.Profile.DomainsOwned >= 2:
		domainPoints = 20
	case in.Profile.DomainsOwned == 1:
		domainPoints = 10
	}

	var replicationPoints float64
	switch {
	case in.Profile.Replications >= 2:
		replicationPoints = 20
	case in.Profile.Replications == 1:
		replicationPoints = 10
	}

	total := servicePoints + revenuePoints + domainPoints + replicationPoints
	return DimensionResult{
		Score: clampScore(total),
		Data: models.JSONB{
			"service_count":      in.ServiceCount,
			"service_points":     servicePoints,
			"revenue":            revenue,
			"revenue_points":     revenuePoints,
			"domain_points":      domainPoints,
			"replication_points": replicationPoints,
		},
	}
}

// Behavior scores transaction cadence from inter-arrival variation, hourly
// entropy, and the longest gap. Fewer than 5 timestamps is not enough to
// judge cadence; zero timestamps scores zero.
func (c *Calculator) Behavior(in *Inputs) DimensionResult {
	timestamps := in.Chain.Transfers.Timestamps
	if len(timestamps) == 0 {
		return DimensionResult{
			Score: 0,
			Data:  models.JSONB{"classification": "no_data"},
		}
	}
	if len(timestamps) < 5 {
		return DimensionResult{
			Score: 50,
			Data:  models.JSONB{"classification": "insufficient_data", "samples": len(timestamps)},
		}
	}

	gaps := make([]float64, 0, len(timestamps)-1)
	maxGapHours := 0.0
	for i := 1; i < len(timestamps); i++ {
		gap := timestamps[i].Sub(timestamps[i-1]).Hours()
		if gap < 0 {
			gap = 0
		}
		gaps = append(gaps, gap)
		if gap > maxGapHours {
			maxGapHours = gap
		}
	}

	var cvPoints, cv float64
	if mean := stat.Mean(gaps, nil); mean > 0 {
		cv = stat.PopStdDev(gaps, nil) / mean
		cvPoints = clampFloat((cv-0.1)/1.4*35, 0, 35)
	}

	entropyBits := hourlyEntropyBits(timestamps)
	entropyPoints := clampFloat((entropyBits-1.0)/2.5*35, 0, 35)

	gapPoints := clampFloat((maxGapHours-1)/47*30, 0, 30)

	total := cvPoints + entropyPoints + gapPoints
	score := clampScore(total)

	var classification string
	switch {
	case score >= 70:
		classification = "organic"
	case score >= 45:
		classification = "mixed"
	case score >= 25:
		classification = "automated"
	default:
		classification = "suspicious"
	}

	return DimensionResult{
		Score: score,
		Data: models.JSONB{
			"classification": classification,
			"cv":             math.Round(cv*1000) / 1000,
			"entropy_bits":   math.Round(entropyBits*1000) / 1000,
			"max_gap_hours":  math.Round(maxGapHours*100) / 100,
			"samples":        len(timestamps),
		},
	}
}

// hourlyEntropyBits computes the Shannon entropy of the UTC hour
// distribution, in bits.
func hourlyEntropyBits(timestamps []time.Time) float64 {
	counts := make([]float64, 24)
	for _, ts := range timestamps {
		counts[ts.UTC().Hour()]++
	}
	total := float64(len(timestamps))
	dist := make([]float64, 0, 24)
	for _, n := range counts {
		if n > 0 {
			dist = append(dist, n/total)
		}
	}
	return stat.Entropy(dist) / math.Ln2
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

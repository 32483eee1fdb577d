package scoring

import "math"

// Gaming indicator tags, in evaluation order.
const (
	GamingVelocitySpike         = "velocity_spike"
	GamingDepositAndScore       = "deposit_and_score"
	GamingBurstAndStop          = "burst_and_stop"
	GamingBalanceWindowDressing = "balance_window_dressing"
	GamingWashTrading           = "wash_trading"
)

// GamingResult carries indicator tags, point penalties, and the balance
// override for viability.
type GamingResult struct {
	Indicators         []string
	CompositePenalty   int
	ReliabilityPenalty int
	ViabilityPenalty   int
	UseAvgBalance      bool
}

// GamingDetector checks score-pumping patterns against the activity
// windows and snapshot history in the local store.
type GamingDetector struct{}

// NewGamingDetector builds the detector.
func NewGamingDetector() *GamingDetector {
	return &GamingDetector{}
}

// Detect evaluates every pattern. A balance spike is attributed to
// deposit_and_score when a recent lookup exists, otherwise to
// balance_window_dressing; the same spike never counts twice.
func (d *GamingDetector) Detect(in *Inputs) *GamingResult {
	result := &GamingResult{}

	if in.Activity.TxCount7d > 0 {
		dailyRate := float64(in.Activity.TxCount7d) / 7.0
		if float64(in.Activity.TxCount24h) > 10*dailyRate {
			result.Indicators = append(result.Indicators, GamingVelocitySpike)
			result.CompositePenalty += 10
		}
	}

	balanceSpike := in.HaveAvgBalance24h && in.AvgBalance24h > 0 &&
		in.USDCBalance() > 5*in.AvgBalance24h

	if balanceSpike && in.LookupsLastHour > 0 {
		result.Indicators = append(result.Indicators, GamingDepositAndScore)
		result.ViabilityPenalty += 5
		result.UseAvgBalance = true
	}

	if in.Activity.TxCountLastHour == 0 && in.Activity.BurstWindowCount > 20 {
		result.Indicators = append(result.Indicators, GamingBurstAndStop)
		result.ReliabilityPenalty += 8
	}

	if balanceSpike && in.LookupsLastHour == 0 {
		result.Indicators = append(result.Indicators, GamingBalanceWindowDressing)
		result.ViabilityPenalty += 10
		result.UseAvgBalance = true
	}

	if ratio, ok := washRatio(in); ok && ratio > 0.40 {
		result.Indicators = append(result.Indicators, GamingWashTrading)
		result.ReliabilityPenalty += scaledWashPenalty(ratio)
		result.CompositePenalty += 5
	}

	return result
}

// washRatio is the round-trip share of 7-day volume: sum over partners of
// min(sent, received), divided by the larger directional total. Perfect
// round-trips score 1.0.
func washRatio(in *Inputs) (float64, bool) {
	var washed, sentTotal, recvTotal float64
	for _, pv := range in.PartnerVolumes7d {
		washed += math.Min(pv.Sent, pv.Received)
		sentTotal += pv.Sent
		recvTotal += pv.Received
	}
	denom := math.Max(sentTotal, recvTotal)
	if denom <= 0 {
		return 0, false
	}
	return washed / denom, true
}

// scaledWashPenalty maps ratio 0.4..0.8 linearly onto 8..15 points,
// clamped above.
func scaledWashPenalty(ratio float64) int {
	t := (ratio - 0.4) / 0.4
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return int(math.Round(8 + t*7))
}

package scoring

import (
	"math"

	"github.com/basetrust/reputation-engine/internal/models"
)

// Confidence signal weights. The five weights sum to 1.0.
const (
	confWeightTxCount  = 0.25
	confWeightAge      = 0.25
	confWeightPartners = 0.20
	confWeightRatings  = 0.15
	confWeightQueries  = 0.15
)

// Signal-to-unit curves. Each maps its raw signal onto [0,1].
var (
	confTxCountCurve  = []Breakpoint{{0, 0}, {10, 0.3}, {50, 0.6}, {200, 0.9}, {1000, 1}}
	confAgeCurve      = []Breakpoint{{0, 0}, {7, 0.2}, {30, 0.5}, {90, 0.8}, {365, 1}}
	confPartnersCurve = []Breakpoint{{0, 0}, {3, 0.3}, {10, 0.6}, {25, 0.85}, {100, 1}}
	confRatingsCurve  = []Breakpoint{{0, 0}, {1, 0.3}, {5, 0.6}, {20, 1}}
	confQueriesCurve  = []Breakpoint{{0, 0}, {1, 0.2}, {5, 0.5}, {25, 0.8}, {100, 1}}
)

// ComputeConfidence weighs how much data backs the score. Runs with any
// failed store aggregate are capped at 0.5.
func ComputeConfidence(in *Inputs) float64 {
	c := confWeightTxCount*Interpolate(confTxCountCurve, float64(in.TxCount())) +
		confWeightAge*Interpolate(confAgeCurve, in.AgeDays()) +
		confWeightPartners*Interpolate(confPartnersCurve, float64(in.UniquePartners())) +
		confWeightRatings*Interpolate(confRatingsCurve, float64(in.RatingCount)) +
		confWeightQueries*Interpolate(confQueriesCurve, float64(in.PriorQueries))

	if in.DegradedAggregates && c > 0.5 {
		c = 0.5
	}
	c = math.Round(c*100) / 100
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// BuildDataAvailability bins the backing signals into short labels.
func BuildDataAvailability(in *Inputs) models.DataAvailability {
	var txLabel string
	switch tx := in.TxCount(); {
	case tx == 0:
		txLabel = "none"
	case tx < 10:
		txLabel = "minimal"
	case tx < 50:
		txLabel = "moderate"
	case tx < 200:
		txLabel = "good"
	default:
		txLabel = "extensive"
	}

	var ageLabel string
	switch age := in.AgeDays(); {
	case age < 1:
		ageLabel = "new"
	case age < 7:
		ageLabel = "days"
	case age < 30:
		ageLabel = "weeks"
	case age < 90:
		ageLabel = "months"
	default:
		ageLabel = "established"
	}

	var econLabel string
	switch volume := in.TotalRevenue() + in.TotalOutflows(); {
	case volume == 0:
		econLabel = "none"
	case volume < 100:
		econLabel = "limited"
	case volume < 5000:
		econLabel = "moderate"
	default:
		econLabel = "rich"
	}

	identitySignals := 0
	if in.Profile.SelfRegistered {
		identitySignals++
	}
	if in.Chain.HasBasename {
		identitySignals++
	}
	if in.Profile.GithubVerified {
		identitySignals++
	}
	if in.Chain.InRegistry {
		identitySignals++
	}
	var identityLabel string
	switch {
	case identitySignals == 0:
		identityLabel = "none"
	case identitySignals == 1:
		identityLabel = "basic"
	case identitySignals == 2:
		identityLabel = "partial"
	default:
		identityLabel = "strong"
	}

	var communityLabel string
	switch {
	case in.RatingCount == 0 && in.FraudReportCount == 0:
		communityLabel = "none"
	case in.RatingCount < 5:
		communityLabel = "limited"
	default:
		communityLabel = "active"
	}

	return models.DataAvailability{
		TransactionHistory: txLabel,
		WalletAge:          ageLabel,
		EconomicData:       econLabel,
		IdentityData:       identityLabel,
		CommunityData:      communityLabel,
	}
}

// BuildImprovementPath lists concrete next steps for a thin wallet, in
// priority order, capped at 4. High-confidence wallets get none.
func BuildImprovementPath(in *Inputs, confidence float64) []string {
	if confidence >= 0.70 {
		return []string{}
	}

	steps := make([]string, 0, 4)
	add := func(s string) {
		if len(steps) < 4 {
			steps = append(steps, s)
		}
	}

	if in.TxCount() < 10 {
		add("Complete 10+ transactions")
	}
	if in.AgeDays() < 30 {
		add("Maintain consistent activity for 30+ days")
	}
	if !in.Chain.HasBasename {
		add("Register a Basename for your wallet")
	}
	if in.UniquePartners() < 10 {
		add("Transact with more unique counterparties")
	}
	if !in.Profile.GithubVerified {
		add("Link and verify a GitHub account")
	}
	if in.RatingCount == 0 {
		add("Request ratings from past counterparties")
	}
	if in.USDCBalance() < 10 {
		add("Maintain a working USDC balance")
	}
	return steps
}

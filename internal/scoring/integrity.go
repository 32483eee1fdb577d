package scoring

import "math"

// Per-tag integrity penalty factors. Every factor is < 1; stacked tags
// multiply.
var sybilIntegrityFactors = map[string]float64{
	SybilClosedLoopTrading:      0.55,
	SybilSymmetricTransactions:  0.60,
	SybilCoordinatedCreation:    0.65,
	SybilSinglePartner:          0.75,
	SybilVolumeWithoutDiversity: 0.80,
	SybilFundedByTopPartner:     0.70,
	SybilTightCluster:           0.60,
}

var gamingIntegrityFactors = map[string]float64{
	GamingWashTrading:           0.50,
	GamingVelocitySpike:         0.80,
	GamingBalanceWindowDressing: 0.85,
	GamingDepositAndScore:       0.85,
	GamingBurstAndStop:          0.80,
}

const (
	defaultSybilFactor  = 0.80
	defaultGamingFactor = 0.85
	fraudReportFactor   = 0.90
	integrityFloor      = 0.10
)

// ComputeIntegrity multiplies the penalty factors of every indicator tag,
// then discounts per fraud report. Result is floored at 0.10 and rounded
// to 3 decimals.
func ComputeIntegrity(sybilTags, gamingTags []string, fraudReportCount int) float64 {
	m := 1.0
	for _, tag := range sybilTags {
		if f, ok := sybilIntegrityFactors[tag]; ok {
			m *= f
		} else {
			m *= defaultSybilFactor
		}
	}
	for _, tag := range gamingTags {
		if f, ok := gamingIntegrityFactors[tag]; ok {
			m *= f
		} else {
			m *= defaultGamingFactor
		}
	}
	if fraudReportCount > 0 {
		m *= math.Pow(fraudReportFactor, float64(fraudReportCount))
	}
	if m < integrityFloor {
		m = integrityFloor
	}
	return math.Round(m*1000) / 1000
}

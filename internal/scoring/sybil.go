package scoring

import (
	"math"
	"time"
)

// Sybil indicator tags, in evaluation order.
const (
	SybilClosedLoopTrading      = "closed_loop_trading"
	SybilSymmetricTransactions  = "symmetric_transactions"
	SybilCoordinatedCreation    = "coordinated_creation"
	SybilSinglePartner          = "single_partner"
	SybilVolumeWithoutDiversity = "volume_without_diversity"
	SybilFundedByTopPartner     = "funded_by_top_partner"
	SybilTightCluster           = "tight_cluster"
)

// SybilResult is the detector outcome: indicator tags in evaluation order
// plus per-dimension score caps. When patterns stack, the lowest cap wins.
type SybilResult struct {
	Flag           bool
	Indicators     []string
	ReliabilityCap *int
	IdentityCap    *int
}

// CapReliability applies the cap to a computed reliability score.
func (r *SybilResult) CapReliability(score int) int {
	if r.ReliabilityCap != nil && score > *r.ReliabilityCap {
		return *r.ReliabilityCap
	}
	return score
}

// CapIdentity applies the cap to a computed identity score.
func (r *SybilResult) CapIdentity(score int) int {
	if r.IdentityCap != nil && score > *r.IdentityCap {
		return *r.IdentityCap
	}
	return score
}

type sybilPattern struct {
	Tag            string
	ReliabilityCap int // 0 means no cap
	IdentityCap    int
	Evaluate       func(in *Inputs) bool
}

// SybilDetector runs graph and funding pattern checks over the local
// store snapshot. It never reaches back to chain.
type SybilDetector struct {
	patterns []sybilPattern
}

// NewSybilDetector builds the detector with its built-in pattern set.
func NewSybilDetector() *SybilDetector {
	d := &SybilDetector{}
	d.patterns = []sybilPattern{
		{
			Tag:            SybilClosedLoopTrading,
			ReliabilityCap: 40,
			Evaluate: func(in *Inputs) bool {
				if len(in.Partners) < 3 {
					return false
				}
				var total, top3 float64
				for i, p := range in.Partners {
					v := p.TotalVolume()
					total += v
					if i < 3 {
						top3 += v
					}
				}
				return total > 0 && top3/total > 0.90
			},
		},
		{
			Tag:            SybilSymmetricTransactions,
			ReliabilityCap: 30,
			Evaluate: func(in *Inputs) bool {
				if len(in.Partners) == 0 {
					return false
				}
				symmetric := 0
				for _, p := range in.Partners {
					if p.VolumeOut <= 0 || p.VolumeIn <= 0 {
						continue
					}
					diff := math.Abs(p.VolumeOut - p.VolumeIn)
					if diff/math.Max(p.VolumeOut, p.VolumeIn) < 0.10 {
						symmetric++
					}
				}
				return float64(symmetric)/float64(len(in.Partners)) > 0.50
			},
		},
		{
			Tag:         SybilCoordinatedCreation,
			IdentityCap: 50,
			Evaluate: func(in *Inputs) bool {
				if !in.HaveMetrics || in.Metrics.FirstSeen.IsZero() || in.TopPartnerFirstSeen == nil {
					return false
				}
				gap := in.Metrics.FirstSeen.Sub(*in.TopPartnerFirstSeen)
				if gap < 0 {
					gap = -gap
				}
				return gap <= 24*time.Hour
			},
		},
		{
			Tag:            SybilSinglePartner,
			ReliabilityCap: 35,
			Evaluate: func(in *Inputs) bool {
				return len(in.Partners) == 1 && in.TxCount() >= 5
			},
		},
		{
			Tag:            SybilVolumeWithoutDiversity,
			ReliabilityCap: 45,
			Evaluate: func(in *Inputs) bool {
				return in.TxCount() > 50 && in.UniquePartners() < 5
			},
		},
		{
			Tag:            SybilFundedByTopPartner,
			ReliabilityCap: 35,
			IdentityCap:    40,
			Evaluate: func(in *Inputs) bool {
				if in.EarliestInboundSender == "" || len(in.Partners) == 0 {
					return false
				}
				return in.EarliestInboundSender == in.Partners[0].Wallet
			},
		},
		{
			Tag:            SybilTightCluster,
			ReliabilityCap: 30,
			IdentityCap:    40,
			Evaluate: func(in *Inputs) bool {
				k := in.TopPartnerCount
				if k < 2 {
					return false
				}
				possible := k * (k - 1) / 2
				return float64(in.TopPartnerPairs)/float64(possible) > 0.50
			},
		},
	}
	return d
}

// Detect evaluates every pattern and accumulates indicators and caps.
func (d *SybilDetector) Detect(in *Inputs) *SybilResult {
	result := &SybilResult{}
	for _, p := range d.patterns {
		if !p.Evaluate(in) {
			continue
		}
		result.Flag = true
		result.Indicators = append(result.Indicators, p.Tag)
		if p.ReliabilityCap > 0 {
			keepMinCap(&result.ReliabilityCap, p.ReliabilityCap)
		}
		if p.IdentityCap > 0 {
			keepMinCap(&result.IdentityCap, p.IdentityCap)
		}
	}
	return result
}

func keepMinCap(current **int, limit int) {
	if *current == nil || limit < **current {
		v := limit
		*current = &v
	}
}

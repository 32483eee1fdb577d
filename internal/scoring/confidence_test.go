package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/basetrust/reputation-engine/internal/chain"
	"github.com/basetrust/reputation-engine/internal/models"
)

func TestComputeConfidenceNoData(t *testing.T) {
	in := &Inputs{Wallet: "0xabc", Now: testNow}
	assert.Equal(t, 0.0, ComputeConfidence(in))
}

func TestComputeConfidenceSaturated(t *testing.T) {
	in := &Inputs{
		Wallet:      "0xabc",
		Now:         testNow,
		Chain:       chain.WalletFacts{AgeDays: 365, Transfers: chain.TransferStats{Count: 1000}},
		HaveMetrics: true,
		Metrics:     models.WalletMetrics{UniquePartners: 100},
		RatingCount: 20,
		PriorQueries: 100,
	}
	assert.Equal(t, 1.0, ComputeConfidence(in))
}

func TestComputeConfidenceMidSignals(t *testing.T) {
	in := &Inputs{
		Wallet:       "0xabc",
		Now:          testNow,
		Chain:        chain.WalletFacts{AgeDays: 30, Transfers: chain.TransferStats{Count: 50}},
		HaveMetrics:  true,
		Metrics:      models.WalletMetrics{UniquePartners: 10},
		RatingCount:  5,
		PriorQueries: 5,
	}

	// 0.25*0.6 + 0.25*0.5 + 0.20*0.6 + 0.15*0.6 + 0.15*0.5 = 0.56.
	assert.InDelta(t, 0.56, ComputeConfidence(in), 1e-9)
}

func TestComputeConfidenceDegradedCap(t *testing.T) {
	rich := &Inputs{
		Wallet:       "0xabc",
		Now:          testNow,
		Chain:        chain.WalletFacts{AgeDays: 365, Transfers: chain.TransferStats{Count: 1000}},
		HaveMetrics:  true,
		Metrics:      models.WalletMetrics{UniquePartners: 100},
		RatingCount:  20,
		PriorQueries: 100,
	}
	rich.DegradedAggregates = true
	assert.Equal(t, 0.5, ComputeConfidence(rich))

	// Already below the cap: degradation changes nothing.
	thin := &Inputs{
		Wallet: "0xabc",
		Now:    testNow,
		Chain:  chain.WalletFacts{Transfers: chain.TransferStats{Count: 10}},
	}
	base := ComputeConfidence(thin)
	thin.DegradedAggregates = true
	assert.Equal(t, base, ComputeConfidence(thin))
}

func TestBuildDataAvailability(t *testing.T) {
	t.Run("empty wallet", func(t *testing.T) {
		got := BuildDataAvailability(&Inputs{Wallet: "0xabc", Now: testNow})
		assert.Equal(t, models.DataAvailability{
			TransactionHistory: "none",
			WalletAge:          "new",
			EconomicData:       "none",
			IdentityData:       "none",
			CommunityData:      "none",
		}, got)
	})

	t.Run("established wallet", func(t *testing.T) {
		in := &Inputs{
			Wallet: "0xabc",
			Now:    testNow,
			Chain: chain.WalletFacts{
				AgeDays:     120,
				HasBasename: true,
				InRegistry:  true,
				Transfers:   chain.TransferStats{Count: 300, TotalIn: 4000, TotalOut: 2000},
			},
			Profile:     models.WalletProfile{SelfRegistered: true},
			RatingCount: 8,
		}
		got := BuildDataAvailability(in)
		assert.Equal(t, models.DataAvailability{
			TransactionHistory: "extensive",
			WalletAge:          "established",
			EconomicData:       "rich",
			IdentityData:       "strong",
			CommunityData:      "active",
		}, got)
	})

	t.Run("reported but unrated wallet", func(t *testing.T) {
		in := &Inputs{
			Wallet:           "0xabc",
			Now:              testNow,
			FraudReportCount: 2,
		}
		got := BuildDataAvailability(in)
		assert.Equal(t, "limited", got.CommunityData)
	})
}

func TestBuildImprovementPathHighConfidence(t *testing.T) {
	steps := BuildImprovementPath(&Inputs{Wallet: "0xabc", Now: testNow}, 0.75)
	assert.NotNil(t, steps)
	assert.Empty(t, steps)
}

func TestBuildImprovementPathThinWalletCappedAtFour(t *testing.T) {
	steps := BuildImprovementPath(&Inputs{Wallet: "0xabc", Now: testNow}, 0.1)

	assert.Equal(t, []string{
		"Complete 10+ transactions",
		"Maintain consistent activity for 30+ days",
		"Register a Basename for your wallet",
		"Transact with more unique counterparties",
	}, steps)
}

func TestBuildImprovementPathTargetsMissingSignals(t *testing.T) {
	in := &Inputs{
		Wallet:      "0xabc",
		Now:         testNow,
		Chain:       chain.WalletFacts{AgeDays: 60, HasBasename: true, USDCBalance: 50_000_000, Transfers: chain.TransferStats{Count: 40}},
		HaveMetrics: true,
		Metrics:     models.WalletMetrics{UniquePartners: 15},
		RatingCount: 3,
	}

	steps := BuildImprovementPath(in, 0.5)
	assert.Equal(t, []string{"Link and verify a GitHub account"}, steps)
}

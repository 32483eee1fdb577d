package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basetrust/reputation-engine/internal/chain"
	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/repositories"
)

func TestSybilCleanWallet(t *testing.T) {
	in := &Inputs{
		Wallet: "0xabc",
		Now:    testNow,
		Chain:  chain.WalletFacts{Transfers: chain.TransferStats{Count: 40}},
		Partners: []repositories.Partner{
			{Wallet: "0x1", VolumeOut: 270},
			{Wallet: "0x2", VolumeOut: 100},
			{Wallet: "0x3", VolumeOut: 90},
			{Wallet: "0x4", VolumeOut: 80},
		},
	}

	res := NewSybilDetector().Detect(in)

	assert.False(t, res.Flag)
	assert.Empty(t, res.Indicators)
	assert.Nil(t, res.ReliabilityCap)
	assert.Nil(t, res.IdentityCap)
	assert.Equal(t, 85, res.CapReliability(85))
	assert.Equal(t, 85, res.CapIdentity(85))
}

func TestSybilClosedLoopTrading(t *testing.T) {
	in := &Inputs{
		Wallet: "0xabc",
		Now:    testNow,
		Partners: []repositories.Partner{
			{Wallet: "0x1", VolumeOut: 100},
			{Wallet: "0x2", VolumeOut: 50},
			{Wallet: "0x3", VolumeOut: 40},
		},
	}

	res := NewSybilDetector().Detect(in)

	require.True(t, res.Flag)
	assert.Equal(t, []string{SybilClosedLoopTrading}, res.Indicators)
	require.NotNil(t, res.ReliabilityCap)
	assert.Equal(t, 40, *res.ReliabilityCap)
	assert.Nil(t, res.IdentityCap)
}

func TestSybilSymmetricTransactions(t *testing.T) {
	in := &Inputs{
		Wallet: "0xabc",
		Now:    testNow,
		Partners: []repositories.Partner{
			{Wallet: "0x1", VolumeOut: 100, VolumeIn: 95},
			{Wallet: "0x2", VolumeOut: 50, VolumeIn: 48},
		},
	}

	res := NewSybilDetector().Detect(in)

	require.True(t, res.Flag)
	assert.Equal(t, []string{SybilSymmetricTransactions}, res.Indicators)
	require.NotNil(t, res.ReliabilityCap)
	assert.Equal(t, 30, *res.ReliabilityCap)
}

func TestSybilCoordinatedCreation(t *testing.T) {
	walletBorn := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	partnerBorn := walletBorn.Add(6 * time.Hour)

	in := &Inputs{
		Wallet:              "0xabc",
		Now:                 testNow,
		HaveMetrics:         true,
		Metrics:             models.WalletMetrics{FirstSeen: walletBorn},
		TopPartnerFirstSeen: &partnerBorn,
		Chain:               chain.WalletFacts{Transfers: chain.TransferStats{Count: 2}},
		Partners:            []repositories.Partner{{Wallet: "0x1", VolumeOut: 100}},
	}

	res := NewSybilDetector().Detect(in)

	require.True(t, res.Flag)
	assert.Equal(t, []string{SybilCoordinatedCreation}, res.Indicators)
	assert.Nil(t, res.ReliabilityCap)
	require.NotNil(t, res.IdentityCap)
	assert.Equal(t, 50, *res.IdentityCap)
}

func TestSybilCoordinatedCreationOutsideWindow(t *testing.T) {
	walletBorn := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	partnerBorn := walletBorn.Add(-3 * 24 * time.Hour)

	in := &Inputs{
		Wallet:              "0xabc",
		Now:                 testNow,
		HaveMetrics:         true,
		Metrics:             models.WalletMetrics{FirstSeen: walletBorn},
		TopPartnerFirstSeen: &partnerBorn,
	}

	res := NewSybilDetector().Detect(in)
	assert.False(t, res.Flag)
}

func TestSybilSinglePartner(t *testing.T) {
	in := &Inputs{
		Wallet:   "0xabc",
		Now:      testNow,
		Chain:    chain.WalletFacts{Transfers: chain.TransferStats{Count: 10}},
		Partners: []repositories.Partner{{Wallet: "0x1", VolumeOut: 500}},
	}

	res := NewSybilDetector().Detect(in)

	require.True(t, res.Flag)
	assert.Equal(t, []string{SybilSinglePartner}, res.Indicators)
	require.NotNil(t, res.ReliabilityCap)
	assert.Equal(t, 35, *res.ReliabilityCap)
}

func TestSybilSinglePartnerNeedsVolume(t *testing.T) {
	// A wallet with one partner and a handful of transfers is just new.
	in := &Inputs{
		Wallet:   "0xabc",
		Now:      testNow,
		Chain:    chain.WalletFacts{Transfers: chain.TransferStats{Count: 3}},
		Partners: []repositories.Partner{{Wallet: "0x1", VolumeOut: 500}},
	}

	res := NewSybilDetector().Detect(in)
	assert.False(t, res.Flag)
}

func TestSybilVolumeWithoutDiversity(t *testing.T) {
	in := &Inputs{
		Wallet: "0xabc",
		Now:    testNow,
		Chain:  chain.WalletFacts{Transfers: chain.TransferStats{Count: 60}},
		Partners: []repositories.Partner{
			{Wallet: "0x1", VolumeOut: 100},
			{Wallet: "0x2", VolumeOut: 90},
		},
	}

	res := NewSybilDetector().Detect(in)

	require.True(t, res.Flag)
	assert.Equal(t, []string{SybilVolumeWithoutDiversity}, res.Indicators)
	require.NotNil(t, res.ReliabilityCap)
	assert.Equal(t, 45, *res.ReliabilityCap)
}

func TestSybilFundedByTopPartner(t *testing.T) {
	in := &Inputs{
		Wallet: "0xabc",
		Now:    testNow,
		Chain:  chain.WalletFacts{Transfers: chain.TransferStats{Count: 3}},
		Partners: []repositories.Partner{
			{Wallet: "0xfeed", VolumeOut: 100},
			{Wallet: "0x2", VolumeOut: 90},
		},
		EarliestInboundSender: "0xfeed",
	}

	res := NewSybilDetector().Detect(in)

	require.True(t, res.Flag)
	assert.Equal(t, []string{SybilFundedByTopPartner}, res.Indicators)
	require.NotNil(t, res.ReliabilityCap)
	assert.Equal(t, 35, *res.ReliabilityCap)
	require.NotNil(t, res.IdentityCap)
	assert.Equal(t, 40, *res.IdentityCap)
}

func TestSybilTightCluster(t *testing.T) {
	in := &Inputs{
		Wallet: "0xabc",
		Now:    testNow,
		Partners: []repositories.Partner{
			{Wallet: "0x1", VolumeOut: 270},
			{Wallet: "0x2", VolumeOut: 100},
			{Wallet: "0x3", VolumeOut: 90},
			{Wallet: "0x4", VolumeOut: 80},
		},
		TopPartnerCount: 4,
		TopPartnerPairs: 4, // of 6 possible
	}

	res := NewSybilDetector().Detect(in)

	require.True(t, res.Flag)
	assert.Equal(t, []string{SybilTightCluster}, res.Indicators)
	require.NotNil(t, res.ReliabilityCap)
	assert.Equal(t, 30, *res.ReliabilityCap)
	require.NotNil(t, res.IdentityCap)
	assert.Equal(t, 40, *res.IdentityCap)
}

func TestSybilStackedPatternsKeepLowestCap(t *testing.T) {
	// Three partners trading symmetrically, the top one also being the
	// funding source: closed loop, symmetric, and funded all fire.
	in := &Inputs{
		Wallet: "0xabc",
		Now:    testNow,
		Partners: []repositories.Partner{
			{Wallet: "0xfeed", VolumeOut: 100, VolumeIn: 98},
			{Wallet: "0x2", VolumeOut: 50, VolumeIn: 49},
			{Wallet: "0x3", VolumeOut: 40, VolumeIn: 39},
		},
		EarliestInboundSender: "0xfeed",
	}

	res := NewSybilDetector().Detect(in)

	require.True(t, res.Flag)
	assert.Equal(t, []string{
		SybilClosedLoopTrading,
		SybilSymmetricTransactions,
		SybilFundedByTopPartner,
	}, res.Indicators)

	// Symmetric's 30 beats closed loop's 40 and funded's 35; funded is
	// the only identity cap.
	require.NotNil(t, res.ReliabilityCap)
	assert.Equal(t, 30, *res.ReliabilityCap)
	require.NotNil(t, res.IdentityCap)
	assert.Equal(t, 40, *res.IdentityCap)

	assert.Equal(t, 30, res.CapReliability(88))
	assert.Equal(t, 12, res.CapReliability(12))
	assert.Equal(t, 40, res.CapIdentity(95))
}

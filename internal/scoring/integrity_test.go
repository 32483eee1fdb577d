package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeIntegrityCleanWallet(t *testing.T) {
	assert.Equal(t, 1.0, ComputeIntegrity(nil, nil, 0))
}

func TestComputeIntegritySingleTags(t *testing.T) {
	tests := []struct {
		name   string
		sybil  []string
		gaming []string
		want   float64
	}{
		{"closed loop", []string{SybilClosedLoopTrading}, nil, 0.55},
		{"symmetric", []string{SybilSymmetricTransactions}, nil, 0.60},
		{"single partner", []string{SybilSinglePartner}, nil, 0.75},
		{"wash trading", nil, []string{GamingWashTrading}, 0.50},
		{"velocity spike", nil, []string{GamingVelocitySpike}, 0.80},
		{"window dressing", nil, []string{GamingBalanceWindowDressing}, 0.85},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ComputeIntegrity(tt.sybil, tt.gaming, 0), 1e-9)
		})
	}
}

func TestComputeIntegrityUnknownTagsUseDefaults(t *testing.T) {
	assert.InDelta(t, 0.80, ComputeIntegrity([]string{"future_pattern"}, nil, 0), 1e-9)
	assert.InDelta(t, 0.85, ComputeIntegrity(nil, []string{"future_pattern"}, 0), 1e-9)
}

func TestComputeIntegrityStackedTagsMultiply(t *testing.T) {
	got := ComputeIntegrity(
		[]string{SybilClosedLoopTrading},
		[]string{GamingWashTrading},
		0,
	)
	assert.InDelta(t, 0.275, got, 1e-9)
}

func TestComputeIntegrityFraudReports(t *testing.T) {
	assert.InDelta(t, 0.9, ComputeIntegrity(nil, nil, 1), 1e-9)
	assert.InDelta(t, 0.81, ComputeIntegrity(nil, nil, 2), 1e-9)
	assert.InDelta(t, 0.59, ComputeIntegrity(nil, nil, 5), 1e-3)
}

func TestComputeIntegrityFloor(t *testing.T) {
	sybil := []string{
		SybilClosedLoopTrading,
		SybilSymmetricTransactions,
		SybilTightCluster,
	}
	gaming := []string{GamingWashTrading, GamingBurstAndStop}

	got := ComputeIntegrity(sybil, gaming, 10)
	assert.Equal(t, 0.10, got)
}

func TestComputeIntegrityRoundsToThreeDecimals(t *testing.T) {
	// 0.55 * 0.65 = 0.3575, rounded half away from zero.
	got := ComputeIntegrity(
		[]string{SybilClosedLoopTrading, SybilCoordinatedCreation},
		nil,
		0,
	)
	assert.InDelta(t, 0.358, got, 1e-9)
}

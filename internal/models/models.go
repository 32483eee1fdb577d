package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Score is the current cached reputation result for a wallet. One row per
// wallet; the most recent scoring wins.
type Score struct {
	Wallet           string    `json:"wallet"`
	Score            int       `json:"score"` // 0-100 composite
	Reliability      int       `json:"reliability"`
	Viability        int       `json:"viability"`
	Identity         int       `json:"identity"`
	Capability       int       `json:"capability"`
	Behavior         int       `json:"behavior"`
	Tier             string    `json:"tier"`
	Confidence       float64   `json:"confidence"` // 0.0-1.0
	Recommendation   string    `json:"recommendation"`
	ModelVersion     string    `json:"model_version"`
	SybilFlag        bool      `json:"sybil_flag"`
	SybilIndicators  []string  `json:"sybil_indicators"`
	GamingIndicators []string  `json:"gaming_indicators"`
	Integrity        float64   `json:"integrity"` // multiplier applied to the composite
	RawInputs        JSONB     `json:"raw_inputs,omitempty"`
	CalculatedAt     time.Time `json:"calculated_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Tier enum values
const (
	TierElite       = "Elite"
	TierTrusted     = "Trusted"
	TierEstablished = "Established"
	TierEmerging    = "Emerging"
	TierUnverified  = "Unverified"
)

// Recommendation enum values
const (
	RecommendationProceed             = "proceed"
	RecommendationProceedWithCaution  = "proceed_with_caution"
	RecommendationInsufficientHistory = "insufficient_history"
	RecommendationHighRisk            = "high_risk"
	RecommendationFlaggedForReview    = "flagged_for_review"
)

// ScoreHistoryEntry is one point of the append-only score time series.
type ScoreHistoryEntry struct {
	ID           uuid.UUID `json:"id"`
	Wallet       string    `json:"wallet"`
	Score        int       `json:"score"`
	Confidence   float64   `json:"confidence"`
	ModelVersion string    `json:"model_version"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// ScoreOutcome labels what followed a paid score lookup, with the dimension
// values captured at query time for the adaptive layer.
type ScoreOutcome struct {
	ID         uuid.UUID `json:"id"`
	Wallet     string    `json:"wallet"`
	QueryID    uuid.UUID `json:"query_id"`
	Outcome    string    `json:"outcome"`
	Dimensions JSONB     `json:"dimensions"`
	MatchedAt  time.Time `json:"matched_at"`
}

// Outcome enum values
const (
	OutcomeSuccessfulTx         = "successful_tx"
	OutcomeMultipleSuccessfulTx = "multiple_successful_tx"
	OutcomeFraudReport          = "fraud_report"
	OutcomeNoActivity           = "no_activity"
)

// RawTransfer is one indexed USDC transfer event.
type RawTransfer struct {
	TxHash        string    `json:"tx_hash"`
	BlockNumber   int64     `json:"block_number"`
	FromAddress   string    `json:"from_address"`
	ToAddress     string    `json:"to_address"`
	Amount        float64   `json:"amount"` // USDC units
	TransferredAt time.Time `json:"transferred_at"`
}

// WalletMetrics holds per-wallet aggregates maintained by the indexer and
// the hourly refresh job.
type WalletMetrics struct {
	Wallet         string    `json:"wallet"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	TotalTxCount   int       `json:"total_tx_count"`
	TotalIn        float64   `json:"total_in"`
	TotalOut       float64   `json:"total_out"`
	TxCount24h     int       `json:"tx_count_24h"`
	TxCount7d      int       `json:"tx_count_7d"`
	TxCount30d     int       `json:"tx_count_30d"`
	Volume24h      float64   `json:"volume_24h"`
	Volume7d       float64   `json:"volume_7d"`
	Volume30d      float64   `json:"volume_30d"`
	UniquePartners int       `json:"unique_partners"`
	BalanceTrend   string    `json:"balance_trend"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BalanceTrend enum values
const (
	TrendRising    = "rising"
	TrendStable    = "stable"
	TrendDeclining = "declining"
	TrendFreefall  = "freefall"
)

// Relationship is the undirected wallet pair with directed volumes. The
// pair is canonical: WalletA < WalletB lexicographically, stored once.
type Relationship struct {
	WalletA          string    `json:"wallet_a"`
	WalletB          string    `json:"wallet_b"`
	VolumeAToB       float64   `json:"volume_a_to_b"`
	VolumeBToA       float64   `json:"volume_b_to_a"`
	TxCount          int       `json:"tx_count"`
	FirstInteraction time.Time `json:"first_interaction"`
	LastInteraction  time.Time `json:"last_interaction"`
}

// WalletSnapshot is a periodic balance sample.
type WalletSnapshot struct {
	ID          uuid.UUID `json:"id"`
	Wallet      string    `json:"wallet"`
	USDCBalance float64   `json:"usdc_balance"`
	ETHBalance  float64   `json:"eth_balance"`
	TakenAt     time.Time `json:"taken_at"`
}

// QueryLogEntry records every score request; paid lookups feed the
// outcome matcher.
type QueryLogEntry struct {
	ID           uuid.UUID `json:"id"`
	Requester    string    `json:"requester"`
	TargetWallet string    `json:"target_wallet"`
	Endpoint     string    `json:"endpoint"`
	Paid         bool      `json:"paid"`
	Dimensions   JSONB     `json:"dimensions,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AdaptiveState persists learned weights or breakpoint offsets under a
// well-known state name.
type AdaptiveState struct {
	StateName  string    `json:"state_name"`
	Payload    JSONB     `json:"payload"`
	SampleSize int       `json:"sample_size"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Adaptive state names
const (
	StateDimensionWeights  = "dimension_weights"
	StateBreakpointOffsets = "breakpoint_offsets"
)

// FraudReport is a user-submitted report against a wallet.
type FraudReport struct {
	ID        uuid.UUID `json:"id"`
	Wallet    string    `json:"wallet"`
	Reporter  string    `json:"reporter"`
	Reason    string    `json:"reason"`
	Details   JSONB     `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WalletRating is a 1-5 counterparty rating.
type WalletRating struct {
	ID        uuid.UUID `json:"id"`
	Wallet    string    `json:"wallet"`
	Rater     string    `json:"rater"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WalletProfile carries identity and capability inputs populated by the
// profile collaborator; absent rows read as zero values.
type WalletProfile struct {
	Wallet         string     `json:"wallet"`
	SelfRegistered bool       `json:"self_registered"`
	GithubUsername string     `json:"github_username,omitempty"`
	GithubVerified bool       `json:"github_verified"`
	GithubStars    int        `json:"github_stars"`
	GithubLastPush *time.Time `json:"github_last_push,omitempty"`
	DomainsOwned   int        `json:"domains_owned"`
	Replications   int        `json:"replications"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Developer is an API consumer.
type Developer struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	APIKeyHash   string    `json:"-"`
	Plan         string    `json:"plan"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Developer plan values
const (
	PlanFree = "free"
	PlanPaid = "paid"
)

// EconomyMetrics is the hourly ecosystem aggregate written after each
// refresh batch.
type EconomyMetrics struct {
	ID             uuid.UUID `json:"id"`
	HourBucket     time.Time `json:"hour_bucket"`
	WalletsScored  int       `json:"wallets_scored"`
	AvgScore       float64   `json:"avg_score"`
	MedianScore    float64   `json:"median_score"`
	TotalVolume24h float64   `json:"total_volume_24h"`
	ActiveWallets  int       `json:"active_wallets"`
}

// AnomalyEvent is one detection from the anomaly job.
type AnomalyEvent struct {
	ID          uuid.UUID `json:"id"`
	Wallet      string    `json:"wallet"`
	AnomalyType string    `json:"anomaly_type"`
	Details     JSONB     `json:"details,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Anomaly type values
const (
	AnomalyScoreJump       = "score_jump"
	AnomalyFraudReport     = "fraud_report"
	AnomalyBalanceFreefall = "balance_freefall"
	AnomalySybilFlagged    = "sybil_flagged"
)

// DimensionScores groups the five sub-scores.
type DimensionScores struct {
	Reliability int `json:"reliability"`
	Viability   int `json:"viability"`
	Identity    int `json:"identity"`
	Capability  int `json:"capability"`
	Behavior    int `json:"behavior"`
}

// DataAvailability labels how much data backed each signal group.
type DataAvailability struct {
	TransactionHistory string `json:"transaction_history"`
	WalletAge          string `json:"wallet_age"`
	EconomicData       string `json:"economic_data"`
	IdentityData       string `json:"identity_data"`
	CommunityData      string `json:"community_data"`
}

// BasicScoreResponse is the free-tier response shape.
type BasicScoreResponse struct {
	Wallet         string    `json:"wallet"`
	Score          int       `json:"score"`
	Tier           string    `json:"tier"`
	Confidence     float64   `json:"confidence"`
	Recommendation string    `json:"recommendation"`
	ModelVersion   string    `json:"model_version"`
	LastUpdated    time.Time `json:"last_updated"`
	ComputedAt     time.Time `json:"computed_at"`
	ScoreFreshness float64   `json:"score_freshness"`
	Stale          bool      `json:"stale,omitempty"`
}

// FullScoreResponse extends the basic shape with fraud, dimension, and
// history detail.
type FullScoreResponse struct {
	BasicScoreResponse
	SybilFlag           bool                `json:"sybil_flag"`
	SybilIndicators     []string            `json:"sybil_indicators"`
	GamingIndicators    []string            `json:"gaming_indicators"`
	Dimensions          DimensionScores     `json:"dimensions"`
	DataAvailability    DataAvailability    `json:"data_availability"`
	ImprovementPath     []string            `json:"improvement_path"`
	ScoreHistory        []ScoreHistoryEntry `json:"score_history"`
	IntegrityMultiplier float64             `json:"integrity_multiplier,omitempty"`
	ScoreRange          *ScoreRange         `json:"score_range,omitempty"`
	TopContributors     []string            `json:"top_contributors,omitempty"`
	TopDetractors       []string            `json:"top_detractors,omitempty"`
}

// ScoreRange bounds the plausible score given current confidence.
type ScoreRange struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// Trajectory describes score movement over the stored history.
type Trajectory struct {
	Velocity   *float64 `json:"velocity"`  // OLS slope per day; nil below 2 points
	Momentum   *float64 `json:"momentum"`  // half-slope delta; nil below 6 points
	Direction  string   `json:"direction"` // new, improving, declining, stable, volatile
	Volatility float64  `json:"volatility"`
	Modifier   int      `json:"modifier"` // -5..+5 applied to the composite
	DataPoints int      `json:"data_points"`
	SpanDays   float64  `json:"span_days"`
}

// Direction enum values
const (
	DirectionNew       = "new"
	DirectionImproving = "improving"
	DirectionDeclining = "declining"
	DirectionStable    = "stable"
	DirectionVolatile  = "volatile"
)

// TransferEvent is the indexer event consumed from Kafka.
type TransferEvent struct {
	TxHash      string    `json:"tx_hash"`
	BlockNumber int64     `json:"block_number"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      float64   `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

// FraudReportEvent is the report event consumed from Kafka.
type FraudReportEvent struct {
	Wallet    string    `json:"wallet"`
	Reporter  string    `json:"reporter"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// RefreshEvent is the background-refresh request carried on the Redis
// stream.
type RefreshEvent struct {
	Wallet     string    `json:"wallet"`
	Force      bool      `json:"force"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
}

// ScoreEvent is published to the events stream after every persisted
// scoring run; webhook dispatch consumes it downstream.
type ScoreEvent struct {
	Wallet         string    `json:"wallet"`
	Score          int       `json:"score"`
	Tier           string    `json:"tier"`
	Recommendation string    `json:"recommendation"`
	SybilFlag      bool      `json:"sybil_flag"`
	ModelVersion   string    `json:"model_version"`
	ComputedAt     time.Time `json:"computed_at"`
}

// JSONB is a helper type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Pagination represents pagination parameters
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// PaginatedResponse wraps paginated results
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

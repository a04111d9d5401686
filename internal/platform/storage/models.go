package storage

import (
	"math/big"
	"strconv"
	"time"
)

// Checkpoint records the last block the indexer fully processed.
type Checkpoint struct {
	ID                 string    `db:"id"`
	LastProcessedBlock uint64    `db:"last_processed_block"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// ProcessedLog marks a chain log (txHash-logIndex) whose effects have been
// committed. It is written in the same transaction as those effects.
type ProcessedLog struct {
	ID          string    `db:"id"`
	BlockNumber uint64    `db:"block_number"`
	EventName   string    `db:"event_name"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Series mirrors one on-chain option series. Amounts are 18-decimal integers.
type Series struct {
	ID                string    `db:"id"`
	Underlying        string    `db:"underlying"`
	Quote             string    `db:"quote"`
	Strike            *big.Int  `db:"strike"`
	Expiry            uint64    `db:"expiry"`
	IsCall            bool      `db:"is_call"`
	BaseFeeBps        uint16    `db:"base_fee_bps"`
	Settled           bool      `db:"settled"`
	LongOpenInterest  *big.Int  `db:"long_open_interest"`
	ShortOpenInterest *big.Int  `db:"short_open_interest"`
	CumulativePremium *big.Int  `db:"cumulative_premium"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// TradeSide is the taker side of a trade.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Trade is an append-only record keyed by txHash-logIndex.
type Trade struct {
	ID          string    `db:"id"`
	SeriesID    string    `db:"series_id"`
	Trader      string    `db:"trader"`
	Side        TradeSide `db:"side"`
	Size        *big.Int  `db:"size"`
	Premium     *big.Int  `db:"premium"`
	Fee         *big.Int  `db:"fee"`
	BlockNumber uint64    `db:"block_number"`
	TxHash      string    `db:"tx_hash"`
	LogIndex    uint      `db:"log_index"`
	Timestamp   time.Time `db:"timestamp"`
}

// PositionType is the side of a position.
type PositionType string

const (
	PositionLong  PositionType = "LONG"
	PositionShort PositionType = "SHORT"
)

// Valid reports whether t is LONG or SHORT.
func (t PositionType) Valid() bool {
	return t == PositionLong || t == PositionShort
}

// PositionKey identifies a position row.
type PositionKey struct {
	User     string       `db:"user_address"`
	SeriesID string       `db:"series_id"`
	Type     PositionType `db:"position_type"`
}

// Position is a weighted-average-cost position. AvgPrice is scaled by 1e18.
type Position struct {
	PositionKey
	Size          *big.Int  `db:"size"`
	AvgPrice      *big.Int  `db:"avg_price"`
	UnrealizedPnL *big.Int  `db:"unrealized_pnl"`
	RealizedPnL   *big.Int  `db:"realized_pnl"`
	LastUpdated   time.Time `db:"last_updated"`
}

// MarginEventType classifies a margin audit record.
type MarginEventType string

const (
	MarginEventExercise    MarginEventType = "EXERCISE"
	MarginEventLiquidation MarginEventType = "LIQUIDATION"
	MarginEventCheck       MarginEventType = "MARGIN_CHECK"
)

// MarginEvent is an append-only audit record. SeriesID, BlockNumber and TxHash
// are empty for records not tied to a single series or transaction.
type MarginEvent struct {
	ID              string          `db:"id"`
	Account         string          `db:"account"`
	SeriesID        string          `db:"series_id"`
	Type            MarginEventType `db:"event_type"`
	SizeDelta       *big.Int        `db:"size_delta"`
	ResultingMargin *big.Int        `db:"resulting_margin"`
	Metadata        map[string]any  `db:"metadata"`
	BlockNumber     uint64          `db:"block_number"`
	TxHash          string          `db:"tx_hash"`
	Timestamp       time.Time       `db:"timestamp"`
}

// Liquidation records an executed on-chain liquidation.
type Liquidation struct {
	ID          string    `db:"id"`
	SeriesID    string    `db:"series_id"`
	Account     string    `db:"account"`
	Initiator   string    `db:"initiator"`
	Size        *big.Int  `db:"size"`
	Payout      *big.Int  `db:"payout"`
	Penalty     *big.Int  `db:"penalty"`
	BlockNumber uint64    `db:"block_number"`
	TxHash      string    `db:"tx_hash"`
	Timestamp   time.Time `db:"timestamp"`
}

// AlertLevel grades margin utilisation in a risk snapshot.
type AlertLevel string

const (
	AlertOK       AlertLevel = "OK"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// RiskSnapshot is a point-in-time portfolio aggregate. Snapshots are never
// overwritten; the latest by timestamp wins.
type RiskSnapshot struct {
	ID               string     `db:"id"`
	Account          string     `db:"account"`
	NetDelta         float64    `db:"net_delta"`
	NetGamma         float64    `db:"net_gamma"`
	NetVega          float64    `db:"net_vega"`
	MarginRequired   float64    `db:"margin_required"`
	MarginAvailable  float64    `db:"margin_available"`
	LiquidationPrice *float64   `db:"liquidation_price"`
	AlertLevel       AlertLevel `db:"alert_level"`
	PositionCount    int        `db:"position_count"`
	Timestamp        time.Time  `db:"timestamp"`
}

// SeriesMetric caches the last computed mark and greeks for a series.
type SeriesMetric struct {
	SeriesID          string    `db:"series_id"`
	Spot              float64   `db:"spot"`
	MarkPrice         float64   `db:"mark_price"`
	MarkIV            float64   `db:"mark_iv"`
	Delta             float64   `db:"delta"`
	Gamma             float64   `db:"gamma"`
	Vega              float64   `db:"vega"`
	Theta             float64   `db:"theta"`
	Rho               float64   `db:"rho"`
	LongOpenInterest  *big.Int  `db:"long_open_interest"`
	ShortOpenInterest *big.Int  `db:"short_open_interest"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// Settlement is the audit record of a series settlement transaction.
type Settlement struct {
	SeriesID         string    `db:"series_id"`
	TxHash           string    `db:"tx_hash"`
	BlockNumber      uint64    `db:"block_number"`
	ResidualPremium  *big.Int  `db:"residual_premium"`
	VaultAmount      *big.Int  `db:"vault_amount"`
	InsurancePremium *big.Int  `db:"insurance_premium"`
	SettledAt        time.Time `db:"settled_at"`
}

// InsuranceFlowPremium is the kind recorded for premiums routed to the
// insurance fund at settlement.
const InsuranceFlowPremium = "SETTLEMENT_PREMIUM"

// InsuranceFlow records an amount routed to the insurance fund.
type InsuranceFlow struct {
	ID        string    `db:"id"`
	SeriesID  string    `db:"series_id"`
	TxHash    string    `db:"tx_hash"`
	Amount    *big.Int  `db:"amount"`
	Kind      string    `db:"kind"`
	Timestamp time.Time `db:"timestamp"`
}

// LogID is the idempotency key of a chain log.
func LogID(txHash string, logIndex uint) string {
	return txHash + "-" + strconv.FormatUint(uint64(logIndex), 10)
}

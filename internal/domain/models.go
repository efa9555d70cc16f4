// Package domain holds the core types shared across modules.
package domain

import (
	"time"
)

// CredentialType distinguishes paper and live broker accounts
type CredentialType string

const (
	CredentialPaper CredentialType = "paper"
	CredentialLive  CredentialType = "live"
)

// Valid reports whether the credential type is one of the known values
func (c CredentialType) Valid() bool {
	return c == CredentialPaper || c == CredentialLive
}

// AccountKey identifies one user account within an execution
type AccountKey struct {
	UserID         string         `json:"user_id"`
	CredentialType CredentialType `json:"credential_type"`
}

// UnallocatedStorageID is the sentinel bucket id used at the storage boundary.
// Inside the core, buckets are represented by the Bucket type, never by this string.
const UnallocatedStorageID = "unallocated"

// Bucket attributes ledger shares either to a system or to the unallocated pool
type Bucket struct {
	systemID    string
	unallocated bool
}

// SystemBucket returns a bucket for the given system id
func SystemBucket(systemID string) Bucket {
	return Bucket{systemID: systemID}
}

// UnallocatedBucket returns the sentinel unallocated bucket
func UnallocatedBucket() Bucket {
	return Bucket{unallocated: true}
}

// BucketFromStorageID translates a stored bucket id into a Bucket
func BucketFromStorageID(id string) Bucket {
	if id == UnallocatedStorageID {
		return UnallocatedBucket()
	}
	return SystemBucket(id)
}

// IsUnallocated reports whether this is the sentinel bucket
func (b Bucket) IsUnallocated() bool {
	return b.unallocated
}

// SystemID returns the system id for a system bucket; empty for unallocated
func (b Bucket) SystemID() string {
	return b.systemID
}

// StorageID returns the id persisted in the ledger table
func (b Bucket) StorageID() string {
	if b.unallocated {
		return UnallocatedStorageID
	}
	return b.systemID
}

// Allocation maps tickers to target percents (0..100).
// An empty allocation is valid and means "no positions today".
type Allocation map[string]float64

// WeightMode selects how an investment amount is interpreted
type WeightMode string

const (
	WeightDollars WeightMode = "dollars"
	WeightPercent WeightMode = "percent"
)

// Investment is a user's declared commitment to a system
type Investment struct {
	UserID         string         `json:"user_id"`
	CredentialType CredentialType `json:"credential_type"`
	SystemID       string         `json:"system_id"`
	Amount         float64        `json:"amount"`
	WeightMode     WeightMode     `json:"weight_mode"`
}

// LedgerEntry attributes broker-held shares to a bucket
type LedgerEntry struct {
	UserID         string         `json:"user_id"`
	CredentialType CredentialType `json:"credential_type"`
	Bucket         Bucket         `json:"-"`
	BucketID       string         `json:"bucket_id"`
	Ticker         string         `json:"ticker"`
	Shares         float64        `json:"shares"`
	AvgPrice       float64        `json:"avg_price"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// BrokerPosition is a read-only snapshot of one broker-held position
type BrokerPosition struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	MarketValue   float64 `json:"market_value"`
}

// BrokerAccount is the broker's view of an account
type BrokerAccount struct {
	Equity         float64 `json:"equity"`
	Cash           float64 `json:"cash"`
	BuyingPower    float64 `json:"buying_power"`
	PortfolioValue float64 `json:"portfolio_value"`
	Status         string  `json:"status"`
}

// PriceSource identifies where a price came from
type PriceSource string

const (
	PriceSourcePrimary  PriceSource = "primary"
	PriceSourceFallback PriceSource = "fallback"
	PriceSourceNone     PriceSource = "none"
)

// PriceConfidence classifies a price entry for degraded-mode accounting
type PriceConfidence string

const (
	ConfidencePrimary   PriceConfidence = "primary"
	ConfidenceFallback  PriceConfidence = "fallback"
	ConfidenceEmergency PriceConfidence = "emergency"
)

// PriceMeta records provenance for one requested ticker
type PriceMeta struct {
	Ticker     string          `json:"ticker"`
	Price      *float64        `json:"price,omitempty"`
	Source     PriceSource     `json:"source"`
	Confidence PriceConfidence `json:"confidence"`
	Timestamp  time.Time       `json:"timestamp"`
	Error      string          `json:"error,omitempty"`
}

// MarketHours describes one trading day as reported by the broker calendar
type MarketHours struct {
	Date         string `json:"date"` // Eastern date, YYYY-MM-DD
	CloseHour    int    `json:"close_hour"`
	CloseMinute  int    `json:"close_minute"`
	IsEarlyClose bool   `json:"is_early_close"`
	Degraded     bool   `json:"degraded"` // true when the 16:00 fallback was assumed
}

// ExecutionPhase is the lifecycle phase of an execution record
type ExecutionPhase string

const (
	PhaseWarmup    ExecutionPhase = "warmup"
	PhaseExecution ExecutionPhase = "execution"
	PhaseCompleted ExecutionPhase = "completed"
	PhaseFailed    ExecutionPhase = "failed"
)

// QueueStatus is the lifecycle status of one queued user account
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueExecuting QueueStatus = "executing"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// ExecutionMode selects how far the pipeline goes for each user
type ExecutionMode string

const (
	ModeSimulate     ExecutionMode = "simulate"
	ModeExecutePaper ExecutionMode = "execute-paper"
	ModeExecuteLive  ExecutionMode = "execute-live"
)

// Epsilon values shared by share and weight arithmetic (see reconciler and
// target calculator). Broker quantities are fractional floats; exact decimal
// types would reintroduce drift.
const (
	ShareEpsilon  = 1e-4
	WeightEpsilon = 1e-9
)

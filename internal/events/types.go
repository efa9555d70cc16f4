// Package events provides event management functionality.
package events

// EventType represents different event types
type EventType string

const (
	ExecutionStarted   EventType = "EXECUTION_STARTED"
	ExecutionPhase     EventType = "EXECUTION_PHASE_CHANGED"
	ExecutionCompleted EventType = "EXECUTION_COMPLETED"
	UserExecuted       EventType = "USER_EXECUTED"
	TradeExecuted      EventType = "TRADE_EXECUTED"
	PriceDegraded      EventType = "PRICE_DEGRADED"
	SettingsChanged    EventType = "SETTINGS_CHANGED"
	ErrorOccurred      EventType = "ERROR_OCCURRED"
)

// EventData is implemented by all typed event payloads
type EventData interface {
	EventDataType() EventType
}

// ExecutionStartedData is emitted when the orchestrator begins a run
type ExecutionStartedData struct {
	ExecutionID string `json:"execution_id"`
	Mode        string `json:"mode"`
	TotalUsers  int    `json:"total_users"`
}

func (d *ExecutionStartedData) EventDataType() EventType { return ExecutionStarted }

// ExecutionPhaseData is emitted on warmup→execution transitions
type ExecutionPhaseData struct {
	ExecutionID string `json:"execution_id"`
	Phase       string `json:"phase"`
}

func (d *ExecutionPhaseData) EventDataType() EventType { return ExecutionPhase }

// ExecutionCompletedData is emitted when a run finishes
type ExecutionCompletedData struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Completed   int    `json:"completed_users"`
	Failed      int    `json:"failed_users"`
	DurationMS  int64  `json:"duration_ms"`
}

func (d *ExecutionCompletedData) EventDataType() EventType { return ExecutionCompleted }

// UserExecutedData is emitted after each user's pipeline run
type UserExecutedData struct {
	ExecutionID    string `json:"execution_id"`
	UserID         string `json:"user_id"`
	CredentialType string `json:"credential_type"`
	Status         string `json:"status"`
	OrdersPlaced   int    `json:"orders_placed"`
}

func (d *UserExecutedData) EventDataType() EventType { return UserExecuted }

// TradeExecutedData is emitted per submitted order
type TradeExecutedData struct {
	ExecutionID    string  `json:"execution_id"`
	UserID         string  `json:"user_id"`
	CredentialType string  `json:"credential_type"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Qty            float64 `json:"qty,omitempty"`
	Notional       float64 `json:"notional,omitempty"`
	OrderID        string  `json:"order_id"`
}

func (d *TradeExecutedData) EventDataType() EventType { return TradeExecuted }

// PriceDegradedData is emitted when a ticker fell back past the primary source
type PriceDegradedData struct {
	Ticker     string `json:"ticker"`
	Source     string `json:"source"`
	Confidence string `json:"confidence"`
	Error      string `json:"error,omitempty"`
}

func (d *PriceDegradedData) EventDataType() EventType { return PriceDegraded }

// SettingsChangedData is emitted when a user's trading settings are updated
type SettingsChangedData struct {
	UserID string `json:"user_id"`
}

func (d *SettingsChangedData) EventDataType() EventType { return SettingsChanged }

// ErrorEventData is emitted for surfaced component errors
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (d *ErrorEventData) EventDataType() EventType { return ErrorOccurred }

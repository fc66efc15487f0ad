package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriorityOverride pins an adapter's priority for one market.
type PriorityOverride struct {
	Market    string
	Adapter   string
	Priority  int
	UpdatedAt time.Time
}

// ReportRecord is a persisted reconciliation outcome.
type ReportRecord struct {
	ID              uuid.UUID
	Market          string
	TradeDate       time.Time
	PrimarySource   string
	SecondarySource string
	ChosenSource    string
	Confidence      decimal.Decimal
	Action          string
	Consistent      bool
	Rationale       string
	Report          json.RawMessage
	Diagnostics     json.RawMessage
	CreatedAt       time.Time
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID         int64
	ReportID   uuid.UUID
	PairKey    string
	Action     string
	Confidence decimal.Decimal
	Channels   []string
	CreatedAt  time.Time
}

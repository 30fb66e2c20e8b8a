package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Credit transaction types.
const (
	TxTypePurchase = "purchase"
	TxTypeConsume  = "consume"
	TxTypeRefund   = "refund"
)

// Credit transaction statuses.
const (
	TxStatusCompleted = "completed"
	TxStatusPending   = "pending"
)

// CreditPool is the platform's balance of upstream provider credits, one row per provider.
// AvailableBalance is expressed in provider-credit units.
type CreditPool struct {
	Provider            string    `json:"provider"`
	AvailableBalance    int64     `json:"available_balance"`
	AutoRefillThreshold int64     `json:"auto_refill_threshold"`
	TotalConsumed       int64     `json:"total_consumed"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// UserCredit is a user's balance in user-credit units.
type UserCredit struct {
	UserID            uuid.UUID `json:"user_id"`
	CurrentBalance    int64     `json:"current_balance"`
	MonthlyAllowance  int64     `json:"monthly_allowance"`
	ConsumedThisMonth int64     `json:"consumed_this_month"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CreditTransaction is one append-only ledger row. Amount is signed:
// purchases and refunds are positive, consumption is negative.
type CreditTransaction struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Type      string          `json:"type"`
	Amount    int64           `json:"amount"`
	Provider  string          `json:"provider"`
	Status    string          `json:"status"`
	TaskID    *uuid.UUID      `json:"task_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

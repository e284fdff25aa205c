package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind determines the balance rules applied by the store.
type AccountKind string

const (
	// KindChecking accounts enforce a non-negative balance.
	KindChecking AccountKind = "checking"
	// KindMerchantSettlement accounts may go negative (refunds can debit a
	// merchant past zero; the shortfall is settled out of band).
	KindMerchantSettlement AccountKind = "merchant_settlement"
)

// EnforcesFunds reports whether a debit must be covered by the balance.
func (k AccountKind) EnforcesFunds() bool {
	return k == KindChecking
}

// Account represents one internally tracked balance. Balances are only ever
// mutated through a versioned adjustment applying a ledger entry.
type Account struct {
	ID         int64           `json:"id"`
	OwnerID    int64           `json:"owner_id"`
	Kind       AccountKind     `json:"kind"`
	Balance    decimal.Decimal `json:"balance"`
	Version    int64           `json:"version"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
}

type EntryKind string

const (
	EntryCharge       EntryKind = "charge"
	EntryRefund       EntryKind = "refund"
	EntryP2PTransfer  EntryKind = "p2p_transfer"
	EntryMoneyRequest EntryKind = "money_request"
)

type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
	StatusRefunded  EntryStatus = "refunded"
	StatusCancelled EntryStatus = "cancelled"
)

// CanTransitionTo encodes the entry status machine. Statuses move forward
// only; completed -> refunded is the single allowed post-completion move.
func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusCompleted:
		return next == StatusRefunded
	}
	return false
}

// LedgerEntry is the immutable record of one attempted funds movement.
// Gross = Fee + Net always holds.
type LedgerEntry struct {
	ID              int64           `json:"id"`
	Kind            EntryKind       `json:"kind"`
	SourceAccountID int64           `json:"source_account_id"`
	DestAccountID   int64           `json:"dest_account_id"`
	Gross           decimal.Decimal `json:"gross"`
	Fee             decimal.Decimal `json:"fee"`
	Net             decimal.Decimal `json:"net"`
	Status          EntryStatus     `json:"status"`
	RiskScore       int             `json:"risk_score"`
	Memo            string          `json:"memo,omitempty"`
	// RequesterID is set on money_request entries: the account that drafted
	// the request (the would-be payee, inverse of the natural direction).
	RequesterID int64 `json:"requester_id,omitempty"`
	// ReversesEntryID is set on refund entries only.
	ReversesEntryID int64      `json:"reverses_entry_id,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type AlertSeverity string

const (
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// SeverityForScore is fixed at alert creation and never recomputed.
func SeverityForScore(score int) AlertSeverity {
	switch {
	case score > 80:
		return SeverityCritical
	case score > 65:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

type AlertStatus string

const (
	AlertPending        AlertStatus = "pending"
	AlertConfirmedFraud AlertStatus = "confirmed_fraud"
	AlertFalsePositive  AlertStatus = "false_positive"
)

// FraudAlert is a durable record that a movement crossed the risk threshold.
type FraudAlert struct {
	ID               int64         `json:"id"`
	SubjectAccountID int64         `json:"subject_account_id"`
	EntryID          int64         `json:"entry_id,omitempty"`
	Severity         AlertSeverity `json:"severity"`
	Score            int           `json:"score"`
	Reasons          []string      `json:"reasons"`
	Status           AlertStatus   `json:"status"`
	ReviewerID       int64         `json:"reviewer_id,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	ReviewedAt       *time.Time    `json:"reviewed_at,omitempty"`
}

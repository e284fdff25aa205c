package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmove/ledger/internal/domain"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrEntryNotFound     = errors.New("entry not found")
	ErrAlertNotFound     = errors.New("alert not found")
	ErrVersionConflict   = errors.New("account version conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnavailable       = errors.New("storage unavailable")
)

// AccountStore holds one balance per account. Adjustments are optimistic:
// callers read the version, compute a delta, and the write is conditioned on
// the version still matching. A losing writer gets ErrVersionConflict and
// must retry its whole operation.
type AccountStore interface {
	CreateAccount(ctx context.Context, ownerID int64, kind domain.AccountKind, opening decimal.Decimal, webhookURL string) (*domain.Account, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetBalance(ctx context.Context, id int64) (decimal.Decimal, error)
	// Adjust applies delta conditioned on expectedVersion and returns the new
	// version. Negative deltas on funds-enforced kinds that would drive the
	// balance below zero fail with ErrInsufficientFunds.
	Adjust(ctx context.Context, id int64, delta decimal.Decimal, expectedVersion int64) (int64, error)
}

// EntryDraft is the input to LedgerLog.Append.
type EntryDraft struct {
	Kind            domain.EntryKind
	SourceAccountID int64
	DestAccountID   int64
	Gross           decimal.Decimal
	Fee             decimal.Decimal
	Net             decimal.Decimal
	RiskScore       int
	Memo            string
	RequesterID     int64
	ReversesEntryID int64
}

// LedgerLog is the append-only record of every attempted movement. Entries
// are never deleted; status transitions follow domain.EntryStatus rules.
type LedgerLog interface {
	Append(ctx context.Context, d EntryDraft) (*domain.LedgerEntry, error)
	Find(ctx context.Context, id int64) (*domain.LedgerEntry, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	MarkRefunded(ctx context.Context, id int64) error
	MarkCancelled(ctx context.Context, id int64) error
	// HistoryFor returns entries touching the account within the trailing
	// window, newest first. Read-only; used by risk scoring.
	HistoryFor(ctx context.Context, accountID int64, window time.Duration) ([]domain.LedgerEntry, error)
	// EntriesFor returns the most recent entries touching the account.
	EntriesFor(ctx context.Context, accountID int64, limit int) ([]domain.LedgerEntry, error)
	// HasCounterpartyHistory reports whether the subject has any prior entry
	// with this specific counterparty as destination.
	HasCounterpartyHistory(ctx context.Context, subjectID, counterpartyID int64) (bool, error)
}

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	Status   domain.AlertStatus
	Severity domain.AlertSeverity
	Limit    int
}

// AlertSummary aggregates a subject's alert history for risk profiles.
type AlertSummary struct {
	Count     int
	LastAlert *time.Time
}

type AlertStore interface {
	InsertAlert(ctx context.Context, a *domain.FraudAlert) (*domain.FraudAlert, error)
	GetAlert(ctx context.Context, id int64) (*domain.FraudAlert, error)
	// ReviewAlert moves a pending alert to resolution, recording reviewer and
	// notes. Fails with ErrInvalidTransition unless the alert is pending.
	ReviewAlert(ctx context.Context, id, reviewerID int64, resolution domain.AlertStatus, notes string) (*domain.FraudAlert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]domain.FraudAlert, error)
	AlertSummaryFor(ctx context.Context, subjectAccountID int64) (AlertSummary, error)
}

// Leg is one balance movement inside a settlement. Like Adjust, the write is
// conditioned on ExpectedVersion. Legs must reference distinct accounts.
type Leg struct {
	AccountID       int64
	Delta           decimal.Decimal
	ExpectedVersion int64
}

// SettleInput describes an atomic settlement: every leg plus the entry's
// pending->completed transition commit together or not at all. A non-zero
// ReversesID also moves that entry completed->refunded in the same unit.
// RiskScore is persisted onto the settled entry.
type SettleInput struct {
	EntryID    int64
	Legs       []Leg
	ReversesID int64
	RiskScore  int
}

// Store is the full persistence surface the engines are wired with.
type Store interface {
	AccountStore
	LedgerLog
	AlertStore

	// Settle applies a movement's balance legs and status transitions as one
	// atomic unit. The status gates run first: if the entry is no longer
	// pending, or the reversed entry no longer completed, nothing is applied
	// and ErrInvalidTransition is returned. A version mismatch or funds
	// violation on any leg likewise leaves every balance untouched.
	Settle(ctx context.Context, in SettleInput) error
}

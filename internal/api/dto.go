package api

import (
	"github.com/shopspring/decimal"

	"github.com/finmove/ledger/internal/domain"
)

// Request bodies are explicit typed structs validated before any storage
// touch. Amounts accept JSON numbers or strings; decimal keeps them exact.

type CreateAccountRequest struct {
	OwnerID    int64              `json:"owner_id" validate:"required,gt=0"`
	Kind       domain.AccountKind `json:"kind" validate:"required,oneof=checking merchant_settlement"`
	Opening    decimal.Decimal    `json:"opening_balance"`
	WebhookURL string             `json:"webhook_url" validate:"omitempty,url"`
}

type ChargeRequest struct {
	PayerID int64           `json:"payer_id" validate:"required,gt=0"`
	PayeeID int64           `json:"payee_id" validate:"required,gt=0"`
	Amount  decimal.Decimal `json:"amount"`
	Memo    string          `json:"memo" validate:"max=500"`
}

type RefundRequest struct {
	EntryID int64            `json:"entry_id" validate:"required,gt=0"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
}

type P2PTransferRequest struct {
	SenderID    int64           `json:"sender_id" validate:"required,gt=0"`
	RecipientID int64           `json:"recipient_id" validate:"required,gt=0"`
	Amount      decimal.Decimal `json:"amount"`
	Note        string          `json:"note" validate:"max=500"`
}

type P2PRequestRequest struct {
	RequesterID int64           `json:"requester_id" validate:"required,gt=0"`
	PayerID     int64           `json:"payer_id" validate:"required,gt=0"`
	Amount      decimal.Decimal `json:"amount"`
	Note        string          `json:"note" validate:"max=500"`
}

type P2PApproveRequest struct {
	EntryID int64 `json:"entry_id" validate:"required,gt=0"`
}

type FraudCheckRequest struct {
	SubjectAccountID int64           `json:"subject_account_id" validate:"required,gt=0"`
	Amount           decimal.Decimal `json:"amount"`
	CounterpartyID   int64           `json:"counterparty_id" validate:"omitempty,gt=0"`
}

type FraudReviewRequest struct {
	AlertID    int64              `json:"alert_id" validate:"required,gt=0"`
	ReviewerID int64              `json:"reviewer_id" validate:"required,gt=0"`
	Resolution domain.AlertStatus `json:"resolution" validate:"required"`
	Notes      string             `json:"notes" validate:"max=2000"`
}

type MovementResponse struct {
	EntryID int64              `json:"entry_id"`
	Status  domain.EntryStatus `json:"status"`
	Score   int                `json:"score"`
}

type FraudCheckResponse struct {
	Score        int      `json:"score"`
	Reasons      []string `json:"reasons"`
	AlertCreated bool     `json:"alert_created"`
}

type RiskProfileResponse struct {
	RiskLevel      string          `json:"risk_level"`
	AlertCount     int             `json:"alert_count"`
	LastAlert      *string         `json:"last_alert,omitempty"`
	AvgAmount      decimal.Decimal `json:"avg_completed_amount"`
	CompletedCount int             `json:"completed_count"`
}

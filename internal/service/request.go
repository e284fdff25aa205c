package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/finmove/ledger/internal/domain"
	"github.com/finmove/ledger/internal/store"
)

var (
	ErrNotARequest       = errors.New("entry is not a money request")
	ErrRequestNotPending = errors.New("money request is not pending")
)

// CreateRequest drafts a money request: a pending entry whose direction is
// the natural transfer direction (payer -> requester) but which was drafted
// by the would-be payee. No balances move until approval.
func (t *TransferEngine) CreateRequest(ctx context.Context, requesterID, payerID int64, amount decimal.Decimal, note string) (*domain.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}
	if requesterID == payerID {
		return nil, ErrSameAccount
	}
	if err := t.checkAccounts(ctx, requesterID, payerID); err != nil {
		return nil, err
	}

	return t.store.Append(ctx, store.EntryDraft{
		Kind:            domain.EntryMoneyRequest,
		SourceAccountID: payerID,
		DestAccountID:   requesterID,
		Gross:           amount,
		Fee:             decimal.Zero,
		Net:             amount,
		Memo:            note,
		RequesterID:     requesterID,
	})
}

// ApproveRequest executes a pending money request as an ordinary transfer:
// the payer is scored and the movement runs through the full settle path.
func (t *TransferEngine) ApproveRequest(ctx context.Context, entryID int64) (*domain.LedgerEntry, error) {
	entry, err := t.store.Find(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Kind != domain.EntryMoneyRequest {
		return nil, ErrNotARequest
	}
	if entry.Status != domain.StatusPending {
		return nil, ErrRequestNotPending
	}
	if err := t.checkAccounts(ctx, entry.SourceAccountID, entry.DestAccountID); err != nil {
		return nil, err
	}

	assess, err := t.scorer.Score(ctx, entry.SourceAccountID, entry.Gross, entry.DestAccountID)
	if err != nil {
		return nil, err
	}
	settled, err := t.settle(ctx, entry, assess)
	if errors.Is(err, store.ErrInvalidTransition) {
		// A concurrent approval or cancellation won the settlement gate;
		// no balances moved on this path.
		return nil, ErrRequestNotPending
	}
	return settled, err
}

// CancelRequest moves a pending money request to cancelled. This is the only
// other transition a request permits.
func (t *TransferEngine) CancelRequest(ctx context.Context, entryID int64) (*domain.LedgerEntry, error) {
	entry, err := t.store.Find(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Kind != domain.EntryMoneyRequest {
		return nil, ErrNotARequest
	}
	if err := t.store.MarkCancelled(ctx, entryID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, ErrRequestNotPending
		}
		return nil, err
	}
	return t.store.Find(ctx, entryID)
}

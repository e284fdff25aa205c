package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/finmove/ledger/internal/domain"
	"github.com/finmove/ledger/internal/store"
	"github.com/finmove/ledger/internal/webhook"
)

var (
	ErrNotRefundable         = errors.New("entry is not refundable")
	ErrRefundExceedsOriginal = errors.New("refund exceeds original amount")
)

// RefundEngine reverses a prior completed entry. The original payer is
// credited the refunded amount (which includes the fee the platform took)
// and the original payee is debited the same; the payee absorbs the fee
// loss. An entry can be reversed at most once.
type RefundEngine struct {
	store    store.Store
	notifier webhook.Sink
	locks    *accountLocker
	log      logrus.FieldLogger
}

// NewRefundEngine shares the transfer engine's lock table so refunds and
// transfers touching the same accounts serialize against each other.
func NewRefundEngine(st store.Store, transfers *TransferEngine, notifier webhook.Sink, log logrus.FieldLogger) *RefundEngine {
	return &RefundEngine{
		store:    st,
		notifier: notifier,
		locks:    transfers.locks,
		log:      log,
	}
}

// Execute reverses entryID. requested may be nil for a full refund; a
// partial amount must not exceed the original gross.
func (r *RefundEngine) Execute(ctx context.Context, entryID int64, requested *decimal.Decimal) (*domain.LedgerEntry, error) {
	orig, err := r.store.Find(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if orig.Kind == domain.EntryRefund || orig.Status != domain.StatusCompleted {
		return nil, ErrNotRefundable
	}

	amount := orig.Gross
	if requested != nil {
		if !requested.IsPositive() {
			return nil, ErrNonPositiveAmount
		}
		if requested.GreaterThan(orig.Gross) {
			return nil, ErrRefundExceedsOriginal
		}
		amount = *requested
	}

	unlock := r.locks.Lock(orig.SourceAccountID, orig.DestAccountID)
	defer unlock()

	// Re-check under the lock: this is what makes a second concurrent refund
	// attempt fail deterministically rather than best-effort.
	orig, err = r.store.Find(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if orig.Status != domain.StatusCompleted {
		return nil, ErrNotRefundable
	}

	entry, err := r.store.Append(ctx, store.EntryDraft{
		Kind:            domain.EntryRefund,
		SourceAccountID: orig.DestAccountID,
		DestAccountID:   orig.SourceAccountID,
		Gross:           amount,
		Fee:             decimal.Zero,
		Net:             amount,
		Memo:            fmt.Sprintf("refund of entry %d", orig.ID),
		ReversesEntryID: orig.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := r.applyReversal(ctx, entry, orig, amount); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// The original stopped being refundable between the re-check and
			// settlement; no balances were touched.
			err = ErrNotRefundable
		}
		if merr := r.store.MarkFailed(ctx, entry.ID, err.Error()); merr != nil {
			r.log.WithError(merr).WithField("entry_id", entry.ID).Error("mark failed transition")
		}
		movementsTotal.WithLabelValues(string(domain.EntryRefund), "failed").Inc()
		return nil, err
	}

	completed, err := r.store.Find(ctx, entry.ID)
	if err != nil {
		return nil, err
	}

	movementsTotal.WithLabelValues(string(domain.EntryRefund), "completed").Inc()
	r.log.WithFields(logrus.Fields{
		"entry_id":   completed.ID,
		"reverses":   orig.ID,
		"amount":     amount,
		"orig_payer": orig.SourceAccountID,
		"orig_payee": orig.DestAccountID,
	}).Info("refund completed")

	r.notifier.Notify(webhook.NewEvent("charge.refunded", orig.DestAccountID, completed))
	return completed, nil
}

// applyReversal settles the refund atomically: debit the original payee,
// credit the original payer, complete the refund entry, and move the
// original to refunded, all in one store unit, with the same bounded retry
// discipline as a forward movement.
func (r *RefundEngine) applyReversal(ctx context.Context, refund, orig *domain.LedgerEntry, amount decimal.Decimal) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		payee, err := r.store.GetAccount(ctx, orig.DestAccountID)
		if err != nil {
			return err
		}
		payer, err := r.store.GetAccount(ctx, orig.SourceAccountID)
		if err != nil {
			return err
		}

		err = r.store.Settle(ctx, store.SettleInput{
			EntryID: refund.ID,
			Legs: []store.Leg{
				{AccountID: payee.ID, Delta: amount.Neg(), ExpectedVersion: payee.Version},
				{AccountID: payer.ID, Delta: amount, ExpectedVersion: payer.Version},
			},
			ReversesID: orig.ID,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return ErrContention
}

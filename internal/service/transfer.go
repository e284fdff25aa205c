// Package service implements the transfer and refund engines: the only
// components allowed to move balances, always through versioned adjustments
// recorded in the ledger entry log.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/finmove/ledger/internal/domain"
	"github.com/finmove/ledger/internal/fraud"
	"github.com/finmove/ledger/internal/store"
	"github.com/finmove/ledger/internal/webhook"
)

var (
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrSameAccount       = errors.New("source and destination accounts must differ")
	ErrAccountInactive   = errors.New("account is deactivated")
	ErrRiskDeclined      = errors.New("movement declined by risk policy")
	ErrContention        = errors.New("operation aborted after contention retries")
)

// maxAttempts bounds the version-conflict retry loop before an operation is
// surfaced as ErrContention.
const maxAttempts = 3

var movementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_movements_total",
	Help: "Ledger movements processed, labeled by kind and outcome",
}, []string{"kind", "outcome"})

// TransferInput describes one requested movement.
type TransferInput struct {
	Kind    domain.EntryKind
	PayerID int64
	PayeeID int64
	Gross   decimal.Decimal
	Fee     FeePolicy
	Memo    string
}

// TransferEngine orchestrates atomic two-account movements gated by the
// fraud scorer. The fee leg is credited to the platform settlement account
// when one is configured, otherwise retained implicitly.
type TransferEngine struct {
	store    store.Store
	scorer   *fraud.Scorer
	alerts   *fraud.AlertManager
	notifier webhook.Sink

	locks           *accountLocker
	platformAccount int64
	log             logrus.FieldLogger
}

func NewTransferEngine(st store.Store, scorer *fraud.Scorer, alerts *fraud.AlertManager, notifier webhook.Sink, platformAccount int64, log logrus.FieldLogger) *TransferEngine {
	return &TransferEngine{
		store:           st,
		scorer:          scorer,
		alerts:          alerts,
		notifier:        notifier,
		locks:           newAccountLocker(),
		platformAccount: platformAccount,
		log:             log,
	}
}

// Execute runs the full movement: score, append pending entry, atomic
// settlement of the balance legs, alerting, async notification.
func (t *TransferEngine) Execute(ctx context.Context, in TransferInput) (*domain.LedgerEntry, error) {
	if !in.Gross.IsPositive() {
		return nil, ErrNonPositiveAmount
	}
	if in.PayerID == in.PayeeID {
		return nil, ErrSameAccount
	}
	if err := t.checkAccounts(ctx, in.PayerID, in.PayeeID); err != nil {
		return nil, err
	}

	fee := decimal.Zero
	if in.Fee != nil {
		fee = clampFee(in.Gross, in.Fee(in.Gross))
	}

	assess, err := t.scorer.Score(ctx, in.PayerID, in.Gross, in.PayeeID)
	if err != nil {
		return nil, fmt.Errorf("risk scoring: %w", err)
	}

	entry, err := t.store.Append(ctx, store.EntryDraft{
		Kind:            in.Kind,
		SourceAccountID: in.PayerID,
		DestAccountID:   in.PayeeID,
		Gross:           in.Gross,
		Fee:             fee,
		Net:             in.Gross.Sub(fee),
		RiskScore:       assess.Score,
		Memo:            in.Memo,
	})
	if err != nil {
		return nil, err
	}

	return t.settle(ctx, entry, assess)
}

// settle drives an appended pending entry to completed or failed. Shared by
// Execute and money-request approval.
func (t *TransferEngine) settle(ctx context.Context, entry *domain.LedgerEntry, assess fraud.Assessment) (*domain.LedgerEntry, error) {
	if assess.ShouldDeny() {
		t.fail(ctx, entry, "declined by risk policy")
		t.maybeAlert(ctx, entry, assess)
		movementsTotal.WithLabelValues(string(entry.Kind), "declined").Inc()
		return entry, ErrRiskDeclined
	}

	settled := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := t.applyMovement(ctx, entry, assess.Score)
		if errors.Is(err, store.ErrVersionConflict) {
			// Losing writer: the history may have changed, so the whole
			// operation is re-run from scoring, not just the stale delta.
			fresh, serr := t.scorer.Score(ctx, entry.SourceAccountID, entry.Gross, entry.DestAccountID)
			if serr != nil {
				t.fail(ctx, entry, "risk re-scoring failed")
				return nil, fmt.Errorf("risk scoring: %w", serr)
			}
			assess = fresh
			if assess.ShouldDeny() {
				t.fail(ctx, entry, "declined by risk policy")
				t.maybeAlert(ctx, entry, assess)
				movementsTotal.WithLabelValues(string(entry.Kind), "declined").Inc()
				return entry, ErrRiskDeclined
			}
			continue
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			// A concurrent writer already settled or cancelled the entry.
			// Nothing was applied, and the entry is not ours to fail.
			movementsTotal.WithLabelValues(string(entry.Kind), "conflict").Inc()
			return nil, err
		}
		if err != nil {
			t.fail(ctx, entry, err.Error())
			movementsTotal.WithLabelValues(string(entry.Kind), "failed").Inc()
			return nil, err
		}
		settled = true
		break
	}
	if !settled {
		t.fail(ctx, entry, "contention retries exhausted")
		movementsTotal.WithLabelValues(string(entry.Kind), "contention").Inc()
		return nil, ErrContention
	}

	completed, err := t.store.Find(ctx, entry.ID)
	if err != nil {
		return nil, err
	}

	t.maybeAlert(ctx, completed, assess)
	movementsTotal.WithLabelValues(string(entry.Kind), "completed").Inc()
	t.log.WithFields(logrus.Fields{
		"entry_id": completed.ID,
		"kind":     completed.Kind,
		"payer":    completed.SourceAccountID,
		"payee":    completed.DestAccountID,
		"gross":    completed.Gross,
		"score":    assess.Score,
	}).Info("movement completed")

	t.notifier.Notify(webhook.NewEvent(eventTypeFor(completed.Kind), completed.DestAccountID, completed))
	return completed, nil
}

// applyMovement builds the balance legs (debit payer gross, credit payee
// net, credit platform fee) and hands them to the store as a single atomic
// settlement. The in-process locks only cut version-conflict churn between
// local writers; atomicity is the store's.
func (t *TransferEngine) applyMovement(ctx context.Context, entry *domain.LedgerEntry, score int) error {
	deltas := map[int64]decimal.Decimal{
		entry.SourceAccountID: entry.Gross.Neg(),
		entry.DestAccountID:   entry.Net,
	}
	order := []int64{entry.SourceAccountID, entry.DestAccountID}
	if entry.Fee.IsPositive() && t.platformAccount != 0 {
		// The platform account may itself be a party to the movement; fold
		// the fee into that leg rather than emitting a duplicate.
		if d, ok := deltas[t.platformAccount]; ok {
			deltas[t.platformAccount] = d.Add(entry.Fee)
		} else {
			deltas[t.platformAccount] = entry.Fee
			order = append(order, t.platformAccount)
		}
	}

	unlock := t.locks.Lock(order...)
	defer unlock()

	legs := make([]store.Leg, 0, len(order))
	for _, id := range order {
		a, err := t.store.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		legs = append(legs, store.Leg{AccountID: id, Delta: deltas[id], ExpectedVersion: a.Version})
	}
	return t.store.Settle(ctx, store.SettleInput{EntryID: entry.ID, Legs: legs, RiskScore: score})
}

func (t *TransferEngine) fail(ctx context.Context, entry *domain.LedgerEntry, reason string) {
	if err := t.store.MarkFailed(ctx, entry.ID, reason); err != nil {
		t.log.WithError(err).WithField("entry_id", entry.ID).Error("mark failed transition")
	}
	entry.Status = domain.StatusFailed
	entry.FailureReason = reason
}

func (t *TransferEngine) maybeAlert(ctx context.Context, entry *domain.LedgerEntry, assess fraud.Assessment) {
	if !assess.ShouldAlert() {
		return
	}
	if _, err := t.alerts.Record(ctx, entry.SourceAccountID, entry.ID, assess.Score, assess.Reasons); err != nil {
		t.log.WithError(err).WithField("entry_id", entry.ID).Error("alert recording failed")
	}
}

func (t *TransferEngine) checkAccounts(ctx context.Context, ids ...int64) error {
	for _, id := range ids {
		a, err := t.store.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if !a.Active {
			return ErrAccountInactive
		}
	}
	return nil
}

func eventTypeFor(kind domain.EntryKind) string {
	if kind == domain.EntryCharge {
		return "charge.succeeded"
	}
	return "transfer.completed"
}

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmove/ledger/internal/domain"
	"github.com/finmove/ledger/internal/store"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestAdjustVersioning(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	acct, err := m.CreateAccount(ctx, 1, domain.KindChecking, dec("100.00"), "")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Version != 1 {
		t.Fatalf("new account version = %d, want 1", acct.Version)
	}

	v, err := m.Adjust(ctx, acct.ID, dec("-25.00"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("version after adjust = %d, want 2", v)
	}

	// Stale version must lose.
	if _, err := m.Adjust(ctx, acct.ID, dec("-25.00"), 1); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("stale adjust err = %v, want ErrVersionConflict", err)
	}

	bal, err := m.GetBalance(ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(dec("75.00")) {
		t.Fatalf("balance = %s, want 75.00", bal)
	}
}

func TestAdjustFundsEnforcement(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	checking, _ := m.CreateAccount(ctx, 1, domain.KindChecking, dec("10.00"), "")
	merchant, _ := m.CreateAccount(ctx, 2, domain.KindMerchantSettlement, dec("10.00"), "")

	if _, err := m.Adjust(ctx, checking.ID, dec("-10.01"), 1); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("checking overdraft err = %v, want ErrInsufficientFunds", err)
	}

	// Settlement accounts may go negative.
	if _, err := m.Adjust(ctx, merchant.ID, dec("-50.00"), 1); err != nil {
		t.Fatalf("settlement overdraft err = %v, want nil", err)
	}
	bal, _ := m.GetBalance(ctx, merchant.ID)
	if !bal.Equal(dec("-40.00")) {
		t.Fatalf("settlement balance = %s, want -40.00", bal)
	}
}

func TestAdjustUnknownAccount(t *testing.T) {
	m := store.NewMemory()
	if _, err := m.Adjust(context.Background(), 42, dec("1"), 1); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
	if _, err := m.GetBalance(context.Background(), 42); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestEntryTransitions(t *testing.T) {
	ctx := context.Background()

	draft := store.EntryDraft{
		Kind:            domain.EntryCharge,
		SourceAccountID: 1,
		DestAccountID:   2,
		Gross:           dec("100"),
		Fee:             dec("3.20"),
		Net:             dec("96.80"),
	}

	tests := []struct {
		name    string
		moves   []func(m *store.Memory, id int64) error
		wantErr error
	}{
		{
			"pending to completed",
			[]func(m *store.Memory, id int64) error{
				func(m *store.Memory, id int64) error { return m.MarkCompleted(ctx, id) },
			},
			nil,
		},
		{
			"completed to refunded",
			[]func(m *store.Memory, id int64) error{
				func(m *store.Memory, id int64) error { return m.MarkCompleted(ctx, id) },
				func(m *store.Memory, id int64) error { return m.MarkRefunded(ctx, id) },
			},
			nil,
		},
		{
			"pending to cancelled",
			[]func(m *store.Memory, id int64) error{
				func(m *store.Memory, id int64) error { return m.MarkCancelled(ctx, id) },
			},
			nil,
		},
		{
			"pending to refunded rejected",
			[]func(m *store.Memory, id int64) error{
				func(m *store.Memory, id int64) error { return m.MarkRefunded(ctx, id) },
			},
			store.ErrInvalidTransition,
		},
		{
			"completed twice rejected",
			[]func(m *store.Memory, id int64) error{
				func(m *store.Memory, id int64) error { return m.MarkCompleted(ctx, id) },
				func(m *store.Memory, id int64) error { return m.MarkCompleted(ctx, id) },
			},
			store.ErrInvalidTransition,
		},
		{
			"refunded is terminal",
			[]func(m *store.Memory, id int64) error{
				func(m *store.Memory, id int64) error { return m.MarkCompleted(ctx, id) },
				func(m *store.Memory, id int64) error { return m.MarkRefunded(ctx, id) },
				func(m *store.Memory, id int64) error { return m.MarkRefunded(ctx, id) },
			},
			store.ErrInvalidTransition,
		},
		{
			"failed is terminal",
			[]func(m *store.Memory, id int64) error{
				func(m *store.Memory, id int64) error { return m.MarkFailed(ctx, id, "boom") },
				func(m *store.Memory, id int64) error { return m.MarkCompleted(ctx, id) },
			},
			store.ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := store.NewMemory()
			e, err := m.Append(ctx, draft)
			if err != nil {
				t.Fatal(err)
			}
			var last error
			for _, mv := range tt.moves {
				last = mv(m, e.ID)
			}
			if !errors.Is(last, tt.wantErr) {
				t.Fatalf("final transition err = %v, want %v", last, tt.wantErr)
			}
		})
	}
}

func TestSettleAppliesLegsAndCompletes(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	payer, _ := m.CreateAccount(ctx, 1, domain.KindChecking, dec("100.00"), "")
	payee, _ := m.CreateAccount(ctx, 2, domain.KindMerchantSettlement, dec("0"), "")
	e, _ := m.Append(ctx, store.EntryDraft{Kind: domain.EntryCharge, SourceAccountID: payer.ID, DestAccountID: payee.ID, Gross: dec("50"), Fee: dec("2"), Net: dec("48")})

	err := m.Settle(ctx, store.SettleInput{
		EntryID: e.ID,
		Legs: []store.Leg{
			{AccountID: payer.ID, Delta: dec("-50"), ExpectedVersion: 1},
			{AccountID: payee.ID, Delta: dec("48"), ExpectedVersion: 1},
		},
		RiskScore: 35,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := m.Find(ctx, e.ID)
	if got.Status != domain.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("entry = %+v, want completed with timestamp", got)
	}
	if got.RiskScore != 35 {
		t.Fatalf("risk score = %d, want 35", got.RiskScore)
	}
	if bal, _ := m.GetBalance(ctx, payer.ID); !bal.Equal(dec("50")) {
		t.Fatalf("payer balance = %s, want 50", bal)
	}
	if bal, _ := m.GetBalance(ctx, payee.ID); !bal.Equal(dec("48")) {
		t.Fatalf("payee balance = %s, want 48", bal)
	}
}

func TestSettleAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	rich, _ := m.CreateAccount(ctx, 1, domain.KindMerchantSettlement, dec("100.00"), "")
	broke, _ := m.CreateAccount(ctx, 2, domain.KindChecking, dec("1.00"), "")
	e, _ := m.Append(ctx, store.EntryDraft{Kind: domain.EntryP2PTransfer, SourceAccountID: rich.ID, DestAccountID: broke.ID, Gross: dec("10"), Net: dec("10")})

	tests := []struct {
		name    string
		legs    []store.Leg
		wantErr error
	}{
		{
			"later leg overdraws",
			[]store.Leg{
				{AccountID: rich.ID, Delta: dec("-10"), ExpectedVersion: 1},
				{AccountID: broke.ID, Delta: dec("-5"), ExpectedVersion: 1},
			},
			store.ErrInsufficientFunds,
		},
		{
			"later leg stale version",
			[]store.Leg{
				{AccountID: rich.ID, Delta: dec("-10"), ExpectedVersion: 1},
				{AccountID: broke.ID, Delta: dec("10"), ExpectedVersion: 99},
			},
			store.ErrVersionConflict,
		},
		{
			"later leg unknown account",
			[]store.Leg{
				{AccountID: rich.ID, Delta: dec("-10"), ExpectedVersion: 1},
				{AccountID: 999, Delta: dec("10"), ExpectedVersion: 1},
			},
			store.ErrAccountNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Settle(ctx, store.SettleInput{EntryID: e.ID, Legs: tt.legs}); !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			// The valid first leg must not have been applied.
			if bal, _ := m.GetBalance(ctx, rich.ID); !bal.Equal(dec("100.00")) {
				t.Fatalf("balance = %s, want untouched 100.00", bal)
			}
			got, _ := m.Find(ctx, e.ID)
			if got.Status != domain.StatusPending {
				t.Fatalf("status = %s, want still pending", got.Status)
			}
		})
	}
}

func TestSettleGatesOnEntryStatus(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a, _ := m.CreateAccount(ctx, 1, domain.KindMerchantSettlement, dec("100.00"), "")
	b, _ := m.CreateAccount(ctx, 2, domain.KindMerchantSettlement, dec("0"), "")
	e, _ := m.Append(ctx, store.EntryDraft{Kind: domain.EntryMoneyRequest, SourceAccountID: a.ID, DestAccountID: b.ID, Gross: dec("10"), Net: dec("10")})

	if err := m.MarkCancelled(ctx, e.ID); err != nil {
		t.Fatal(err)
	}

	err := m.Settle(ctx, store.SettleInput{
		EntryID: e.ID,
		Legs: []store.Leg{
			{AccountID: a.ID, Delta: dec("-10"), ExpectedVersion: 1},
			{AccountID: b.ID, Delta: dec("10"), ExpectedVersion: 1},
		},
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	// The gate ran before any leg: balances untouched.
	if bal, _ := m.GetBalance(ctx, a.ID); !bal.Equal(dec("100.00")) {
		t.Fatalf("balance = %s, want 100.00", bal)
	}
}

func TestSettleGatesOnReversedEntry(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	a, _ := m.CreateAccount(ctx, 1, domain.KindMerchantSettlement, dec("100.00"), "")
	b, _ := m.CreateAccount(ctx, 2, domain.KindMerchantSettlement, dec("50.00"), "")

	orig, _ := m.Append(ctx, store.EntryDraft{Kind: domain.EntryCharge, SourceAccountID: a.ID, DestAccountID: b.ID, Gross: dec("10"), Net: dec("10")})
	refund, _ := m.Append(ctx, store.EntryDraft{Kind: domain.EntryRefund, SourceAccountID: b.ID, DestAccountID: a.ID, Gross: dec("10"), Net: dec("10"), ReversesEntryID: orig.ID})

	// Original is still pending: not a refundable state.
	err := m.Settle(ctx, store.SettleInput{
		EntryID: refund.ID,
		Legs: []store.Leg{
			{AccountID: b.ID, Delta: dec("-10"), ExpectedVersion: 1},
			{AccountID: a.ID, Delta: dec("10"), ExpectedVersion: 1},
		},
		ReversesID: orig.ID,
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	if err := m.MarkCompleted(ctx, orig.ID); err != nil {
		t.Fatal(err)
	}
	err = m.Settle(ctx, store.SettleInput{
		EntryID: refund.ID,
		Legs: []store.Leg{
			{AccountID: b.ID, Delta: dec("-10"), ExpectedVersion: 1},
			{AccountID: a.ID, Delta: dec("10"), ExpectedVersion: 1},
		},
		ReversesID: orig.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := m.Find(ctx, orig.ID)
	if got.Status != domain.StatusRefunded {
		t.Fatalf("original status = %s, want refunded", got.Status)
	}
}

func TestMarkCompletedStampsTimestamp(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	e, _ := m.Append(ctx, store.EntryDraft{Kind: domain.EntryP2PTransfer, SourceAccountID: 1, DestAccountID: 2, Gross: dec("5"), Net: dec("5")})

	if err := m.MarkCompleted(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Find(ctx, e.ID)
	if got.CompletedAt == nil {
		t.Fatal("completed entry has no completed_at")
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestHistoryForWindow(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	base := time.Now()
	clock := base.Add(-48 * time.Hour)
	m.SetClock(func() time.Time { return clock })

	old, _ := m.Append(ctx, store.EntryDraft{Kind: domain.EntryCharge, SourceAccountID: 1, DestAccountID: 2, Gross: dec("10"), Net: dec("10")})

	clock = base
	recent, _ := m.Append(ctx, store.EntryDraft{Kind: domain.EntryCharge, SourceAccountID: 1, DestAccountID: 3, Gross: dec("20"), Net: dec("20")})
	// Entry touching a different account entirely.
	m.Append(ctx, store.EntryDraft{Kind: domain.EntryCharge, SourceAccountID: 4, DestAccountID: 5, Gross: dec("30"), Net: dec("30")})

	got, err := m.HistoryFor(ctx, 1, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != recent.ID {
		t.Fatalf("window history = %+v, want only entry %d", got, recent.ID)
	}

	all, _ := m.HistoryFor(ctx, 1, 30*24*time.Hour)
	if len(all) != 2 {
		t.Fatalf("wide history len = %d, want 2", len(all))
	}
	_ = old
}

func TestHasCounterpartyHistory(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	m.Append(ctx, store.EntryDraft{Kind: domain.EntryCharge, SourceAccountID: 1, DestAccountID: 2, Gross: dec("10"), Net: dec("10")})

	seen, _ := m.HasCounterpartyHistory(ctx, 1, 2)
	if !seen {
		t.Fatal("expected counterparty history for 1->2")
	}
	// Direction matters.
	seen, _ = m.HasCounterpartyHistory(ctx, 2, 1)
	if seen {
		t.Fatal("unexpected counterparty history for 2->1")
	}
}

func TestAlertReviewOneShot(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	a, err := m.InsertAlert(ctx, &domain.FraudAlert{
		SubjectAccountID: 1,
		Severity:         domain.SeverityHigh,
		Score:            70,
		Reasons:          []string{"velocity >5/hour", "high absolute amount"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AlertPending {
		t.Fatalf("new alert status = %s, want pending", a.Status)
	}

	reviewed, err := m.ReviewAlert(ctx, a.ID, 9, domain.AlertConfirmedFraud, "verified")
	if err != nil {
		t.Fatal(err)
	}
	if reviewed.Status != domain.AlertConfirmedFraud || reviewed.ReviewedAt == nil {
		t.Fatalf("reviewed alert = %+v", reviewed)
	}

	if _, err := m.ReviewAlert(ctx, a.ID, 9, domain.AlertFalsePositive, ""); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("second review err = %v, want ErrInvalidTransition", err)
	}
}

func TestListAlertsFilter(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	m.InsertAlert(ctx, &domain.FraudAlert{SubjectAccountID: 1, Severity: domain.SeverityMedium, Score: 55})
	m.InsertAlert(ctx, &domain.FraudAlert{SubjectAccountID: 1, Severity: domain.SeverityCritical, Score: 90})
	m.InsertAlert(ctx, &domain.FraudAlert{SubjectAccountID: 2, Severity: domain.SeverityCritical, Score: 85})

	crit, err := m.ListAlerts(ctx, store.AlertFilter{Severity: domain.SeverityCritical})
	if err != nil {
		t.Fatal(err)
	}
	if len(crit) != 2 {
		t.Fatalf("critical alerts = %d, want 2", len(crit))
	}

	summary, _ := m.AlertSummaryFor(ctx, 1)
	if summary.Count != 2 || summary.LastAlert == nil {
		t.Fatalf("summary = %+v, want count 2 with last alert", summary)
	}
}

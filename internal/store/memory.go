package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmove/ledger/internal/domain"
)

// Memory is an in-process Store used by tests and local development. It
// honors the same optimistic-version and status-transition contracts as the
// postgres implementation.
type Memory struct {
	mu       sync.Mutex
	accounts map[int64]*domain.Account
	entries  map[int64]*domain.LedgerEntry
	alerts   map[int64]*domain.FraudAlert
	// entry order is insertion order; ids are monotonic
	entryIDs  []int64
	nextAcct  int64
	nextEntry int64
	nextAlert int64
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[int64]*domain.Account),
		entries:   make(map[int64]*domain.LedgerEntry),
		alerts:    make(map[int64]*domain.FraudAlert),
		nextAcct:  1,
		nextEntry: 1,
		nextAlert: 1,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateAccount(ctx context.Context, ownerID int64, kind domain.AccountKind, opening decimal.Decimal, webhookURL string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := &domain.Account{
		ID:         m.nextAcct,
		OwnerID:    ownerID,
		Kind:       kind,
		Balance:    opening,
		Version:    1,
		WebhookURL: webhookURL,
		Active:     true,
		CreatedAt:  m.now(),
	}
	m.nextAcct++
	m.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (m *Memory) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetBalance(ctx context.Context, id int64) (decimal.Decimal, error) {
	a, err := m.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

func (m *Memory) Adjust(ctx context.Context, id int64, delta decimal.Decimal, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if a.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	next := a.Balance.Add(delta)
	if delta.IsNegative() && a.Kind.EnforcesFunds() && next.IsNegative() {
		return 0, ErrInsufficientFunds
	}
	a.Balance = next
	a.Version++
	return a.Version, nil
}

// Settle holds the store lock across the whole unit and validates every gate
// and leg before mutating anything, so a failure leaves no partial state.
func (m *Memory) Settle(ctx context.Context, in SettleInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[in.EntryID]
	if !ok {
		return ErrEntryNotFound
	}
	if entry.Status != domain.StatusPending {
		return ErrInvalidTransition
	}
	var reversed *domain.LedgerEntry
	if in.ReversesID != 0 {
		reversed, ok = m.entries[in.ReversesID]
		if !ok {
			return ErrEntryNotFound
		}
		if reversed.Status != domain.StatusCompleted {
			return ErrInvalidTransition
		}
	}
	for _, leg := range in.Legs {
		a, ok := m.accounts[leg.AccountID]
		if !ok {
			return ErrAccountNotFound
		}
		if a.Version != leg.ExpectedVersion {
			return ErrVersionConflict
		}
		if leg.Delta.IsNegative() && a.Kind.EnforcesFunds() && a.Balance.Add(leg.Delta).IsNegative() {
			return ErrInsufficientFunds
		}
	}

	for _, leg := range in.Legs {
		a := m.accounts[leg.AccountID]
		a.Balance = a.Balance.Add(leg.Delta)
		a.Version++
	}
	entry.Status = domain.StatusCompleted
	entry.RiskScore = in.RiskScore
	now := m.now()
	entry.CompletedAt = &now
	if reversed != nil {
		reversed.Status = domain.StatusRefunded
	}
	return nil
}

func (m *Memory) Append(ctx context.Context, d EntryDraft) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &domain.LedgerEntry{
		ID:              m.nextEntry,
		Kind:            d.Kind,
		SourceAccountID: d.SourceAccountID,
		DestAccountID:   d.DestAccountID,
		Gross:           d.Gross,
		Fee:             d.Fee,
		Net:             d.Net,
		Status:          domain.StatusPending,
		RiskScore:       d.RiskScore,
		Memo:            d.Memo,
		RequesterID:     d.RequesterID,
		ReversesEntryID: d.ReversesEntryID,
		CreatedAt:       m.now(),
	}
	m.nextEntry++
	m.entries[e.ID] = e
	m.entryIDs = append(m.entryIDs, e.ID)
	cp := *e
	return &cp, nil
}

func (m *Memory) Find(ctx context.Context, id int64) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) transition(id int64, next domain.EntryStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if !e.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	e.Status = next
	if reason != "" {
		e.FailureReason = reason
	}
	if next == domain.StatusCompleted {
		t := m.now()
		e.CompletedAt = &t
	}
	return nil
}

func (m *Memory) MarkCompleted(ctx context.Context, id int64) error {
	return m.transition(id, domain.StatusCompleted, "")
}

func (m *Memory) MarkFailed(ctx context.Context, id int64, reason string) error {
	return m.transition(id, domain.StatusFailed, reason)
}

func (m *Memory) MarkRefunded(ctx context.Context, id int64) error {
	return m.transition(id, domain.StatusRefunded, "")
}

func (m *Memory) MarkCancelled(ctx context.Context, id int64) error {
	return m.transition(id, domain.StatusCancelled, "")
}

func (m *Memory) HistoryFor(ctx context.Context, accountID int64, window time.Duration) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-window)
	var out []domain.LedgerEntry
	for _, id := range m.entryIDs {
		e := m.entries[id]
		if e.SourceAccountID != accountID && e.DestAccountID != accountID {
			continue
		}
		if e.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) EntriesFor(ctx context.Context, accountID int64, limit int) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.LedgerEntry
	for i := len(m.entryIDs) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[m.entryIDs[i]]
		if e.SourceAccountID == accountID || e.DestAccountID == accountID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *Memory) HasCounterpartyHistory(ctx context.Context, subjectID, counterpartyID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.SourceAccountID == subjectID && e.DestAccountID == counterpartyID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) InsertAlert(ctx context.Context, a *domain.FraudAlert) (*domain.FraudAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	cp.ID = m.nextAlert
	m.nextAlert++
	cp.Status = domain.AlertPending
	cp.CreatedAt = m.now()
	m.alerts[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *Memory) GetAlert(ctx context.Context, id int64) (*domain.FraudAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ReviewAlert(ctx context.Context, id, reviewerID int64, resolution domain.AlertStatus, notes string) (*domain.FraudAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	if a.Status != domain.AlertPending {
		return nil, ErrInvalidTransition
	}
	a.Status = resolution
	a.ReviewerID = reviewerID
	a.Notes = notes
	t := m.now()
	a.ReviewedAt = &t
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAlerts(ctx context.Context, f AlertFilter) ([]domain.FraudAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []domain.FraudAlert
	for _, a := range m.alerts {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AlertSummaryFor(ctx context.Context, subjectAccountID int64) (AlertSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s AlertSummary
	for _, a := range m.alerts {
		if a.SubjectAccountID != subjectAccountID {
			continue
		}
		s.Count++
		if s.LastAlert == nil || a.CreatedAt.After(*s.LastAlert) {
			t := a.CreatedAt
			s.LastAlert = &t
		}
	}
	return s, nil
}

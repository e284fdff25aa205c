// Package fraud scores candidate movements against the account's recent
// ledger history and manages the alerts those scores produce.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finmove/ledger/internal/domain"
	"github.com/finmove/ledger/internal/store"
)

const (
	// AlertThreshold: at or above this, an alert is recorded.
	AlertThreshold = 50
	// DenyThreshold: at or above this, the movement is declined.
	DenyThreshold = 70

	averageWindow  = 30 * 24 * time.Hour
	velocityWindow = time.Hour
	velocityLimit  = 5
	maxScore       = 100
)

var absoluteAmountThreshold = decimal.NewFromInt(500)

// Assessment is the scorer's verdict for one candidate movement.
type Assessment struct {
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// ShouldAlert reports whether the score warrants a durable alert.
func (a Assessment) ShouldAlert() bool {
	return a.Score >= AlertThreshold
}

// ShouldDeny reports whether the movement should be declined.
func (a Assessment) ShouldDeny() bool {
	return a.Score >= DenyThreshold
}

// Scorer is a pure function of ledger history. It persists nothing; rule
// order and weights are fixed, every rule is evaluated, and contributions
// are summed.
type Scorer struct {
	ledger store.LedgerLog
	now    func() time.Time
}

func NewScorer(ledger store.LedgerLog) *Scorer {
	return &Scorer{ledger: ledger, now: time.Now}
}

// SetClock overrides the time source. Test hook; keep it aligned with the
// store's clock so windowed rules and entry timestamps agree.
func (s *Scorer) SetClock(now func() time.Time) {
	s.now = now
}

// Score evaluates the four rules against the subject's spending history.
// The candidate movement itself counts toward velocity.
func (s *Scorer) Score(ctx context.Context, subjectID int64, amount decimal.Decimal, counterpartyID int64) (Assessment, error) {
	a := Assessment{Reasons: []string{}}

	history, err := s.ledger.HistoryFor(ctx, subjectID, averageWindow)
	if err != nil {
		return Assessment{}, fmt.Errorf("history lookup: %w", err)
	}

	completed := make([]domain.LedgerEntry, 0, len(history))
	for _, e := range history {
		if e.SourceAccountID == subjectID && (e.Status == domain.StatusCompleted || e.Status == domain.StatusRefunded) {
			completed = append(completed, e)
		}
	}

	// Rule 1: candidate amount more than 3x the trailing 30-day average.
	if len(completed) > 0 {
		sum := decimal.Zero
		for _, e := range completed {
			sum = sum.Add(e.Gross)
		}
		avg := sum.Div(decimal.NewFromInt(int64(len(completed))))
		if avg.IsPositive() && amount.GreaterThan(avg.Mul(decimal.NewFromInt(3))) {
			a.Score += 30
			a.Reasons = append(a.Reasons, "amount 3x above average")
		}
	}

	// Rule 2: velocity over the trailing hour, candidate included.
	cutoff := s.now().Add(-velocityWindow)
	recent := 1
	for _, e := range completed {
		if !e.CreatedAt.Before(cutoff) {
			recent++
		}
	}
	if recent > velocityLimit {
		a.Score += 40
		a.Reasons = append(a.Reasons, "velocity >5/hour")
	}

	// Rule 3: absolute amount threshold, not currency-aware.
	if amount.GreaterThan(absoluteAmountThreshold) {
		a.Score += 20
		a.Reasons = append(a.Reasons, "high absolute amount")
	}

	// Rule 4: first-ever movement to this counterparty.
	if counterpartyID != 0 {
		seen, err := s.ledger.HasCounterpartyHistory(ctx, subjectID, counterpartyID)
		if err != nil {
			return Assessment{}, fmt.Errorf("counterparty lookup: %w", err)
		}
		if !seen {
			a.Score += 10
			a.Reasons = append(a.Reasons, "new counterparty")
		}
	}

	if a.Score > maxScore {
		a.Score = maxScore
	}
	return a, nil
}

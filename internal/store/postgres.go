package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/finmove/ledger/internal/domain"
)

// Postgres implements Store on pgx. Balance writes are conditioned on the
// version column so concurrent adjustments are serialized per account.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{db: pool}, nil
}

func (p *Postgres) Close() {
	p.db.Close()
}

func (p *Postgres) Pool() *pgxpool.Pool {
	return p.db
}

func (p *Postgres) CreateAccount(ctx context.Context, ownerID int64, kind domain.AccountKind, opening decimal.Decimal, webhookURL string) (*domain.Account, error) {
	a := &domain.Account{
		OwnerID:    ownerID,
		Kind:       kind,
		Balance:    opening,
		Version:    1,
		WebhookURL: webhookURL,
		Active:     true,
	}
	err := p.db.QueryRow(ctx,
		`INSERT INTO accounts (owner_id, kind, balance, version, webhook_url, active)
		 VALUES ($1, $2, $3, 1, $4, true)
		 RETURNING id, created_at`,
		ownerID, kind, opening.String(), webhookURL,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return a, nil
}

func (p *Postgres) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var a domain.Account
	var balance string
	err := p.db.QueryRow(ctx,
		`SELECT id, owner_id, kind, balance::text, version, COALESCE(webhook_url, ''), active, created_at
		 FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.OwnerID, &a.Kind, &balance, &a.Version, &a.WebhookURL, &a.Active, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	a.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("balance parse failed: %w", err)
	}
	return &a, nil
}

func (p *Postgres) GetBalance(ctx context.Context, id int64) (decimal.Decimal, error) {
	a, err := p.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

func (p *Postgres) Adjust(ctx context.Context, id int64, delta decimal.Decimal, expectedVersion int64) (int64, error) {
	a, err := p.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	if a.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	if delta.IsNegative() && a.Kind.EnforcesFunds() && a.Balance.Add(delta).IsNegative() {
		return 0, ErrInsufficientFunds
	}

	var newVersion int64
	err = p.db.QueryRow(ctx,
		`UPDATE accounts
		 SET balance = balance + $1, version = version + 1
		 WHERE id = $2 AND version = $3
		 RETURNING version`,
		delta.String(), id, expectedVersion,
	).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row exists but the conditioned write matched nothing: a
			// concurrent writer advanced the version first.
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("balance adjust failed: %w", err)
	}
	return newVersion, nil
}

// Settle runs the status gates, the balance legs, and the funds checks in a
// single transaction, locking account rows in ascending id order so two
// settlements over overlapping accounts cannot deadlock.
func (p *Postgres) Settle(ctx context.Context, in SettleInput) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("settle begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE ledger_entries
		 SET status = 'completed', risk_score = $1, completed_at = NOW()
		 WHERE id = $2 AND status = 'pending'`,
		in.RiskScore, in.EntryID)
	if err != nil {
		return fmt.Errorf("settle transition failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, ferr := p.Find(ctx, in.EntryID); ferr != nil {
			return ferr
		}
		return ErrInvalidTransition
	}

	if in.ReversesID != 0 {
		tag, err = tx.Exec(ctx,
			`UPDATE ledger_entries SET status = 'refunded'
			 WHERE id = $1 AND status = 'completed'`,
			in.ReversesID)
		if err != nil {
			return fmt.Errorf("settle reversal transition failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, ferr := p.Find(ctx, in.ReversesID); ferr != nil {
				return ferr
			}
			return ErrInvalidTransition
		}
	}

	legs := make([]Leg, len(in.Legs))
	copy(legs, in.Legs)
	sort.Slice(legs, func(i, j int) bool { return legs[i].AccountID < legs[j].AccountID })

	for _, leg := range legs {
		var kind domain.AccountKind
		var balance string
		var version int64
		err := tx.QueryRow(ctx,
			`SELECT kind, balance::text, version FROM accounts WHERE id = $1 FOR UPDATE`,
			leg.AccountID,
		).Scan(&kind, &balance, &version)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("settle account lock failed: %w", err)
		}
		if version != leg.ExpectedVersion {
			return ErrVersionConflict
		}
		current, err := decimal.NewFromString(balance)
		if err != nil {
			return fmt.Errorf("balance parse failed: %w", err)
		}
		if leg.Delta.IsNegative() && kind.EnforcesFunds() && current.Add(leg.Delta).IsNegative() {
			return ErrInsufficientFunds
		}
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $1, version = version + 1 WHERE id = $2`,
			leg.Delta.String(), leg.AccountID); err != nil {
			return fmt.Errorf("settle adjust failed: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (p *Postgres) Append(ctx context.Context, d EntryDraft) (*domain.LedgerEntry, error) {
	e := &domain.LedgerEntry{
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
	}
	err := p.db.QueryRow(ctx,
		`INSERT INTO ledger_entries
		 (kind, source_account_id, dest_account_id, gross, fee, net, status, risk_score, memo, requester_id, reverses_entry_id)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $10)
		 RETURNING id, created_at`,
		d.Kind, d.SourceAccountID, d.DestAccountID,
		d.Gross.String(), d.Fee.String(), d.Net.String(),
		d.RiskScore, d.Memo, nullableID(d.RequesterID), nullableID(d.ReversesEntryID),
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("entry insert failed: %w", err)
	}
	return e, nil
}

const entryColumns = `id, kind, source_account_id, dest_account_id,
	gross::text, fee::text, net::text, status, risk_score,
	COALESCE(memo, ''), COALESCE(requester_id, 0), COALESCE(reverses_entry_id, 0),
	COALESCE(failure_reason, ''), created_at, completed_at`

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var gross, fee, net string
	err := row.Scan(&e.ID, &e.Kind, &e.SourceAccountID, &e.DestAccountID,
		&gross, &fee, &net, &e.Status, &e.RiskScore,
		&e.Memo, &e.RequesterID, &e.ReversesEntryID,
		&e.FailureReason, &e.CreatedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	if e.Gross, err = decimal.NewFromString(gross); err != nil {
		return nil, err
	}
	if e.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	if e.Net, err = decimal.NewFromString(net); err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Postgres) Find(ctx context.Context, id int64) (*domain.LedgerEntry, error) {
	e, err := scanEntry(p.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("entry query failed: %w", err)
	}
	return e, nil
}

// transition applies a guarded status move. The WHERE clause re-checks the
// current status so the guard holds even against concurrent writers.
func (p *Postgres) transition(ctx context.Context, id int64, allowed []domain.EntryStatus, next domain.EntryStatus, reason string) error {
	from := make([]string, 0, len(allowed))
	for _, s := range allowed {
		from = append(from, string(s))
	}

	completedAt := "completed_at"
	if next == domain.StatusCompleted {
		completedAt = "NOW()"
	}

	tag, err := p.db.Exec(ctx,
		`UPDATE ledger_entries
		 SET status = $1, failure_reason = NULLIF($2, ''), completed_at = `+completedAt+`
		 WHERE id = $3 AND status = ANY($4)`,
		next, reason, id, from)
	if err != nil {
		return fmt.Errorf("entry transition failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, ferr := p.Find(ctx, id); ferr != nil {
			return ferr
		}
		return ErrInvalidTransition
	}
	return nil
}

func (p *Postgres) MarkCompleted(ctx context.Context, id int64) error {
	return p.transition(ctx, id, []domain.EntryStatus{domain.StatusPending}, domain.StatusCompleted, "")
}

func (p *Postgres) MarkFailed(ctx context.Context, id int64, reason string) error {
	return p.transition(ctx, id, []domain.EntryStatus{domain.StatusPending}, domain.StatusFailed, reason)
}

func (p *Postgres) MarkRefunded(ctx context.Context, id int64) error {
	return p.transition(ctx, id, []domain.EntryStatus{domain.StatusCompleted}, domain.StatusRefunded, "")
}

func (p *Postgres) MarkCancelled(ctx context.Context, id int64) error {
	return p.transition(ctx, id, []domain.EntryStatus{domain.StatusPending}, domain.StatusCancelled, "")
}

func (p *Postgres) HistoryFor(ctx context.Context, accountID int64, window time.Duration) ([]domain.LedgerEntry, error) {
	cutoff := time.Now().Add(-window)
	rows, err := p.db.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE (source_account_id = $1 OR dest_account_id = $1) AND created_at >= $2
		 ORDER BY created_at DESC`,
		accountID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (p *Postgres) EntriesFor(ctx context.Context, accountID int64, limit int) ([]domain.LedgerEntry, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE source_account_id = $1 OR dest_account_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("entries query failed: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (p *Postgres) HasCounterpartyHistory(ctx context.Context, subjectID, counterpartyID int64) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM ledger_entries
		   WHERE source_account_id = $1 AND dest_account_id = $2)`,
		subjectID, counterpartyID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("counterparty query failed: %w", err)
	}
	return exists, nil
}

func (p *Postgres) InsertAlert(ctx context.Context, a *domain.FraudAlert) (*domain.FraudAlert, error) {
	out := *a
	out.Status = domain.AlertPending
	err := p.db.QueryRow(ctx,
		`INSERT INTO fraud_alerts
		 (subject_account_id, entry_id, severity, score, reasons, status)
		 VALUES ($1, $2, $3, $4, $5, 'pending')
		 RETURNING id, created_at`,
		a.SubjectAccountID, nullableID(a.EntryID), a.Severity, a.Score, a.Reasons,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("alert insert failed: %w", err)
	}
	return &out, nil
}

func (p *Postgres) GetAlert(ctx context.Context, id int64) (*domain.FraudAlert, error) {
	a, err := scanAlert(p.db.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM fraud_alerts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("alert query failed: %w", err)
	}
	return a, nil
}

const alertColumns = `id, subject_account_id, COALESCE(entry_id, 0), severity, score, reasons,
	status, COALESCE(reviewer_id, 0), COALESCE(notes, ''), created_at, reviewed_at`

func scanAlert(row pgx.Row) (*domain.FraudAlert, error) {
	var a domain.FraudAlert
	err := row.Scan(&a.ID, &a.SubjectAccountID, &a.EntryID, &a.Severity, &a.Score, &a.Reasons,
		&a.Status, &a.ReviewerID, &a.Notes, &a.CreatedAt, &a.ReviewedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) ReviewAlert(ctx context.Context, id, reviewerID int64, resolution domain.AlertStatus, notes string) (*domain.FraudAlert, error) {
	a, err := scanAlert(p.db.QueryRow(ctx,
		`UPDATE fraud_alerts
		 SET status = $1, reviewer_id = $2, notes = $3, reviewed_at = NOW()
		 WHERE id = $4 AND status = 'pending'
		 RETURNING `+alertColumns, resolution, reviewerID, notes, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := p.GetAlert(ctx, id); gerr != nil {
				return nil, gerr
			}
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("alert review failed: %w", err)
	}
	return a, nil
}

func (p *Postgres) ListAlerts(ctx context.Context, f AlertFilter) ([]domain.FraudAlert, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx,
		`SELECT `+alertColumns+` FROM fraud_alerts
		 WHERE ($1 = '' OR status = $1) AND ($2 = '' OR severity = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		string(f.Status), string(f.Severity), limit)
	if err != nil {
		return nil, fmt.Errorf("alert list failed: %w", err)
	}
	defer rows.Close()

	var out []domain.FraudAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *Postgres) AlertSummaryFor(ctx context.Context, subjectAccountID int64) (AlertSummary, error) {
	var s AlertSummary
	err := p.db.QueryRow(ctx,
		`SELECT COUNT(*), MAX(created_at) FROM fraud_alerts WHERE subject_account_id = $1`,
		subjectAccountID,
	).Scan(&s.Count, &s.LastAlert)
	if err != nil {
		return AlertSummary{}, fmt.Errorf("alert summary failed: %w", err)
	}
	return s, nil
}

// nullableID maps the zero id to NULL for optional foreign keys.
func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

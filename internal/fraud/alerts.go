package fraud

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/finmove/ledger/internal/domain"
	"github.com/finmove/ledger/internal/store"
)

var ErrInvalidResolution = errors.New("invalid alert resolution")

var alertsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_fraud_alerts_total",
	Help: "Fraud alerts recorded, labeled by severity",
}, []string{"severity"})

// FreezeFunc signals the external freeze-instrument collaborator for a
// subject whose alert was confirmed as fraud.
type FreezeFunc func(ctx context.Context, subjectAccountID int64)

// AlertManager records scorer output and drives the review lifecycle.
type AlertManager struct {
	alerts store.AlertStore
	freeze FreezeFunc
	log    logrus.FieldLogger
}

func NewAlertManager(alerts store.AlertStore, freeze FreezeFunc, log logrus.FieldLogger) *AlertManager {
	if freeze == nil {
		freeze = func(context.Context, int64) {}
	}
	return &AlertManager{alerts: alerts, freeze: freeze, log: log}
}

// Record persists a pending alert. Severity is derived from the score here
// and never recomputed afterwards.
func (m *AlertManager) Record(ctx context.Context, subjectID, entryID int64, score int, reasons []string) (*domain.FraudAlert, error) {
	alert, err := m.alerts.InsertAlert(ctx, &domain.FraudAlert{
		SubjectAccountID: subjectID,
		EntryID:          entryID,
		Severity:         domain.SeverityForScore(score),
		Score:            score,
		Reasons:          reasons,
	})
	if err != nil {
		return nil, err
	}

	alertsRecorded.WithLabelValues(string(alert.Severity)).Inc()
	m.log.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"subject":  subjectID,
		"entry_id": entryID,
		"score":    score,
		"severity": alert.Severity,
	}).Warn("fraud alert recorded")
	return alert, nil
}

// Review resolves a pending alert. On confirmed_fraud the freeze signal is
// emitted; the store's one-shot pending transition guarantees it fires at
// most once per alert.
func (m *AlertManager) Review(ctx context.Context, alertID, reviewerID int64, resolution domain.AlertStatus, notes string) (*domain.FraudAlert, error) {
	if resolution != domain.AlertConfirmedFraud && resolution != domain.AlertFalsePositive {
		return nil, ErrInvalidResolution
	}

	alert, err := m.alerts.ReviewAlert(ctx, alertID, reviewerID, resolution, notes)
	if err != nil {
		return nil, err
	}

	if alert.Status == domain.AlertConfirmedFraud {
		m.freeze(ctx, alert.SubjectAccountID)
		m.log.WithFields(logrus.Fields{
			"alert_id": alert.ID,
			"subject":  alert.SubjectAccountID,
			"reviewer": reviewerID,
		}).Warn("confirmed fraud, freeze signaled")
	}
	return alert, nil
}

// Get fetches one alert.
func (m *AlertManager) Get(ctx context.Context, id int64) (*domain.FraudAlert, error) {
	return m.alerts.GetAlert(ctx, id)
}

// List returns alerts matching the filter, newest first.
func (m *AlertManager) List(ctx context.Context, f store.AlertFilter) ([]domain.FraudAlert, error) {
	return m.alerts.ListAlerts(ctx, f)
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/finmove/ledger/internal/domain"
	"github.com/finmove/ledger/internal/fraud"
	"github.com/finmove/ledger/internal/service"
	"github.com/finmove/ledger/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store     store.Store
	transfers *service.TransferEngine
	refunds   *service.RefundEngine
	scorer    *fraud.Scorer
	alerts    *fraud.AlertManager
	validate  *validator.Validate
	log       logrus.FieldLogger
}

func NewHandler(st store.Store, transfers *service.TransferEngine, refunds *service.RefundEngine, scorer *fraud.Scorer, alerts *fraud.AlertManager, log logrus.FieldLogger) *Handler {
	return &Handler{
		store:     st,
		transfers: transfers,
		refunds:   refunds,
		scorer:    scorer,
		alerts:    alerts,
		validate:  validator.New(),
		log:       log,
	}
}

// Routes registers the boundary surface on an /api/v1 subrouter.
func (h *Handler) Routes(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/accounts", h.CreateAccountHandler).Methods("POST")
	v1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods("GET")
	v1.HandleFunc("/accounts/{id}/entries", h.GetAccountEntriesHandler).Methods("GET")
	v1.HandleFunc("/transfers/{id}", h.GetTransferHandler).Methods("GET")

	v1.HandleFunc("/charge", h.ChargeHandler).Methods("POST")
	v1.HandleFunc("/refund", h.RefundHandler).Methods("POST")

	v1.HandleFunc("/p2p/transfer", h.P2PTransferHandler).Methods("POST")
	v1.HandleFunc("/p2p/request", h.P2PRequestHandler).Methods("POST")
	v1.HandleFunc("/p2p/approve", h.P2PApproveHandler).Methods("POST")
	v1.HandleFunc("/p2p/cancel", h.P2PCancelHandler).Methods("POST")

	v1.HandleFunc("/fraud/check", h.FraudCheckHandler).Methods("POST")
	v1.HandleFunc("/fraud/review", h.FraudReviewHandler).Methods("POST")
	v1.HandleFunc("/fraud/alerts", h.ListAlertsHandler).Methods("GET")
	v1.HandleFunc("/fraud/user-risk/{id}", h.UserRiskHandler).Methods("GET")
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/accounts")()

	var req CreateAccountRequest
	if !h.decode(w, r, "POST", "/accounts", &req) {
		return
	}
	if req.Opening.IsNegative() {
		h.respondError(w, "POST", "/accounts", service.ErrNonPositiveAmount)
		return
	}

	acct, err := h.store.CreateAccount(r.Context(), req.OwnerID, req.Kind, req.Opening, req.WebhookURL)
	if err != nil {
		h.respondError(w, "POST", "/accounts", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, "POST", "/accounts", acct)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	acct, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.respondError(w, "GET", "/accounts/{id}", err)
		return
	}
	h.respondJSON(w, http.StatusOK, "GET", "/accounts/{id}", acct)
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetAccount(r.Context(), id); err != nil {
		h.respondError(w, "GET", "/accounts/{id}/entries", err)
		return
	}
	entries, err := h.store.EntriesFor(r.Context(), id, 100)
	if err != nil {
		h.respondError(w, "GET", "/accounts/{id}/entries", err)
		return
	}
	h.respondJSON(w, http.StatusOK, "GET", "/accounts/{id}/entries", entries)
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entry, err := h.store.Find(r.Context(), id)
	if err != nil {
		h.respondError(w, "GET", "/transfers/{id}", err)
		return
	}
	h.respondJSON(w, http.StatusOK, "GET", "/transfers/{id}", entry)
}

func (h *Handler) ChargeHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/charge")()

	var req ChargeRequest
	if !h.decode(w, r, "POST", "/charge", &req) {
		return
	}

	entry, err := h.transfers.Execute(r.Context(), service.TransferInput{
		Kind:    domain.EntryCharge,
		PayerID: req.PayerID,
		PayeeID: req.PayeeID,
		Gross:   req.Amount,
		Fee:     service.StandardChargeFee,
		Memo:    req.Memo,
	})
	if err != nil {
		h.respondError(w, "POST", "/charge", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, "POST", "/charge", MovementResponse{
		EntryID: entry.ID, Status: entry.Status, Score: entry.RiskScore,
	})
}

func (h *Handler) RefundHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/refund")()

	var req RefundRequest
	if !h.decode(w, r, "POST", "/refund", &req) {
		return
	}

	entry, err := h.refunds.Execute(r.Context(), req.EntryID, req.Amount)
	if err != nil {
		h.respondError(w, "POST", "/refund", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, "POST", "/refund", MovementResponse{
		EntryID: entry.ID, Status: entry.Status,
	})
}

func (h *Handler) P2PTransferHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/p2p/transfer")()

	var req P2PTransferRequest
	if !h.decode(w, r, "POST", "/p2p/transfer", &req) {
		return
	}

	entry, err := h.transfers.Execute(r.Context(), service.TransferInput{
		Kind:    domain.EntryP2PTransfer,
		PayerID: req.SenderID,
		PayeeID: req.RecipientID,
		Gross:   req.Amount,
		Fee:     service.ZeroFee,
		Memo:    req.Note,
	})
	if err != nil {
		h.respondError(w, "POST", "/p2p/transfer", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, "POST", "/p2p/transfer", MovementResponse{
		EntryID: entry.ID, Status: entry.Status, Score: entry.RiskScore,
	})
}

func (h *Handler) P2PRequestHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/p2p/request")()

	var req P2PRequestRequest
	if !h.decode(w, r, "POST", "/p2p/request", &req) {
		return
	}

	entry, err := h.transfers.CreateRequest(r.Context(), req.RequesterID, req.PayerID, req.Amount, req.Note)
	if err != nil {
		h.respondError(w, "POST", "/p2p/request", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, "POST", "/p2p/request", MovementResponse{
		EntryID: entry.ID, Status: entry.Status,
	})
}

func (h *Handler) P2PApproveHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/p2p/approve")()

	var req P2PApproveRequest
	if !h.decode(w, r, "POST", "/p2p/approve", &req) {
		return
	}

	entry, err := h.transfers.ApproveRequest(r.Context(), req.EntryID)
	if err != nil {
		h.respondError(w, "POST", "/p2p/approve", err)
		return
	}
	h.respondJSON(w, http.StatusOK, "POST", "/p2p/approve", MovementResponse{
		EntryID: entry.ID, Status: entry.Status,
	})
}

func (h *Handler) P2PCancelHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/p2p/cancel")()

	var req P2PApproveRequest
	if !h.decode(w, r, "POST", "/p2p/cancel", &req) {
		return
	}

	entry, err := h.transfers.CancelRequest(r.Context(), req.EntryID)
	if err != nil {
		h.respondError(w, "POST", "/p2p/cancel", err)
		return
	}
	h.respondJSON(w, http.StatusOK, "POST", "/p2p/cancel", MovementResponse{
		EntryID: entry.ID, Status: entry.Status,
	})
}

func (h *Handler) FraudCheckHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/fraud/check")()

	var req FraudCheckRequest
	if !h.decode(w, r, "POST", "/fraud/check", &req) {
		return
	}
	if !req.Amount.IsPositive() {
		h.respondError(w, "POST", "/fraud/check", service.ErrNonPositiveAmount)
		return
	}
	if _, err := h.store.GetAccount(r.Context(), req.SubjectAccountID); err != nil {
		h.respondError(w, "POST", "/fraud/check", err)
		return
	}

	assess, err := h.scorer.Score(r.Context(), req.SubjectAccountID, req.Amount, req.CounterpartyID)
	if err != nil {
		h.respondError(w, "POST", "/fraud/check", err)
		return
	}

	alertCreated := false
	if assess.ShouldAlert() {
		if _, err := h.alerts.Record(r.Context(), req.SubjectAccountID, 0, assess.Score, assess.Reasons); err != nil {
			h.respondError(w, "POST", "/fraud/check", err)
			return
		}
		alertCreated = true
	}

	h.respondJSON(w, http.StatusOK, "POST", "/fraud/check", FraudCheckResponse{
		Score:        assess.Score,
		Reasons:      assess.Reasons,
		AlertCreated: alertCreated,
	})
}

func (h *Handler) FraudReviewHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/fraud/review")()

	var req FraudReviewRequest
	if !h.decode(w, r, "POST", "/fraud/review", &req) {
		return
	}

	alert, err := h.alerts.Review(r.Context(), req.AlertID, req.ReviewerID, req.Resolution, req.Notes)
	if err != nil {
		h.respondError(w, "POST", "/fraud/review", err)
		return
	}
	h.respondJSON(w, http.StatusOK, "POST", "/fraud/review", map[string]*domain.FraudAlert{"alert": alert})
}

func (h *Handler) ListAlertsHandler(w http.ResponseWriter, r *http.Request) {
	f := store.AlertFilter{
		Status:   domain.AlertStatus(r.URL.Query().Get("status")),
		Severity: domain.AlertSeverity(r.URL.Query().Get("severity")),
	}
	alerts, err := h.alerts.List(r.Context(), f)
	if err != nil {
		h.respondError(w, "GET", "/fraud/alerts", err)
		return
	}
	h.respondJSON(w, http.StatusOK, "GET", "/fraud/alerts", map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (h *Handler) UserRiskHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetAccount(r.Context(), id); err != nil {
		h.respondError(w, "GET", "/fraud/user-risk/{id}", err)
		return
	}

	summary, err := h.store.AlertSummaryFor(r.Context(), id)
	if err != nil {
		h.respondError(w, "GET", "/fraud/user-risk/{id}", err)
		return
	}
	entries, err := h.store.EntriesFor(r.Context(), id, 1000)
	if err != nil {
		h.respondError(w, "GET", "/fraud/user-risk/{id}", err)
		return
	}

	sum := decimal.Zero
	completed := 0
	for _, e := range entries {
		if e.SourceAccountID == id && (e.Status == domain.StatusCompleted || e.Status == domain.StatusRefunded) {
			sum = sum.Add(e.Gross)
			completed++
		}
	}
	avg := decimal.Zero
	if completed > 0 {
		avg = sum.Div(decimal.NewFromInt(int64(completed))).Round(2)
	}

	level := "low"
	switch {
	case summary.Count > 5:
		level = "high"
	case summary.Count > 2:
		level = "medium"
	}

	resp := RiskProfileResponse{
		RiskLevel:      level,
		AlertCount:     summary.Count,
		AvgAmount:      avg,
		CompletedCount: completed,
	}
	if summary.LastAlert != nil {
		s := summary.LastAlert.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.LastAlert = &s
	}
	h.respondJSON(w, http.StatusOK, "GET", "/fraud/user-risk/{id}", resp)
}

// Helpers

func (h *Handler) observe(method, endpoint string) func() {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
	return func() { timer.ObserveDuration() }
}

// decode unmarshals and validates a request body, responding on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, method, endpoint string, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpRequestsTotal.WithLabelValues(method, endpoint, "400").Inc()
		respondWithJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_error",
			"message": "Malformed JSON body",
		})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httpRequestsTotal.WithLabelValues(method, endpoint, "422").Inc()
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "validation_error",
			"message": "Invalid request fields",
		})
		return false
	}
	return true
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, method, endpoint string, payload any) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) respondError(w http.ResponseWriter, method, endpoint string, err error) {
	ec := classify(err)
	ref := uuid.NewString()
	h.log.WithFields(logrus.Fields{
		"ref":      ref,
		"category": ec.category,
		"endpoint": endpoint,
	}).WithError(err).Warn("request failed")

	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(ec.status)).Inc()
	respondWithJSON(w, ec.status, map[string]string{
		"error":   ec.category,
		"message": ec.message,
		"ref":     ref,
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_error",
			"message": "Invalid id",
		})
		return 0, false
	}
	return id, true
}

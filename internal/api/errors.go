package api

import (
	"errors"
	"net/http"

	"github.com/finmove/ledger/internal/fraud"
	"github.com/finmove/ledger/internal/service"
	"github.com/finmove/ledger/internal/store"
)

// errorClass maps engine errors onto the boundary taxonomy. Callers see the
// category and a stable reference id, never raw internals.
type errorClass struct {
	status   int
	category string
	message  string
}

func classify(err error) errorClass {
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		return errorClass{http.StatusNotFound, "not_found", "Account not found"}
	case errors.Is(err, store.ErrEntryNotFound):
		return errorClass{http.StatusNotFound, "not_found", "Entry not found"}
	case errors.Is(err, store.ErrAlertNotFound):
		return errorClass{http.StatusNotFound, "not_found", "Alert not found"}

	case errors.Is(err, service.ErrNonPositiveAmount):
		return errorClass{http.StatusUnprocessableEntity, "validation_error", "Positive amount required"}
	case errors.Is(err, service.ErrSameAccount):
		return errorClass{http.StatusUnprocessableEntity, "validation_error", "Self-transfer not allowed"}
	case errors.Is(err, service.ErrAccountInactive):
		return errorClass{http.StatusUnprocessableEntity, "validation_error", "Account is deactivated"}
	case errors.Is(err, service.ErrRefundExceedsOriginal):
		return errorClass{http.StatusUnprocessableEntity, "validation_error", "Refund exceeds original amount"}
	case errors.Is(err, service.ErrNotARequest):
		return errorClass{http.StatusUnprocessableEntity, "validation_error", "Entry is not a money request"}
	case errors.Is(err, fraud.ErrInvalidResolution):
		return errorClass{http.StatusUnprocessableEntity, "validation_error", "Resolution must be confirmed_fraud or false_positive"}

	case errors.Is(err, service.ErrNotRefundable):
		return errorClass{http.StatusConflict, "conflict", "Entry is not refundable"}
	case errors.Is(err, service.ErrRequestNotPending):
		return errorClass{http.StatusConflict, "conflict", "Request already processed"}
	case errors.Is(err, service.ErrContention):
		return errorClass{http.StatusConflict, "conflict", "Operation aborted under contention, retry"}
	case errors.Is(err, store.ErrInvalidTransition):
		return errorClass{http.StatusConflict, "conflict", "Invalid status transition"}

	case errors.Is(err, store.ErrInsufficientFunds):
		return errorClass{http.StatusPaymentRequired, "insufficient_funds", "Insufficient funds"}

	case errors.Is(err, service.ErrRiskDeclined):
		return errorClass{http.StatusForbidden, "risk_declined", "Movement declined by risk policy"}

	case errors.Is(err, store.ErrUnavailable):
		return errorClass{http.StatusServiceUnavailable, "dependency_unavailable", "Storage unavailable, retry later"}
	}
	return errorClass{http.StatusInternalServerError, "internal", "Internal server error"}
}

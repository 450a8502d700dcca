package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"formcraft/api/internal/auth"
	"formcraft/api/internal/authpw"
	"formcraft/api/internal/calendar"
	"formcraft/api/internal/chat"
	"formcraft/api/internal/export"
	"formcraft/api/internal/forms"
	"formcraft/api/internal/gemini"
	"formcraft/api/internal/plan"
	"formcraft/api/internal/revisions"
	"formcraft/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errNotFound = sql.ErrNoRows

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation forms.ValidationErrors
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", validation
	}
	var limit *plan.LimitError
	if errors.As(err, &limit) {
		return http.StatusPaymentRequired, "PLAN_LIMIT", limit.Error(), map[string]any{"plan": limit.Tier, "limit": limit.Limit}
	}

	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, revisions.ErrRevisionNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrRevokedToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, plan.ErrFormLimitReached):
		return http.StatusPaymentRequired, "PLAN_LIMIT", err.Error(), nil
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "CONFLICT", "Resource already exists", nil

	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrInvalidEmail), errors.Is(err, authpw.ErrWeakPassword):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_TAKEN", err.Error(), nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrEmailNotVerified):
		return http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil
	case errors.Is(err, authpw.ErrInvalidToken):
		return http.StatusBadRequest, "INVALID_TOKEN", err.Error(), nil

	case errors.Is(err, chat.ErrSaveInFlight):
		return http.StatusConflict, "SAVE_IN_FLIGHT", err.Error(), nil
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrNotChatField):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, chat.ErrTurnLimit):
		return http.StatusConflict, "TURN_LIMIT", err.Error(), nil
	case errors.Is(err, chat.ErrSessionClosed):
		return http.StatusConflict, "SESSION_CLOSED", err.Error(), nil
	case errors.Is(err, gemini.ErrNotConfigured):
		return http.StatusServiceUnavailable, "CHAT_UNAVAILABLE", "Chat completion is not configured", nil

	case errors.Is(err, calendar.ErrUnknownProvider), errors.Is(err, calendar.ErrMissingAccessToken):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"sqlgate/internal/executor"
	"sqlgate/internal/sqlstmt"
	"sqlgate/internal/ticket"
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

// toDomainError maps pipeline errors onto HTTP statuses.
func toDomainError(err error) *DomainError {
	var (
		de  *DomainError
		ve  *sqlstmt.ValidationError
		hte *echo.HTTPError
	)
	switch {
	case errors.As(err, &de):
		return de
	case errors.As(err, &ve):
		return domainError(http.StatusBadRequest, "VALIDATION", err.Error(), ve.Reasons)
	case ticket.IsNotFound(err):
		return domainError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, executor.ErrAlreadyExecuted):
		return domainError(http.StatusConflict, "ALREADY_EXECUTED", err.Error(), nil)
	case errors.Is(err, executor.ErrNotApproved):
		return domainError(http.StatusConflict, "NOT_APPROVED", err.Error(), nil)
	case errors.Is(err, executor.ErrNotExecuted):
		return domainError(http.StatusConflict, "NOT_EXECUTED", err.Error(), nil)
	case errors.Is(err, executor.ErrApprovalRequired):
		return domainError(http.StatusConflict, "APPROVAL_REQUIRED", err.Error(), nil)
	case ticket.IsUnavailable(err):
		return domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "ticket store unavailable", nil)
	case errors.As(err, &hte):
		code := strings.ToUpper(strings.ReplaceAll(http.StatusText(hte.Code), " ", "_"))
		return domainError(hte.Code, code, fmt.Sprint(hte.Message), nil)
	default:
		return domainError(http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}

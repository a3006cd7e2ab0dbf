package app

import (
	"fmt"
	"net/http"
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

const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeForbidden         = "FORBIDDEN"
	CodeConflict          = "CONFLICT"
	CodeContractInvalid   = "CONTRACT_INVALID"
	CodeOverrideRejected  = "OVERRIDE_REJECTED"
	CodeDraftImmutable    = "DRAFT_IMMUTABLE"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeEditsCommitted    = "EDITS_COMMITTED"
	CodeRevisionLimit     = "REVISION_LIMIT_REACHED"
	CodeProposalStale     = "PROPOSAL_STALE"
	CodeProposalClosed    = "PROPOSAL_CLOSED"
	CodeSessionClosed     = "SESSION_CLOSED"
	CodeGeneratorDown     = "GENERATOR_UNAVAILABLE"
	CodeRuleSetRetired    = "RULE_SET_RETIRED"
	CodeExportUnavailable = "EXPORT_UNAVAILABLE"
	CodeDraftNotApproved  = "DRAFT_NOT_APPROVED"
)

func validationError(field, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, map[string]any{"field": field})
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

func draftImmutable(draftID string) *DomainError {
	return domainError(http.StatusConflict, CodeDraftImmutable, "Approved drafts cannot change", map[string]any{"draftId": draftID})
}

func invalidTransition(from, to string) *DomainError {
	return domainError(http.StatusConflict, CodeInvalidTransition, fmt.Sprintf("Cannot move a draft from %s to %s", from, to), map[string]any{
		"from": from,
		"to":   to,
	})
}

// versionConflict reports a lost compare-and-swap with enough context for the
// caller to refetch.
func versionConflict(expectedVersion int64, expectedStatus string, actualVersion int64, actualStatus string) *DomainError {
	return domainError(http.StatusConflict, CodeConflict, "Draft changed since it was read", map[string]any{
		"expectedVersion": expectedVersion,
		"expectedStatus":  expectedStatus,
		"actualVersion":   actualVersion,
		"actualStatus":    actualStatus,
	})
}

package app

import "fmt"

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

// Stable error codes for the completion surface. Clients key retry and
// recovery behavior off these, so they never change once shipped.
const (
	codeNoNTIIDGiven           = "NoNTIIDGivenError"
	codeItemWithoutNTIID       = "ItemWithoutNTIIDError"
	codeItemNotFound           = "CompletableItemNotFoundError"
	codeInvalidCompletableItem = "InvalidCompletableItemError"
	codeDestructiveChallenge   = "DestructiveChallenge"
	codeValidation             = "VALIDATION_ERROR"
)

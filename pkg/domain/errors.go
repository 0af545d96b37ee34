package domain

import (
	"errors"
	"fmt"
)

// Kind groups errors by how callers are expected to react to them.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindTransfer       Kind = "transfer"
	KindExtraction     Kind = "extraction"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindReconciliation Kind = "reconciliation"
	KindConflict       Kind = "conflict"
	KindUnavailable    Kind = "unavailable"
)

// Error is a catalog error with a kind and a stable code.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Details: e.Details, cause: cause}
}

// Withf returns a copy of e with a more specific message.
func (e *Error) Withf(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...), Details: e.Details, cause: e.cause}
}

// WithDetails returns a copy of e carrying details for the caller.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

var (
	ErrUnsupportedFormat = &Error{Kind: KindValidation, Code: "UnsupportedFormat", Message: "unsupported document format"}
	ErrPayloadTooLarge   = &Error{Kind: KindValidation, Code: "PayloadTooLarge", Message: "document exceeds size limit"}
	ErrInvalidDraft      = &Error{Kind: KindValidation, Code: "InvalidDraft", Message: "invalid book details"}
	ErrInvalidQuery      = &Error{Kind: KindValidation, Code: "InvalidQuery", Message: "invalid query"}

	ErrTransfer        = &Error{Kind: KindTransfer, Code: "TransferError", Message: "transfer failed"}
	ErrUploadCancelled = &Error{Kind: KindTransfer, Code: "UploadCancelled", Message: "upload cancelled"}

	ErrCoverExtraction = &Error{Kind: KindExtraction, Code: "CoverExtractionFailed", Message: "cover extraction failed"}

	ErrForbidden = &Error{Kind: KindAuthorization, Code: "AuthorizationError", Message: "caller is not allowed to modify this book"}
	ErrNotFound  = &Error{Kind: KindNotFound, Code: "NotFoundError", Message: "book not found"}

	ErrReconciliationRequired = &Error{Kind: KindReconciliation, Code: "ReconciliationRequired", Message: "delete partially applied"}

	ErrCounterContention = &Error{Kind: KindConflict, Code: "CounterContention", Message: "counter update contended"}
	ErrCatalogTooLarge   = &Error{Kind: KindUnavailable, Code: "CatalogTooLarge", Message: "catalog exceeds scan threshold"}
)

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Reconciliation describes what a partially failed delete left behind.
type Reconciliation struct {
	BookID         string   `json:"bookId"`
	RecordDeleted  bool     `json:"recordDeleted"`
	PendingObjects []string `json:"pendingObjects,omitempty"`
	// CleanupJobID is set when the pending objects were handed to the
	// background cleanup queue.
	CleanupJobID string `json:"cleanupJobId,omitempty"`
}

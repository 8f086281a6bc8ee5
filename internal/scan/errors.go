package scan

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to the user
type ErrorKind string

const (
	InvalidType          ErrorKind = "invalid_type"
	TooLarge             ErrorKind = "too_large"
	MissingCredential    ErrorKind = "missing_credential"
	NoImage              ErrorKind = "no_image"
	DriveLinkInvalid     ErrorKind = "drive_link_invalid"
	ServiceError         ErrorKind = "service_error"
	PersistenceError     ErrorKind = "persistence_error"
	ConfigInvalid        ErrorKind = "config_invalid"
	ExtractionInFlight   ErrorKind = "extraction_in_flight"
	ConfirmationRequired ErrorKind = "confirmation_required"
	NotFound             ErrorKind = "not_found"
)

// Error is a classified failure. Message is what the user sees.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrTooLarge) works
// on wrapped errors carrying a different message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

var (
	ErrInvalidType          = &Error{Kind: InvalidType, Message: "Please select a valid image file"}
	ErrTooLarge             = &Error{Kind: TooLarge, Message: "Image file is too large. Maximum size is 20MB."}
	ErrMissingCredential    = &Error{Kind: MissingCredential, Message: "Please enter your Gemini API key first"}
	ErrNoImage              = &Error{Kind: NoImage, Message: "Please upload an image first"}
	ErrDriveLinkInvalid     = &Error{Kind: DriveLinkInvalid, Message: "Invalid Google Drive URL"}
	ErrServiceError         = &Error{Kind: ServiceError, Message: "Failed to extract text"}
	ErrPersistenceError     = &Error{Kind: PersistenceError, Message: "Failed to save to history"}
	ErrConfigInvalid        = &Error{Kind: ConfigInvalid, Message: "Store configuration is invalid"}
	ErrExtractionInFlight   = &Error{Kind: ExtractionInFlight, Message: "Extraction already in progress"}
	ErrConfirmationRequired = &Error{Kind: ConfirmationRequired, Message: "Confirmation required"}
	ErrNotFound             = &Error{Kind: NotFound, Message: "Not found"}
)

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns the user-facing message for err
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

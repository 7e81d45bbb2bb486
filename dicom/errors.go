package dicom

import (
	"errors"

	"github.com/dicomflow/gateway/core"
)

// ErrorClass is the §7 error taxonomy: the signal a failure carries to
// the pipeline, independent of which transport produced it.
type ErrorClass string

const (
	ClassConfiguration      ErrorClass = "configuration"
	ClassTransientTransport ErrorClass = "transient_transport"
	ClassPermanentTransport ErrorClass = "permanent_transport"
	ClassAnonymization      ErrorClass = "anonymization"
	ClassFilesystem         ErrorClass = "filesystem_transition"
	ClassReviewRejection    ErrorClass = "review_rejection"
	ClassRateLimit          ErrorClass = "rate_limit"
)

var (
	ErrStudyNotFound       = errors.New("study not found")
	ErrDestinationNotFound = errors.New("destination not found")
	ErrDestinationInUse    = errors.New("destination referenced by a route destination")
	ErrRouteNotFound       = errors.New("route not found")
	ErrReviewNotFound      = errors.New("review not found")
	ErrReviewAlreadyDecided = errors.New("review already decided")
	ErrInvalidTransition   = errors.New("invalid study state transition")
)

// Classify wraps err as a FrameworkError carrying class as its Kind, so
// callers can later recover the classification with errors.As plus a type
// switch on Kind, or by comparing Kind directly.
func Classify(op string, class ErrorClass, err error) *core.FrameworkError {
	return &core.FrameworkError{
		Op:   op,
		Kind: string(class),
		Err:  err,
	}
}

// IsTransient reports whether err was classified as a transient transport
// error — the Retry Manager re-enqueues these; everything else is
// terminal for the destination.
func IsTransient(err error) bool {
	var fe *core.FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind == string(ClassTransientTransport)
	}
	return false
}

// IsPermanent reports whether err was classified as a permanent transport
// error.
func IsPermanent(err error) bool {
	var fe *core.FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind == string(ClassPermanentTransport)
	}
	return false
}

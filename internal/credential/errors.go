package credential

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential is matched by every verification failure.
var ErrInvalidCredential = errors.New("credential: invalid")

var (
	errUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	errUnknownKey           = errors.New("unknown key id")
)

// Reason tells why a credential failed verification.
type Reason string

const (
	ReasonMalformed    Reason = "malformed"
	ReasonExpired      Reason = "expired"
	ReasonUnsupported  Reason = "unsupported"
	ReasonBadSignature Reason = "bad_signature"
)

// VerifyError carries the verification reason. It matches ErrInvalidCredential
// with errors.Is so most callers can ignore the detail.
type VerifyError struct {
	Reason Reason
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err == nil {
		return "credential: " + string(e.Reason)
	}
	return "credential: " + string(e.Reason) + ": " + e.Err.Error()
}

func (e *VerifyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidCredential}
	}
	return []error{ErrInvalidCredential, e.Err}
}

// ReasonOf extracts the verification reason from err, or "" when err is not a VerifyError.
func ReasonOf(err error) Reason {
	var verr *VerifyError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	return ""
}

func invalid(reason Reason, err error) error {
	return &VerifyError{Reason: reason, Err: err}
}

// classify maps parser failures onto reasons. Order matters: keyfunc failures
// are wrapped in ErrTokenUnverifiable and must be checked first.
func classify(err error) Reason {
	switch {
	case errors.Is(err, errUnsupportedAlgorithm), errors.Is(err, errUnknownKey):
		return ReasonUnsupported
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ReasonBadSignature
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenUnverifiable), errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ReasonUnsupported
	default:
		return ReasonMalformed
	}
}

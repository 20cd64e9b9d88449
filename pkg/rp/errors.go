package rp

import "fmt"

// DiscoveryError means the authorization-server metadata could not be
// fetched or was malformed. Fatal to the attempt.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed: %s", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// TokenAcquisitionError means the client-credentials grant was rejected
// before the intent could be lodged.
type TokenAcquisitionError struct {
	Err error
}

func (e *TokenAcquisitionError) Error() string {
	return fmt.Sprintf("client credentials grant failed: %s", e.Err)
}

func (e *TokenAcquisitionError) Unwrap() error { return e.Err }

// IntentLodgingError means the resource server did not produce a usable
// intent. Transient distinguishes 5xx/network failures, which a caller may
// retry as a whole fresh attempt, from 4xx policy rejections, which it
// must not.
type IntentLodgingError struct {
	StatusCode int
	Transient  bool
	Err        error
}

func (e *IntentLodgingError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("intent lodging failed with status %d: %s", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("intent lodging failed: %s", e.Err)
}

func (e *IntentLodgingError) Unwrap() error { return e.Err }

// ParSubmissionError surfaces a failed pushed authorization request
// unmodified. PAR is never retried; a duplicated authorization attempt is
// worse than a failed one.
type ParSubmissionError struct {
	Err error
}

func (e *ParSubmissionError) Error() string {
	return fmt.Sprintf("pushed authorization request failed: %s", e.Err)
}

func (e *ParSubmissionError) Unwrap() error { return e.Err }

type CallbackReason string

const (
	ReasonIllegalTransition   CallbackReason = "illegal_transition"
	ReasonAuthorizationDenied CallbackReason = "authorization_denied"
	ReasonStateMismatch       CallbackReason = "state_mismatch"
	ReasonPKCEMismatch        CallbackReason = "pkce_mismatch"
	ReasonExchangeFailed      CallbackReason = "exchange_failed"
	ReasonTokenValidation     CallbackReason = "token_validation"
)

// CallbackError aborts an authorization attempt at the callback. No token
// set is ever produced alongside one.
type CallbackError struct {
	Reason CallbackReason
	Err    error
}

func (e *CallbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("callback rejected (%s): %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("callback rejected (%s)", e.Reason)
}

func (e *CallbackError) Unwrap() error { return e.Err }

package main

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced as the 401 `detail` field (spec §6, §7).
// Wrapped with fmt.Errorf("%w: ...") where a caveat's expected value is
// worth echoing back to the client.
var (
	errInvalidSignature = errors.New("Invalid signature")
	errExpired          = errors.New("Macaroon expired")
	errEndpointMismatch = errors.New("Endpoint mismatch")
	errMethodMismatch   = errors.New("Method mismatch")
	errContextMismatch  = errors.New("Context mismatch")
	errAgentMismatch    = errors.New("Agent mismatch")

	errMalformedAuth     = errors.New("Invalid L402 format: expected \"L402 <macaroon>:<preimage>\"")
	errBadMacaroonEncode = errors.New("Invalid macaroon encoding")
	errPreimageMismatch  = errors.New("Preimage does not match payment hash")
)

// admitError is a fatal-at-construction configuration error (spec §7's
// "Config error ... fatal, raised at startup" row).
type admitError struct {
	msg string
}

func (e *admitError) Error() string { return e.msg }

func newAdmitError(format string, args ...interface{}) error {
	return &admitError{msg: fmt.Sprintf(format, args...)}
}

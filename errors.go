package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind tags every failure the consensus core can report.
type ErrorKind string

const (
	KindWrongPeriod      ErrorKind = "WrongPeriod"
	KindOutOfWindow      ErrorKind = "OutOfWindow"
	KindNotEligible      ErrorKind = "NotEligible"
	KindBadSignature     ErrorKind = "BadSignature"
	KindPowerCapExceeded ErrorKind = "PowerCapExceeded"
	KindTooLarge         ErrorKind = "TooLarge"
	KindInvalidAmount    ErrorKind = "InvalidAmount"
	KindDuplicateVote    ErrorKind = "DuplicateVote"
	KindTimeout          ErrorKind = "Timeout"
	KindStorage          ErrorKind = "Storage"
	KindIndeterminate    ErrorKind = "Indeterminate"
	// KindMalformed is a vote that is missing altogether or cannot be read.
	KindMalformed ErrorKind = "Malformed"
)

// ErrorClass groups kinds by how callers are expected to react.
type ErrorClass string

const (
	ClassValidation    ErrorClass = "validation"
	ClassConflict      ErrorClass = "conflict"
	ClassResource      ErrorClass = "resource"
	ClassIndeterminate ErrorClass = "indeterminate"
)

// Class returns the class of the kind.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindDuplicateVote:
		return ClassConflict
	case KindTimeout, KindStorage:
		return ClassResource
	case KindIndeterminate:
		return ClassIndeterminate
	default:
		return ClassValidation
	}
}

// HTTPStatus maps the kind onto the API status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindDuplicateVote:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindStorage:
		return http.StatusInternalServerError
	case KindIndeterminate:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// VoteError is the typed error returned by the validator, ledger, scorer and coordinator.
type VoteError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *VoteError) Error() string {
	msg := string(e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VoteError) Unwrap() error {
	return e.Err
}

// Is matches any *VoteError of the same kind, so the Err* sentinels work with errors.Is.
func (e *VoteError) Is(target error) bool {
	var t *VoteError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

var (
	ErrWrongPeriod      = &VoteError{Kind: KindWrongPeriod}
	ErrOutOfWindow      = &VoteError{Kind: KindOutOfWindow}
	ErrNotEligible      = &VoteError{Kind: KindNotEligible}
	ErrBadSignature     = &VoteError{Kind: KindBadSignature}
	ErrPowerCapExceeded = &VoteError{Kind: KindPowerCapExceeded}
	ErrTooLarge         = &VoteError{Kind: KindTooLarge}
	ErrInvalidAmount    = &VoteError{Kind: KindInvalidAmount}
	ErrDuplicateVote    = &VoteError{Kind: KindDuplicateVote}
	ErrTimeout          = &VoteError{Kind: KindTimeout}
	ErrStorage          = &VoteError{Kind: KindStorage}
	ErrIndeterminate    = &VoteError{Kind: KindIndeterminate}
	ErrMalformed        = &VoteError{Kind: KindMalformed}

	ErrNilVote = newVoteError(KindMalformed, "vote is nil")
)

func newVoteError(kind ErrorKind, msg string) *VoteError {
	return &VoteError{Kind: kind, Msg: msg}
}

func wrapVoteError(kind ErrorKind, msg string, err error) *VoteError {
	return &VoteError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind of err. Context deadline errors count as timeouts and
// anything untyped is reported as a storage failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ve *VoteError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindStorage
}

// asVoteError makes sure err carries a kind before it leaves the core.
func asVoteError(err error) error {
	if err == nil {
		return nil
	}
	var ve *VoteError
	if errors.As(err, &ve) {
		return err
	}
	kind := KindOf(err)
	return wrapVoteError(kind, fmt.Sprintf("%s failure", kind.Class()), err)
}

package domain

import (
	"context"
	"errors"
)

var (
	ErrVerifierRejected  = errors.New("verifier rejected")
	ErrSubmissionFailed  = errors.New("submission failed")
	ErrProofTimeout      = errors.New("proof timeout")
	ErrLedgerRejected    = errors.New("ledger rejected")
	ErrReadFailure       = errors.New("read failure")
	ErrQuotaExceeded     = errors.New("max concurrent checks reached")
	ErrInvalidTransition = errors.New("invalid check transition")
	ErrNotFound          = errors.New("not found")
)

var errorKinds = []struct {
	err  error
	name string
}{
	{ErrVerifierRejected, "VerifierRejected"},
	{ErrSubmissionFailed, "SubmissionFailed"},
	{ErrProofTimeout, "ProofTimeout"},
	{ErrLedgerRejected, "LedgerRejected"},
	{ErrReadFailure, "ReadFailure"},
	{ErrQuotaExceeded, "QuotaExceeded"},
	{ErrInvalidTransition, "InvalidTransition"},
	{ErrNotFound, "NotFound"},
}

// ErrorKind names the taxonomy bucket of err, or "Internal" when none matches.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.Canceled) {
		return "Canceled"
	}
	return "Internal"
}

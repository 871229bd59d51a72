// Package domain describes the payment verification capability the order pipeline consumes.
package domain

import (
	"context"
	"errors"
	"fmt"
)

// Verdict is the outcome reported by a payment verifier.
type Verdict string

const (
	VerdictConfirmed         Verdict = "CONFIRMED"
	VerdictPending           Verdict = "PENDING"
	VerdictFailed            Verdict = "FAILED"
	VerdictAmountMismatch    Verdict = "AMOUNT_MISMATCH"
	VerdictRecipientMismatch Verdict = "RECIPIENT_MISMATCH"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictConfirmed, VerdictPending, VerdictFailed, VerdictAmountMismatch, VerdictRecipientMismatch:
		return true
	default:
		return false
	}
}

type VerifyRequest struct {
	Chain     string `json:"chain"`
	TxHash    string `json:"tx_hash"`
	Recipient string `json:"recipient"`
	MinAmount int64  `json:"min_amount"`
	Currency  string `json:"currency"`
	Payer     string `json:"payer,omitempty"`

	// MinConfirmations is the block depth required before the gateway may
	// answer confirmed. Zero leaves the gateway default in place.
	MinConfirmations int `json:"min_confirmations,omitempty"`
}

// Verifier checks a transaction on chain. Transport problems are returned as errors;
// a definitive answer about the transaction is returned as a Verdict.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (Verdict, error)
}

var (
	ErrVerificationFailed  = errors.New("verification_failed")
	ErrVerifierUnavailable = errors.New("verifier_unavailable")
	ErrUnsupportedChain    = errors.New("unsupported_chain")
)

// RejectedError carries the verdict that failed a purchase.
type RejectedError struct {
	Verdict Verdict
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrVerificationFailed, e.Verdict)
}

func (e *RejectedError) Unwrap() error { return ErrVerificationFailed }

// RequireConfirmed runs the verifier and converts anything but a confirmed verdict into
// ErrVerificationFailed. Transport errors are wrapped with the same sentinel.
func RequireConfirmed(ctx context.Context, v Verifier, req VerifyRequest) error {
	verdict, err := v.Verify(ctx, req)
	if err != nil {
		if errors.Is(err, ErrVerificationFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if verdict != VerdictConfirmed {
		return &RejectedError{Verdict: verdict}
	}
	return nil
}

// VerdictOf extracts the rejecting verdict, if any.
func VerdictOf(err error) (Verdict, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Verdict, true
	}
	return "", false
}

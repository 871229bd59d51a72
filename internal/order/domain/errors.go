package domain

import "errors"

var (
	ErrInvalidBuyer           = errors.New("invalid_buyer")
	ErrInvalidItems           = errors.New("invalid_items")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidCurrency        = errors.New("invalid_currency")
	ErrInvalidPaymentMethod   = errors.New("invalid_payment_method")
	ErrInvalidTransactionHash = errors.New("invalid_transaction_hash")
	ErrInvalidPayer           = errors.New("invalid_payer_address")
	ErrInvalidOrderID         = errors.New("invalid_order_id")

	ErrNotFound            = errors.New("order_not_found")
	ErrAlreadyPaid         = errors.New("already_paid")
	ErrHashAlreadyUsed     = errors.New("hash_already_used")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
	ErrPaymentInProgress   = errors.New("payment_in_progress")
)

// IsValidationError reports errors caused by malformed input.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrInvalidBuyer, ErrInvalidItems, ErrInvalidAmount, ErrInvalidCurrency,
		ErrInvalidPaymentMethod, ErrInvalidTransactionHash, ErrInvalidPayer, ErrInvalidOrderID,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

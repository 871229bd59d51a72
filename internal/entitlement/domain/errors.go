package domain

import "errors"

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrUnknownPlan         = errors.New("unknown_plan")
	ErrQuotaExceeded       = errors.New("quota_exceeded")
	ErrNotFound            = errors.New("entitlement_not_found")
	ErrConcurrencyConflict = errors.New("entitlement_concurrency_conflict")
)

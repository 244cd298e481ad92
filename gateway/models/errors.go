package models

import "errors"

var (
	ErrGenerationFailed      = errors.New("payment code generation failed")
	ErrMisconfiguredIdentity = errors.New("payee identity is missing or malformed")
	ErrInvalidAmount         = errors.New("amount must be a positive number of minor units")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrMissingFingerprint    = errors.New("fingerprint is required")
	ErrSettlementUnavailable = errors.New("settlement probing is not configured")
)

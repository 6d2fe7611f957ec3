package service

import "errors"

// Sentinel errors for the service layer. Handlers map these onto HTTP
// statuses; no other error classification happens above this package.
var (
	ErrValidation     = errors.New("missing or malformed fields")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrNotFound       = errors.New("not found")
	ErrExpired        = errors.New("expired")
	ErrSessionExpired = errors.New("upload session expired")
	ErrPartsMismatch  = errors.New("parts not found or mismatch")
)

package domain

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnsupportedRegion = errors.New("unsupported region")
	ErrLeaseNotAcquired  = errors.New("contact lease not acquired")
)

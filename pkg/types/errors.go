package types

import "errors"

var (
	ErrInvalidUserID      = errors.New("user ID must be 1-50 characters, alphanumeric plus underscore/hyphen")
	ErrInvalidSessionName = errors.New("session name must be 1-200 characters")
	ErrInvalidKind        = errors.New("session kind must be 'test' or 'general'")
	ErrMissingTestID      = errors.New("test sessions require a test ID")
	ErrInvalidCapacity    = errors.New("max users must be positive")
)

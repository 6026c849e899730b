package ws

import "errors"

var (
	ErrConnectionClosed  = errors.New("connection closed")
	ErrWriteTimeout      = errors.New("write timed out")
	ErrNilConnection     = errors.New("connection cannot be nil")
	ErrUnknownConnection = errors.New("connection is not registered")
	ErrRoleAlreadySet    = errors.New("connection role already assigned")
)

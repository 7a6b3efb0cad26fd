package domain

import "errors"

var (
	ErrServerClosed     = errors.New("server is shutting down")
	ErrMalformedChannel = errors.New("malformed bus channel")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownKind      = errors.New("unknown envelope kind")
	ErrBusClosed        = errors.New("bus closed")
)

package app

import "errors"

var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("forbidden")
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrPayloadTooLarge        = errors.New("pdf exceeds maximum size")
	ErrNotPDF                 = errors.New("payload is not a pdf document")
	ErrInterpreterUnavailable = errors.New("interpreter unavailable")
)

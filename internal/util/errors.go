package util

import "errors"

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("resource not found")
	ErrNotReady         = errors.New("document is not ready")
	ErrUnauthorized     = errors.New("caller identity not resolved")
	ErrTransientBackend = errors.New("backend temporarily unavailable")
	ErrFatalIngestion   = errors.New("ingestion failed")

	ErrNoExtractableText = errors.New("no extractable text found in PDF")
)

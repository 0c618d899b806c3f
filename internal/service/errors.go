package service

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden           = errors.New("forbidden")
	ErrDeleteTokenRequired = errors.New("delete token required")
	ErrAuthRequired        = errors.New("authentication required")
	ErrThumbnailNotReady   = errors.New("thumbnail not ready")
)

const (
	CodeMissingFile     = "file_required"
	CodeEmptyFile       = "empty_file"
	CodeFileTooLarge    = "file_too_large"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidImage    = "invalid_image"
	CodeInvalidSize     = "invalid_size"
)

// ValidationError rejects a request before anything is stored.
type ValidationError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

package bridge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes as constants
const (
	ErrCodeFormat              = "FORMAT_ERROR"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeDuplicateSession    = "DUPLICATE_SESSION"
	ErrCodeSessionLimit        = "SESSION_LIMIT"
	ErrCodeUpstreamProtocol    = "UPSTREAM_PROTOCOL_ERROR"
	ErrCodeIdleTimeout         = "IDLE_TIMEOUT"
	ErrCodeConnectionFailed    = "CONNECTION_FAILED"
	ErrCodeJSONParse           = "JSON_PARSE_ERROR"
	ErrCodeAuthFailed          = "AUTH_FAILED"
	ErrCodeConfigInvalid       = "CONFIG_INVALID"
	ErrCodeUnknown             = "UNKNOWN_ERROR"
)

// BridgeError is the error type used throughout the bridge. Details carry
// structured context for logging.
type BridgeError struct {
	Message   string
	Code      string
	Details   map[string]interface{}
	Timestamp time.Time
	err       error
}

func NewBridgeError(message, code string) *BridgeError {
	return &BridgeError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func (e *BridgeError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s (%s)", e.Message, e.Code))
	for k, v := range e.Details {
		sb.WriteString(fmt.Sprintf("; %s=%v", k, v))
	}
	return sb.String()
}

func (e *BridgeError) Unwrap() error {
	return e.err
}

// AddDetail attaches structured context and returns the error for chaining.
func (e *BridgeError) AddDetail(key string, value interface{}) *BridgeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *BridgeError) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

// Specific error creators with common codes

func NewFormatError(message string) *BridgeError {
	return NewBridgeError(message, ErrCodeFormat)
}

func NewUpstreamUnavailableError(message string) *BridgeError {
	return NewBridgeError(message, ErrCodeUpstreamUnavailable)
}

func NewSessionNotFoundError(externalID string) *BridgeError {
	return NewBridgeError("no active session", ErrCodeSessionNotFound).AddDetail("external_id", externalID)
}

func NewDuplicateSessionError(externalID string) *BridgeError {
	return NewBridgeError("session already exists", ErrCodeDuplicateSession).AddDetail("external_id", externalID)
}

func NewSessionLimitError(limit int) *BridgeError {
	return NewBridgeError("max concurrent sessions reached", ErrCodeSessionLimit).AddDetail("limit", limit)
}

func NewProtocolError(message string) *BridgeError {
	return NewBridgeError(message, ErrCodeUpstreamProtocol)
}

func NewConnectionError(message string) *BridgeError {
	return NewBridgeError(message, ErrCodeConnectionFailed)
}

func NewJSONError(message string) *BridgeError {
	return NewBridgeError(message, ErrCodeJSONParse)
}

func NewAuthError(message string) *BridgeError {
	return NewBridgeError(message, ErrCodeAuthFailed)
}

func NewConfigError(message string) *BridgeError {
	return NewBridgeError(message, ErrCodeConfigInvalid)
}

// WrapError wraps any error as a BridgeError with the given code.
func WrapError(err error, code string) *BridgeError {
	if err == nil {
		return nil
	}
	be := NewBridgeError(err.Error(), code)
	be.err = err
	return be
}

// IsErrorCode reports whether err is (or wraps) a BridgeError with the code.
func IsErrorCode(err error, code string) bool {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// ErrorCode extracts the bridge error code, or ErrCodeUnknown for foreign errors.
func ErrorCode(err error) string {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code
	}
	return ErrCodeUnknown
}

// IsFrameLevel reports whether the error is contained at the frame level:
// the offending frame is dropped and the session continues.
func IsFrameLevel(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeFormat, ErrCodeSessionNotFound, ErrCodeUpstreamProtocol:
		return true
	}
	return false
}

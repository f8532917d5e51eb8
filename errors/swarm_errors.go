package errors

import (
	"github.com/mezonai/blockswarm/jsonx"
)

// SwarmErrorCode is the machine-readable reason a request handler rejected a call.
type SwarmErrorCode string

const (
	ErrCodeInternal       SwarmErrorCode = "internal_error"
	ErrCodeInvalidRequest SwarmErrorCode = "invalid_request"
	ErrCodeUnknownBlock   SwarmErrorCode = "unknown_block"
	ErrCodeCacheTimeout   SwarmErrorCode = "cache_timeout"
	ErrCodeHostNotReady   SwarmErrorCode = "host_not_ready"
	ErrCodeRateLimited    SwarmErrorCode = "rate_limited"
	ErrCodeSessionExpired SwarmErrorCode = "session_expired"
)

// SwarmError is the error shape sent back to clients over a handler stream.
type SwarmError struct {
	Code    SwarmErrorCode `json:"code"`
	Message string         `json:"message"`
}

// Error implements the error interface
func (e *SwarmError) Error() string {
	data, _ := jsonx.Marshal(SwarmError{
		Code:    e.Code,
		Message: e.Message,
	})
	return string(data)
}

const (
	ErrMsgInvalidRequest = "Request format is invalid"
	ErrMsgUnknownBlock   = "This server does not host block %s"
	ErrMsgCacheTimeout   = "Server is out of attention cache, please retry on another peer"
	ErrMsgHostNotReady   = "Server is not ready to serve requests"
	ErrMsgRateLimited    = "Too many requests, please slow down"
	ErrMsgSessionExpired = "Inference session exceeded its time limit"
	ErrMsgInternal       = "Server error, please try again"
)

// NewError creates a new SwarmError and returns it as error interface
func NewError(code SwarmErrorCode, message string) error {
	return &SwarmError{
		Code:    code,
		Message: message,
	}
}

// CodeOf extracts the code from err if it is a SwarmError.
func CodeOf(err error) (SwarmErrorCode, bool) {
	se, ok := err.(*SwarmError)
	if !ok {
		return "", false
	}
	return se.Code, true
}

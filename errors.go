package main

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every expected failure of the protocol core.
type ErrorCode string

const (
	// ErrCodeChannelNotFound is returned when a non-setup update arrives
	// for a channel with no stored state.
	ErrCodeChannelNotFound ErrorCode = "ChannelNotFound"
	// ErrCodeInvalidNonce is returned when an update does not carry
	// stored nonce + 1 and cannot be applied.
	ErrCodeInvalidNonce ErrorCode = "InvalidNonce"
	// ErrCodeInvalidUpdate is returned when an update fails validation;
	// stored state is never mutated on this error.
	ErrCodeInvalidUpdate ErrorCode = "InvalidUpdate"
	// ErrCodeOnchainQueryFailure is returned when the on-chain query
	// service fails during deposit reconciliation.
	ErrCodeOnchainQueryFailure ErrorCode = "OnchainQueryFailure"
	// ErrCodeStaleChannelState is returned when a save loses the
	// optimistic nonce check against the store.
	ErrCodeStaleChannelState ErrorCode = "StaleChannelState"
	// ErrCodeMessagingFailure is returned when a send times out or the
	// transport reports an error.
	ErrCodeMessagingFailure ErrorCode = "MessagingFailure"
	// ErrCodeRemoteError wraps an error envelope reported by the
	// counterparty.
	ErrCodeRemoteError ErrorCode = "RemoteError"
	// ErrCodeTransferNotFound is returned when resolving a transfer that
	// does not exist in the channel's active transfer set.
	ErrCodeTransferNotFound ErrorCode = "TransferNotFound"
	// ErrCodeStoreFailure is returned on unexpected persistence errors.
	ErrCodeStoreFailure ErrorCode = "StoreFailure"
)

// ChannelError is the tagged error payload surfaced by every fallible
// protocol operation, and the payload exchanged over messaging when a
// peer cannot apply an update. Context carries structured diagnosis
// fields (method, transferId, nonce and the like).
type ChannelError struct {
	Code           ErrorCode         `json:"code"`
	Message        string            `json:"message"`
	ChannelAddress string            `json:"channelAddress,omitempty"`
	Context        map[string]string `json:"context,omitempty"`

	cause error
}

func NewChannelError(code ErrorCode, format string, args ...interface{}) *ChannelError {
	return &ChannelError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *ChannelError) Error() string {
	if e.ChannelAddress != "" {
		return fmt.Sprintf("%s: %s (channel %s)", e.Code, e.Message, e.ChannelAddress)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ChannelError) Unwrap() error { return e.cause }

// WithChannel attaches the channel address the error refers to.
func (e *ChannelError) WithChannel(channelAddress string) *ChannelError {
	e.ChannelAddress = channelAddress
	return e
}

// WithContext attaches a structured diagnosis field.
func (e *ChannelError) WithContext(key, value string) *ChannelError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithCause records the underlying error for unwrapping.
func (e *ChannelError) WithCause(err error) *ChannelError {
	e.cause = err
	return e
}

// AsChannelError extracts a ChannelError from an error chain.
func AsChannelError(err error) (*ChannelError, bool) {
	var cerr *ChannelError
	if errors.As(err, &cerr) {
		return cerr, true
	}
	return nil, false
}

// ToChannelError returns err as a ChannelError, wrapping foreign
// errors under the fallback code.
func ToChannelError(err error, fallback ErrorCode) *ChannelError {
	if cerr, ok := AsChannelError(err); ok {
		return cerr
	}
	return NewChannelError(fallback, "%v", err).WithCause(err)
}

// IsErrorCode reports whether err carries the given protocol error code.
func IsErrorCode(err error, code ErrorCode) bool {
	cerr, ok := AsChannelError(err)
	return ok && cerr.Code == code
}

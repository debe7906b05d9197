package roomsync

import "errors"

var (
	ErrNotConnected       = errors.New("channel not connected")
	ErrTransport          = errors.New("transport error")
	ErrTimeout            = errors.New("timeout")
	ErrBusinessFailure    = errors.New("business failure")
	ErrMalformedResponse  = errors.New("malformed response")
	ErrDuplicateKey       = errors.New("duplicate correlation key")
	ErrSuperseded         = errors.New("superseded by newer request")
	ErrRoomNotFound       = errors.New("room not found")
	ErrInvalidCommand     = errors.New("invalid command")
	ErrClosed             = errors.New("closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrUnknownPurpose     = errors.New("unknown purpose")
)

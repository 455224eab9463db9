package stt

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports a missing or invalid credential or setting.
	ErrConfiguration = errors.New("stt: invalid configuration")
	// ErrConnection reports a failed connect or handshake.
	ErrConnection = errors.New("stt: connection failed")
	// ErrConnectionClosed reports a transport that is not open.
	ErrConnectionClosed = errors.New("stt: connection closed")
	// ErrProtocol reports a malformed inbound message.
	ErrProtocol = errors.New("stt: malformed message")
	// ErrService is the parent of every explicit vendor error.
	ErrService = errors.New("stt: service error")
)

// ServiceError carries an error code reported by the remote service.
type ServiceError struct {
	Code    int
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("stt: service error %d: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return ErrService }

package zssp

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the core. None of these are ever signaled to
// the peer; a misbehaving or hostile peer simply sees its packets dropped.
var (
	ErrInvalidPacket          = errors.New("zssp: invalid packet")
	ErrInvalidParameter       = errors.New("zssp: invalid parameter")
	ErrFailedAuthentication   = errors.New("zssp: failed authentication")
	ErrNewSessionRejected     = errors.New("zssp: new session rejected")
	ErrMaxKeyLifetimeExceeded = errors.New("zssp: session key lifetime exceeded")
	ErrSessionNotEstablished  = errors.New("zssp: session not established")
	ErrRateLimited            = errors.New("zssp: rate limited")
	ErrUnknownProtocolVersion = errors.New("zssp: unknown protocol version")
	ErrDataBufferTooSmall     = errors.New("zssp: data buffer too small")
	ErrDataTooLarge           = errors.New("zssp: data too large")
	ErrUnexpectedIoError      = errors.New("zssp: unexpected buffer error")
)

// UnknownLocalSessionIDError is returned by ReceiveContext.Receive when an
// inbound packet addresses a session id this endpoint does not hold.
type UnknownLocalSessionIDError struct {
	SessionID SessionID
}

func (e *UnknownLocalSessionIDError) Error() string {
	return fmt.Sprintf("zssp: unknown local session id %d", uint64(e.SessionID))
}

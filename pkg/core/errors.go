package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the protocol packages.
var (
	// ErrAuthentication is returned when an AEAD tag or HMAC does not verify.
	ErrAuthentication = errors.New("authentication failed")

	// ErrReplay is returned for a counter that was already accepted.
	ErrReplay = errors.New("replayed counter")

	// ErrTooOld is returned for a counter that fell behind the replay window.
	ErrTooOld = errors.New("counter outside replay window")

	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned when connect is called twice.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrUnsupported marks a profile feature the engine cannot dial.
	ErrUnsupported = errors.New("unsupported")

	// ErrKeyExhausted is returned when the current keys may no longer be
	// used for sending and a rekey has to complete first.
	ErrKeyExhausted = errors.New("session keys exhausted")

	// ErrNotData marks a frame that was consumed by the codec (control,
	// keepalive, handshake) and carries no packet for the interface.
	ErrNotData = errors.New("not a data frame")
)

// ConfigError reports an unusable protocol profile or engine setting.
// It is returned before any network activity takes place.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// HandshakeError reports a failed, timed out or rejected handshake.
type HandshakeError struct {
	Protocol string
	Err      error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s handshake: %v", e.Protocol, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// CryptoError is a per-packet authentication or decoding failure. The
// packet is dropped and the session continues.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// ReplayError is a per-packet replay rejection.
type ReplayError struct {
	Counter uint64
	Err     error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay check for counter %d: %v", e.Counter, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// IOError is a socket or interface failure. Transient ones are retried by
// the pump; repeated ones end the session.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a ConfigError for field.
func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// NewHandshakeError wraps err as a HandshakeError; an existing
// HandshakeError is returned unchanged.
func NewHandshakeError(protocol string, err error) error {
	var he *HandshakeError
	if errors.As(err, &he) {
		return err
	}
	return &HandshakeError{Protocol: protocol, Err: err}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsHandshakeError reports whether err is (or wraps) a HandshakeError.
func IsHandshakeError(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he)
}

// IsPacketError reports whether err only affects a single packet, in which
// case the packet is dropped and forwarding continues.
func IsPacketError(err error) bool {
	var ce *CryptoError
	var re *ReplayError
	return errors.As(err, &ce) || errors.As(err, &re) || errors.Is(err, ErrNotData)
}

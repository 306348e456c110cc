// Package healerrors gives each of the daemon's failure classes a distinct,
// wrappable type: a package-level sentinel for errors.Is checks plus a
// context-carrying wrapper.
package healerrors

import (
	"errors"
	"strconv"
)

// Sentinels identifying each error kind; use errors.Is against these.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrBusUnavailable    = errors.New("bus unavailable")
	ErrConnectionLost    = errors.New("connection lost")
	ErrDecodeFailed      = errors.New("decode error")
	ErrNoDispatch        = errors.New("no dispatch")
	ErrHealerFault       = errors.New("healer fault")
	ErrRetryExhausted    = errors.New("retry exhausted")
	ErrShutdownRequested = errors.New("shutdown requested")
)

// ConfigurationError is fatal at startup: missing credentials, a malformed
// plugin, or a missing healer config file.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "configuration error: " + e.Reason + ": " + e.Err.Error()
	}
	return "configuration error: " + e.Reason
}
func (e *ConfigurationError) Unwrap() error {
	if e.Err != nil {
		return errors.Join(ErrConfiguration, e.Err)
	}
	return ErrConfiguration
}

// NewConfigurationError builds a ConfigurationError with context.
func NewConfigurationError(reason string, err error) *ConfigurationError {
	return &ConfigurationError{Reason: reason, Err: err}
}

// BusUnavailableError is fatal at boot when the bus cannot be reached.
type BusUnavailableError struct {
	Addr string
	Err  error
}

func (e *BusUnavailableError) Error() string {
	return "bus unavailable at " + e.Addr + ": " + e.Err.Error()
}
func (e *BusUnavailableError) Unwrap() error { return errors.Join(ErrBusUnavailable, e.Err) }

// NewBusUnavailableError builds a BusUnavailableError with context.
func NewBusUnavailableError(addr string, err error) *BusUnavailableError {
	return &BusUnavailableError{Addr: addr, Err: err}
}

// ConnectionLostError is recovered mid-run: tear down and reconnect.
type ConnectionLostError struct{ Err error }

func (e *ConnectionLostError) Error() string { return "connection lost: " + e.Err.Error() }
func (e *ConnectionLostError) Unwrap() error { return errors.Join(ErrConnectionLost, e.Err) }

// NewConnectionLostError builds a ConnectionLostError wrapping err.
func NewConnectionLostError(err error) *ConnectionLostError { return &ConnectionLostError{Err: err} }

// DecodeError is logged and the offending message is acknowledged and
// dropped.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return "decode error: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return errors.Join(ErrDecodeFailed, e.Err) }

// NewDecodeError builds a DecodeError wrapping err.
func NewDecodeError(err error) *DecodeError { return &DecodeError{Err: err} }

// NoDispatchError records that no healer subscribes to a (resource_type,
// operation) pair; the message is acknowledged and dropped.
type NoDispatchError struct {
	ResourceType string
	Operation    string
}

func (e *NoDispatchError) Error() string {
	return "no dispatch for " + e.ResourceType + " " + e.Operation
}
func (e *NoDispatchError) Unwrap() error { return ErrNoDispatch }

// NewNoDispatchError builds a NoDispatchError for the unrouted pair.
func NewNoDispatchError(resourceType, operation string) *NoDispatchError {
	return &NoDispatchError{ResourceType: resourceType, Operation: operation}
}

// RetryExhaustedError records a work item dropped after reaching its
// healer's retry ceiling.
type RetryExhaustedError struct {
	ResourceType string
	Retries      int
}

func (e *RetryExhaustedError) Error() string {
	return "retry exhausted for " + e.ResourceType + " after " + strconv.Itoa(e.Retries) + " retries"
}
func (e *RetryExhaustedError) Unwrap() error { return ErrRetryExhausted }

// NewRetryExhaustedError builds a RetryExhaustedError for the dropped item.
func NewRetryExhaustedError(resourceType string, retries int) *RetryExhaustedError {
	return &RetryExhaustedError{ResourceType: resourceType, Retries: retries}
}

// ShutdownRequestedError records the user signal that triggered a graceful
// shutdown; exit code 0.
type ShutdownRequestedError struct{ Signal string }

func (e *ShutdownRequestedError) Error() string { return "shutdown requested: " + e.Signal }
func (e *ShutdownRequestedError) Unwrap() error { return ErrShutdownRequested }

// NewShutdownRequestedError builds a ShutdownRequestedError for sig.
func NewShutdownRequestedError(sig string) *ShutdownRequestedError {
	return &ShutdownRequestedError{Signal: sig}
}

// HealerFault wraps a panic or error raised out of Check/Fix; treated as OK
// for the current item (no fix, no retry).
type HealerFault struct {
	ResourceType string
	Err          error
}

func (e *HealerFault) Error() string {
	return "healer fault in " + e.ResourceType + ": " + e.Err.Error()
}
func (e *HealerFault) Unwrap() error { return errors.Join(ErrHealerFault, e.Err) }
func NewHealerFault(resourceType string, err error) *HealerFault {
	return &HealerFault{ResourceType: resourceType, Err: err}
}

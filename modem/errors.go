package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has no transport.
	//
	// This can occur if the Dialer returned a nil Transport or if the Modem
	// was not created via New.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, or when any command is attempted afterwards.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrTimeout is returned when the modem did not complete a response
	// within the configured timeout.
	ErrTimeout = errors.New("timeout waiting for modem response")

	// ErrCancelled is returned when the caller's context was cancelled while
	// an operation was waiting on the modem. The context error is wrapped as
	// well, so errors.Is(err, context.Canceled) also holds.
	//
	// A command that was already transmitted leaves the modem in an
	// indeterminate state; callers recover with Sleep and Begin.
	ErrCancelled = errors.New("operation cancelled")

	// ErrProtocol is matched by every *ProtocolError.
	ErrProtocol = errors.New("protocol error")

	// ErrNoModemDetected is returned by Begin when no probe was answered
	// before the startup ceiling elapsed.
	ErrNoModemDetected = errors.New("no modem detected")

	// ErrAlreadyAwake is returned by Begin when the modem is not asleep.
	ErrAlreadyAwake = errors.New("modem already awake")

	// ErrAlreadyAsleep is returned by Sleep when the modem is already asleep.
	ErrAlreadyAsleep = errors.New("modem already asleep")

	// ErrNoSleepPin is returned by Sleep when no PowerControl was configured.
	ErrNoSleepPin = errors.New("no sleep pin configured")

	// ErrIsAsleep is returned when a command is attempted while the modem is
	// not awake. No bytes are sent to the transport.
	ErrIsAsleep = errors.New("modem is asleep")

	// ErrNoNetwork is returned by SystemTime when the modem has no time fix
	// from the constellation yet.
	ErrNoNetwork = errors.New("no network service")

	// ErrIO is matched by every *IOError.
	ErrIO = errors.New("i/o error")
)

// Reason classifies a ProtocolError.
type Reason int

const (
	// ReasonModemError means the modem answered with a final ERROR line.
	ReasonModemError Reason = iota + 1
	// ReasonMalformed means a response field could not be decoded.
	ReasonMalformed
	// ReasonMessageTooLong means an outgoing message exceeds the protocol ceiling.
	ReasonMessageTooLong
	// ReasonMessageEmpty means an outgoing binary message has no bytes.
	ReasonMessageEmpty
	// ReasonWriteTimeout means the modem gave up waiting for the binary payload.
	ReasonWriteTimeout
	// ReasonChecksumMismatch means a binary payload failed checksum verification.
	ReasonChecksumMismatch
	// ReasonLengthMismatch means a binary payload length disagrees with the declared size.
	ReasonLengthMismatch
	// ReasonUnexpectedStatus means a status code outside the known table.
	ReasonUnexpectedStatus
	// ReasonTruncated means a captured field did not fit the response buffer.
	ReasonTruncated
	// ReasonTransport means the transport failed or closed while reading.
	ReasonTransport
	// ReasonNoResponse means a command that must succeed went unanswered.
	ReasonNoResponse
)

func (r Reason) String() string {
	switch r {
	case ReasonModemError:
		return "modem error"
	case ReasonMalformed:
		return "malformed response"
	case ReasonMessageTooLong:
		return "message too long"
	case ReasonMessageEmpty:
		return "message empty"
	case ReasonWriteTimeout:
		return "modem write timeout"
	case ReasonChecksumMismatch:
		return "checksum mismatch"
	case ReasonLengthMismatch:
		return "length mismatch"
	case ReasonUnexpectedStatus:
		return "unexpected status"
	case ReasonTruncated:
		return "response truncated"
	case ReasonTransport:
		return "transport failure"
	case ReasonNoResponse:
		return "no response"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ProtocolError reports a response that violates the modem protocol or a
// request the protocol cannot carry.
type ProtocolError struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func protocolError(reason Reason, format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsReason reports whether err carries a ProtocolError with the given reason.
func IsReason(err error, reason Reason) bool {
	var perr *ProtocolError
	return errors.As(err, &perr) && perr.Reason == reason
}

// IOError reports a hard failure of the transport or the power control line.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// cancelled wraps the context error so both ErrCancelled and the context
// error match.
func cancelled(ctxErr error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
}

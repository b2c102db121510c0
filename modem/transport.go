package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

//go:generate go tool mockgen -destination=mocks.go -package=modem . Transport,Dialer,PowerControl

// Transport represents an established, bidirectional byte stream to an
// Iridium SBD transceiver.
//
// Read must not block indefinitely: when no byte is available it returns
// (0, nil) after at most a short interval, so the response parser can check
// its timeout and the caller's context between reads. A serial port opened
// with a read timeout behaves exactly like that. Any returned error, io.EOF
// included, is treated as a transport failure.
//
// The driver never assumes framing below the byte level from a Transport.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to the modem.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port or a test double) and is used during modem construction only.
// Once a Transport is obtained, the Dialer is no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts an ordinary function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

const (
	// DefaultBaudRate is the factory rate of the 9602/9603 serial interface.
	DefaultBaudRate = 19200
	// DefaultReadTimeout bounds a single serial read, and therefore the
	// latency of cancellation while waiting for a response.
	DefaultReadTimeout = 50 * time.Millisecond
)

// openPort is swapped out in tests.
var openPort = serial.Open

// SerialDialer opens the modem over a serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, e.g. "/dev/ttyUSB0".
	PortName string
	// BaudRate is used when Mode is nil. Zero means DefaultBaudRate.
	BaudRate int
	// Mode overrides the complete line configuration.
	Mode *serial.Mode
	// ReadTimeout bounds a single read. Zero means DefaultReadTimeout.
	ReadTimeout time.Duration
}

// SerialTransport is the Transport returned by SerialDialer. The underlying
// port is exposed so that its modem-control lines can drive a LinePower.
type SerialTransport struct {
	serial.Port
}

// Dial opens and configures the serial port.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	port, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// DialSerial is Dial with the concrete return type.
func (d SerialDialer) DialSerial(ctx context.Context) (*SerialTransport, error) {
	return d.open(ctx)
}

func (d SerialDialer) open(ctx context.Context) (*SerialTransport, error) {
	if ctx == nil {
		return nil, errors.New("sbd: context is nil")
	}
	if d.PortName == "" {
		return nil, errors.New("sbd: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = DefaultBaudRate
		}
		mode = &serial.Mode{
			BaudRate: baud,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := openPort(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("sbd: open %s: %w", d.PortName, err)
	}

	readTimeout := d.ReadTimeout
	if readTimeout == 0 {
		readTimeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("sbd: set read timeout on %s: %w", d.PortName, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("sbd: flush %s: %w", d.PortName, err)
	}

	return &SerialTransport{Port: port}, nil
}

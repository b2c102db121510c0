package modem

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"i4.energy/across/sbdgw/at"
)

// Modem is a session with one Iridium SBD transceiver (9602, 9603,
// RockBLOCK). It owns the transport, the power state and the timing state
// of the session.
//
// Every operation is synchronous: it writes a command, then blocks the
// calling goroutine while polling the transport until the response
// completes, the timeout elapses or the context is cancelled. Commands are
// strictly serialized and a Modem is not safe for concurrent use; callers
// sharing one must synchronize externally.
type Modem struct {
	// transport provides the physical connection to the modem
	transport Transport
	// power drives the sleep pin; nil when the modem is always powered
	power PowerControl
	// clock times every wait of the session
	clock Clock
	// logger is the diagnostic sink
	logger *slog.Logger
	// config contains the timeouts and tables of the session
	config Config

	// state tracks Asleep, PoweringOn, Awake and PoweringOff
	state *fsm.FSM
	// lastPowerOn is when the wake line was last asserted
	lastPowerOn time.Time
	// pending holds bytes read past the end of the previous response
	pending []byte
	// closed indicates if the modem has been shut down
	closed bool
}

// New creates a new Modem with the given configuration. It establishes the
// transport connection but leaves the modem asleep: call Begin to power it
// up and run the startup handshake.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	m := &Modem{
		transport: transport,
		power:     config.power,
		clock:     config.clock,
		logger:    config.logger,
		config:    config,
	}
	m.state = newPowerStateMachine(m.logger)

	return m, nil
}

// Close releases the transport. The power state is left untouched; call
// Sleep first to power the modem down.
func (m *Modem) Close() error {
	if m.closed {
		return ErrAlreadyClosed
	}
	m.closed = true

	if m.transport != nil {
		return m.transport.Close()
	}
	return nil
}

// HasSleepPin reports whether the session controls the modem's power.
func (m *Modem) HasSleepPin() bool {
	return m.power != nil
}

// usable reports why no I/O may happen on the session, if anything.
func (m *Modem) usable() error {
	if m.closed {
		return ErrAlreadyClosed
	}
	if m.transport == nil {
		return ErrNotInitialized
	}
	return nil
}

// sendCommand writes raw bytes to the transport. Nothing is written once
// the context is done.
func (m *Modem) sendCommand(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if _, err := m.transport.Write(p); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// exec sends an AT command and waits for its response as described by exp.
// It refuses to talk to a modem that is not awake.
func (m *Modem) exec(ctx context.Context, cmd string, exp Expect) (Response, error) {
	if err := m.usable(); err != nil {
		return Response{}, err
	}
	if state := m.State(); state != StateAwake {
		return Response{}, fmt.Errorf("%s: %w (%s)", cmd, ErrIsAsleep, state)
	}

	m.logger.Debug("Sending command", "command", printable(cmd))
	if err := m.sendCommand(ctx, []byte(cmd+at.CR)); err != nil {
		return Response{}, err
	}
	return m.waitForResponse(ctx, exp)
}

// expectOK describes the plain "OK" response of a configuration command.
func (m *Modem) expectOK() Expect {
	return Expect{Terminator: at.TermOK, Timeout: m.config.atTimeout}
}

// printable shortens long commands for the log.
func printable(s string) string {
	const limit = 40
	s = strings.TrimSpace(s)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

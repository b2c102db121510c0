package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/looplab/fsm"
	"go.bug.st/serial"

	"i4.energy/across/sbdgw/at"
)

const (
	// minPowerOnTime is the shortest time the modem may stay powered before
	// the wake line is released again (Iridium best practices guide).
	minPowerOnTime = 2 * time.Second
	// startupSettle is the pause between asserting the wake line and the
	// first AT probe.
	startupSettle = 500 * time.Millisecond
)

// PowerState is the power/session state of a Modem.
type PowerState int

const (
	StateAsleep PowerState = iota
	StatePoweringOn
	StateAwake
	StatePoweringOff
)

func (s PowerState) String() string {
	switch s {
	case StateAsleep:
		return "asleep"
	case StatePoweringOn:
		return "powering_on"
	case StateAwake:
		return "awake"
	case StatePoweringOff:
		return "powering_off"
	default:
		return "unknown"
	}
}

func parsePowerState(s string) PowerState {
	for _, state := range []PowerState{StateAsleep, StatePoweringOn, StateAwake, StatePoweringOff} {
		if state.String() == s {
			return state
		}
	}
	return -1
}

// Power state machine events.
const (
	eventPowerOn    = "power_on"
	eventAwake      = "awake"
	eventWakeFailed = "wake_failed"
	eventPowerOff   = "power_off"
	eventAsleep     = "asleep"
	eventSleepFail  = "sleep_failed"
)

func newPowerStateMachine(logger *slog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateAsleep.String(),
		fsm.Events{
			{Name: eventPowerOn, Src: []string{StateAsleep.String()}, Dst: StatePoweringOn.String()},
			{Name: eventAwake, Src: []string{StatePoweringOn.String()}, Dst: StateAwake.String()},
			{Name: eventWakeFailed, Src: []string{StatePoweringOn.String()}, Dst: StateAsleep.String()},
			{Name: eventPowerOff, Src: []string{StateAwake.String()}, Dst: StatePoweringOff.String()},
			{Name: eventAsleep, Src: []string{StatePoweringOff.String()}, Dst: StateAsleep.String()},
			{Name: eventSleepFail, Src: []string{StatePoweringOff.String()}, Dst: StateAwake.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("Power state transition", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// State returns the current power state.
func (m *Modem) State() PowerState {
	return parsePowerState(m.state.Current())
}

// transition fires a power state event. The session context is not passed
// on: a cancelled caller must never leave the recorded state half-changed.
func (m *Modem) transition(event string) error {
	if err := m.state.Event(context.Background(), event); err != nil {
		return fmt.Errorf("power state %s: %w", m.state.Current(), err)
	}
	return nil
}

// PowerControl drives the modem's sleep (on/off) pin.
type PowerControl interface {
	// SetWake asserts (true) or releases (false) the wake signal.
	SetWake(on bool) error
}

// PowerLine selects the serial modem-control line wired to the sleep pin.
type PowerLine int

const (
	LineDTR PowerLine = iota
	LineRTS
)

// LinePower drives the sleep pin through a modem-control line of a serial
// port, as on USB adapters that route DTR or RTS to the transceiver's
// on/off input.
type LinePower struct {
	Port serial.Port
	Line PowerLine
	// ActiveLow inverts the line level.
	ActiveLow bool
}

// SetWake implements PowerControl.
func (p LinePower) SetWake(on bool) error {
	level := on != p.ActiveLow
	switch p.Line {
	case LineDTR:
		return p.Port.SetDTR(level)
	case LineRTS:
		return p.Port.SetRTS(level)
	default:
		return fmt.Errorf("unknown power line %d", p.Line)
	}
}

// powerOn asserts the wake line and records when it happened. Without a
// sleep pin the modem is considered awake immediately.
func (m *Modem) powerOn() error {
	if err := m.transition(eventPowerOn); err != nil {
		return err
	}

	if m.power != nil {
		m.logger.Info("Powering on modem")
		if err := m.power.SetWake(true); err != nil {
			if terr := m.transition(eventWakeFailed); terr != nil {
				m.logger.Error("Failed to roll back power state", "error", terr)
			}
			return &IOError{Op: "assert wake line", Err: err}
		}
		m.lastPowerOn = m.clock.Now()
	}

	return m.transition(eventAwake)
}

// powerOff releases the wake line, first waiting until the modem has been
// powered for at least minPowerOnTime. The wait is not cancellable.
func (m *Modem) powerOff() error {
	if err := m.transition(eventPowerOff); err != nil {
		return err
	}

	if m.power != nil {
		if elapsed := m.clock.Now().Sub(m.lastPowerOn); elapsed < minPowerOnTime {
			m.clock.Sleep(minPowerOnTime - elapsed)
		}

		m.logger.Info("Powering off modem")
		if err := m.power.SetWake(false); err != nil {
			if terr := m.transition(eventSleepFail); terr != nil {
				m.logger.Error("Failed to roll back power state", "error", terr)
			}
			return &IOError{Op: "release wake line", Err: err}
		}
	}

	return m.transition(eventAsleep)
}

// Begin powers the modem up and runs the startup handshake: a settle
// pause, AT probes until the modem answers or the startup timeout elapses,
// then the initialization sequence ATE1, AT&D0, AT&K0.
//
// Begin requires the modem to be asleep. When the handshake fails the
// modem is powered down again so Begin can be retried.
func (m *Modem) Begin(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	if m.State() != StateAsleep {
		return ErrAlreadyAwake
	}

	if err := m.powerOn(); err != nil {
		return err
	}

	if err := m.startup(ctx); err != nil {
		m.logger.Warn("Modem startup failed", "error", err)
		if perr := m.powerOff(); perr != nil {
			m.logger.Error("Failed to power off after startup failure", "error", perr)
		}
		return err
	}

	m.logger.Info("Modem ready")
	return nil
}

func (m *Modem) startup(ctx context.Context) error {
	if err := m.pause(ctx, startupSettle); err != nil {
		return err
	}

	if err := m.probe(ctx); err != nil {
		return err
	}

	for _, cmd := range []string{at.CmdEchoOn, at.CmdIgnoreDTR, at.CmdFlowControlOff} {
		if _, err := m.exec(ctx, cmd, m.expectOK()); err != nil {
			if errors.Is(err, ErrCancelled) || errors.Is(err, ErrProtocol) || errors.Is(err, ErrIO) {
				return fmt.Errorf("%s: %w", cmd, err)
			}
			return &ProtocolError{Reason: ReasonNoResponse, Detail: cmd, Err: err}
		}
	}
	return nil
}

// probe sends "AT" until the modem answers OK. This is the only retry loop
// in the driver; it is bounded by the startup timeout. A probe never waits
// past the startup timeout, so the loop overshoots it by less than two poll
// intervals.
func (m *Modem) probe(ctx context.Context) error {
	start := m.clock.Now()
	for attempt := 1; ; attempt++ {
		remaining := m.config.startupTimeout - m.clock.Now().Sub(start)
		if remaining <= 0 {
			break
		}

		exp := m.expectOK()
		exp.Timeout = min(exp.Timeout, remaining)
		_, err := m.exec(ctx, at.CmdAt, exp)
		switch {
		case err == nil:
			m.logger.Debug("Modem answered probe", "attempt", attempt)
			return nil
		case errors.Is(err, ErrCancelled), errors.Is(err, ErrIO), IsReason(err, ReasonTransport):
			return err
		}
		m.logger.Debug("Probe unanswered", "attempt", attempt, "error", err)
		m.clock.Sleep(m.config.pollInterval)
	}

	m.logger.Warn("No modem detected", "timeout", m.config.startupTimeout)
	return ErrNoModemDetected
}

// pause waits for d on the session clock, watching ctx.
func (m *Modem) pause(ctx context.Context, d time.Duration) error {
	for start := m.clock.Now(); ; {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		remaining := d - m.clock.Now().Sub(start)
		if remaining <= 0 {
			return nil
		}
		m.clock.Sleep(min(remaining, m.config.pollInterval))
	}
}

// Sleep powers the modem down through its sleep pin.
func (m *Modem) Sleep() error {
	if m.power == nil {
		return ErrNoSleepPin
	}
	if m.State() == StateAsleep {
		return ErrAlreadyAsleep
	}
	return m.powerOff()
}

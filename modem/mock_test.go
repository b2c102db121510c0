package modem_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/sbdgw/modem"
)

type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
	}
}

// command expects cmd to be written and answers it with resp in one read.
func (b *MockSequenceBuilder) command(cmd, resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd+"\r")).Return(len(cmd)+1, nil),
		b.transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, resp), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.command("AT", "AT\r\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOn() *MockSequenceBuilder {
	return b.command("ATE1", "ATE1\r\r\nOK\r\n")
}

func (b *MockSequenceBuilder) IgnoreDTR() *MockSequenceBuilder {
	return b.command("AT&D0", "AT&D0\r\r\nOK\r\n")
}

func (b *MockSequenceBuilder) FlowControlOff() *MockSequenceBuilder {
	return b.command("AT&K0", "AT&K0\r\r\nOK\r\n")
}

func (b *MockSequenceBuilder) FlowControlError() *MockSequenceBuilder {
	return b.command("AT&K0", "AT&K0\r\r\nERROR\r\n")
}

func (b *MockSequenceBuilder) SignalQuality(bars int) *MockSequenceBuilder {
	return b.command("AT+CSQ", "AT+CSQ\r\r\n+CSQ:"+strconv.Itoa(bars)+"\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// initMockCalls is the full startup handshake of Begin.
func initMockCalls(transport *modem.MockTransport) []any {
	return NewMockSequence(transport).
		AT().
		EchoOn().
		IgnoreDTR().
		FlowControlOff().
		Build()
}

var testEpoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// startupScript scripts the answers to the startup handshake of Begin.
func startupScript(tt *modem.TestTransport) *modem.TestTransport {
	return tt.
		Expect("AT\r", "AT\r\r\nOK\r\n").
		Expect("ATE1\r", "ATE1\r\r\nOK\r\n").
		Expect("AT&D0\r", "AT&D0\r\r\nOK\r\n").
		Expect("AT&K0\r", "AT&K0\r\r\nOK\r\n")
}

// newTestModem opens a Modem on tt with a fake clock. Extra builder steps
// are applied before Build.
func newTestModem(t *testing.T, tt *modem.TestTransport, opts ...func(*modem.ConfigBuilder)) (*modem.Modem, *modem.FakeClock) {
	t.Helper()

	clock := modem.NewFakeClock(testEpoch)
	builder := modem.NewConfigBuilder().
		WithDialer(modem.DialerFunc(func(context.Context) (modem.Transport, error) {
			return tt, nil
		})).
		WithClock(clock)
	for _, opt := range opts {
		opt(builder)
	}

	config, err := builder.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	return m, clock
}

// newAwakeModem is newTestModem followed by a successful Begin. The writes
// of the handshake are consumed.
func newAwakeModem(t *testing.T, tt *modem.TestTransport, opts ...func(*modem.ConfigBuilder)) (*modem.Modem, *modem.FakeClock) {
	t.Helper()

	startupScript(tt)
	m, clock := newTestModem(t, tt, opts...)
	if err := m.Begin(context.Background()); err != nil {
		t.Fatalf("unexpected error from Begin(): %v", err)
	}
	return m, clock
}

// writesAfter returns the writes made after the first skip ones.
func writesAfter(tt *modem.TestTransport, skip int) []string {
	writes := tt.Writes()
	if len(writes) < skip {
		return nil
	}
	return writes[skip:]
}

// handshakeWrites is the number of writes of a successful Begin.
const handshakeWrites = 4

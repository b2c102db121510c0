package modem_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"i4.energy/across/sbdgw/modem"
)

func TestModemNew(t *testing.T) {
	t.Run("Initialization Success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if m == nil {
			t.Fatal("New() should return valid modem on success")
		}
		if m.State() != modem.StateAsleep {
			t.Errorf("expected new modem to be asleep, got %s", m.State())
		}

		// Clean up
		mockTransport.EXPECT().Close().Return(nil)
		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		dialError := errors.New("connection failed")
		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, dialError)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if !errors.Is(err, dialError) {
			t.Errorf("expected dialer error, got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when dialer fails")
		}
	})

	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		m, err := modem.New(context.Background(), modem.Config{})
		if !errors.Is(err, modem.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer from New(), got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when no dialer provided")
		}
	})

	t.Run("ErrNotInitialized on nil transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, nil)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		_, err = modem.New(context.Background(), config)
		if !errors.Is(err, modem.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized from New(), got: %v", err)
		}
	})
}

func TestModemClose(t *testing.T) {
	t.Run("Closes underlying transport successfully", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(
			mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			mockTransport.EXPECT().Close().Return(nil),
		)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}

		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Returns transport error on close failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		closeError := errors.New("transport close failed")
		gomock.InOrder(
			mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			mockTransport.EXPECT().Close().Return(closeError),
		)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}

		if err := m.Close(); err != closeError {
			t.Errorf("expected close error, got: %v", err)
		}
	})

	t.Run("ErrAlreadyClosed on second close", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m, _ := newTestModem(t, tt)

		if err := m.Close(); err != nil {
			t.Fatalf("unexpected error from Close(): %v", err)
		}
		if err := m.Close(); !errors.Is(err, modem.ErrAlreadyClosed) {
			t.Errorf("expected ErrAlreadyClosed, got: %v", err)
		}
	})

	t.Run("Operations fail after close", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m, _ := newAwakeModem(t, tt)

		if err := m.Close(); err != nil {
			t.Fatalf("unexpected error from Close(): %v", err)
		}
		if _, err := m.CheckMailbox(context.Background()); !errors.Is(err, modem.ErrAlreadyClosed) {
			t.Errorf("expected ErrAlreadyClosed from CheckMailbox(), got: %v", err)
		}
		if got := len(tt.Writes()); got != handshakeWrites {
			t.Errorf("expected no writes after close, got %d total", got)
		}
	})
}

func TestModemBegin(t *testing.T) {
	t.Run("Runs startup handshake in order", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			initMockCalls(mockTransport),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithClock(modem.NewFakeClock(testEpoch)).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}

		if err := m.Begin(context.Background()); err != nil {
			t.Fatalf("unexpected error from Begin(): %v", err)
		}
		if m.State() != modem.StateAwake {
			t.Errorf("expected modem to be awake, got %s", m.State())
		}
	})

	t.Run("ErrAlreadyAwake without touching the transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			initMockCalls(mockTransport),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithClock(modem.NewFakeClock(testEpoch)).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}
		if err := m.Begin(context.Background()); err != nil {
			t.Fatalf("unexpected error from Begin(): %v", err)
		}

		// Any further Write or Read fails the mock.
		if err := m.Begin(context.Background()); !errors.Is(err, modem.ErrAlreadyAwake) {
			t.Errorf("expected ErrAlreadyAwake, got: %v", err)
		}
	})

	t.Run("Init command ERROR fails with modem error and powers off", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)

		gomock.InOrder(slices.Concat(
			[]any{
				mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil),
			},
			NewMockSequence(mockTransport).
				AT().
				EchoOn().
				IgnoreDTR().
				FlowControlError().
				Build(),
		)...)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			WithClock(modem.NewFakeClock(testEpoch)).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}

		err = m.Begin(context.Background())
		if !modem.IsReason(err, modem.ReasonModemError) {
			t.Errorf("expected modem error, got: %v", err)
		}
		if m.State() != modem.StateAsleep {
			t.Errorf("expected modem to be asleep after failed Begin, got %s", m.State())
		}
	})

	t.Run("Retries unanswered AT attempts", func(t *testing.T) {
		tt := modem.NewTestTransport().
			Expect("AT\r", "").
			Expect("AT\r", "")
		startupScript(tt)
		m, clock := newTestModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithATTimeout(time.Second)
		})

		if err := m.Begin(context.Background()); err != nil {
			t.Fatalf("unexpected error from Begin(): %v", err)
		}
		if got := clock.Now().Sub(testEpoch); got < 2*time.Second {
			t.Errorf("expected two AT timeouts to elapse, only %s passed", got)
		}
		want := []string{"AT\r", "AT\r", "AT\r", "ATE1\r", "AT&D0\r", "AT&K0\r"}
		if got := tt.Writes(); !slices.Equal(got, want) {
			t.Errorf("expected writes %q, got %q", want, got)
		}
	})

	t.Run("ErrNoModemDetected after startup timeout", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m, clock := newTestModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithATTimeout(time.Second).WithStartupTimeout(10 * time.Second)
		})

		err := m.Begin(context.Background())
		if !errors.Is(err, modem.ErrNoModemDetected) {
			t.Errorf("expected ErrNoModemDetected, got: %v", err)
		}
		if m.State() != modem.StateAsleep {
			t.Errorf("expected modem to be asleep, got %s", m.State())
		}
		if elapsed := clock.Now().Sub(testEpoch); elapsed < 10*time.Second {
			t.Errorf("gave up after %s, before the startup timeout", elapsed)
		}
		for _, w := range tt.Writes() {
			if w != "AT\r" {
				t.Errorf("expected only AT attempts, got %q", w)
			}
		}
	})

	t.Run("Last AT attempt is cut short at the startup timeout", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m, clock := newTestModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithATTimeout(20 * time.Second).WithStartupTimeout(30 * time.Second)
		})

		err := m.Begin(context.Background())
		if !errors.Is(err, modem.ErrNoModemDetected) {
			t.Fatalf("expected ErrNoModemDetected, got: %v", err)
		}

		// 500ms settle, then the AT loop
		elapsed := clock.Now().Sub(testEpoch) - 500*time.Millisecond
		if elapsed < 30*time.Second {
			t.Errorf("gave up after %s, before the startup timeout", elapsed)
		}
		if elapsed >= 30*time.Second+2*modem.DefaultPollInterval {
			t.Errorf("probing ran %s, past the startup timeout", elapsed)
		}
		if got := len(tt.Writes()); got != 2 {
			t.Errorf("expected 2 AT attempts, got %d", got)
		}
	})

	t.Run("Init command timeout reports the command", func(t *testing.T) {
		tt := modem.NewTestTransport().
			Expect("AT\r", "AT\r\r\nOK\r\n").
			Expect("ATE1\r", "ATE1\r\r\nOK\r\n")
		m, _ := newTestModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithATTimeout(time.Second)
		})

		err := m.Begin(context.Background())
		if !modem.IsReason(err, modem.ReasonNoResponse) {
			t.Errorf("expected no response reason, got: %v", err)
		}
		if !errors.Is(err, modem.ErrTimeout) {
			t.Errorf("expected ErrTimeout in chain, got: %v", err)
		}
	})

	t.Run("Cancelled context stops Begin before any write", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m, _ := newTestModem(t, tt)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := m.Begin(ctx)
		if !errors.Is(err, modem.ErrCancelled) {
			t.Errorf("expected ErrCancelled, got: %v", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled in chain, got: %v", err)
		}
		if got := tt.Writes(); len(got) != 0 {
			t.Errorf("expected no writes, got %q", got)
		}
		if m.State() != modem.StateAsleep {
			t.Errorf("expected modem to be asleep, got %s", m.State())
		}
	})

	t.Run("Begin can be retried after failure", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m, _ := newTestModem(t, tt, func(b *modem.ConfigBuilder) {
			b.WithATTimeout(time.Second).WithStartupTimeout(3 * time.Second)
		})

		if err := m.Begin(context.Background()); !errors.Is(err, modem.ErrNoModemDetected) {
			t.Fatalf("expected ErrNoModemDetected, got: %v", err)
		}

		startupScript(tt)
		if err := m.Begin(context.Background()); err != nil {
			t.Errorf("unexpected error from second Begin(): %v", err)
		}
	})
}

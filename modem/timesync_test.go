package modem_test

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"i4.energy/across/sbdgw/modem"
)

func TestTicksToSeconds(t *testing.T) {
	check := func(ticks uint32) {
		t.Helper()
		want := uint64(ticks) * 90 / 1000
		if got := modem.TicksToSeconds(ticks); uint64(got) != want {
			t.Errorf("TicksToSeconds(%d) = %d, want %d", ticks, got, want)
		}
	}

	for _, ticks := range []uint32{0, 1, 11, 12, 999, 1000, 1001, 0x4F88A000, math.MaxUint32} {
		check(ticks)
	}

	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 1000; i++ {
		check(rng.Uint32())
	}
}

func TestSystemTime(t *testing.T) {
	t.Run("Converts ticks", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m, _ := newAwakeModem(t, tt)
		tt.Expect("AT-MSSTM\r", "AT-MSSTM\r\r\n-MSSTM: 4f88a000\r\n\r\nOK\r\n")

		got, err := m.SystemTime(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := modem.IridiumEpoch.Add(120091852 * time.Second)
		if !got.Equal(want) {
			t.Errorf("expected %s, got %s", want, got)
		}
	})

	t.Run("Upper case hex", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m, _ := newAwakeModem(t, tt)
		tt.Expect("AT-MSSTM\r", "AT-MSSTM\r\r\n-MSSTM: 000003E8\r\n\r\nOK\r\n")

		got, err := m.SystemTime(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := modem.IridiumEpoch.Add(90 * time.Second); !got.Equal(want) {
			t.Errorf("expected %s, got %s", want, got)
		}
	})

	t.Run("ErrNoNetwork before time fix", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m, _ := newAwakeModem(t, tt)
		tt.Expect("AT-MSSTM\r", "AT-MSSTM\r\r\n-MSSTM: no network service\r\n\r\nOK\r\n")

		if _, err := m.SystemTime(context.Background()); !errors.Is(err, modem.ErrNoNetwork) {
			t.Errorf("expected ErrNoNetwork, got: %v", err)
		}
	})

	t.Run("Value wider than 32 bits", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m, _ := newAwakeModem(t, tt)
		tt.Expect("AT-MSSTM\r", "AT-MSSTM\r\r\n-MSSTM: 1ffffffff\r\n\r\nOK\r\n")

		if _, err := m.SystemTime(context.Background()); !modem.IsReason(err, modem.ReasonMalformed) {
			t.Errorf("expected malformed, got: %v", err)
		}
	})
}

package modem

import "time"

// Clock is the time source of a Modem. Every wait the driver performs is a
// loop over Now and short Sleeps, so a fake Clock makes timeouts and power
// sequencing deterministic in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns the wall/monotonic clock of the running process.
func SystemClock() Clock { return systemClock{} }

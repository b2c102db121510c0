package modem

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// TestTransport is a test helper that plays the modem side of a scripted
// conversation. Every write is matched against the next scripted exchange;
// on a match the exchange's reply becomes readable. Reads never block: with
// nothing queued they return (0, nil), like a serial port whose read
// timeout elapsed.
type TestTransport struct {
	mu     sync.Mutex
	script []exchange
	rx     []byte
	writes [][]byte
	closed bool

	// ReadErr is returned by Read once the queued bytes are drained.
	ReadErr error
	// WriteErr fails every Write.
	WriteErr error
	// OnRead runs before every Read.
	OnRead func()
	// ChunkSize limits how many bytes one Read returns; 0 means no limit.
	ChunkSize int
}

type exchange struct {
	match func([]byte) bool
	reply func([]byte) string
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{}
}

// Expect scripts reply as the answer to a write of exactly cmd.
func (t *TestTransport) Expect(cmd, reply string) *TestTransport {
	return t.ExpectFunc(
		func(p []byte) bool { return string(p) == cmd },
		func([]byte) string { return reply },
	)
}

// ExpectFunc scripts an answer computed from the write accepted by match.
func (t *TestTransport) ExpectFunc(match func([]byte) bool, reply func([]byte) string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.script = append(t.script, exchange{match: match, reply: reply})
	return t
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	if t.WriteErr != nil {
		return 0, t.WriteErr
	}

	t.writes = append(t.writes, bytes.Clone(p))
	if len(t.script) > 0 && t.script[0].match(p) {
		t.rx = append(t.rx, t.script[0].reply(p)...)
		t.script = t.script[1:]
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	if t.OnRead != nil {
		t.OnRead()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.EOF
	}
	if len(t.rx) == 0 {
		return 0, t.ReadErr
	}

	limit := len(p)
	if t.ChunkSize > 0 && t.ChunkSize < limit {
		limit = t.ChunkSize
	}
	n = copy(p[:limit], t.rx)
	t.rx = t.rx[n:]
	return n, nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// SendData queues data to be read by the transport.
// This simulates the modem sending bytes on its own.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx = append(t.rx, data...)
}

// Writes returns everything written so far, one entry per Write call.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.writes))
	for i, w := range t.writes {
		out[i] = string(w)
	}
	return out
}

// Remaining returns the number of scripted exchanges not yet consumed.
func (t *TestTransport) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.script)
}

// FakeClock is a Clock whose time only moves when Sleep or Advance is
// called.
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

// NewFakeClock returns a FakeClock set to start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the clock by d without blocking.
func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
}

// Advance moves the clock forward as if time passed outside any Sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Slept returns the total duration passed to Sleep.
func (c *FakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

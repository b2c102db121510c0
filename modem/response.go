package modem

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"i4.energy/across/sbdgw/at"
)

// Expect describes the response of a single command.
type Expect struct {
	// Prompt, when set, marks the start of a field: the bytes after it up
	// to the next line break are captured into Response.Field.
	Prompt string
	// Terminator is the byte sequence that completes the response.
	Terminator string
	// Timeout bounds the whole wait, measured on the session clock.
	Timeout time.Duration
	// Capacity bounds the captured bytes. Overflow sets Response.Truncated.
	Capacity int
	// Collect captures every received byte instead of a prompt field.
	Collect bool
}

// Response holds what a successful wait captured.
type Response struct {
	Field      []byte
	PromptSeen bool
	Truncated  bool
}

const (
	readChunk    = 64
	maxLineTrack = 80
)

// waitForResponse consumes transport bytes until exp.Terminator has been
// seen. It fails with ErrTimeout once exp.Timeout has elapsed, with
// ErrCancelled when ctx is done, and with a ProtocolError when the modem
// answers ERROR or the transport fails. It never retries.
//
// ctx is checked after every read, before the bytes are looked at, so a
// cancelled wait never reports success.
//
// A terminator counts only at the start of a line, unless it begins with a
// line break itself, and never on the line holding the prompt field: a
// message text that ends in or equals "OK" or "ERROR" is data.
//
// Bytes that arrive after the terminator are kept for the next read.
func (m *Modem) waitForResponse(ctx context.Context, exp Expect) (Response, error) {
	var (
		resp       Response
		prompt     = []byte(exp.Prompt)
		terminator = []byte(exp.Terminator)
		window     = newMatchWindow(max(len(prompt), len(terminator)))
		line       = make([]byte, 0, maxLineTrack)
		capturing  bool
		fieldLine  bool
		pos        int
		lineStart  int
		buf        = make([]byte, readChunk)
	)
	anywhere := len(terminator) > 0 && (terminator[0] == '\r' || terminator[0] == '\n')

	start := m.clock.Now()
	for {
		n, err := m.read(buf)
		if cerr := ctx.Err(); cerr != nil {
			m.unread(buf[:n])
			return resp, cancelled(cerr)
		}

		for i, b := range buf[:n] {
			switch {
			case exp.Collect:
				resp.capture(b, exp.Capacity)
			case capturing && (b == '\r' || b == '\n'):
				capturing = false
			case capturing:
				resp.capture(b, exp.Capacity)
			}

			window.push(b)
			if len(prompt) > 0 && !resp.PromptSeen && window.hasSuffix(prompt) {
				resp.PromptSeen = true
				capturing = true
				fieldLine = true
			}
			if !fieldLine && window.hasSuffix(terminator) && (anywhere || pos+1-len(terminator) == lineStart) {
				m.unread(buf[i+1 : n])
				return resp, nil
			}

			if b == '\n' {
				if !fieldLine && string(bytes.TrimSpace(line)) == at.ERROR {
					m.unread(buf[i+1 : n])
					return resp, protocolError(ReasonModemError, "modem answered %s", at.ERROR)
				}
				if !capturing {
					fieldLine = false
				}
				line = line[:0]
				lineStart = pos + 1
			} else if len(line) < maxLineTrack {
				line = append(line, b)
			}
			pos++
		}
		if err != nil {
			return resp, &ProtocolError{Reason: ReasonTransport, Err: err}
		}

		if elapsed := m.clock.Now().Sub(start); elapsed >= exp.Timeout {
			return resp, fmt.Errorf("%w after %s waiting for %q", ErrTimeout, elapsed, exp.Terminator)
		}
		if n == 0 {
			m.clock.Sleep(m.config.pollInterval)
		}
	}
}

// readFull reads exactly len(p) raw bytes, for binary payloads that cannot
// go through terminator matching.
func (m *Modem) readFull(ctx context.Context, p []byte, timeout time.Duration) error {
	start := m.clock.Now()
	for got := 0; got < len(p); {
		n, err := m.read(p[got:])
		if cerr := ctx.Err(); cerr != nil {
			return cancelled(cerr)
		}
		got += n
		if got == len(p) {
			return nil
		}
		if err != nil {
			return &ProtocolError{Reason: ReasonTransport, Err: err}
		}

		if elapsed := m.clock.Now().Sub(start); elapsed >= timeout {
			return fmt.Errorf("%w after %s reading %d of %d bytes", ErrTimeout, elapsed, got, len(p))
		}
		if n == 0 {
			m.clock.Sleep(m.config.pollInterval)
		}
	}
	return nil
}

// read serves bytes left over by the previous response before touching
// the transport.
func (m *Modem) read(p []byte) (int, error) {
	if len(m.pending) > 0 {
		n := copy(p, m.pending)
		m.pending = m.pending[n:]
		return n, nil
	}
	return m.transport.Read(p)
}

func (m *Modem) unread(p []byte) {
	if len(p) == 0 {
		return
	}
	m.pending = append(bytes.Clone(p), m.pending...)
}

func (r *Response) capture(b byte, capacity int) {
	if len(r.Field) < capacity {
		r.Field = append(r.Field, b)
		return
	}
	r.Truncated = true
}

// matchWindow keeps the last few received bytes for suffix matching.
type matchWindow struct {
	buf  []byte
	size int
}

func newMatchWindow(size int) *matchWindow {
	return &matchWindow{buf: make([]byte, 0, size), size: size}
}

func (w *matchWindow) push(b byte) {
	if w.size == 0 {
		return
	}
	if len(w.buf) == w.size {
		copy(w.buf, w.buf[1:])
		w.buf = w.buf[:w.size-1]
	}
	w.buf = append(w.buf, b)
}

func (w *matchWindow) hasSuffix(s []byte) bool {
	return len(s) > 0 && bytes.HasSuffix(w.buf, s)
}

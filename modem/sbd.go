package modem

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/sbdgw/at"
)

const (
	// MaxTextLength is the longest message AT+SBDWT accepts.
	MaxTextLength = 120
	// MaxBinaryLength is the largest mobile originated binary message.
	MaxBinaryLength = 340
	// MaxMTLength is the largest mobile terminated message.
	MaxMTLength = 270

	statusCapacity  = 32
	sessionCapacity = 64
)

// Checksum is the SBD checksum of p: the low 16 bits of the sum of its bytes.
func Checksum(p []byte) uint16 {
	var sum uint16
	for _, b := range p {
		sum += uint16(b)
	}
	return sum
}

// AppendChecksum appends the big-endian checksum of p to p.
func AppendChecksum(p []byte) []byte {
	return binary.BigEndian.AppendUint16(p, Checksum(p))
}

// SplitChecksum separates a payload from its trailing big-endian checksum
// and verifies it.
func SplitChecksum(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, protocolError(ReasonLengthMismatch, "frame of %d bytes has no checksum", len(frame))
	}
	payload := frame[:len(frame)-2]
	want := binary.BigEndian.Uint16(frame[len(frame)-2:])
	if got := Checksum(payload); got != want {
		return nil, protocolError(ReasonChecksumMismatch, "computed %#04x, received %#04x", got, want)
	}
	return payload, nil
}

// MailboxStatus is the outcome of an SBD session (AT+SBDIX).
type MailboxStatus struct {
	// MOStatus is the mobile originated transfer status; 0-4 mean success.
	MOStatus int `json:"mo_status"`
	// MOMSN is the mobile originated message sequence number.
	MOMSN int `json:"momsn"`
	// MTStatus is 0 when no message was waiting, 1 when one was received
	// and 2 when the mailbox check failed.
	MTStatus int `json:"mt_status"`
	// MTMSN is the mobile terminated message sequence number.
	MTMSN int `json:"mtmsn"`
	// MTLength is the size in bytes of the received message.
	MTLength int `json:"mt_length"`
	// MTQueued is the number of messages still waiting at the gateway.
	MTQueued int `json:"mt_queued"`
}

// MOSuccess reports whether the outgoing message was delivered.
func (s MailboxStatus) MOSuccess() bool {
	return s.MOStatus >= 0 && s.MOStatus <= 4
}

// MTReceived reports whether the session brought in a message.
func (s MailboxStatus) MTReceived() bool {
	return s.MTStatus == 1
}

// ParseMailboxStatus decodes the comma separated field of a +SBDIX response:
// MO status, MOMSN, MT status, MTMSN, MT length, MT queued.
func ParseMailboxStatus(field string) (MailboxStatus, error) {
	parts := strings.Split(strings.TrimSpace(field), ",")
	if len(parts) != 6 {
		return MailboxStatus{}, protocolError(ReasonMalformed, "expected 6 session fields, got %d in %q", len(parts), field)
	}

	var values [6]int
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return MailboxStatus{}, &ProtocolError{Reason: ReasonMalformed, Detail: fmt.Sprintf("session field %d", i+1), Err: err}
		}
		values[i] = v
	}

	return MailboxStatus{
		MOStatus: values[0],
		MOMSN:    values[1],
		MTStatus: values[2],
		MTMSN:    values[3],
		MTLength: values[4],
		MTQueued: values[5],
	}, nil
}

// SendText writes a text message into the mobile originated buffer.
func (m *Modem) SendText(ctx context.Context, message string) error {
	if len(message) > MaxTextLength {
		return protocolError(ReasonMessageTooLong, "%d bytes, limit %d", len(message), MaxTextLength)
	}
	if strings.ContainsAny(message, "\r\n\x00") {
		return protocolError(ReasonMalformed, "text message contains CR, LF or NUL")
	}

	if _, err := m.exec(ctx, at.CmdWriteText+message, m.expectOK()); err != nil {
		return fmt.Errorf("write text message: %w", err)
	}
	return nil
}

// SendBinary writes a binary message into the mobile originated buffer:
// AT+SBDWB=<length>, wait for READY, send the payload and its checksum,
// then decode the status the modem reports.
//
// If ctx is cancelled while the payload is in flight, the modem is left
// waiting for the rest of it.
func (m *Modem) SendBinary(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return protocolError(ReasonMessageEmpty, "binary message has no bytes")
	}
	if len(payload) > MaxBinaryLength {
		return protocolError(ReasonMessageTooLong, "%d bytes, limit %d", len(payload), MaxBinaryLength)
	}

	cmd := at.CmdWriteBinary + strconv.Itoa(len(payload))
	ready := Expect{Terminator: at.PromptReady, Timeout: m.config.atTimeout}
	if _, err := m.exec(ctx, cmd, ready); err != nil {
		return fmt.Errorf("start binary upload: %w", err)
	}

	if err := m.sendCommand(ctx, AppendChecksum(bytes.Clone(payload))); err != nil {
		return fmt.Errorf("send binary payload: %w", err)
	}

	resp, err := m.waitForResponse(ctx, Expect{
		Terminator: at.TermStatus,
		Timeout:    m.config.atTimeout,
		Capacity:   statusCapacity,
		Collect:    true,
	})
	if err != nil {
		return fmt.Errorf("binary upload status: %w", err)
	}

	return m.writeStatus(resp.Field)
}

// writeStatus maps the status code of a binary upload to an error.
func (m *Modem) writeStatus(field []byte) error {
	code, err := statusCode(field)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	if reason, ok := m.config.writeStatusTable[code]; ok {
		return protocolError(reason, "binary upload status %d", code)
	}
	return protocolError(ReasonUnexpectedStatus, "binary upload status %d", code)
}

// statusCode finds the numeric status line in a collected response,
// skipping the command echo, final result codes and ring alerts.
func statusCode(field []byte) (int, error) {
	for _, line := range at.Lines(field) {
		if strings.HasPrefix(line, at.CmdAt) || at.Classify(line) != at.TypeData {
			continue
		}
		code, err := strconv.Atoi(line)
		if err != nil {
			return 0, &ProtocolError{Reason: ReasonMalformed, Detail: "status line", Err: err}
		}
		return code, nil
	}
	return 0, protocolError(ReasonMalformed, "no status line in %q", field)
}

// CheckMailbox runs an SBD session (AT+SBDIX): the mobile originated buffer,
// if any, is sent and a waiting mobile terminated message is fetched into
// the modem.
func (m *Modem) CheckMailbox(ctx context.Context) (MailboxStatus, error) {
	resp, err := m.exec(ctx, at.CmdSession, Expect{
		Prompt:     at.PromptSession,
		Terminator: at.TermOK,
		Timeout:    m.config.sessionTimeout,
		Capacity:   sessionCapacity,
	})
	if err != nil {
		return MailboxStatus{}, fmt.Errorf("SBD session: %w", err)
	}
	if !resp.PromptSeen {
		return MailboxStatus{}, protocolError(ReasonMalformed, "no %s field", strings.TrimSpace(at.PromptSession))
	}
	if resp.Truncated {
		return MailboxStatus{}, protocolError(ReasonTruncated, "session field longer than %d bytes", sessionCapacity)
	}

	status, err := ParseMailboxStatus(string(resp.Field))
	if err != nil {
		return MailboxStatus{}, err
	}
	m.logger.Debug("SBD session complete",
		"mo_status", status.MOStatus, "mt_status", status.MTStatus, "mt_queued", status.MTQueued)
	return status, nil
}

// ReceiveText reads the mobile terminated buffer as text (AT+SBDRT). A
// message longer than MaxMTLength is returned cut short together with a
// ReasonTruncated error.
func (m *Modem) ReceiveText(ctx context.Context) (string, error) {
	resp, err := m.exec(ctx, at.CmdReadText, Expect{
		Prompt:     at.PromptReadText,
		Terminator: at.TermOK,
		Timeout:    m.config.atTimeout,
		Capacity:   MaxMTLength,
	})
	if err != nil {
		return "", fmt.Errorf("read text message: %w", err)
	}
	if !resp.PromptSeen {
		return "", protocolError(ReasonMalformed, "no +SBDRT field")
	}
	if resp.Truncated {
		return string(resp.Field), protocolError(ReasonTruncated, "text message longer than %d bytes", MaxMTLength)
	}
	return string(resp.Field), nil
}

// ReceiveBinary reads the mobile terminated buffer as binary (AT+SBDRB):
// after the command echo the modem sends a big-endian length, the payload
// and its checksum.
func (m *Modem) ReceiveBinary(ctx context.Context) ([]byte, error) {
	echo := Expect{Terminator: at.CmdReadBinary + at.CR, Timeout: m.config.atTimeout}
	if _, err := m.exec(ctx, at.CmdReadBinary, echo); err != nil {
		return nil, fmt.Errorf("read binary message: %w", err)
	}

	var header [2]byte
	if err := m.readFull(ctx, header[:], m.config.atTimeout); err != nil {
		return nil, fmt.Errorf("read binary length: %w", err)
	}
	size := int(binary.BigEndian.Uint16(header[:]))
	if size > MaxMTLength {
		lerr := protocolError(ReasonLengthMismatch, "declared %d bytes, limit %d", size, MaxMTLength)
		if err := m.discardResponse(ctx, size+2); err != nil {
			m.logger.Warn("Failed to drain oversized binary message", "size", size, "error", err)
		}
		return nil, lerr
	}

	frame := make([]byte, size+2)
	if err := m.readFull(ctx, frame, m.config.atTimeout); err != nil {
		return nil, fmt.Errorf("read binary payload: %w", err)
	}
	if _, err := m.waitForResponse(ctx, m.expectOK()); err != nil {
		return nil, fmt.Errorf("read binary message: %w", err)
	}

	return SplitChecksum(frame)
}

// discardResponse skips n raw bytes and the final OK so the next command
// starts on a clean line.
func (m *Modem) discardResponse(ctx context.Context, n int) error {
	if err := m.readFull(ctx, make([]byte, n), m.config.atTimeout); err != nil {
		return err
	}
	_, err := m.waitForResponse(ctx, m.expectOK())
	return err
}

// Buffer selects SBD buffers for ClearBuffers.
type Buffer int

const (
	BufferMO Buffer = iota
	BufferMT
	BufferBoth
)

// ClearBuffers empties the mobile originated buffer, the mobile terminated
// buffer or both (AT+SBDD).
func (m *Modem) ClearBuffers(ctx context.Context, which Buffer) error {
	if which < BufferMO || which > BufferBoth {
		return fmt.Errorf("unknown SBD buffer %d", which)
	}

	resp, err := m.exec(ctx, at.CmdClearBuffers+strconv.Itoa(int(which)), Expect{
		Terminator: at.TermStatus,
		Timeout:    m.config.atTimeout,
		Capacity:   statusCapacity,
		Collect:    true,
	})
	if err != nil {
		return fmt.Errorf("clear buffers: %w", err)
	}

	code, err := statusCode(resp.Field)
	if err != nil {
		return err
	}
	if code != 0 {
		return protocolError(ReasonUnexpectedStatus, "clear buffers status %d", code)
	}
	return nil
}

// Exchange is the result of a combined send and receive.
type Exchange struct {
	Status MailboxStatus `json:"status"`
	// MT is the received message, nil when none arrived.
	MT []byte `json:"mt,omitempty"`
}

// SendReceiveText sends message (if not empty), runs an SBD session and
// reads back a mobile terminated message when one arrived.
func (m *Modem) SendReceiveText(ctx context.Context, message string) (Exchange, error) {
	return m.sendReceive(ctx, message == "",
		func() error { return m.SendText(ctx, message) },
		func() ([]byte, error) {
			text, err := m.ReceiveText(ctx)
			return []byte(text), err
		})
}

// SendReceiveBinary sends payload (if not empty), runs an SBD session and
// reads back a mobile terminated message when one arrived.
func (m *Modem) SendReceiveBinary(ctx context.Context, payload []byte) (Exchange, error) {
	return m.sendReceive(ctx, len(payload) == 0,
		func() error { return m.SendBinary(ctx, payload) },
		func() ([]byte, error) { return m.ReceiveBinary(ctx) })
}

func (m *Modem) sendReceive(ctx context.Context, empty bool, send func() error, receive func() ([]byte, error)) (Exchange, error) {
	var err error
	if empty {
		err = m.ClearBuffers(ctx, BufferMO)
	} else {
		err = send()
	}
	if err != nil {
		return Exchange{}, err
	}

	status, err := m.CheckMailbox(ctx)
	if err != nil {
		return Exchange{}, err
	}
	exchange := Exchange{Status: status}

	if !empty && !status.MOSuccess() {
		return exchange, protocolError(ReasonUnexpectedStatus, "MO status %d", status.MOStatus)
	}
	if !status.MTReceived() {
		return exchange, nil
	}

	exchange.MT, err = receive()
	return exchange, err
}

package modem

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"i4.energy/across/sbdgw/at"
)

// IridiumEpoch is the origin of the current Iridium system time era.
var IridiumEpoch = time.Date(2014, time.May, 11, 14, 23, 55, 0, time.UTC)

// TickDuration is the length of one Iridium system time tick.
const TickDuration = 90 * time.Millisecond

const msstmCapacity = 24

// TicksToSeconds converts a tick count to whole seconds without widening:
// whole thousands of ticks are scaled first, then the small remainder, so
// no intermediate value exceeds 32 bits.
func TicksToSeconds(ticks uint32) uint32 {
	secs := (ticks / 1000) * 90
	small := ticks - (secs/90)*1000
	return secs + small*90/1000
}

// SystemTime asks the modem for Iridium system time (AT-MSSTM) and
// converts it to UTC. ErrNoNetwork means the modem has not received the
// time from the constellation yet.
func (m *Modem) SystemTime(ctx context.Context) (time.Time, error) {
	resp, err := m.exec(ctx, at.CmdSystemTime, Expect{
		Prompt:     at.PromptSystemTime,
		Terminator: at.TermOK,
		Timeout:    m.config.atTimeout,
		Capacity:   msstmCapacity,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("system time: %w", err)
	}
	if !resp.PromptSeen {
		return time.Time{}, protocolError(ReasonMalformed, "no -MSSTM field")
	}

	ticks, err := parseTicks(resp.Field)
	if err != nil {
		return time.Time{}, err
	}
	return IridiumEpoch.Add(time.Duration(TicksToSeconds(ticks)) * time.Second), nil
}

// parseTicks decodes the leading hex digits of the -MSSTM field. The modem
// answers "no network service" instead of a number until it has a fix.
func parseTicks(field []byte) (uint32, error) {
	end := 0
	for end < len(field) && isHexDigit(field[end]) {
		end++
	}
	if end == 0 {
		return 0, ErrNoNetwork
	}

	ticks, err := strconv.ParseUint(string(field[:end]), 16, 32)
	if err != nil {
		return 0, &ProtocolError{Reason: ReasonMalformed, Detail: "system time ticks", Err: err}
	}
	return uint32(ticks), nil
}

func isHexDigit(b byte) bool {
	return '0' <= b && b <= '9' || 'a' <= b && b <= 'f' || 'A' <= b && b <= 'F'
}

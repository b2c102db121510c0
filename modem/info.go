package modem

import (
	"context"
	"fmt"

	"i4.energy/across/sbdgw/at"
)

// SignalDescriptions maps CSQ values to human descriptions.
var SignalDescriptions = map[int]string{
	0: "No signal",
	1: "Poor (~-110 dBm, minimum for TX)",
	2: "Fair (~-108 dBm)",
	3: "Good (~-106 dBm)",
	4: "Very good (~-104 dBm)",
	5: "Excellent (~-102 dBm)",
}

// SignalQuality returns the signal strength in bars, 0 to 5 (AT+CSQ).
// It fails with ErrIsAsleep without sending anything when the modem is
// not awake.
func (m *Modem) SignalQuality(ctx context.Context) (int, error) {
	if m.State() != StateAwake {
		return 0, ErrIsAsleep
	}

	resp, err := m.exec(ctx, at.CmdSignalQuality, Expect{
		Prompt:     at.PromptSignalQuality,
		Terminator: at.TermOK,
		Timeout:    m.config.atTimeout,
		Capacity:   2,
	})
	if err != nil {
		return 0, fmt.Errorf("signal quality: %w", err)
	}

	if !resp.PromptSeen || len(resp.Field) == 0 || !isDigit(resp.Field[0]) {
		return 0, protocolError(ReasonMalformed, "signal quality field %q", resp.Field)
	}
	quality := int(resp.Field[0] - '0')
	if quality > 5 {
		return 0, protocolError(ReasonMalformed, "signal quality %d out of range", quality)
	}
	return quality, nil
}

// IMEI returns the 15 digit serial number of the transceiver (AT+CGSN).
func (m *Modem) IMEI(ctx context.Context) (string, error) {
	resp, err := m.exec(ctx, at.CmdSerialNumber, Expect{
		Terminator: at.TermOK,
		Timeout:    m.config.atTimeout,
		Capacity:   64,
		Collect:    true,
	})
	if err != nil {
		return "", fmt.Errorf("serial number: %w", err)
	}

	for _, line := range at.Lines(resp.Field) {
		if len(line) == 15 && isNumeric(line) {
			return line, nil
		}
	}
	return "", protocolError(ReasonMalformed, "no IMEI in %q", resp.Field)
}

func isDigit(b byte) bool {
	return '0' <= b && b <= '9'
}

// isNumeric returns true if all characters in s are digits.
func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return len(s) > 0
}

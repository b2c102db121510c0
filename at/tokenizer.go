package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing Iridium modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// Lines are split on CRLF. A lone CR also ends a token, because with echo
// enabled (ATE1) the modem repeats the command terminated only by CR before
// the CRLF framed response.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexByte(data, '\r'); i >= 0 {
		// Need one more byte to tell CRLF from a bare CR.
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + len(CRLF), data[0:i], nil
			}
			return i + len(CR), data[0:i], nil
		}
		if atEOF {
			return len(data), data[0:i], nil
		}
		return 0, nil, nil
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of the modem output
func Classify(line string) ResponseType {
	line = strings.TrimSpace(line)

	switch line {
	case OK, ERROR:
		return TypeFinal
	case Ready:
		return TypePrompt
	case UrcRingAlert:
		return TypeURC
	}
	return TypeData
}

// Lines splits a captured response into its non-empty lines.
func Lines(resp []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(resp))
	scanner.Split(Splitter)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

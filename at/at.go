package at

const (
	// Terminal Control
	CR   = "\r"
	CRLF = "\r\n"

	// Response Codes
	OK    = "OK"
	ERROR = "ERROR"
	Ready = "READY"

	// URCs (Unsolicited Result Codes)
	UrcRingAlert = "SBDRING"
)

// Commands understood by the Iridium 9602/9603 transceivers. Every command
// is terminated with a single CR on the wire.
const (
	CmdAt             = "AT"
	CmdEchoOn         = "ATE1"
	CmdIgnoreDTR      = "AT&D0"
	CmdFlowControlOff = "AT&K0"
	CmdSerialNumber   = "AT+CGSN"
	CmdSignalQuality  = "AT+CSQ"
	CmdSystemTime     = "AT-MSSTM"
	CmdSession        = "AT+SBDIX"
	CmdWriteText      = "AT+SBDWT="
	CmdWriteBinary    = "AT+SBDWB="
	CmdReadText       = "AT+SBDRT"
	CmdReadBinary     = "AT+SBDRB"
	CmdClearBuffers   = "AT+SBDD"
)

// Prompts mark the start of the data field inside a response.
const (
	PromptSignalQuality = "+CSQ:"
	PromptSystemTime    = "-MSSTM: "
	PromptSession       = "+SBDIX:"
	PromptReadText      = "+SBDRT:\r\n"
	PromptReady         = Ready + CRLF
)

// Terminators mark the end of a complete response.
const (
	TermOK     = OK + CRLF
	TermStatus = CRLF + OK + CRLF
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ:5, echo, status digits)
	TypePrompt                     // READY for binary upload
)

// String returns a human-readable name of the response type.
func (t ResponseType) String() string {
	switch t {
	case TypeFinal:
		return "final"
	case TypeURC:
		return "urc"
	case TypeData:
		return "data"
	case TypePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

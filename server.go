package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"i4.energy/across/sbdgw/modem"
)

// Server handles incoming HTTP requests for interacting with the
// configured modem instance. Requests are served one at a time because a
// modem session handles a single command at once.
type Server struct {
	Logger *slog.Logger
	Modem  *modem.Modem

	mu sync.Mutex
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /begin", s.handleBegin)
	mux.HandleFunc("POST /sleep", s.handleSleep)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("GET /imei", s.handleIMEI)
	mux.HandleFunc("GET /time", s.handleTime)
	mux.HandleFunc("GET /mailbox", s.handleMailbox)
	mux.HandleFunc("POST /sbd/text", s.handleSendText)
	mux.HandleFunc("POST /sbd/binary", s.handleSendBinary)
	mux.HandleFunc("GET /sbd/text", s.handleReceiveText)
	mux.HandleFunc("GET /sbd/binary", s.handleReceiveBinary)
	mux.ServeHTTP(w, r)
}

// Shutdown powers the modem down when possible and releases the port.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Modem.HasSleepPin() && s.Modem.State() == modem.StateAwake {
		if err := s.Modem.Sleep(); err != nil {
			s.Logger.Error("Failed to power off modem", "error", err)
		}
	}

	s.Logger.Info("Closing modem connection")
	if err := s.Modem.Close(); err != nil {
		s.Logger.Error("Failed to close modem", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("Failed to encode response", "error", err)
	}
}

// sendModemError logs a failed modem operation and answers with the
// matching status code.
func (s *Server) sendModemError(w http.ResponseWriter, op string, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("Modem operation failed", "operation", op, "error", err)
	} else {
		s.Logger.Warn("Modem operation rejected", "operation", op, "error", err)
	}
	s.sendError(w, err.Error(), status)
}

// statusCode maps driver errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, modem.ErrIsAsleep),
		errors.Is(err, modem.ErrAlreadyAwake),
		errors.Is(err, modem.ErrAlreadyAsleep):
		return http.StatusConflict
	case errors.Is(err, modem.ErrNoSleepPin):
		return http.StatusNotImplemented
	case errors.Is(err, modem.ErrNoNetwork),
		errors.Is(err, modem.ErrNoModemDetected),
		errors.Is(err, modem.ErrAlreadyClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, modem.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, modem.ErrCancelled):
		return http.StatusRequestTimeout
	case modem.IsReason(err, modem.ReasonMessageTooLong),
		modem.IsReason(err, modem.ReasonMessageEmpty):
		return http.StatusBadRequest
	case errors.Is(err, modem.ErrProtocol), errors.Is(err, modem.ErrIO):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Modem.Begin(r.Context()); err != nil {
		s.sendModemError(w, "begin", err)
		return
	}

	s.Logger.Info("Modem started")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Modem.Sleep(); err != nil {
		s.sendModemError(w, "sleep", err)
		return
	}

	s.Logger.Info("Modem put to sleep")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type StatusResponse struct {
		State    string `json:"state"`
		SleepPin bool   `json:"sleep_pin"`
	}
	s.sendJSON(w, StatusResponse{
		State:    s.Modem.State().String(),
		SleepPin: s.Modem.HasSleepPin(),
	})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bars, err := s.Modem.SignalQuality(r.Context())
	if err != nil {
		s.sendModemError(w, "signal quality", err)
		return
	}

	type SignalResponse struct {
		Bars        int    `json:"bars"`
		Description string `json:"description"`
	}
	s.sendJSON(w, SignalResponse{Bars: bars, Description: modem.SignalDescriptions[bars]})
}

func (s *Server) handleIMEI(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	imei, err := s.Modem.IMEI(r.Context())
	if err != nil {
		s.sendModemError(w, "imei", err)
		return
	}

	type IMEIResponse struct {
		IMEI string `json:"imei"`
	}
	s.sendJSON(w, IMEIResponse{IMEI: imei})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Modem.SystemTime(r.Context())
	if err != nil {
		s.sendModemError(w, "system time", err)
		return
	}

	type TimeResponse struct {
		Time time.Time `json:"time"`
	}
	s.sendJSON(w, TimeResponse{Time: t})
}

func (s *Server) handleMailbox(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.Modem.CheckMailbox(r.Context())
	if err != nil {
		s.sendModemError(w, "check mailbox", err)
		return
	}

	s.Logger.Info("Mailbox checked", "mo_status", status.MOStatus, "mt_status", status.MTStatus, "mt_queued", status.MTQueued)
	s.sendJSON(w, status)
}

// ExchangeResponse is the answer to a send and receive request.
type ExchangeResponse struct {
	Status  modem.MailboxStatus `json:"status"`
	Payload []byte              `json:"payload,omitempty"`
	Message string              `json:"message,omitempty"`
}

// handleSendText processes requests to send a text message and collect
// a waiting reply. An empty message only checks the mailbox.
func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	type TextRequest struct {
		Message string `json:"message"`
	}

	var req TextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exchange, err := s.Modem.SendReceiveText(r.Context(), req.Message)
	if err != nil {
		s.sendModemError(w, "send text", err)
		return
	}

	s.Logger.Info("Text message exchanged", "message_length", len(req.Message), "mt_length", len(exchange.MT))
	s.sendJSON(w, ExchangeResponse{Status: exchange.Status, Message: string(exchange.MT)})
}

// handleSendBinary is handleSendText for a base64 encoded payload.
func (s *Server) handleSendBinary(w http.ResponseWriter, r *http.Request) {
	type BinaryRequest struct {
		Payload []byte `json:"payload"`
	}

	var req BinaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exchange, err := s.Modem.SendReceiveBinary(r.Context(), req.Payload)
	if err != nil {
		s.sendModemError(w, "send binary", err)
		return
	}

	s.Logger.Info("Binary message exchanged", "payload_length", len(req.Payload), "mt_length", len(exchange.MT))
	s.sendJSON(w, ExchangeResponse{Status: exchange.Status, Payload: exchange.MT})
}

func (s *Server) handleReceiveText(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type TextResponse struct {
		Message   string `json:"message"`
		Truncated bool   `json:"truncated,omitempty"`
	}

	text, err := s.Modem.ReceiveText(r.Context())
	switch {
	case modem.IsReason(err, modem.ReasonTruncated):
		s.Logger.Warn("Received text message was truncated", "length", len(text))
		s.sendJSON(w, TextResponse{Message: text, Truncated: true})
	case err != nil:
		s.sendModemError(w, "receive text", err)
	default:
		s.sendJSON(w, TextResponse{Message: text})
	}
}

func (s *Server) handleReceiveBinary(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := s.Modem.ReceiveBinary(r.Context())
	if err != nil {
		s.sendModemError(w, "receive binary", err)
		return
	}

	type BinaryResponse struct {
		Payload []byte `json:"payload"`
	}
	s.sendJSON(w, BinaryResponse{Payload: payload})
}

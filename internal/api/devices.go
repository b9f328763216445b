package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gymcontrol/gymcore/internal/audit"
	"github.com/gymcontrol/gymcore/internal/command"
	"github.com/gymcontrol/gymcore/internal/infrastructure/config"
	"github.com/gymcontrol/gymcore/internal/infrastructure/mqtt"
)

// Device publish settings.
const (
	deviceQoS = 1

	pingAction    = "open_door"
	pingTimeout   = 3 * time.Second
	pingTimeoutMS = 1000
)

// Outcomes written to the audit trail for a command.
const (
	auditOutcomeAcked     = "acked"
	auditOutcomeNoAck     = "not_acknowledged"
	auditOutcomeSent      = "sent"
	auditOutcomeTransport = "transport_error"
)

type commandRequest struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`

	// Timeout is in seconds; 0 sends without waiting. nil uses the default.
	Timeout *float64 `json:"timeout"`
}

// publishRequest is the body of the state and config endpoints.
type publishRequest struct {
	Data   map[string]any `json:"data"`
	Retain *bool          `json:"retain"`
}

type commandResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleDeviceCommand sends an arbitrary action and reports the device ACK.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Action == "" {
		writeValidation(w, "action is required")
		return
	}
	timeout, err := s.commandTimeout(req.Timeout)
	if err != nil {
		writeValidation(w, err.Error())
		return
	}

	s.sendCommand(w, r, command.Command{Action: req.Action, Payload: req.Payload}, timeout)
}

// handleDevicePing opens the door briefly and reports whether the device answered.
func (s *Server) handleDevicePing(w http.ResponseWriter, r *http.Request) {
	cmd := command.Command{
		Action:  pingAction,
		Payload: map[string]any{"timeout_ms": pingTimeoutMS},
	}
	s.sendCommand(w, r, cmd, pingTimeout)
}

func (s *Server) handleDeviceState(w http.ResponseWriter, r *http.Request) {
	s.publishDeviceData(w, r, audit.ActionState, mqtt.Topics{}.State)
}

func (s *Server) handleDeviceConfig(w http.ResponseWriter, r *http.Request) {
	s.publishDeviceData(w, r, audit.ActionConfig, mqtt.Topics{}.Config)
}

// sendCommand runs cmd through the correlator and writes the result.
//
// A timeout and a failed publish both answer {"ok": false}; the latter adds
// the error text. Only a failed ACK subscription is a 502, since then the
// backend cannot tell whether the device would have answered.
func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request, cmd command.Command, timeout time.Duration) {
	if s.commander == nil {
		writeUnavailable(w, "device commands are not available")
		return
	}
	sede, device := chi.URLParam(r, "sede"), chi.URLParam(r, "device")

	ok, err := s.commander.SendAndWaitAck(r.Context(), sede, device, cmd, timeout)

	outcome := auditOutcomeNoAck
	switch {
	case err != nil:
		outcome = auditOutcomeTransport
	case timeout == 0:
		outcome = auditOutcomeSent
	case ok:
		outcome = auditOutcomeAcked
	}
	s.auditLog(r.Context(), audit.ActionCommand, sede, device, map[string]any{
		"command": cmd.Action,
		"timeout": timeout.Seconds(),
		"outcome": outcome,
	})

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, commandResponse{OK: ok})
	case errors.Is(err, command.ErrAckUnavailable):
		s.logger.Warn("ack subscription failed", "sede", sede, "device", device, "error", err)
		writeBadGateway(w, fmt.Sprintf("MQTT error: %v", err))
	case errors.Is(err, command.ErrInvalidTarget), errors.Is(err, command.ErrInvalidAction):
		writeValidation(w, err.Error())
	default:
		s.logger.Warn("device command not sent",
			"sede", sede, "device", device, "action", cmd.Action, "error", err)
		writeJSON(w, http.StatusOK, commandResponse{OK: false, Error: err.Error()})
	}
}

// publishDeviceData publishes a state or config document at QoS 1.
// retain defaults to true so that devices pick it up after a restart.
func (s *Server) publishDeviceData(w http.ResponseWriter, r *http.Request, action string,
	topicFor func(site, device string) (string, error)) {
	if s.mqtt == nil {
		writeUnavailable(w, "MQTT is not configured")
		return
	}

	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Data == nil {
		writeValidation(w, "data is required")
		return
	}
	retain := true
	if req.Retain != nil {
		retain = *req.Retain
	}

	sede, device := chi.URLParam(r, "sede"), chi.URLParam(r, "device")
	topic, err := topicFor(sede, device)
	if err != nil {
		writeValidation(w, err.Error())
		return
	}

	err = s.mqtt.PublishJSON(topic, req.Data, deviceQoS, retain)

	outcome := auditOutcomeSent
	if err != nil {
		outcome = auditOutcomeTransport
	}
	s.auditLog(r.Context(), action, sede, device, map[string]any{
		"topic":   topic,
		"retain":  retain,
		"outcome": outcome,
	})

	if err != nil {
		s.logger.Warn("device publish failed", "topic", topic, "error", err)
		writeBadGateway(w, fmt.Sprintf("No se pudo publicar %s", action))
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{OK: true})
}

// commandTimeout converts the request timeout to a duration inside
// [0, commands.max_timeout].
func (s *Server) commandTimeout(secs *float64) (time.Duration, error) {
	if secs == nil {
		return config.Seconds(s.cmdCfg.DefaultTimeout), nil
	}
	if *secs < 0 || *secs > s.cmdCfg.MaxTimeout {
		return 0, fmt.Errorf("timeout must be between 0 and %g seconds", s.cmdCfg.MaxTimeout)
	}
	return config.Seconds(*secs), nil
}

// deviceEntityID names a device in the audit trail.
func deviceEntityID(sede, device string) string {
	return sede + "/" + device
}

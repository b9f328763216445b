package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gymcontrol/gymcore/internal/audit"
	"github.com/gymcontrol/gymcore/internal/command"
	"github.com/gymcontrol/gymcore/internal/led"
)

type ledResponse struct {
	Status  string    `json:"status"`
	Message string    `json:"message"`
	Color   led.Color `json:"color"`
}

// handleGetLED returns the stored colour, or 0,0,0 when none was set.
func (s *Server) handleGetLED(w http.ResponseWriter, r *http.Request) {
	if s.lights == nil {
		writeUnavailable(w, "LED control not configured")
		return
	}
	sede, device := chi.URLParam(r, "sede"), chi.URLParam(r, "device")
	c, err := s.lights.Get(r.Context(), sede, device)
	if err != nil {
		s.logger.Error("failed to load LED colour", "sede", sede, "device", device, "error", err)
		writeInternalError(w, "failed to load LED colour")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleSetLED stores the colour and pushes a set_led command.
//
// The colour is kept even when the broker is unreachable; the device gets it
// on the next restore.
func (s *Server) handleSetLED(w http.ResponseWriter, r *http.Request) {
	if s.lights == nil {
		writeUnavailable(w, "LED control not configured")
		return
	}
	var c led.Color
	if err := decodeBody(r, &c); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := c.Validate(); err != nil {
		writeValidation(w, err.Error())
		return
	}

	sede, device := chi.URLParam(r, "sede"), chi.URLParam(r, "device")
	err := s.lights.Set(r.Context(), sede, device, c)

	if err == nil || command.IsTransport(err) {
		outcome := auditOutcomeSent
		if err != nil {
			outcome = auditOutcomeTransport
		}
		s.auditLog(r.Context(), audit.ActionLED, sede, device, map[string]any{
			"red": c.Red, "green": c.Green, "blue": c.Blue, "outcome": outcome,
		})
	}

	switch {
	case err == nil:
	case command.IsTransport(err):
		s.logger.Warn("LED colour stored but not sent", "sede", sede, "device", device, "error", err)
	case errors.Is(err, led.ErrInvalidColor), errors.Is(err, command.ErrInvalidTarget):
		writeValidation(w, err.Error())
		return
	default:
		s.logger.Error("failed to set LED colour", "sede", sede, "device", device, "error", err)
		writeInternalError(w, "failed to set LED colour")
		return
	}

	writeJSON(w, http.StatusOK, ledResponse{
		Status:  "ok",
		Message: fmt.Sprintf("Comando '%s' enviado a %s", led.ActionSetLED, deviceEntityID(sede, device)),
		Color:   c,
	})
}

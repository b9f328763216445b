package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/gymcontrol/gymcore/internal/access"
)

// maxDocumentLength matches the clientes.documento column.
const maxDocumentLength = 20

// verifyRequest carries exactly one identifier. id_huella arrives as a number
// from readers and as a string from some kiosks, so it is decoded by hand.
type verifyRequest struct {
	IDHuella  json.RawMessage `json:"id_huella"`
	Documento *string         `json:"documento"`
	SedeID    int64           `json:"sede_id"`
}

// manualAccessRequest is the optional body of the front-desk override.
type manualAccessRequest struct {
	SedeID int64 `json:"sede_id"`
}

// handleVerifyAccess identifies a member by fingerprint slot or document and
// runs the access decision. Denials are 200 with permitido=false.
func (s *Server) handleVerifyAccess(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	huella, hasHuella, err := parseFingerprintID(req.IDHuella)
	if err != nil {
		writeValidation(w, err.Error())
		return
	}
	documento := ""
	if req.Documento != nil {
		documento = strings.TrimSpace(*req.Documento)
	}
	hasDocumento := documento != ""
	if hasHuella == hasDocumento {
		writeValidation(w, "Debes enviar exactamente uno: id_huella o documento.")
		return
	}
	if utf8.RuneCountInString(documento) > maxDocumentLength {
		writeValidation(w, fmt.Sprintf("documento must be at most %d characters", maxDocumentLength))
		return
	}

	var (
		decision *access.Decision
		method   = access.MethodHuella
	)
	if hasHuella {
		decision, err = s.access.VerifyFingerprint(r.Context(), huella, req.SedeID)
	} else {
		method = access.MethodDocumento
		decision, err = s.access.VerifyDocument(r.Context(), documento, req.SedeID)
	}
	if err != nil {
		s.writeAccessError(w, method, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleManualAccess verifies a member picked by id at the front desk.
func (s *Server) handleManualAccess(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "client id must be a positive integer")
		return
	}

	var req manualAccessRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	decision, err := s.access.Verify(r.Context(), id, access.VerifyOptions{
		Method: access.MethodDocumento,
		SiteID: req.SedeID,
	})
	if err != nil {
		s.writeAccessError(w, access.MethodDocumento, err)
		return
	}
	s.logger.Info("manual access recorded",
		"cliente_id", id,
		"permitido", decision.Permitido,
		"operator", subjectFromContext(r.Context()),
	)
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) writeAccessError(w http.ResponseWriter, method access.Method, err error) {
	if errors.Is(err, access.ErrClientNotFound) {
		writeNotFound(w, fmt.Sprintf("Acceso denegado: %s no registrado en el sistema.", method))
		return
	}
	s.logger.Error("access verification failed", "method", string(method), "error", err)
	writeInternalError(w, "access verification failed")
}

// parseFingerprintID normalises id_huella. Absent, null, 0, "0" and "" all
// mean no fingerprint was sent.
func parseFingerprintID(raw json.RawMessage) (int64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, n != 0, nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false, errors.New("id_huella must be an integer")
	}
	str = strings.TrimSpace(str)
	if str == "" || str == "0" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, false, errors.New("id_huella must be an integer")
	}
	return n, n != 0, nil
}

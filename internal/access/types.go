package access

import (
	"strings"
	"time"
)

// Method is how the member identified themselves.
type Method string

const (
	MethodHuella    Method = "huella"
	MethodDocumento Method = "documento"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return m == MethodHuella || m == MethodDocumento
}

// StaffPlanLabel is reported as the plan name for staff entries.
const StaffPlanLabel = "STAFF"

// punchCardMarker identifies limited-session plans by name.
const punchCardMarker = "tiquetera"

// Storage layouts. Attendance timestamps are local wall-clock so that a
// day window compares lexically.
const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"
	clockLayout     = "15:04:05"
)

// Reason classifies a decision. It is the metrics label and never shown to members.
type Reason string

const (
	ReasonGranted      Reason = "granted"
	ReasonStaff        Reason = "staff"
	ReasonNoMembership Reason = "no_membership"
	ReasonExpired      Reason = "expired"
	ReasonDailyLimit   Reason = "daily_limit"
	ReasonNoSessions   Reason = "no_sessions"
)

// Client is the subset of a gym member the engine needs.
type Client struct {
	ID         int64
	Nombre     string
	Apellido   string
	Documento  string
	IDHuella   *int64
	Fotografia *string
}

// DisplayName is "Nombre Apellido" without stray spaces.
func (c Client) DisplayName() string {
	return strings.TrimSpace(c.Nombre + " " + c.Apellido)
}

// Plan is a membership plan.
type Plan struct {
	ID     int64
	Nombre string

	// MaxAccesosDiarios is nil when entries per day are unlimited.
	MaxAccesosDiarios *int
}

// IsPunchCard reports whether the plan sells a fixed number of sessions.
func (p Plan) IsPunchCard() bool {
	return strings.Contains(strings.ToLower(p.Nombre), punchCardMarker)
}

// MembershipSale is a plan sold to a client. Read-only here apart from the
// session decrement.
type MembershipSale struct {
	ID          int64
	ClienteID   int64
	FechaInicio time.Time
	// FechaFin is nil for open-ended sales.
	FechaFin *time.Time
	// SesionesRestantes is nil for unlimited sales.
	SesionesRestantes *int
	Plan              Plan
}

// AttendanceRecord is one access attempt. Never updated after insert.
type AttendanceRecord struct {
	ID               int64
	ClienteID        int64
	VentaID          *int64
	SedeID           int64
	FechaHoraEntrada time.Time
	TipoAcceso       Method
	// MotivoError is set only for denials.
	MotivoError *string
}

// Granted reports whether the attempt was allowed.
func (r AttendanceRecord) Granted() bool {
	return r.MotivoError == nil
}

// VerifyOptions carries the request context of a verification.
type VerifyOptions struct {
	Method Method
	// SiteID of the entrance; 0 means the configured default.
	SiteID int64
}

// Decision is the synchronous answer to a verification.
type Decision struct {
	Permitido bool   `json:"permitido"`
	Mensaje   string `json:"mensaje"`

	Reason       Reason `json:"-"`
	AttendanceID int64  `json:"-"`
}

// Notification is published on the device event topic after every decision.
type Notification struct {
	Permitido         bool    `json:"permitido"`
	Mensaje           string  `json:"mensaje"`
	IDAsistencia      int64   `json:"id_asistencia"`
	Nombre            string  `json:"nombre"`
	Documento         string  `json:"documento"`
	Foto              *string `json:"foto"`
	Hora              string  `json:"hora"`
	TipoAcceso        Method  `json:"tipo_acceso"`
	TipoMembresia     *string `json:"tipo_membresia"`
	SesionesRestantes *int    `json:"sesiones_restantes"`
	DiasRestantes     *int    `json:"dias_restantes"`
}

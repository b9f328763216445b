package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
)

// Denial reasons stored in asistencias.motivo_error.
const (
	motivoNoMembership = "no tiene una membresía activa"
	motivoExpired      = "membresía expirada"
	motivoDailyLimit   = "ha excedido los accesos diarios"
	motivoNoSessions   = "no tiene sesiones disponibles"
)

// Enqueuer accepts decision notifications for asynchronous delivery.
type Enqueuer interface {
	Enqueue(n Notification) error
}

// DecisionRecorder receives every decision. Optional.
type DecisionRecorder interface {
	RecordDecision(siteID int64, method, reason string, granted bool, at time.Time)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNotifier sets where decision notifications are sent.
func WithNotifier(n Enqueuer) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithDecisionRecorder attaches a time-series recorder.
func WithDecisionRecorder(r DecisionRecorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithDefaultSite sets the site used when VerifyOptions.SiteID is 0.
func WithDefaultSite(id int64) EngineOption {
	return func(e *Engine) { e.defaultSite = id }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// Engine evaluates access requests.
type Engine struct {
	repo        Repository
	notifier    Enqueuer
	recorder    DecisionRecorder
	logger      *logging.Logger
	defaultSite int64
	now         func() time.Time
}

// NewEngine creates an Engine over repo.
func NewEngine(repo Repository, logger *logging.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:        repo,
		logger:      logger.With("component", "access"),
		defaultSite: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// outcome is a decision before it is persisted.
type outcome struct {
	reason    Reason
	granted   bool
	mensaje   string
	motivo    *string
	sale      *MembershipSale
	decrement bool
	planLabel *string
}

// Verify decides whether clientID may enter.
//
// Checks run in order and the first match wins: unknown client, staff
// override, no active sale, expired sale, daily cap, punch-card without
// sessions. Anything else is granted.
//
// An unknown client returns ErrClientNotFound and writes nothing. Every other
// path writes exactly one attendance row and enqueues one notification; a
// denial is a normal Decision, not an error.
func (e *Engine) Verify(ctx context.Context, clientID int64, opts VerifyOptions) (*Decision, error) {
	if opts.Method == "" {
		opts.Method = MethodHuella
	}
	if !opts.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, opts.Method)
	}
	if opts.SiteID == 0 {
		opts.SiteID = e.defaultSite
	}

	client, err := e.repo.FindClientByID(ctx, clientID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	out, err := e.evaluate(ctx, client, now)
	if err != nil {
		return nil, err
	}
	return e.commit(ctx, client, opts, now, out)
}

// VerifyFingerprint identifies the client by fingerprint slot, then verifies.
func (e *Engine) VerifyFingerprint(ctx context.Context, idHuella, siteID int64) (*Decision, error) {
	client, err := e.repo.FindClientByFingerprint(ctx, idHuella)
	if err != nil {
		return nil, err
	}
	return e.Verify(ctx, client.ID, VerifyOptions{Method: MethodHuella, SiteID: siteID})
}

// VerifyDocument identifies the client by identity document, then verifies.
func (e *Engine) VerifyDocument(ctx context.Context, documento string, siteID int64) (*Decision, error) {
	client, err := e.repo.FindClientByDocument(ctx, documento)
	if err != nil {
		return nil, err
	}
	return e.Verify(ctx, client.ID, VerifyOptions{Method: MethodDocumento, SiteID: siteID})
}

func (e *Engine) evaluate(ctx context.Context, client *Client, now time.Time) (outcome, error) {
	name := client.Nombre

	staff, err := e.repo.IsStaff(ctx, client.ID)
	if err != nil {
		return outcome{}, err
	}
	if staff {
		label := StaffPlanLabel
		return outcome{
			reason:    ReasonStaff,
			granted:   true,
			mensaje:   fmt.Sprintf("¡Bienvenido, %s! Acceso administrativo.", name),
			planLabel: &label,
		}, nil
	}

	today := startOfDay(now)
	sale, err := e.repo.FindActiveMembershipSale(ctx, client.ID, today)
	if err != nil {
		return outcome{}, err
	}
	if sale == nil {
		return deny(ReasonNoMembership, name, motivoNoMembership, nil), nil
	}
	if sale.FechaFin != nil && sale.FechaFin.Before(today) {
		return deny(ReasonExpired, name, motivoExpired, sale), nil
	}
	if limit := sale.Plan.MaxAccesosDiarios; limit != nil {
		count, err := e.repo.CountTodayAttendance(ctx, client.ID, now)
		if err != nil {
			return outcome{}, err
		}
		if count >= *limit {
			return deny(ReasonDailyLimit, name, motivoDailyLimit, sale), nil
		}
	}
	punchCard := sale.Plan.IsPunchCard()
	if punchCard && (sale.SesionesRestantes == nil || *sale.SesionesRestantes <= 0) {
		return deny(ReasonNoSessions, name, motivoNoSessions, sale), nil
	}

	return outcome{
		reason:    ReasonGranted,
		granted:   true,
		mensaje:   fmt.Sprintf("¡Bienvenido, %s!", name),
		sale:      sale,
		decrement: punchCard,
	}, nil
}

func deny(reason Reason, name, motivo string, sale *MembershipSale) outcome {
	return outcome{
		reason:  reason,
		mensaje: fmt.Sprintf("Acceso denegado. %s %s.", name, denialPhrase(reason, motivo)),
		motivo:  &motivo,
		sale:    sale,
	}
}

// denialPhrase turns a stored reason into the member-facing sentence tail.
func denialPhrase(reason Reason, motivo string) string {
	if reason == ReasonExpired {
		return "tiene la " + motivo
	}
	return motivo
}

// commit persists the outcome, then notifies.
func (e *Engine) commit(ctx context.Context, client *Client, opts VerifyOptions, now time.Time, out outcome) (*Decision, error) {
	rec := &AttendanceRecord{
		ClienteID:        client.ID,
		SedeID:           opts.SiteID,
		FechaHoraEntrada: now,
		TipoAcceso:       opts.Method,
		MotivoError:      out.motivo,
	}
	if out.sale != nil {
		rec.VentaID = &out.sale.ID
	}
	var decrementSale *int64
	if out.decrement {
		decrementSale = &out.sale.ID
	}

	err := e.repo.RecordAttendance(ctx, rec, decrementSale)
	if errors.Is(err, ErrNoSessionsLeft) {
		// A concurrent entry used the last session after evaluate read it.
		drained := *out.sale
		none := 0
		drained.SesionesRestantes = &none
		out = deny(ReasonNoSessions, client.Nombre, motivoNoSessions, &drained)
		rec.MotivoError = out.motivo
		err = e.repo.RecordAttendance(ctx, rec, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("recording attendance: %w", err)
	}

	decisionsTotal.WithLabelValues(string(opts.Method), string(out.reason)).Inc()
	if e.recorder != nil {
		e.recorder.RecordDecision(opts.SiteID, string(opts.Method), string(out.reason), out.granted, now)
	}

	e.logger.Info("access decision",
		"client_id", client.ID,
		"attendance_id", rec.ID,
		"method", string(opts.Method),
		"site_id", opts.SiteID,
		"reason", string(out.reason),
		"granted", out.granted,
	)

	e.notify(buildNotification(client, rec, out, now))

	return &Decision{
		Permitido:    out.granted,
		Mensaje:      out.mensaje,
		Reason:       out.reason,
		AttendanceID: rec.ID,
	}, nil
}

func (e *Engine) notify(n Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Enqueue(n); err != nil {
		e.logger.Warn("access notification not queued",
			"attendance_id", n.IDAsistencia, "error", err)
	}
}

// buildNotification assembles the event payload for a committed decision.
func buildNotification(client *Client, rec *AttendanceRecord, out outcome, now time.Time) Notification {
	n := Notification{
		Permitido:     out.granted,
		Mensaje:       out.mensaje,
		IDAsistencia:  rec.ID,
		Nombre:        client.DisplayName(),
		Documento:     client.Documento,
		Foto:          client.Fotografia,
		Hora:          now.Format(clockLayout),
		TipoAcceso:    rec.TipoAcceso,
		TipoMembresia: out.planLabel,
	}

	sale := out.sale
	if sale == nil {
		return n
	}
	plan := sale.Plan.Nombre
	n.TipoMembresia = &plan

	if sale.Plan.IsPunchCard() && sale.SesionesRestantes != nil {
		left := *sale.SesionesRestantes
		if out.decrement {
			left--
		}
		n.SesionesRestantes = &left
	}
	if sale.FechaFin != nil {
		days := daysUntil(now, *sale.FechaFin)
		n.DiasRestantes = &days
	}
	return n
}

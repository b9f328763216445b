package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gymcontrol/gymcore/internal/infrastructure/database"
)

// Repository is the persistence surface of the engine.
type Repository interface {
	FindClientByID(ctx context.Context, id int64) (*Client, error)
	FindClientByFingerprint(ctx context.Context, idHuella int64) (*Client, error)
	FindClientByDocument(ctx context.Context, documento string) (*Client, error)

	// IsStaff reports whether the client is linked to an active user account.
	IsStaff(ctx context.Context, clientID int64) (bool, error)

	// FindActiveMembershipSale returns the client's started, active sale that
	// can still grant entry, preferring the most recent one, or nil when there
	// is none. An expired sale is still returned when nothing better exists so
	// the caller can tell "expired" from "never bought".
	FindActiveMembershipSale(ctx context.Context, clientID int64, today time.Time) (*MembershipSale, error)

	// CountTodayAttendance counts granted entries on day's local calendar date.
	// Denied attempts are excluded so a rejected swipe never uses up the cap.
	CountTodayAttendance(ctx context.Context, clientID int64, day time.Time) (int, error)

	// RecordAttendance inserts rec and, when decrementSaleID is set, takes one
	// session off that sale. Both commit together or not at all. rec.ID is
	// filled on success.
	RecordAttendance(ctx context.Context, rec *AttendanceRecord, decrementSaleID *int64) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB

	// afterDecrement runs inside the transaction between the session
	// decrement and the attendance insert. Tests use it to abort midway.
	afterDecrement func() error
}

// NewSQLiteRepository creates a new SQLite-backed access repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const clientColumns = `id, nombre, apellido, documento, id_huella, fotografia`

// FindClientByID returns a client by primary key.
func (r *SQLiteRepository) FindClientByID(ctx context.Context, id int64) (*Client, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clientes WHERE id = ?`, id)
	return scanClient(row)
}

// FindClientByFingerprint returns the client enrolled under idHuella.
func (r *SQLiteRepository) FindClientByFingerprint(ctx context.Context, idHuella int64) (*Client, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clientes WHERE id_huella = ?`, idHuella)
	return scanClient(row)
}

// FindClientByDocument returns the client with the given identity document.
func (r *SQLiteRepository) FindClientByDocument(ctx context.Context, documento string) (*Client, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clientes WHERE documento = ?`, documento)
	return scanClient(row)
}

func scanClient(row *sql.Row) (*Client, error) {
	var (
		c        Client
		idHuella sql.NullInt64
		foto     sql.NullString
	)
	err := row.Scan(&c.ID, &c.Nombre, &c.Apellido, &c.Documento, &idHuella, &foto)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("scanning client: %w", err)
	}
	if idHuella.Valid {
		c.IDHuella = &idHuella.Int64
	}
	if foto.Valid && foto.String != "" {
		c.Fotografia = &foto.String
	}
	return &c, nil
}

// IsStaff reports whether an active user account points at the client.
func (r *SQLiteRepository) IsStaff(ctx context.Context, clientID int64) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usuarios WHERE id_cliente = ? AND activo = 1`, clientID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking staff link for client %d: %w", clientID, err)
	}
	return n > 0, nil
}

// FindActiveMembershipSale returns the most relevant sale for today: sales
// that have not ended come first, then those with sessions left, then the
// most recently started.
func (r *SQLiteRepository) FindActiveMembershipSale(ctx context.Context, clientID int64, today time.Time) (*MembershipSale, error) {
	const query = `SELECT v.id, v.id_cliente, v.fecha_inicio, v.fecha_fin, v.sesiones_restantes,
			m.id, m.nombre_membresia, m.max_accesos_diarios
		FROM ventas_membresia v
		JOIN membresias m ON m.id = v.id_membresia
		WHERE v.id_cliente = ? AND v.estado = 'activa' AND v.fecha_inicio <= ?
		ORDER BY (v.fecha_fin IS NULL OR v.fecha_fin >= ?) DESC,
			(v.sesiones_restantes IS NULL OR v.sesiones_restantes > 0) DESC,
			v.fecha_inicio DESC, v.id DESC
		LIMIT 1`

	var (
		s          MembershipSale
		inicio     string
		fin        sql.NullString
		sesiones   sql.NullInt64
		maxAccesos sql.NullInt64
	)
	day := today.Format(dateLayout)
	err := r.db.QueryRowContext(ctx, query, clientID, day, day).Scan(
		&s.ID, &s.ClienteID, &inicio, &fin, &sesiones,
		&s.Plan.ID, &s.Plan.Nombre, &maxAccesos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil // no sale is a normal outcome
		}
		return nil, fmt.Errorf("querying active sale for client %d: %w", clientID, err)
	}

	if s.FechaInicio, err = parseDate(inicio); err != nil {
		return nil, fmt.Errorf("sale %d fecha_inicio: %w", s.ID, err)
	}
	if fin.Valid && fin.String != "" {
		t, err := parseDate(fin.String)
		if err != nil {
			return nil, fmt.Errorf("sale %d fecha_fin: %w", s.ID, err)
		}
		s.FechaFin = &t
	}
	if sesiones.Valid {
		n := int(sesiones.Int64)
		s.SesionesRestantes = &n
	}
	if maxAccesos.Valid {
		n := int(maxAccesos.Int64)
		s.Plan.MaxAccesosDiarios = &n
	}
	return &s, nil
}

// CountTodayAttendance counts granted entries between local midnights.
func (r *SQLiteRepository) CountTodayAttendance(ctx context.Context, clientID int64, day time.Time) (int, error) {
	start := startOfDay(day)
	end := start.AddDate(0, 0, 1)

	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM asistencias
		WHERE id_cliente = ? AND motivo_error IS NULL
			AND fecha_hora_entrada >= ? AND fecha_hora_entrada < ?`,
		clientID, start.Format(timestampLayout), end.Format(timestampLayout)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting attendance for client %d: %w", clientID, err)
	}
	return n, nil
}

// RecordAttendance writes the attendance row and the optional decrement in
// one transaction.
func (r *SQLiteRepository) RecordAttendance(ctx context.Context, rec *AttendanceRecord, decrementSaleID *int64) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if decrementSaleID != nil {
			res, err := tx.ExecContext(ctx,
				`UPDATE ventas_membresia SET sesiones_restantes = sesiones_restantes - 1
				WHERE id = ? AND sesiones_restantes > 0`, *decrementSaleID)
			if err != nil {
				return fmt.Errorf("decrementing sessions on sale %d: %w", *decrementSaleID, err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("decrementing sessions on sale %d: %w", *decrementSaleID, err)
			} else if n == 0 {
				return ErrNoSessionsLeft
			}
			if r.afterDecrement != nil {
				if err := r.afterDecrement(); err != nil {
					return err
				}
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO asistencias (id_cliente, id_venta, id_sede, fecha_hora_entrada, tipo_acceso, motivo_error)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ClienteID, nullInt64(rec.VentaID), rec.SedeID,
			rec.FechaHoraEntrada.Format(timestampLayout), string(rec.TipoAcceso), nullStr(rec.MotivoError))
		if err != nil {
			return fmt.Errorf("inserting attendance for client %d: %w", rec.ClienteID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading attendance id: %w", err)
		}
		rec.ID = id
		return nil
	})
}

// nullStr converts a *string to a sql.NullString for nullable columns.
func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// parseDate reads a stored YYYY-MM-DD as local midnight.
func parseDate(s string) (time.Time, error) {
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	return time.ParseInLocation(dateLayout, s, time.Local)
}

// startOfDay returns local midnight of t's calendar date.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// daysUntil counts calendar days from today to end, ignoring DST shifts.
func daysUntil(today, end time.Time) int {
	ty, tm, td := today.Date()
	ey, em, ed := end.Date()
	a := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	b := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

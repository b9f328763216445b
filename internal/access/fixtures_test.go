package access

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gymcontrol/gymcore/internal/infrastructure/database"
	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
	"github.com/gymcontrol/gymcore/migrations"
)

// testNow is the fixed clock for engine tests: a Tuesday morning.
var testNow = time.Date(2026, time.March, 10, 9, 30, 0, 0, time.Local)

const (
	today     = "2026-03-10"
	yesterday = "2026-03-09"
	tomorrow  = "2026-03-11"
	lastMonth = "2026-02-10"
	nextMonth = "2026-04-10"
)

// setupTestDB opens a migrated SQLite database in a temp dir.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "gym.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db.DB
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) int64 {
	t.Helper()
	res, err := db.Exec(query, args...)
	if err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return id
}

func insertClient(t *testing.T, db *sql.DB, nombre, documento string, idHuella any) int64 {
	t.Helper()
	return mustExec(t, db,
		`INSERT INTO clientes (nombre, apellido, documento, id_huella, fotografia) VALUES (?, 'Pérez', ?, ?, ?)`,
		nombre, documento, idHuella, "/fotos/"+documento+".jpg")
}

// insertPlan creates a plan; maxDaily nil means unlimited.
func insertPlan(t *testing.T, db *sql.DB, nombre string, maxDaily any) int64 {
	t.Helper()
	return mustExec(t, db,
		`INSERT INTO membresias (nombre_membresia, max_accesos_diarios) VALUES (?, ?)`, nombre, maxDaily)
}

// insertSale creates an active sale; fin and sesiones may be nil.
func insertSale(t *testing.T, db *sql.DB, clientID, planID int64, inicio string, fin, sesiones any) int64 {
	t.Helper()
	return mustExec(t, db,
		`INSERT INTO ventas_membresia (id_cliente, id_membresia, fecha_inicio, fecha_fin, sesiones_restantes)
		VALUES (?, ?, ?, ?, ?)`, clientID, planID, inicio, fin, sesiones)
}

func insertAttendance(t *testing.T, db *sql.DB, clientID int64, at string, motivo any) {
	t.Helper()
	mustExec(t, db,
		`INSERT INTO asistencias (id_cliente, id_sede, fecha_hora_entrada, tipo_acceso, motivo_error)
		VALUES (?, 1, ?, 'huella', ?)`, clientID, at, motivo)
}

func countAttendance(t *testing.T, db *sql.DB, clientID int64) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM asistencias WHERE id_cliente = ?`, clientID).Scan(&n); err != nil {
		t.Fatalf("count attendance: %v", err)
	}
	return n
}

// sessionsLeft returns the sale's remaining sessions, -1 for NULL.
func sessionsLeft(t *testing.T, db *sql.DB, saleID int64) int {
	t.Helper()
	var n sql.NullInt64
	if err := db.QueryRow(`SELECT sesiones_restantes FROM ventas_membresia WHERE id = ?`, saleID).Scan(&n); err != nil {
		t.Fatalf("read sessions: %v", err)
	}
	if !n.Valid {
		return -1
	}
	return int(n.Int64)
}

type attendanceRow struct {
	ventaID    sql.NullInt64
	sedeID     int64
	tipoAcceso string
	motivo     sql.NullString
}

func lastAttendance(t *testing.T, db *sql.DB, clientID int64) attendanceRow {
	t.Helper()
	var r attendanceRow
	err := db.QueryRow(`SELECT id_venta, id_sede, tipo_acceso, motivo_error FROM asistencias
		WHERE id_cliente = ? ORDER BY id DESC LIMIT 1`, clientID).
		Scan(&r.ventaID, &r.sedeID, &r.tipoAcceso, &r.motivo)
	if err != nil {
		t.Fatalf("read attendance: %v", err)
	}
	return r
}

// captureNotifier records enqueued notifications.
type captureNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (c *captureNotifier) Enqueue(n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
	return nil
}

func (c *captureNotifier) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.notes...)
}

func newTestEngine(t *testing.T, repo Repository) (*Engine, *captureNotifier) {
	t.Helper()
	notes := &captureNotifier{}
	e := NewEngine(repo, logging.Discard(),
		WithNotifier(notes),
		WithClock(func() time.Time { return testNow }),
	)
	return e, notes
}

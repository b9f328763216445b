package led

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gymcontrol/gymcore/internal/command"
	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
)

// ActionSetLED is the device command that applies a colour.
const ActionSetLED = "set_led"

// ErrInvalidColor is returned for a channel outside 0-255.
var ErrInvalidColor = errors.New("led: colour channels must be between 0 and 255")

// Color is an RGB triple.
type Color struct {
	Red   int `json:"red"`
	Green int `json:"green"`
	Blue  int `json:"blue"`
}

// Validate checks every channel is in range.
func (c Color) Validate() error {
	for _, v := range [...]int{c.Red, c.Green, c.Blue} {
		if v < 0 || v > 255 {
			return ErrInvalidColor
		}
	}
	return nil
}

// Off is returned for devices with no stored colour.
var Off = Color{}

// Setting is a stored colour and the device it belongs to.
type Setting struct {
	Site      string
	Device    string
	Color     Color
	UpdatedAt time.Time
}

// Repository persists colours.
type Repository interface {
	Get(ctx context.Context, site, device string) (Color, bool, error)
	Save(ctx context.Context, site, device string, c Color) error
	List(ctx context.Context) ([]Setting, error)
}

// SQLiteRepository implements Repository over device_led_config.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed colour store.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get returns the stored colour; found is false when none is stored.
func (r *SQLiteRepository) Get(ctx context.Context, site, device string) (Color, bool, error) {
	var c Color
	err := r.db.QueryRowContext(ctx,
		`SELECT red, green, blue FROM device_led_config WHERE sede = ? AND device = ?`,
		site, device).Scan(&c.Red, &c.Green, &c.Blue)
	if errors.Is(err, sql.ErrNoRows) {
		return Off, false, nil
	}
	if err != nil {
		return Off, false, fmt.Errorf("reading led colour %s/%s: %w", site, device, err)
	}
	return c, true, nil
}

// Save upserts the colour of site/device.
func (r *SQLiteRepository) Save(ctx context.Context, site, device string, c Color) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_led_config (sede, device, red, green, blue, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (sede, device) DO UPDATE SET
			red = excluded.red, green = excluded.green, blue = excluded.blue,
			updated_at = excluded.updated_at`,
		site, device, c.Red, c.Green, c.Blue, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving led colour %s/%s: %w", site, device, err)
	}
	return nil
}

// List returns every stored colour ordered by site and device.
func (r *SQLiteRepository) List(ctx context.Context) ([]Setting, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT sede, device, red, green, blue, updated_at FROM device_led_config ORDER BY sede, device`)
	if err != nil {
		return nil, fmt.Errorf("listing led colours: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var (
			s       Setting
			updated string
		)
		if err := rows.Scan(&s.Site, &s.Device, &s.Color.Red, &s.Color.Green, &s.Color.Blue, &updated); err != nil {
			return nil, fmt.Errorf("scanning led colour: %w", err)
		}
		s.UpdatedAt, _ = time.Parse(time.RFC3339, updated) //nolint:errcheck // zero time on legacy rows
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating led colours: %w", err)
	}
	return out, nil
}

// Sender delivers device commands.
type Sender interface {
	SendAndWaitAck(ctx context.Context, site, device string, cmd command.Command, timeout time.Duration) (bool, error)
}

// Service stores colours and pushes them to devices.
type Service struct {
	repo   Repository
	sender Sender
	logger *logging.Logger
}

// NewService creates a Service.
func NewService(repo Repository, sender Sender, logger *logging.Logger) *Service {
	return &Service{repo: repo, sender: sender, logger: logger.With("component", "led")}
}

// Get returns the stored colour, or Off.
func (s *Service) Get(ctx context.Context, site, device string) (Color, error) {
	c, _, err := s.repo.Get(ctx, site, device)
	return c, err
}

// Set validates, stores, then publishes c. The colour stays stored even
// when the publish fails; the returned error then wraps command.ErrTransport.
func (s *Service) Set(ctx context.Context, site, device string, c Color) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if site == "" || device == "" {
		return command.ErrInvalidTarget
	}
	if err := s.repo.Save(ctx, site, device, c); err != nil {
		return err
	}
	return s.push(ctx, site, device, c)
}

func (s *Service) push(ctx context.Context, site, device string, c Color) error {
	_, err := s.sender.SendAndWaitAck(ctx, site, device, setLEDCommand(c), 0)
	return err
}

// Restore re-publishes every stored colour and returns how many were sent.
// Individual failures are logged and skipped.
func (s *Service) Restore(ctx context.Context) (int, error) {
	settings, err := s.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, st := range settings {
		if err := s.push(ctx, st.Site, st.Device, st.Color); err != nil {
			s.logger.Warn("led colour not restored", "site", st.Site, "device", st.Device, "error", err)
			continue
		}
		sent++
	}
	s.logger.Info("led colours restored", "sent", sent, "stored", len(settings))
	return sent, nil
}

func setLEDCommand(c Color) command.Command {
	return command.Command{
		Action:  ActionSetLED,
		Payload: map[string]any{"red": c.Red, "green": c.Green, "blue": c.Blue},
	}
}

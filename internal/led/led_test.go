package led

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gymcontrol/gymcore/internal/command"
	"github.com/gymcontrol/gymcore/internal/infrastructure/database"
	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
	"github.com/gymcontrol/gymcore/migrations"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "led.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db.DB
}

type sentCommand struct {
	site, device string
	cmd          command.Command
	timeout      time.Duration
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentCommand
	fail map[string]error
}

func (f *fakeSender) SendAndWaitAck(_ context.Context, site, device string, cmd command.Command, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[site+"/"+device]; err != nil {
		return false, err
	}
	f.sent = append(f.sent, sentCommand{site, device, cmd, timeout})
	return true, nil
}

func TestColor_Validate(t *testing.T) {
	tests := []struct {
		c    Color
		want error
	}{
		{Color{0, 0, 0}, nil},
		{Color{255, 128, 1}, nil},
		{Color{256, 0, 0}, ErrInvalidColor},
		{Color{0, -1, 0}, ErrInvalidColor},
		{Color{0, 0, 300}, ErrInvalidColor},
	}
	for _, tt := range tests {
		if err := tt.c.Validate(); !errors.Is(err, tt.want) {
			t.Errorf("Validate(%+v) = %v, want %v", tt.c, err, tt.want)
		}
	}
}

func TestService_SetAndGet(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(NewSQLiteRepository(setupTestDB(t)), sender, logging.Discard())
	ctx := context.Background()

	got, err := svc.Get(ctx, "norte", "led1")
	if err != nil || got != Off {
		t.Fatalf("Get() before Set = (%+v, %v), want Off", got, err)
	}

	if err := svc.Set(ctx, "norte", "led1", Color{255, 0, 64}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := svc.Set(ctx, "norte", "led1", Color{10, 20, 30}); err != nil {
		t.Fatalf("second Set() error = %v", err)
	}

	got, err = svc.Get(ctx, "norte", "led1")
	if err != nil || got != (Color{10, 20, 30}) {
		t.Errorf("Get() = (%+v, %v), want latest colour", got, err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d commands, want 2", len(sender.sent))
	}
	last := sender.sent[1]
	if last.cmd.Action != ActionSetLED || last.timeout != 0 {
		t.Errorf("command = %+v, want fire-and-forget set_led", last)
	}
	if last.cmd.Payload["red"] != 10 || last.cmd.Payload["blue"] != 30 {
		t.Errorf("payload = %v", last.cmd.Payload)
	}
}

func TestService_SetRejectsInvalid(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(NewSQLiteRepository(setupTestDB(t)), sender, logging.Discard())
	ctx := context.Background()

	if err := svc.Set(ctx, "norte", "led1", Color{Red: 999}); !errors.Is(err, ErrInvalidColor) {
		t.Errorf("Set() error = %v, want ErrInvalidColor", err)
	}
	if err := svc.Set(ctx, "", "led1", Color{}); !errors.Is(err, command.ErrInvalidTarget) {
		t.Errorf("Set() error = %v, want ErrInvalidTarget", err)
	}
	if len(sender.sent) != 0 {
		t.Error("invalid colour was published")
	}
}

func TestService_SetKeepsColourWhenPublishFails(t *testing.T) {
	sender := &fakeSender{fail: map[string]error{"norte/led1": command.ErrTransport}}
	svc := NewService(NewSQLiteRepository(setupTestDB(t)), sender, logging.Discard())
	ctx := context.Background()

	if err := svc.Set(ctx, "norte", "led1", Color{1, 2, 3}); !errors.Is(err, command.ErrTransport) {
		t.Fatalf("Set() error = %v, want ErrTransport", err)
	}
	if got, _ := svc.Get(ctx, "norte", "led1"); got != (Color{1, 2, 3}) {
		t.Errorf("Get() = %+v, colour should be stored", got)
	}
}

func TestService_Restore(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()
	for _, s := range []Setting{
		{Site: "norte", Device: "led1", Color: Color{1, 1, 1}},
		{Site: "norte", Device: "led2", Color: Color{2, 2, 2}},
		{Site: "sur", Device: "led1", Color: Color{3, 3, 3}},
	} {
		if err := repo.Save(ctx, s.Site, s.Device, s.Color); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	sender := &fakeSender{fail: map[string]error{"norte/led2": command.ErrTransport}}
	svc := NewService(repo, sender, logging.Discard())

	n, err := svc.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Restore() sent = %d, want 2", n)
	}
	if sender.sent[0].site != "norte" || sender.sent[1].site != "sur" {
		t.Errorf("restore order = %+v", sender.sent)
	}
}

func TestRepository_List(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if list, err := repo.List(ctx); err != nil || len(list) != 0 {
		t.Fatalf("List() on empty store = (%v, %v)", list, err)
	}
	if err := repo.Save(ctx, "norte", "led1", Color{9, 8, 7}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	list, err := repo.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = (%v, %v), want one setting", list, err)
	}
	if list[0].UpdatedAt.IsZero() {
		t.Error("UpdatedAt not populated")
	}
}

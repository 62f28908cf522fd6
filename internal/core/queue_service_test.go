package core

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// setupTestRepo connects to a PostgreSQL instance and ensures the schema
// exists. If the DB is unavailable, tests are skipped with an explanatory
// message.
func setupTestRepo(t *testing.T) Repository {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		dsn = "host=127.0.0.1 user=monitor password=monitor dbname=monitor_test port=5432 sslmode=disable"
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Skipf("skipping: cannot connect to DB: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Skipf("skipping: cannot get sql DB: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		t.Skipf("skipping: DB not reachable: %v", err)
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}

	// Clean tables
	_ = db.Exec("DELETE FROM queue_change_logs").Error
	_ = db.Exec("DELETE FROM queue_records").Error
	_ = db.Exec("DELETE FROM device_status_history").Error
	_ = db.Exec("DELETE FROM devices").Error

	return NewRepository(db)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func createTestDevice(t *testing.T, repo Repository, code string) *Device {
	t.Helper()
	device := &Device{DeviceCode: code, Name: "Inspection station " + code, Status: DeviceStatusIdle}
	if err := repo.CreateDevice(context.Background(), device); err != nil {
		t.Fatalf("create device failed: %v", err)
	}
	return device
}

func positions(t *testing.T, repo Repository, deviceID uint) (order []string, pos []int) {
	t.Helper()
	waiting, err := repo.ListWaitingQueue(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("list waiting failed: %v", err)
	}
	for _, rec := range waiting {
		order = append(order, rec.InspectorName)
		pos = append(pos, rec.Position)
	}
	return order, pos
}

func TestJoinAssignsDensePositions(t *testing.T) {
	repo := setupTestRepo(t)
	svc := NewQueueService(repo, NopBroadcaster{}, quietLogger())
	ctx := context.Background()
	device := createTestDevice(t, repo, "1号")

	if _, err := svc.Join(ctx, device.ID, "A", 1, ""); err != nil {
		t.Fatalf("join A failed: %v", err)
	}
	records, err := svc.Join(ctx, device.ID, "B", 2, "")
	if err != nil {
		t.Fatalf("join B failed: %v", err)
	}
	if len(records) != 2 || records[0].Position != 2 || records[1].Position != 3 {
		t.Fatalf("expected B at positions 2 and 3, got %+v", records)
	}

	_, pos := positions(t, repo, device.ID)
	for i, p := range pos {
		if p != i+1 {
			t.Fatalf("expected dense positions 1..N, got %v", pos)
		}
	}
}

func TestJoinUnknownDevice(t *testing.T) {
	repo := setupTestRepo(t)
	svc := NewQueueService(repo, NopBroadcaster{}, quietLogger())

	_, err := svc.Join(context.Background(), 999999, "A", 1, "")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestReorderMovesRecordToFront(t *testing.T) {
	repo := setupTestRepo(t)
	svc := NewQueueService(repo, NopBroadcaster{}, quietLogger())
	ctx := context.Background()
	device := createTestDevice(t, repo, "1号")

	for _, name := range []string{"A", "B", "C"} {
		if _, err := svc.Join(ctx, device.ID, name, 1, ""); err != nil {
			t.Fatalf("join %s failed: %v", name, err)
		}
	}
	waiting, _ := repo.ListWaitingQueue(ctx, device.ID)
	c := waiting[2]

	updated, err := svc.Reorder(ctx, c.ID, 1, c.Version, "admin", "u1")
	if err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	if updated.Version != c.Version+1 {
		t.Fatalf("expected version %d, got %d", c.Version+1, updated.Version)
	}

	order, pos := positions(t, repo, device.ID)
	wantOrder := []string{"C", "A", "B"}
	for i := range wantOrder {
		if order[i] != wantOrder[i] || pos[i] != i+1 {
			t.Fatalf("expected order [C A B] with positions [1 2 3], got %v %v", order, pos)
		}
	}
}

func TestReorderStaleVersionConflicts(t *testing.T) {
	repo := setupTestRepo(t)
	svc := NewQueueService(repo, NopBroadcaster{}, quietLogger())
	ctx := context.Background()
	device := createTestDevice(t, repo, "1号")

	for _, name := range []string{"A", "B", "C"} {
		if _, err := svc.Join(ctx, device.ID, name, 1, ""); err != nil {
			t.Fatalf("join %s failed: %v", name, err)
		}
	}
	waiting, _ := repo.ListWaitingQueue(ctx, device.ID)
	c := waiting[2]

	// First edit with the read version succeeds.
	if _, err := svc.Reorder(ctx, c.ID, 1, c.Version, "admin", "u1"); err != nil {
		t.Fatalf("first reorder failed: %v", err)
	}

	// Second edit replays the now-stale version and must lose.
	_, err := svc.Reorder(ctx, c.ID, 3, c.Version, "admin", "u2")
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestReorderSamePositionIsNoop(t *testing.T) {
	repo := setupTestRepo(t)
	svc := NewQueueService(repo, NopBroadcaster{}, quietLogger())
	ctx := context.Background()
	device := createTestDevice(t, repo, "1号")

	for _, name := range []string{"A", "B"} {
		if _, err := svc.Join(ctx, device.ID, name, 1, ""); err != nil {
			t.Fatalf("join %s failed: %v", name, err)
		}
	}
	waiting, _ := repo.ListWaitingQueue(ctx, device.ID)
	a := waiting[0]

	updated, err := svc.Reorder(ctx, a.ID, 1, a.Version, "admin", "u1")
	if err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	if updated.Version != a.Version {
		t.Fatalf("no-op reorder must not bump version, got %d", updated.Version)
	}
}

func TestReorderClampsOutOfRangePosition(t *testing.T) {
	repo := setupTestRepo(t)
	svc := NewQueueService(repo, NopBroadcaster{}, quietLogger())
	ctx := context.Background()
	device := createTestDevice(t, repo, "1号")

	for _, name := range []string{"A", "B", "C"} {
		if _, err := svc.Join(ctx, device.ID, name, 1, ""); err != nil {
			t.Fatalf("join %s failed: %v", name, err)
		}
	}
	waiting, _ := repo.ListWaitingQueue(ctx, device.ID)
	a := waiting[0]

	updated, err := svc.Reorder(ctx, a.ID, 99, a.Version, "admin", "u1")
	if err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	if updated.Position != 3 {
		t.Fatalf("expected position clamped to 3, got %d", updated.Position)
	}
}

func TestCompleteFirstAdvancesQueue(t *testing.T) {
	repo := setupTestRepo(t)
	svc := NewQueueService(repo, NopBroadcaster{}, quietLogger())
	ctx := context.Background()
	device := createTestDevice(t, repo, "1号")

	for _, name := range []string{"A", "B", "C"} {
		if _, err := svc.Join(ctx, device.ID, name, 1, ""); err != nil {
			t.Fatalf("join %s failed: %v", name, err)
		}
	}

	completed, err := svc.CompleteFirst(ctx, device.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if completed.InspectorName != "A" || completed.Status != QueueStatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("expected A completed with timestamp, got %+v", completed)
	}

	order, pos := positions(t, repo, device.ID)
	if len(order) != 2 || order[0] != "B" || pos[0] != 1 || order[1] != "C" || pos[1] != 2 {
		t.Fatalf("expected [B C] at [1 2], got %v %v", order, pos)
	}

	// Draining the queue eventually returns nil.
	svc.CompleteFirst(ctx, device.ID)
	svc.CompleteFirst(ctx, device.ID)
	last, err := svc.CompleteFirst(ctx, device.ID)
	if err != nil || last != nil {
		t.Fatalf("expected nil on empty queue, got %v %v", last, err)
	}
}

func TestLeaveRenumbersRemainder(t *testing.T) {
	repo := setupTestRepo(t)
	svc := NewQueueService(repo, NopBroadcaster{}, quietLogger())
	ctx := context.Background()
	device := createTestDevice(t, repo, "1号")

	for _, name := range []string{"A", "B", "C"} {
		if _, err := svc.Join(ctx, device.ID, name, 1, ""); err != nil {
			t.Fatalf("join %s failed: %v", name, err)
		}
	}
	waiting, _ := repo.ListWaitingQueue(ctx, device.ID)

	if err := svc.Leave(ctx, waiting[1].ID, "u1"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	order, pos := positions(t, repo, device.ID)
	if len(order) != 2 || order[0] != "A" || order[1] != "C" || pos[0] != 1 || pos[1] != 2 {
		t.Fatalf("expected [A C] at [1 2], got %v %v", order, pos)
	}

	if err := svc.Leave(ctx, waiting[1].ID, "u1"); !errors.Is(err, ErrQueueRecordNotFound) {
		t.Fatalf("expected ErrQueueRecordNotFound on second leave, got %v", err)
	}
}

func TestSwapFirstTwoExchangesHead(t *testing.T) {
	repo := setupTestRepo(t)
	svc := NewQueueService(repo, NopBroadcaster{}, quietLogger())
	ctx := context.Background()
	device := createTestDevice(t, repo, "1号")

	for _, name := range []string{"A", "B", "C"} {
		if _, err := svc.Join(ctx, device.ID, name, 1, ""); err != nil {
			t.Fatalf("join %s failed: %v", name, err)
		}
	}

	err := repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		demoted, promoted, err := SwapFirstTwo(ctx, tx, device.ID, "system", "")
		if err != nil {
			return err
		}
		if demoted.InspectorName != "A" || promoted.InspectorName != "B" {
			t.Fatalf("expected A demoted and B promoted, got %s %s", demoted.InspectorName, promoted.InspectorName)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("swap failed: %v", err)
	}

	order, pos := positions(t, repo, device.ID)
	if order[0] != "B" || order[1] != "A" || order[2] != "C" {
		t.Fatalf("expected [B A C], got %v", order)
	}
	if len(pos) != 3 {
		t.Fatalf("swap must not change queue length, got %d", len(pos))
	}
}

func TestRenumberingIsIdempotent(t *testing.T) {
	repo := setupTestRepo(t)
	svc := NewQueueService(repo, NopBroadcaster{}, quietLogger())
	ctx := context.Background()
	device := createTestDevice(t, repo, "1号")

	for _, name := range []string{"A", "B", "C"} {
		if _, err := svc.Join(ctx, device.ID, name, 1, ""); err != nil {
			t.Fatalf("join %s failed: %v", name, err)
		}
	}

	renumber := func() {
		err := repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
			waiting, err := tx.ListWaitingQueue(ctx, device.ID)
			if err != nil {
				return err
			}
			return renumberWaiting(ctx, tx, waiting)
		})
		if err != nil {
			t.Fatalf("renumber failed: %v", err)
		}
	}

	renumber()
	_, first := positions(t, repo, device.ID)
	renumber()
	_, second := positions(t, repo, device.ID)

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("positions drifted: %v vs %v", first, second)
		}
	}
}

func TestMoveRecord(t *testing.T) {
	waiting := waitingQueue(10, 20, 30)

	out := moveRecord(waiting, 30, 1)
	if out[0].ID != 30 || out[1].ID != 10 || out[2].ID != 20 {
		t.Fatalf("expected [30 10 20], got %v %v %v", out[0].ID, out[1].ID, out[2].ID)
	}

	out = moveRecord(waiting, 10, 3)
	if out[0].ID != 20 || out[1].ID != 30 || out[2].ID != 10 {
		t.Fatalf("expected [20 30 10], got %v %v %v", out[0].ID, out[1].ID, out[2].ID)
	}

	// Unknown id leaves the list untouched.
	out = moveRecord(waiting, 99, 1)
	if len(out) != 3 || out[0].ID != 10 {
		t.Fatal("expected unchanged list for unknown id")
	}
}

package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestIsNewTaskOnTaskIDChange(t *testing.T) {
	// Different task id with no prior progress counts as new.
	d := &Device{Status: DeviceStatusBusy, TaskID: "A"}
	r := &StatusReport{Status: DeviceStatusBusy, TaskID: "B", TaskProgress: intPtr(10)}
	if !isNewTask(d, r) {
		t.Fatal("expected new task: id changed with no prior progress")
	}

	// Progress went backwards alongside the id change.
	d = &Device{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(80)}
	r = &StatusReport{Status: DeviceStatusBusy, TaskID: "B", TaskProgress: intPtr(20)}
	if !isNewTask(d, r) {
		t.Fatal("expected new task: progress regressed")
	}

	// Old task finished at 100 and device stays busy under a new id.
	d = &Device{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(100)}
	r = &StatusReport{Status: DeviceStatusBusy, TaskID: "B", TaskProgress: intPtr(100)}
	if !isNewTask(d, r) {
		t.Fatal("expected new task: previous at 100 while busy")
	}

	// Id changed but progress advanced normally: same task renamed upstream.
	d = &Device{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(40)}
	r = &StatusReport{Status: DeviceStatusBusy, TaskID: "B", TaskProgress: intPtr(60)}
	if isNewTask(d, r) {
		t.Fatal("did not expect new task: progress advanced")
	}
}

func TestIsNewTaskOnProgressDrop(t *testing.T) {
	d := &Device{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(100)}
	r := &StatusReport{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(5)}
	if !isNewTask(d, r) {
		t.Fatal("expected new task: progress dropped below 100")
	}

	// Steady at 100 is not a new task.
	r = &StatusReport{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(100)}
	if isNewTask(d, r) {
		t.Fatal("did not expect new task at steady 100")
	}
}

func TestIsNewTaskOnBusyTransition(t *testing.T) {
	d := &Device{Status: DeviceStatusIdle, TaskID: "A", TaskProgress: intPtr(100)}
	r := &StatusReport{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(100)}
	if !isNewTask(d, r) {
		t.Fatal("expected new task on idle to busy transition")
	}

	// Capture devices sit busy permanently; the transition means nothing.
	d.CaptureMode = true
	if isNewTask(d, r) {
		t.Fatal("did not expect new task for capture-mode device")
	}
}

func TestApplyStatusReportCompletion(t *testing.T) {
	now := time.Now()
	started := now.Add(-90 * time.Second)
	d := &Device{
		Status:        DeviceStatusBusy,
		TaskID:        "A",
		TaskProgress:  intPtr(60),
		TaskStartedAt: &started,
	}
	r := &StatusReport{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(100)}

	if !applyStatusReport(d, r, now) {
		t.Fatal("expected completion when progress reaches 100 from 60")
	}
	if d.TaskElapsedSeconds == nil || *d.TaskElapsedSeconds != 90 {
		t.Fatalf("expected elapsed 90s, got %v", d.TaskElapsedSeconds)
	}

	// A second report at 100 is not another completion.
	if applyStatusReport(d, r, now.Add(5*time.Second)) {
		t.Fatal("did not expect completion on repeated 100")
	}
}

func TestApplyStatusReportNoCompletionWithoutReportedProgress(t *testing.T) {
	// An idle-to-busy transition report with no progress field must not
	// complete the stored task even though stored progress sits at 100.
	d := &Device{Status: DeviceStatusIdle, TaskID: "A", TaskProgress: intPtr(100)}
	r := &StatusReport{Status: DeviceStatusBusy, TaskID: "A"}
	if applyStatusReport(d, r, time.Now()) {
		t.Fatal("did not expect completion from a report that carries no progress")
	}
}

func TestApplyStatusReportNewTaskStartingAtHundred(t *testing.T) {
	// A new task whose first report already says 100 over a stored 100 is
	// not a fresh completion.
	d := &Device{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(100)}
	r := &StatusReport{Status: DeviceStatusBusy, TaskID: "B", TaskProgress: intPtr(100)}
	if applyStatusReport(d, r, time.Now()) {
		t.Fatal("did not expect completion when stored progress was already 100")
	}

	// With no stored progress at all, a first report of 100 does complete.
	d = &Device{Status: DeviceStatusBusy, TaskID: "A"}
	r = &StatusReport{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(100)}
	if !applyStatusReport(d, r, time.Now()) {
		t.Fatal("expected completion on a first-ever report of 100")
	}
}

func TestApplyStatusReportFreezesElapsedAtHundred(t *testing.T) {
	now := time.Now()
	started := now.Add(-120 * time.Second)
	d := &Device{
		Status:             DeviceStatusBusy,
		TaskID:             "A",
		CaptureMode:        true,
		TaskProgress:       intPtr(100),
		TaskStartedAt:      &started,
		TaskElapsedSeconds: intPtr(100),
	}
	r := &StatusReport{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(100)}

	applyStatusReport(d, r, now)
	if *d.TaskElapsedSeconds != 100 {
		t.Fatalf("expected elapsed frozen at 100s, got %d", *d.TaskElapsedSeconds)
	}
}

func TestApplyStatusReportStartsClockForBusyDevice(t *testing.T) {
	now := time.Now()
	d := &Device{Status: DeviceStatusOffline}
	d.CaptureMode = true // suppress new-task detection, exercise the fallback
	r := &StatusReport{Status: DeviceStatusBusy, TaskID: "A", TaskProgress: intPtr(10)}

	applyStatusReport(d, r, now)
	if d.TaskStartedAt == nil || !d.TaskStartedAt.Equal(now) {
		t.Fatalf("expected started-at set to now, got %v", d.TaskStartedAt)
	}
	if d.TaskElapsedSeconds == nil || *d.TaskElapsedSeconds != 0 {
		t.Fatalf("expected elapsed 0, got %v", d.TaskElapsedSeconds)
	}
}

func TestApplyStatusReportUpdatesHeartbeat(t *testing.T) {
	now := time.Now()
	d := &Device{Status: DeviceStatusIdle}
	r := &StatusReport{Status: DeviceStatusIdle}

	applyStatusReport(d, r, now)
	if d.LastHeartbeat == nil || !d.LastHeartbeat.Equal(now) {
		t.Fatalf("expected heartbeat stamped, got %v", d.LastHeartbeat)
	}
}

func TestReportCompletionAdvancesQueue(t *testing.T) {
	repo := setupTestRepo(t)
	logger := quietLogger()
	queues := NewQueueService(repo, NopBroadcaster{}, logger)
	status := NewStatusService(repo, NopCache{}, NopBroadcaster{}, logger)
	ctx := context.Background()

	device := createTestDevice(t, repo, "1号")
	for _, name := range []string{"A", "B"} {
		if _, err := queues.Join(ctx, device.ID, name, 1, ""); err != nil {
			t.Fatalf("join %s failed: %v", name, err)
		}
	}

	// Move the task to 60%, then finish it.
	if _, err := status.Report(ctx, "1号", &StatusReport{Status: DeviceStatusBusy, TaskID: "T1", TaskProgress: intPtr(60)}); err != nil {
		t.Fatalf("report 60 failed: %v", err)
	}
	result, err := status.Report(ctx, "1号", &StatusReport{Status: DeviceStatusBusy, TaskID: "T1", TaskProgress: intPtr(100)})
	if err != nil {
		t.Fatalf("report 100 failed: %v", err)
	}
	if result.QueueCount != 1 {
		t.Fatalf("expected queue count 1 after completion, got %d", result.QueueCount)
	}

	waiting, err := repo.ListWaitingQueue(ctx, device.ID)
	if err != nil {
		t.Fatalf("list waiting failed: %v", err)
	}
	if len(waiting) != 1 || waiting[0].InspectorName != "B" || waiting[0].Position != 1 {
		t.Fatalf("expected B promoted to position 1, got %+v", waiting)
	}

	latest, err := repo.LatestStatusHistory(ctx, device.ID)
	if err != nil {
		t.Fatalf("expected one history row, got error: %v", err)
	}
	if latest.TaskID != "T1" {
		t.Fatalf("expected history for T1, got %q", latest.TaskID)
	}

	// Repeating 100 must not write another history row or advance again.
	if _, err := status.Report(ctx, "1号", &StatusReport{Status: DeviceStatusBusy, TaskID: "T1", TaskProgress: intPtr(100)}); err != nil {
		t.Fatalf("repeat report failed: %v", err)
	}
	count, err := repo.CountWaiting(ctx, device.ID)
	if err != nil || count != 1 {
		t.Fatalf("expected queue count still 1, got %d %v", count, err)
	}
}

func TestReportUnknownDevice(t *testing.T) {
	repo := setupTestRepo(t)
	status := NewStatusService(repo, NopCache{}, NopBroadcaster{}, quietLogger())

	_, err := status.Report(context.Background(), "ghost", &StatusReport{Status: DeviceStatusIdle})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestSanitizeMetricsStripsTempPaths(t *testing.T) {
	in := map[string]interface{}{
		"cpu":       42.5,
		"scratch":   "/tmp/results/run42",
		"win_cache": "C:\\Users\\op\\AppData\\Local\\Temp\\cap.png",
		"model":     "VHX-7000",
		"nested": map[string]interface{}{
			"log_path": "/var/tmp/device.log",
			"frames":   300,
		},
	}

	out := SanitizeMetrics(in)
	if _, ok := out["scratch"]; ok {
		t.Fatal("expected /tmp/ path stripped")
	}
	if _, ok := out["win_cache"]; ok {
		t.Fatal("expected Windows temp path stripped")
	}
	if out["model"] != "VHX-7000" {
		t.Fatal("expected harmless string kept")
	}
	if out["cpu"] != 42.5 {
		t.Fatal("expected numeric value kept")
	}

	nested, ok := out["nested"].(map[string]interface{})
	if !ok {
		t.Fatal("expected nested map kept")
	}
	if _, ok := nested["log_path"]; ok {
		t.Fatal("expected nested temp path stripped")
	}
	if nested["frames"] != 300 {
		t.Fatal("expected nested value kept")
	}
}

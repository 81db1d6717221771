// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package reports

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/events"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/notify"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/store/memory"
)

// fakeClock pins the scheduler's wall clock. It is installed before Start
// and restored after Stop, so no goroutine sees the swap.
type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) set(at time.Time) {
	c.mu.Lock()
	c.at = at
	c.mu.Unlock()
}

func useClock(t *testing.T, at time.Time) *fakeClock {
	t.Helper()
	clk := &fakeClock{at: at}
	timeNow = clk.now
	t.Cleanup(func() { timeNow = time.Now })
	return clk
}

// gatedSource blocks every query until release is closed, so tests can hold
// an execution in flight.
type gatedSource struct {
	release chan struct{}
	started chan struct{}
}

func newGatedSource() *gatedSource {
	return &gatedSource{release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (g *gatedSource) Query(ctx context.Context, _, _ string, _ map[string]string) ([]map[string]interface{}, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return []map[string]interface{}{{"ok": true}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedSource) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a query to start")
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	sends []notify.SendInput
}

func (f *fakeNotifier) Send(_ context.Context, _ string, in notify.SendInput) (*model.NotificationDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, in)
	return &model.NotificationDelivery{}, nil
}

func (f *fakeNotifier) sent() []notify.SendInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.SendInput(nil), f.sends...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.PublishInput
}

func (f *fakePublisher) Publish(_ context.Context, _ string, in events.PublishInput) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, in)
	return &model.Event{}, nil
}

func (f *fakePublisher) published() []events.PublishInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.PublishInput(nil), f.events...)
}

type reportsHarness struct {
	svc       *Service
	stores    *store.Stores
	clock     *fakeClock
	notifier  *fakeNotifier
	publisher *fakePublisher
}

func newReportsHarness(t *testing.T, cfg config.Reports, source DataSource) *reportsHarness {
	t.Helper()
	clk := useClock(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stores := memory.New()
	n := &fakeNotifier{}
	p := &fakePublisher{}
	svc := NewService(cfg, stores.ReportTemplates, stores.Reports, stores.Executions, source, n, p)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	return &reportsHarness{svc: svc, stores: stores, clock: clk, notifier: n, publisher: p}
}

func (h *reportsHarness) createTemplate(t *testing.T, owner string) *model.ReportTemplate {
	t.Helper()
	tpl, err := h.svc.CreateTemplate(context.Background(), owner, TemplateInput{
		Name:  "daily-activity",
		Title: "Activity for {{team}}",
		Queries: []model.ReportQuery{
			{Name: "events", Query: "events team={{team}} since={{since}}"},
		},
		Params: map[string]string{"team": "core", "since": "24h"},
	})
	require.NoError(t, err)
	return tpl
}

func (h *reportsHarness) createReport(t *testing.T, owner string, mutate func(*ReportInput)) *model.Report {
	t.Helper()
	tpl := h.createTemplate(t, owner)
	in := ReportInput{
		Name:       "daily",
		TemplateID: tpl.ID,
		Schedule:   "0 */5 * * * *",
		Recipients: []string{"ops@example.com"},
	}
	if mutate != nil {
		mutate(&in)
	}
	r, err := h.svc.CreateReport(context.Background(), owner, in)
	require.NoError(t, err)
	return r
}

// waitIdle blocks until the finished runner has released its per-report
// guard, which happens just after the terminal status becomes visible.
func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	require.Eventually(t, func() bool {
		return svc.Stats().Running == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func waitStatus(t *testing.T, execs store.ExecutionStore, id string, want model.ExecutionStatus) *model.ReportExecution {
	t.Helper()
	var got *model.ReportExecution
	require.Eventually(t, func() bool {
		ex, err := execs.FindByID(context.Background(), id)
		if err != nil {
			return false
		}
		got = ex
		return ex.Status == want
	}, 2*time.Second, 10*time.Millisecond, "execution %s never reached %s", id, want)
	return got
}

// A report on "0 */5 * * * *" created at 12:04:59Z runs exactly once at
// 12:05:00Z, and the 12:10:00Z tick is skipped while that run is still in
// flight instead of being queued.
func TestScheduledRunFiresExactlyOnce(t *testing.T) {
	src := newGatedSource()
	h := newReportsHarness(t, testReportsConfig(t.TempDir()), src)
	ctx := context.Background()

	h.clock.set(time.Date(2025, 6, 1, 12, 4, 59, 0, time.UTC))
	r := h.createReport(t, "owner-1", nil)
	boundary := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	assert.WithinDuration(t, boundary, r.NextRunAt, 0)

	// Not due yet.
	h.svc.scheduler.sweep(ctx)
	execs, err := h.stores.Executions.ListByReport(ctx, r.ID, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, execs)

	// The boundary tick fires one execution.
	h.clock.set(boundary)
	h.svc.scheduler.sweep(ctx)
	src.waitStarted(t)

	execs, err = h.stores.Executions.ListByReport(ctx, r.ID, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	ex := execs[0]
	assert.Equal(t, model.ExecutionRunning, ex.Status)
	assert.Equal(t, model.TriggerScheduled, ex.Trigger)
	assert.WithinDuration(t, boundary, ex.ScheduledFor, 0)

	got, err := h.stores.Reports.FindByID(ctx, r.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, boundary.Add(5*time.Minute), got.NextRunAt, 0)

	// Still running at 12:10:00Z: the tick is skipped, not queued, and the
	// next run time keeps advancing.
	h.clock.set(boundary.Add(5 * time.Minute))
	h.svc.scheduler.sweep(ctx)

	execs, err = h.stores.Executions.ListByReport(ctx, r.ID, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	got, err = h.stores.Reports.FindByID(ctx, r.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, boundary.Add(10*time.Minute), got.NextRunAt, 0)
	assert.Equal(t, uint64(1), h.svc.Stats().Skipped)

	close(src.release)
	waitStatus(t, h.stores.Executions, ex.ID, model.ExecutionCompleted)

	execs, err = h.stores.Executions.ListByReport(ctx, r.ID, store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

// Windows missed while the process was down collapse into one catch-up run
// stamped with the stale nominal time; later run times realign to the wall
// clock instead of backfilling.
func TestMissedWindowsCollapse(t *testing.T) {
	h := newReportsHarness(t, testReportsConfig(t.TempDir()), &recordingSource{})
	ctx := context.Background()

	h.clock.set(time.Date(2025, 6, 1, 12, 4, 0, 0, time.UTC))
	r := h.createReport(t, "owner-1", nil)
	assert.WithinDuration(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC), r.NextRunAt, 0)

	// Five windows pass before the next sweep.
	h.clock.set(time.Date(2025, 6, 1, 12, 32, 0, 0, time.UTC))
	h.svc.scheduler.sweep(ctx)

	execs, err := h.stores.Executions.ListByReport(ctx, r.ID, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.WithinDuration(t, time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC), execs[0].ScheduledFor, 0)

	got, err := h.stores.Reports.FindByID(ctx, r.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Date(2025, 6, 1, 12, 35, 0, 0, time.UTC), got.NextRunAt, 0)

	waitStatus(t, h.stores.Executions, execs[0].ID, model.ExecutionCompleted)
}

func TestDisabledReportNeverFires(t *testing.T) {
	h := newReportsHarness(t, testReportsConfig(t.TempDir()), &recordingSource{})
	ctx := context.Background()

	disabled := false
	r := h.createReport(t, "owner-1", func(in *ReportInput) { in.Enabled = &disabled })
	assert.True(t, r.NextRunAt.IsZero())

	h.clock.set(h.clock.now().Add(24 * time.Hour))
	h.svc.scheduler.sweep(ctx)

	execs, err := h.stores.Executions.ListByReport(ctx, r.ID, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

// With a single worker slot, the second due report is skipped with its next
// run time advanced, and runs normally once the slot frees up.
func TestWorkerPoolSaturation(t *testing.T) {
	cfg := testReportsConfig(t.TempDir())
	cfg.MaxConcurrent = 1
	src := newGatedSource()
	h := newReportsHarness(t, cfg, src)
	ctx := context.Background()

	h.clock.set(time.Date(2025, 6, 1, 12, 4, 0, 0, time.UTC))
	tpl := h.createTemplate(t, "owner-1")
	var reports []*model.Report
	for _, name := range []string{"first", "second"} {
		r, err := h.svc.CreateReport(ctx, "owner-1", ReportInput{
			Name:       name,
			TemplateID: tpl.ID,
			Schedule:   "0 */5 * * * *",
		})
		require.NoError(t, err)
		reports = append(reports, r)
	}

	h.clock.set(time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC))
	h.svc.scheduler.sweep(ctx)
	src.waitStarted(t)

	var started []*model.ReportExecution
	for _, r := range reports {
		execs, err := h.stores.Executions.ListByReport(ctx, r.ID, store.ListOptions{})
		require.NoError(t, err)
		started = append(started, execs...)

		// Both reports advanced past the window whether they ran or not.
		got, err := h.stores.Reports.FindByID(ctx, r.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC), got.NextRunAt, 0)
	}
	require.Len(t, started, 1)
	assert.Equal(t, uint64(1), h.svc.Stats().Skipped)

	close(src.release)
	waitStatus(t, h.stores.Executions, started[0].ID, model.ExecutionCompleted)
}

func TestRunNowGuards(t *testing.T) {
	src := newGatedSource()
	h := newReportsHarness(t, testReportsConfig(t.TempDir()), src)
	ctx := context.Background()

	// Disabled reports can still be run manually.
	disabled := false
	r := h.createReport(t, "owner-1", func(in *ReportInput) { in.Enabled = &disabled })

	ex, err := h.svc.RunNow(ctx, "owner-1", r.ID, RunInput{})
	require.NoError(t, err)
	assert.Equal(t, model.TriggerManual, ex.Trigger)
	assert.Equal(t, model.ExecutionRunning, ex.Status)
	src.waitStarted(t)

	// One in-flight execution per report.
	_, err = h.svc.RunNow(ctx, "owner-1", r.ID, RunInput{})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	close(src.release)
	waitStatus(t, h.stores.Executions, ex.ID, model.ExecutionCompleted)
	waitIdle(t, h.svc)

	// The slot frees once the run finishes.
	ex2, err := h.svc.RunNow(ctx, "owner-1", r.ID, RunInput{})
	require.NoError(t, err)
	waitStatus(t, h.stores.Executions, ex2.ID, model.ExecutionCompleted)
}

func TestRunNowMergesParams(t *testing.T) {
	src := &recordingSource{}
	h := newReportsHarness(t, testReportsConfig(t.TempDir()), src)
	ctx := context.Background()

	r := h.createReport(t, "owner-1", func(in *ReportInput) {
		in.Params = map[string]string{"team": "platform"}
	})

	ex, err := h.svc.RunNow(ctx, "owner-1", r.ID, RunInput{Params: map[string]string{"since": "1h"}})
	require.NoError(t, err)
	waitStatus(t, h.stores.Executions, ex.ID, model.ExecutionCompleted)

	assert.Contains(t, src.seen(), "events team=platform since=1h")
}

func TestCompletionSideEffects(t *testing.T) {
	h := newReportsHarness(t, testReportsConfig(t.TempDir()), &recordingSource{})
	ctx := context.Background()

	h.clock.set(time.Date(2025, 6, 1, 12, 4, 0, 0, time.UTC))
	r := h.createReport(t, "owner-1", func(in *ReportInput) {
		in.Recipients = []string{"ops@example.com", "lead@example.com"}
	})

	fireAt := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	h.clock.set(fireAt)
	h.svc.scheduler.sweep(ctx)

	// The completion event is the last side effect, so once it shows up the
	// notification and the report row update have happened too.
	require.Eventually(t, func() bool {
		return len(h.publisher.published()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	execs, err := h.stores.Executions.ListByReport(ctx, r.ID, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	ex := execs[0]
	assert.Equal(t, model.ExecutionCompleted, ex.Status)
	require.NotEmpty(t, ex.ArtifactPath)
	info, err := os.Stat(ex.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), ex.ArtifactBytes)

	got, err := h.stores.Reports.FindByID(ctx, r.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, ex.StartedAt, got.LastRunAt, 0)
	assert.WithinDuration(t, fireAt.Add(5*time.Minute), got.NextRunAt, 0)

	sends := h.notifier.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "email", sends[0].Channel)
	assert.Equal(t, []string{"ops@example.com", "lead@example.com"}, sends[0].Recipients)
	assert.Contains(t, sends[0].Subject, "daily")
	assert.Equal(t, ex.ID, sends[0].Metadata["execution_id"])

	published := h.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, "report.completed", published[0].Type)
	assert.Equal(t, "reports", published[0].Source)
	assert.Equal(t, ex.ArtifactPath, published[0].Payload["artifact_path"])
	assert.NotContains(t, published[0].Payload, "error")

	assert.Equal(t, uint64(1), h.svc.Stats().Completed)
}

func TestFailureSideEffects(t *testing.T) {
	src := sourceFunc(func(context.Context, string, string, map[string]string) ([]map[string]interface{}, error) {
		return nil, fmt.Errorf("backend unavailable")
	})
	h := newReportsHarness(t, testReportsConfig(t.TempDir()), src)
	ctx := context.Background()

	r := h.createReport(t, "owner-1", nil)
	ex, err := h.svc.RunNow(ctx, "owner-1", r.ID, RunInput{})
	require.NoError(t, err)

	got := waitStatus(t, h.stores.Executions, ex.ID, model.ExecutionFailed)
	assert.Contains(t, got.Error, "backend unavailable")

	require.Eventually(t, func() bool {
		return len(h.publisher.published()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	published := h.publisher.published()
	assert.Equal(t, "report.failed", published[0].Type)
	assert.Contains(t, published[0].Payload["error"], "backend unavailable")

	// Failures notify nobody and do not move the last run marker.
	assert.Empty(t, h.notifier.sent())
	reloaded, err := h.stores.Reports.FindByID(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.LastRunAt.IsZero())
	assert.Equal(t, uint64(1), h.svc.Stats().Failed)
}

func TestExecutionTimeout(t *testing.T) {
	cfg := testReportsConfig(t.TempDir())
	cfg.ExecutionTimeout = config.Duration(50 * time.Millisecond)
	src := newGatedSource() // never released
	h := newReportsHarness(t, cfg, src)

	r := h.createReport(t, "owner-1", nil)
	ex, err := h.svc.RunNow(context.Background(), "owner-1", r.ID, RunInput{})
	require.NoError(t, err)

	got := waitStatus(t, h.stores.Executions, ex.ID, model.ExecutionFailed)
	assert.Equal(t, "execution exceeded 50ms", got.Error)
}

func TestCancelExecution(t *testing.T) {
	src := newGatedSource() // never released
	h := newReportsHarness(t, testReportsConfig(t.TempDir()), src)
	ctx := context.Background()

	r := h.createReport(t, "owner-1", nil)
	ex, err := h.svc.RunNow(ctx, "owner-1", r.ID, RunInput{})
	require.NoError(t, err)
	src.waitStarted(t)

	_, err = h.svc.CancelExecution(ctx, "owner-1", ex.ID)
	require.NoError(t, err)

	got := waitStatus(t, h.stores.Executions, ex.ID, model.ExecutionCancelled)
	assert.Equal(t, "execution cancelled", got.Error)
	assert.Equal(t, uint64(1), h.svc.Stats().Cancelled)

	// Cancelled runs emit no lifecycle event and notify nobody.
	assert.Empty(t, h.publisher.published())
	assert.Empty(t, h.notifier.sent())

	// A terminal execution cannot be cancelled again.
	_, err = h.svc.CancelExecution(ctx, "owner-1", ex.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// The report's slot is free again.
	waitIdle(t, h.svc)
	ex2, err := h.svc.RunNow(ctx, "owner-1", r.ID, RunInput{})
	require.NoError(t, err)
	_, err = h.svc.CancelExecution(ctx, "owner-1", ex2.ID)
	require.NoError(t, err)
	waitStatus(t, h.stores.Executions, ex2.ID, model.ExecutionCancelled)
}

// A running row without a live runner (left behind by a crash) is finalized
// directly by cancel.
func TestCancelOrphanExecution(t *testing.T) {
	h := newReportsHarness(t, testReportsConfig(t.TempDir()), &recordingSource{})
	ctx := context.Background()

	orphan := &model.ReportExecution{
		ID:        uuid.NewString(),
		ReportID:  uuid.NewString(),
		OwnerID:   "owner-1",
		Trigger:   model.TriggerScheduled,
		Status:    model.ExecutionRunning,
		StartedAt: timeNow().UTC(),
	}
	require.NoError(t, h.stores.Executions.Save(ctx, orphan))

	got, err := h.svc.CancelExecution(ctx, "owner-1", orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, got.Status)
	assert.False(t, got.FinishedAt.IsZero())
}

// Start fails executions that an unclean shutdown left running.
func TestResumeFailsOrphans(t *testing.T) {
	useClock(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stores := memory.New()
	ctx := context.Background()

	var orphans []string
	for i := 0; i < 2; i++ {
		ex := &model.ReportExecution{
			ID:        uuid.NewString(),
			ReportID:  uuid.NewString(),
			OwnerID:   "owner-1",
			Trigger:   model.TriggerScheduled,
			Status:    model.ExecutionRunning,
			StartedAt: timeNow().UTC().Add(-time.Hour),
		}
		require.NoError(t, stores.Executions.Save(ctx, ex))
		orphans = append(orphans, ex.ID)
	}
	done := &model.ReportExecution{
		ID:         uuid.NewString(),
		ReportID:   uuid.NewString(),
		OwnerID:    "owner-1",
		Trigger:    model.TriggerScheduled,
		Status:     model.ExecutionCompleted,
		StartedAt:  timeNow().UTC().Add(-2 * time.Hour),
		FinishedAt: timeNow().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, stores.Executions.Save(ctx, done))

	svc := NewService(testReportsConfig(t.TempDir()), stores.ReportTemplates, stores.Reports, stores.Executions, &recordingSource{}, nil, nil)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)

	for _, id := range orphans {
		ex, err := stores.Executions.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionFailed, ex.Status)
		assert.Equal(t, "interrupted by restart", ex.Error)
		assert.False(t, ex.FinishedAt.IsZero())
	}
	ex, err := stores.Executions.FindByID(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, ex.Status)
}

// Stop waits out the grace period, then interrupts stragglers; their rows
// finalize as cancelled.
func TestStopInterruptsStragglers(t *testing.T) {
	cfg := testReportsConfig(t.TempDir())
	cfg.ShutdownGrace = config.Duration(100 * time.Millisecond)
	src := newGatedSource() // never released
	h := newReportsHarness(t, cfg, src)
	ctx := context.Background()

	r := h.createReport(t, "owner-1", nil)
	ex, err := h.svc.RunNow(ctx, "owner-1", r.ID, RunInput{})
	require.NoError(t, err)
	src.waitStarted(t)

	h.svc.Stop()

	got, err := h.stores.Executions.FindByID(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, got.Status)
}

func TestSchedulerLifecycle(t *testing.T) {
	useClock(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stores := memory.New()
	svc := NewService(testReportsConfig(t.TempDir()), stores.ReportTemplates, stores.Reports, stores.Executions, &recordingSource{}, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, Started, svc.scheduler.State())
	require.Error(t, svc.Start(ctx))

	svc.Stop()
	assert.Equal(t, Stopped, svc.scheduler.State())

	// Runs cannot start on a stopped scheduler.
	tplOwner := "owner-1"
	tpl, err := svc.CreateTemplate(ctx, tplOwner, TemplateInput{
		Name:    "t",
		Title:   "T",
		Queries: []model.ReportQuery{{Name: "q", Query: "q"}},
	})
	require.NoError(t, err)
	r, err := svc.CreateReport(ctx, tplOwner, ReportInput{Name: "r", TemplateID: tpl.ID, Schedule: "@hourly"})
	require.NoError(t, err)
	_, err = svc.RunNow(ctx, tplOwner, r.ID, RunInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")

	// The scheduler can be started again after a stop.
	require.NoError(t, svc.Start(ctx))
	svc.Stop()
}

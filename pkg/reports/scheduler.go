// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package reports schedules and generates reports. A single ticker fires
// enabled reports whose cron schedule is due, a bounded worker pool runs
// the generation pipeline, and every run leaves an execution record behind.
// At most one execution per report is in flight at any time; ticks that
// land while one is running are skipped, not queued.
package reports

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/errors"
	"github.com/eden-vertex/vertex/pkg/events"
	"github.com/eden-vertex/vertex/pkg/model"
	"github.com/eden-vertex/vertex/pkg/notify"
	"github.com/eden-vertex/vertex/pkg/status/health"
	"github.com/eden-vertex/vertex/pkg/store"
	"github.com/eden-vertex/vertex/pkg/telemetry"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

var (
	tlmExecutions = telemetry.NewCounter("reports", "executions", []string{"trigger", "result"},
		"Report executions reaching a terminal state.")
	tlmSkippedRuns = telemetry.NewCounter("reports", "skipped_runs", []string{"reason"},
		"Scheduled runs skipped without executing: in_flight, saturated, missed.")
	tlmRunning = telemetry.NewGauge("reports", "running", nil,
		"Report executions currently in flight.")
	tlmArtifactBytes = telemetry.NewCounter("reports", "artifact_bytes", nil,
		"Total bytes of report artifacts written.")
)

var timeNow = time.Now

const healthTick = 5 * time.Second

const (
	// Stopped is the state of a Scheduler before Start and after Stop.
	Stopped uint32 = iota
	// Started is the state of a running Scheduler.
	Started
)

// Notifier delivers completion notifications. *notify.Service satisfies it.
type Notifier interface {
	Send(ctx context.Context, ownerID string, in notify.SendInput) (*model.NotificationDelivery, error)
}

// Publisher emits report lifecycle events. *events.Service satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ownerID string, in events.PublishInput) (*model.Event, error)
}

// Scheduler drives cron-scheduled report generation. The next run time of a
// report advances before its execution starts, so an overrunning execution
// can never double-fire, and a window missed while the process was down
// realigns to the wall clock after a single catch-up run.
type Scheduler struct {
	cfg       config.Reports
	reports   store.ReportStore
	templates store.ReportTemplateStore
	execs     store.ExecutionStore
	gen       *generator
	notifier  Notifier
	publisher Publisher

	slots     *semaphore.Weighted
	stopTick  chan struct{}
	tickDone  chan struct{}
	workerCtx context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	rm      sync.Mutex
	running map[string]string             // report id -> execution id
	cancels map[string]context.CancelFunc // execution id -> abort

	completed     uint64
	failed        uint64
	cancelledRuns uint64
	skipped       uint64

	healthToken   health.ID
	internalState uint32
	m             sync.Mutex // controls Start/Stop races
}

// NewScheduler returns a stopped Scheduler. notifier and publisher may be
// nil; completion side effects are then skipped.
func NewScheduler(cfg config.Reports, reports store.ReportStore, templates store.ReportTemplateStore, execs store.ExecutionStore, source DataSource, notifier Notifier, publisher Publisher) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		reports:   reports,
		templates: templates,
		execs:     execs,
		gen:       newGenerator(cfg, templates, source),
		notifier:  notifier,
		publisher: publisher,
	}
}

// Start brings up the ticker loop and the execution pool.
func (s *Scheduler) Start() error {
	s.m.Lock()
	defer s.m.Unlock()

	if s.internalState == Started {
		return fmt.Errorf("the report scheduler is already started")
	}

	s.slots = semaphore.NewWeighted(int64(s.cfg.MaxConcurrent))
	s.stopTick = make(chan struct{})
	s.tickDone = make(chan struct{})
	s.workerCtx, s.cancel = context.WithCancel(context.Background())
	s.running = make(map[string]string)
	s.cancels = make(map[string]context.CancelFunc)

	s.healthToken = health.Register("report-scheduler")
	go s.loop()

	atomic.StoreUint32(&s.internalState, Started)
	log.Infof("report scheduler started (tick %s, %d workers)", s.cfg.TickInterval, s.cfg.MaxConcurrent)
	return nil
}

// Stop halts the ticker and waits for in-flight executions. Executions
// still running when the grace period ends are interrupted; their runners
// finalize them as cancelled.
func (s *Scheduler) Stop() {
	s.m.Lock()
	defer s.m.Unlock()

	if s.internalState == Stopped {
		log.Errorf("the report scheduler is already stopped")
		return
	}
	atomic.StoreUint32(&s.internalState, Stopped)

	close(s.stopTick)
	<-s.tickDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace.Std()):
		log.Warnf("report executions still running after %s: interrupting", s.cfg.ShutdownGrace)
		s.cancel()
		<-done
	}
	s.cancel()
	if err := health.Deregister(s.healthToken); err != nil {
		log.Debugf("deregistering report scheduler health token: %v", err)
	}
	log.Info("report scheduler stopped")
}

// State returns Started or Stopped.
func (s *Scheduler) State() uint32 {
	return atomic.LoadUint32(&s.internalState)
}

// resume finalizes executions left running by an unclean shutdown. Their
// runners are gone, so the rows would otherwise stay running forever.
func (s *Scheduler) resume(ctx context.Context) error {
	orphans, err := s.execs.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("listing running executions: %w", err)
	}
	for _, ex := range orphans {
		ex.Status = model.ExecutionFailed
		ex.Error = "interrupted by restart"
		ex.FinishedAt = timeNow().UTC()
		if err := s.execs.Update(ctx, ex); err != nil {
			log.Warnf("execution %s: recording interruption: %v", ex.ID, err)
			continue
		}
		tlmExecutions.WithLabelValues(string(ex.Trigger), string(ex.Status)).Inc()
	}
	if len(orphans) > 0 {
		log.Infof("failed %d executions left running by an earlier process", len(orphans))
	}
	return nil
}

func (s *Scheduler) loop() {
	defer close(s.tickDone)
	tick := time.NewTicker(s.cfg.TickInterval.Std())
	defer tick.Stop()
	healthTicker := time.NewTicker(healthTick)
	defer healthTicker.Stop()
	for {
		select {
		case <-tick.C:
			s.sweep(s.workerCtx)
		case <-healthTicker.C:
			_ = health.Ping(s.healthToken)
		case <-s.stopTick:
			return
		}
	}
}

// sweep fires every enabled report that is due. The wall clock is re-read
// on each sweep, so clock adjustments take effect on the next tick.
func (s *Scheduler) sweep(ctx context.Context) {
	now := timeNow().UTC()
	enabled, err := s.reports.ListEnabled(ctx)
	if err != nil {
		log.Errorf("listing enabled reports: %v", err)
		return
	}
	for _, r := range enabled {
		if r.NextRunAt.IsZero() || r.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, r, now)
	}
}

// fire advances the report past the nominal time that just came due, then
// starts one scheduled execution for it. Windows missed while the process
// was down collapse into this single run; later nominal times are not
// backfilled.
func (s *Scheduler) fire(ctx context.Context, r *model.Report, now time.Time) {
	sched, err := ParseSchedule(r.Schedule, r.Timezone)
	if err != nil {
		log.Errorf("report %s has an unusable schedule %q: %v", r.ID, r.Schedule, err)
		return
	}
	nominal := r.NextRunAt

	next := NextAfter(sched, nominal, locationFor(r.Timezone))
	if !next.After(now) {
		tlmSkippedRuns.WithLabelValues("missed").Inc()
		log.Infof("report %s missed runs between %s and %s", r.ID,
			next.UTC().Format(time.RFC3339), now.Format(time.RFC3339))
		next = sched.Next(now)
	}
	r.NextRunAt = next.UTC()
	r.UpdatedAt = now
	if err := s.reports.Update(ctx, r); err != nil {
		log.Errorf("report %s: advancing next run time: %v", r.ID, err)
		return
	}

	if _, err := s.begin(ctx, r, model.TriggerScheduled, nominal); err != nil {
		switch {
		case errors.IsConflict(err):
			atomic.AddUint64(&s.skipped, 1)
			tlmSkippedRuns.WithLabelValues("in_flight").Inc()
			log.Infof("report %s: previous execution still running, skipping run for %s",
				r.ID, nominal.UTC().Format(time.RFC3339))
		case errors.IsRateLimited(err):
			atomic.AddUint64(&s.skipped, 1)
			tlmSkippedRuns.WithLabelValues("saturated").Inc()
			log.Warnf("report %s: worker pool is saturated, skipping run for %s",
				r.ID, nominal.UTC().Format(time.RFC3339))
		default:
			log.Errorf("report %s: starting execution: %v", r.ID, err)
		}
	}
}

// begin claims the report's in-flight slot and a pool slot, records the
// running execution and launches its runner.
func (s *Scheduler) begin(ctx context.Context, r *model.Report, trigger model.ExecutionTrigger, nominal time.Time) (*model.ReportExecution, error) {
	if atomic.LoadUint32(&s.internalState) != Started {
		return nil, fmt.Errorf("the report scheduler is not started")
	}
	ex := &model.ReportExecution{
		ID:           uuid.NewString(),
		ReportID:     r.ID,
		OwnerID:      r.OwnerID,
		Trigger:      trigger,
		Status:       model.ExecutionRunning,
		ScheduledFor: nominal,
		StartedAt:    timeNow().UTC(),
	}

	s.rm.Lock()
	if running, ok := s.running[r.ID]; ok {
		s.rm.Unlock()
		return nil, errors.NewConflict("report %s already has execution %s running", r.ID, running)
	}
	s.running[r.ID] = ex.ID
	s.rm.Unlock()

	if !s.slots.TryAcquire(1) {
		s.clear(r.ID, ex.ID)
		return nil, errors.NewRateLimited(0, "the report worker pool is saturated")
	}
	if err := s.execs.Save(ctx, ex); err != nil {
		s.slots.Release(1)
		s.clear(r.ID, ex.ID)
		return nil, err
	}
	tlmRunning.WithLabelValues().Inc()

	runCtx, abort := context.WithTimeout(s.workerCtx, s.cfg.ExecutionTimeout.Std())
	s.rm.Lock()
	s.cancels[ex.ID] = abort
	s.rm.Unlock()

	// The runner owns ex once launched; hand callers a snapshot.
	out := *ex
	s.wg.Add(1)
	go s.run(runCtx, r, ex)
	return &out, nil
}

// clear releases the in-flight slot held for an execution and drops its
// abort handle.
func (s *Scheduler) clear(reportID, executionID string) {
	s.rm.Lock()
	defer s.rm.Unlock()
	if id, ok := s.running[reportID]; ok && id == executionID {
		delete(s.running, reportID)
	}
	if abort, ok := s.cancels[executionID]; ok {
		delete(s.cancels, executionID)
		abort()
	}
}

func (s *Scheduler) run(ctx context.Context, r *model.Report, ex *model.ReportExecution) {
	defer s.wg.Done()
	defer tlmRunning.WithLabelValues().Dec()
	defer s.clear(r.ID, ex.ID)
	defer s.slots.Release(1)

	art, err := s.gen.Generate(ctx, r, ex)
	s.finalize(r, ex, art, err, ctx.Err())
}

// finalize records the terminal state and emits the completion side
// effects. The store writes use a fresh context: the worker context is
// already gone when the run was interrupted.
func (s *Scheduler) finalize(r *model.Report, ex *model.ReportExecution, art *artifact, genErr, ctxErr error) {
	ex.FinishedAt = timeNow().UTC()
	switch {
	case genErr == nil:
		ex.Status = model.ExecutionCompleted
		ex.ArtifactPath = art.Path
		ex.ArtifactBytes = art.Bytes
	case ctxErr == context.Canceled:
		ex.Status = model.ExecutionCancelled
		ex.Error = "execution cancelled"
	case ctxErr == context.DeadlineExceeded:
		ex.Status = model.ExecutionFailed
		ex.Error = fmt.Sprintf("execution exceeded %s", s.cfg.ExecutionTimeout)
	default:
		ex.Status = model.ExecutionFailed
		ex.Error = genErr.Error()
	}

	ctx := context.Background()
	if err := s.execs.Update(ctx, ex); err != nil {
		// A concurrent explicit cancel finalized the row first; that writer
		// owns the transition.
		log.Debugf("execution %s: recording %s: %v", ex.ID, ex.Status, err)
		return
	}
	tlmExecutions.WithLabelValues(string(ex.Trigger), string(ex.Status)).Inc()

	switch ex.Status {
	case model.ExecutionCompleted:
		atomic.AddUint64(&s.completed, 1)
		tlmArtifactBytes.WithLabelValues().Add(float64(ex.ArtifactBytes))
		log.Infof("report %s generated %s (%d bytes in %s)", r.ID, ex.ArtifactPath, ex.ArtifactBytes, ex.Duration())
		s.touchLastRun(ctx, r.ID, ex.StartedAt)
		s.notifyRecipients(ctx, r, ex)
		s.publishOutcome(ctx, r, ex, "report.completed")
	case model.ExecutionFailed:
		atomic.AddUint64(&s.failed, 1)
		log.Warnf("report %s execution %s failed: %s", r.ID, ex.ID, ex.Error)
		s.publishOutcome(ctx, r, ex, "report.failed")
	case model.ExecutionCancelled:
		atomic.AddUint64(&s.cancelledRuns, 1)
		log.Infof("report %s execution %s cancelled", r.ID, ex.ID)
	}
}

// touchLastRun reloads the report row before writing so the next run time
// advanced at fire is not clobbered by a stale copy.
func (s *Scheduler) touchLastRun(ctx context.Context, reportID string, at time.Time) {
	r, err := s.reports.FindByID(ctx, reportID)
	if err != nil {
		if !errors.IsNotFound(err) {
			log.Warnf("report %s: reading record: %v", reportID, err)
		}
		return
	}
	r.LastRunAt = at
	r.UpdatedAt = timeNow().UTC()
	if err := s.reports.Update(ctx, r); err != nil {
		log.Warnf("report %s: recording last run: %v", reportID, err)
	}
}

// notifyRecipients mails the artifact location to the report's recipients.
func (s *Scheduler) notifyRecipients(ctx context.Context, r *model.Report, ex *model.ReportExecution) {
	if s.notifier == nil || len(r.Recipients) == 0 {
		return
	}
	_, err := s.notifier.Send(ctx, r.OwnerID, notify.SendInput{
		Channel: string(model.ChannelEmail),
		Subject: fmt.Sprintf("Report %s is ready", r.Name),
		Body: fmt.Sprintf("Report %s finished at %s. Artifact: %s (%d bytes).",
			r.Name, ex.FinishedAt.Format(time.RFC3339), ex.ArtifactPath, ex.ArtifactBytes),
		Recipients: r.Recipients,
		Metadata: map[string]interface{}{
			"report_id":     r.ID,
			"execution_id":  ex.ID,
			"artifact_path": ex.ArtifactPath,
		},
	})
	if err != nil {
		log.Warnf("report %s: notifying recipients: %v", r.ID, err)
	}
}

func (s *Scheduler) publishOutcome(ctx context.Context, r *model.Report, ex *model.ReportExecution, eventType string) {
	if s.publisher == nil {
		return
	}
	payload := map[string]interface{}{
		"report_id":    r.ID,
		"report_name":  r.Name,
		"execution_id": ex.ID,
		"trigger":      string(ex.Trigger),
		"duration_ms":  ex.Duration().Milliseconds(),
	}
	if ex.Status == model.ExecutionCompleted {
		payload["artifact_path"] = ex.ArtifactPath
		payload["artifact_bytes"] = ex.ArtifactBytes
	} else {
		payload["error"] = ex.Error
	}
	_, err := s.publisher.Publish(ctx, r.OwnerID, events.PublishInput{
		Type:    eventType,
		Source:  "reports",
		Payload: payload,
	})
	if err != nil {
		log.Warnf("report %s: publishing %s: %v", r.ID, eventType, err)
	}
}

// interrupt aborts a live execution. Executions tracked by this process
// are cancelled through their context and finalized by their runner; a
// running row with no live runner, left behind by a crash, is finalized
// directly.
func (s *Scheduler) interrupt(ctx context.Context, ex *model.ReportExecution) error {
	s.rm.Lock()
	abort, live := s.cancels[ex.ID]
	s.rm.Unlock()
	if live {
		abort()
		return nil
	}

	ex.Status = model.ExecutionCancelled
	ex.Error = "execution cancelled"
	ex.FinishedAt = timeNow().UTC()
	if err := s.execs.Update(ctx, ex); err != nil {
		return err
	}
	atomic.AddUint64(&s.cancelledRuns, 1)
	tlmExecutions.WithLabelValues(string(ex.Trigger), string(ex.Status)).Inc()
	log.Infof("report %s execution %s cancelled", ex.ReportID, ex.ID)
	return nil
}

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	Running   int    `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Skipped   uint64 `json:"skipped"`
}

// Stats reports scheduler-level counters for this process.
func (s *Scheduler) Stats() Stats {
	s.rm.Lock()
	running := len(s.running)
	s.rm.Unlock()
	return Stats{
		Running:   running,
		Completed: atomic.LoadUint64(&s.completed),
		Failed:    atomic.LoadUint64(&s.failed),
		Cancelled: atomic.LoadUint64(&s.cancelledRuns),
		Skipped:   atomic.LoadUint64(&s.skipped),
	}
}

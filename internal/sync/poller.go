// Package sync schedules recurring triage runs.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nhle/phish-triage/internal/pipeline"
)

// SyncState represents the current state of the scheduled job.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "unknown"
	}
}

// SyncStatus holds the outcome of the most recent run.
type SyncStatus struct {
	State       SyncState
	Runs        int
	LastRun     time.Time
	LastSummary pipeline.Summary
	Error       error
}

// Job is one triage run.
type Job func(ctx context.Context) (pipeline.Summary, error)

// Poller runs a Job on a cron schedule. Runs never overlap: a tick that
// fires while a run is in progress is skipped.
type Poller struct {
	job      Job
	schedule cron.Schedule
	timeout  time.Duration
	log      *zap.Logger

	cron    *cron.Cron
	wrapped cron.Job
	ctx     context.Context
	cancel  context.CancelFunc

	mu      gosync.Mutex
	status  SyncStatus
	running bool

	// manual tracks runs started outside the cron scheduler.
	manual gosync.WaitGroup
}

// New creates a Poller. spec is a standard cron expression or a
// descriptor such as "@every 10m". timeout bounds a single run; zero
// means no bound.
func New(job Job, spec string, timeout time.Duration, log *zap.Logger) (*Poller, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &Poller{
		job:      job,
		schedule: schedule,
		timeout:  timeout,
		log:      log,
	}

	cronLog := cronLogger{log: log.Sugar()}
	p.wrapped = cron.NewChain(
		cron.SkipIfStillRunning(cronLog),
		cron.Recover(cronLog),
	).Then(cron.FuncJob(p.run))
	p.cron = cron.New(cron.WithLogger(cronLog))
	return p, nil
}

// Start schedules the job. Runs are cancelled when ctx is done or Stop
// is called.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.cron.Schedule(p.schedule, p.wrapped)
	p.cron.Start()
	p.log.Info("scheduler started", zap.Time("next_run", p.schedule.Next(time.Now())))
}

// Stop cancels any in-flight run, including one started by Trigger, and
// waits for it to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	<-p.cron.Stop().Done()
	p.manual.Wait()
	p.log.Info("scheduler stopped")
}

// RunNow runs the job immediately and returns when it finishes. It is a
// no-op when a run is already in progress.
func (p *Poller) RunNow() {
	p.manual.Add(1)
	defer p.manual.Done()
	p.wrapped.Run()
}

// Trigger starts a run in the background without waiting for it.
func (p *Poller) Trigger() {
	p.manual.Add(1)
	go func() {
		defer p.manual.Done()
		p.wrapped.Run()
	}()
}

// Status returns a snapshot of the last run.
func (p *Poller) Status() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Next returns the next scheduled run time.
func (p *Poller) Next() time.Time {
	return p.schedule.Next(time.Now())
}

func (p *Poller) run() {
	p.mu.Lock()
	parent := p.ctx
	p.status.State = SyncRunning
	p.mu.Unlock()

	if parent == nil {
		parent = context.Background()
	}
	ctx := parent
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, p.timeout)
		defer cancel()
	}

	summary, err := p.job(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.status.Runs++
	p.status.LastRun = time.Now()
	p.status.LastSummary = summary
	p.status.Error = err
	if err != nil {
		p.status.State = SyncError
		p.log.Error("scheduled run failed", zap.String("run_id", summary.RunID), zap.Error(err))
		return
	}
	p.status.State = SyncIdle
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Package syncer implements the attendance-sync pipeline: every unsynced
// attendance record is eventually forwarded to the remote authority and
// marked synced. Records arrive through three paths that all feed one
// queue: the startup catch-up scan, the periodic poll, and the store's
// push feed.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/facebridge/component"
	"github.com/c360/facebridge/errors"
	"github.com/c360/facebridge/metric"
	"github.com/c360/facebridge/pkg/timestamp"
	"github.com/c360/facebridge/pkg/worker"
	"github.com/c360/facebridge/protocol"
	"github.com/c360/facebridge/store"
)

// Forwarder is the outbound surface the pipeline delivers through.
// *authority.Client satisfies it.
type Forwarder interface {
	Register(ctx context.Context) error
	SendLogs(ctx context.Context, records []protocol.LogRecord) (*protocol.Response, error)
}

// AttendanceSource is the attendance-table surface the pipeline reads and
// marks. *store.AttendanceStore satisfies it.
type AttendanceSource interface {
	Get(ctx context.Context, id string) (store.AttendanceRecord, error)
	ListUnsynced(ctx context.Context, limit int) ([]store.AttendanceRecord, error)
	MarkSynced(ctx context.Context, id string) error
	Watch(ctx context.Context) (<-chan store.AttendanceRecord, func(), error)
}

// FaceLookup resolves an identity id to its display name for the
// forwarding payload. *store.FaceStore satisfies it.
type FaceLookup interface {
	Get(ctx context.Context, id string) (store.FaceRecord, error)
}

// Config holds the pipeline settings.
type Config struct {
	PollInterval time.Duration `json:"poll_interval"`
	PollLimit    int           `json:"poll_limit"`
	QueueSize    int           `json:"queue_size"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 3 * time.Second,
		PollLimit:    100,
		QueueSize:    1000,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("poll interval must be positive: %v", c.PollInterval),
			"syncer", "Validate", "check poll interval")
	}
	if c.PollLimit <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("poll limit must be positive: %d", c.PollLimit),
			"syncer", "Validate", "check poll limit")
	}
	if c.QueueSize <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("queue size must be positive: %d", c.QueueSize),
			"syncer", "Validate", "check queue size")
	}
	return nil
}

// Pipeline drives unsynced attendance records to the authority. A single
// forwarding worker delivers one record at a time; per-record failures are
// swallowed and the next poll cycle retries them.
type Pipeline struct {
	config     Config
	forwarder  Forwarder
	attendance AttendanceSource
	faces      FaceLookup
	logger     *slog.Logger
	metrics    *Metrics

	pool *worker.Pool[string]

	// inflight dedups the queue: an id is dropped while a copy of it is
	// queued or being processed. Correctness does not depend on this (the
	// already-synced check does), it just avoids redundant forwards.
	inflight   map[string]struct{}
	inflightMu sync.Mutex

	watchStop func()

	shutdown     chan struct{}
	shutdownOnce sync.Once
	started      atomic.Bool
	startTime    time.Time
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	lifecycleMu  sync.Mutex

	errorCount atomic.Int64
}

var _ component.Lifecycle = (*Pipeline)(nil)

// NewPipeline creates the sync pipeline. The metrics registry may be nil.
func NewPipeline(config Config, forwarder Forwarder, attendance AttendanceSource,
	faces FaceLookup, registry *metric.Registry, logger *slog.Logger) (*Pipeline, error) {

	if err := config.Validate(); err != nil {
		return nil, err
	}
	if forwarder == nil || attendance == nil || faces == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("forwarder, attendance and faces are required"),
			"syncer", "NewPipeline", "validate dependencies")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		config:     config,
		forwarder:  forwarder,
		attendance: attendance,
		faces:      faces,
		logger:     logger.With("component", "syncer"),
		metrics:    newMetrics(registry),
		inflight:   make(map[string]struct{}),
		shutdown:   make(chan struct{}),
	}

	// One worker: the remote correlates sendlog responses FIFO, so at
	// most one forward may be in flight at a time.
	var opts []worker.Option[string]
	if registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[string](registry, "syncer"))
	}
	p.pool = worker.NewPool(1, config.QueueSize, p.process, opts...)

	return p, nil
}

// Initialize implements component.Lifecycle.
func (p *Pipeline) Initialize() error {
	return nil
}

// Start performs the outbound handshake, runs the catch-up scan, then
// launches the poller and the push-feed listener. A handshake failure
// returns an error without starting anything; the caller decides whether
// to run degraded.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "syncer", "Start", "check started state")
	}

	if err := p.forwarder.Register(ctx); err != nil {
		return errors.WrapTransient(err, "syncer", "Start", "register with authority")
	}

	pipelineCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if err := p.pool.Start(pipelineCtx); err != nil {
		cancel()
		return errors.WrapFatal(err, "syncer", "Start", "start worker pool")
	}

	// One-time catch-up for records left unsynced before this run.
	n, err := p.enqueueUnsynced(pipelineCtx)
	if err != nil {
		p.logger.Warn("catch-up scan failed, poll will retry", "error", err)
	} else if n > 0 {
		p.logger.Info("catch-up enqueued", "count", n)
	}

	updates, stop, err := p.attendance.Watch(pipelineCtx)
	if err != nil {
		cancel()
		_ = p.pool.Stop(time.Second)
		return errors.WrapTransient(err, "syncer", "Start", "start push feed")
	}
	p.watchStop = stop

	p.wg.Add(2)
	go p.pollLoop(pipelineCtx)
	go p.watchLoop(pipelineCtx, updates)

	p.startTime = time.Now()
	p.started.Store(true)
	p.logger.Info("sync pipeline started", "poll_interval", p.config.PollInterval,
		"poll_limit", p.config.PollLimit)
	return nil
}

// Stop halts the poller, the push feed and the worker.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started.Load() {
		return nil
	}

	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
	p.cancel()
	if p.watchStop != nil {
		p.watchStop()
	}

	doneCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"syncer", "Stop", "wait for goroutines")
	}

	if err := p.pool.Stop(timeout); err != nil {
		return err
	}

	p.started.Store(false)
	p.logger.Info("sync pipeline stopped")
	return nil
}

// Health reports pipeline state.
func (p *Pipeline) Health() component.HealthStatus {
	started := p.started.Load()
	uptime := time.Duration(0)
	if started && !p.startTime.IsZero() {
		uptime = time.Since(p.startTime)
	}
	return component.HealthStatus{
		Healthy:    started,
		LastCheck:  time.Now(),
		ErrorCount: int(p.errorCount.Load()),
		Uptime:     uptime,
	}
}

// Enqueue submits a record id for forwarding. Safe from any goroutine;
// duplicates of an id already queued are dropped.
func (p *Pipeline) Enqueue(id string) {
	p.inflightMu.Lock()
	if _, dup := p.inflight[id]; dup {
		p.inflightMu.Unlock()
		return
	}
	p.inflight[id] = struct{}{}
	p.inflightMu.Unlock()

	if err := p.pool.Submit(id); err != nil {
		p.clearInflight(id)
		if p.metrics != nil {
			p.metrics.queueDrops.Inc()
		}
		p.logger.Warn("sync queue full, poll will retry", "id", id)
	}
}

func (p *Pipeline) clearInflight(id string) {
	p.inflightMu.Lock()
	delete(p.inflight, id)
	p.inflightMu.Unlock()
}

// enqueueUnsynced runs one unsynced scan and enqueues the results.
func (p *Pipeline) enqueueUnsynced(ctx context.Context) (int, error) {
	records, err := p.attendance.ListUnsynced(ctx, p.config.PollLimit)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		p.Enqueue(rec.ID)
	}
	return len(records), nil
}

// pollLoop repeats the unsynced scan at the configured interval. The poll
// is the universal retry mechanism: anything the push feed missed, or any
// record whose forward failed, is picked up here.
func (p *Pipeline) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			if _, err := p.attendancePoll(ctx); err != nil {
				p.errorCount.Add(1)
				p.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

func (p *Pipeline) attendancePoll(ctx context.Context) (int, error) {
	if p.metrics != nil {
		p.metrics.polls.Inc()
	}
	return p.enqueueUnsynced(ctx)
}

// watchLoop enqueues records as the push feed reports them.
func (p *Pipeline) watchLoop(ctx context.Context, updates <-chan store.AttendanceRecord) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case rec, ok := <-updates:
			if !ok {
				return
			}
			if rec.Synced() {
				continue
			}
			p.Enqueue(rec.ID)
		}
	}
}

// process forwards one record. Any failure leaves the record unsynced for
// the next poll; only the response's success flag advances its status.
func (p *Pipeline) process(ctx context.Context, id string) error {
	defer p.clearInflight(id)

	rec, err := p.attendance.Get(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrRecordNotFound) {
			return nil
		}
		p.errorCount.Add(1)
		return err
	}
	// Duplicate enqueue lands here: forwarding stops at the status check.
	if rec.Synced() {
		return nil
	}

	entry := p.buildLogRecord(ctx, rec)
	resp, err := p.forwarder.SendLogs(ctx, []protocol.LogRecord{entry})
	if err != nil {
		p.errorCount.Add(1)
		if p.metrics != nil {
			p.metrics.forwardFailures.Inc()
		}
		p.logger.Warn("forward failed, record stays unsynced", "id", id, "error", err)
		return err
	}
	if !resp.Result {
		if p.metrics != nil {
			p.metrics.forwardFailures.Inc()
		}
		p.logger.Warn("authority rejected record", "id", id, "reason", resp.Reason)
		return errors.WrapTransient(
			fmt.Errorf("authority rejected record: %s", resp.Reason),
			"syncer", "process", "forward "+id)
	}

	if err := p.attendance.MarkSynced(ctx, id); err != nil {
		p.errorCount.Add(1)
		p.logger.Error("mark-synced failed, record will be re-forwarded", "id", id, "error", err)
		return err
	}

	if p.metrics != nil {
		p.metrics.recordsForwarded.Inc()
	}
	p.logger.Info("record forwarded", "id", id, "enrollid", entry.EnrollID)
	return nil
}

// buildLogRecord assembles the forwarding payload: integer enrollid for
// all-digit ids, display name when the face record resolves, normalized
// timestamp, fixed mode/inout/event/temp defaults.
func (p *Pipeline) buildLogRecord(ctx context.Context, rec store.AttendanceRecord) protocol.LogRecord {
	name := ""
	if face, err := p.faces.Get(ctx, rec.EmployeeID); err == nil {
		name = face.Name
	}
	return protocol.LogRecord{
		EnrollID: protocol.EnrollIDValue(rec.EmployeeID),
		Name:     name,
		Time:     timestamp.NormalizeWallClock(rec.Time),
		Mode:     1,
		InOut:    0,
		Event:    0,
		Temp:     0.0,
	}
}

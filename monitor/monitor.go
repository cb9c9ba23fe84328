// Package monitor ties capture, attribution and the session store together. It owns the
// per-second sampler and is the one place that knows the order in which a monitoring run is
// torn down.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ps "github.com/mitchellh/go-ps"
	"github.com/robfig/cron"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	tmon "github.com/jinmuyano/trafficmon"
	"github.com/jinmuyano/trafficmon/capture"
	"github.com/jinmuyano/trafficmon/metrics"
	"github.com/jinmuyano/trafficmon/store"
	"github.com/jinmuyano/trafficmon/worker"
)

var (
	ErrAlreadyRunning = errors.New("monitoring already running")
	ErrNotRunning     = errors.New("monitoring not running")
)

const (
	defaultSamplerInterval = time.Second
	defaultCleanupInterval = 10 * time.Minute
)

// Attributor maps a local endpoint to the owning process name.
type Attributor interface {
	Start(ctx context.Context) error
	Stop()
	FindProcessByPacket(ip string, port uint16) string
}

type Config struct {
	SamplerInterval time.Duration
	CleanupInterval time.Duration

	// Capture is the template for every run; Interface is replaced by the Run argument.
	Capture  capture.Config
	PcapDump string
	LocalIPs []string

	CPUCores float64
	MemoryMB int
}

// CaptureFactory builds an idle capture for iface.
type CaptureFactory func(iface string) (*capture.Capture, error)

type run struct {
	id        string
	iface     string
	sessionID int64
	cap       *capture.Capture

	cancel   context.CancelFunc
	done     chan struct{}
	pending  sync.WaitGroup
	lastSave chan struct{} // closed once the most recently queued save has finished
	logger   *zap.SugaredLogger
}

type Monitor struct {
	cfg        Config
	store      *store.Store
	attr       Attributor
	pool       *worker.Pool
	ownPool    bool
	newCapture CaptureFactory

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	run      *run
	crontab  *cron.Cron
	limiter  resourceLimiter
	cleaning atomic.Bool
}

var _ tmon.Service = (*Monitor)(nil)

type optionFunc func(*Monitor)

// WithPool shares an existing pool; the monitor then leaves closing it to the caller.
func WithPool(p *worker.Pool) optionFunc {
	return func(m *Monitor) {
		if p != nil {
			m.pool = p
		}
	}
}

func WithLogger(l *zap.SugaredLogger) optionFunc {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) optionFunc {
	return func(m *Monitor) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

func WithClock(now func() time.Time) optionFunc {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithCaptureFactory(fn CaptureFactory) optionFunc {
	return func(m *Monitor) {
		if fn != nil {
			m.newCapture = fn
		}
	}
}

func New(cfg Config, st *store.Store, attr Attributor, opts ...optionFunc) *Monitor {
	if cfg.SamplerInterval <= 0 {
		cfg.SamplerInterval = defaultSamplerInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}

	m := &Monitor{
		cfg:     cfg,
		store:   st,
		attr:    attr,
		logger:  zap.NewNop().Sugar(),
		metrics: metrics.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pool == nil {
		m.pool = worker.New(0, worker.WithLogger(m.logger))
		m.ownPool = true
	}
	if m.newCapture == nil {
		m.newCapture = m.defaultCapture
	}
	return m
}

func (m *Monitor) defaultCapture(iface string) (*capture.Capture, error) {
	cfg := m.cfg.Capture
	cfg.Interface = iface

	opts := []capture.Option{
		capture.WithLogger(m.logger),
		capture.WithMetrics(m.metrics),
	}
	if m.cfg.PcapDump != "" {
		opts = append(opts, capture.WithPcapDump(m.cfg.PcapDump))
	}
	if len(m.cfg.LocalIPs) > 0 {
		opts = append(opts, capture.WithLocalIPs(m.cfg.LocalIPs))
	}
	return capture.New(cfg, opts...)
}

// Start brings up the attribution cache, the retention schedule and the resource limits.
// Run works without it, but then every record is attributed to an unknown process.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.attr.Start(ctx); err != nil {
		return fmt.Errorf("start attribution: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.crontab == nil {
		crontab := cron.New()
		spec := fmt.Sprintf("@every %s", m.cfg.CleanupInterval)
		if err := crontab.AddFunc(spec, m.scheduleCleanup); err != nil {
			m.attr.Stop()
			return fmt.Errorf("schedule cleanup %q: %w", spec, err)
		}
		crontab.Start()
		m.crontab = crontab
	}

	if limitsSupported && (m.cfg.CPUCores > 0 || m.cfg.MemoryMB > 0) {
		pid := os.Getpid()
		if err := m.limiter.configure(pid, m.cfg.CPUCores, m.cfg.MemoryMB); err != nil {
			// not fatal: the monitor just runs unconstrained
			m.logger.Warnw("cannot apply resource limits", "pid", pid, "error", err)
		} else {
			name := ""
			if p, err := ps.FindProcess(pid); err == nil && p != nil {
				name = p.Executable()
			}
			m.logger.Infow("resource limits applied",
				"pid", pid, "process", name,
				"cpu_cores", m.cfg.CPUCores, "memory_mb", m.cfg.MemoryMB)
		}
	}
	return nil
}

// Run starts capturing on iface and opens a session for it. The capture is started before the
// session so a failed open never leaves an empty session behind. The run outlives ctx; it ends
// with Stop.
func (m *Monitor) Run(ctx context.Context, iface string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run != nil {
		return 0, ErrAlreadyRunning
	}

	c, err := m.newCapture(iface)
	if err != nil {
		return 0, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := c.Start(runCtx); err != nil {
		cancel()
		return 0, err
	}

	sessionID, err := worker.Submit(m.pool, func(ctx context.Context) (int64, error) {
		return m.store.StartNewSession(ctx, c.Interface())
	}).Wait(ctx)
	if err != nil {
		c.Stop()
		cancel()
		return 0, fmt.Errorf("start session on %s: %w", iface, err)
	}

	id := uuid.NewString()
	r := &run{
		id:        id,
		iface:     c.Interface(),
		sessionID: sessionID,
		cap:       c,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    m.logger.With("run_id", id, "iface", c.Interface(), "session_id", sessionID),
	}
	m.run = r
	m.metrics.ActiveSessions.Inc()

	go m.sampleLoop(runCtx, r)

	r.logger.Infow("monitoring started", "interval", m.cfg.SamplerInterval.String())
	return sessionID, nil
}

// Running reports the session id of the active run.
func (m *Monitor) Running() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return 0, false
	}
	return m.run.sessionID, true
}

func (m *Monitor) sampleLoop(ctx context.Context, r *run) {
	defer close(r.done)

	ticker := time.NewTicker(m.cfg.SamplerInterval)
	defer ticker.Stop()

	capDone := r.cap.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-capDone:
			if err := r.cap.Err(); err != nil {
				r.logger.Errorw("capture ended, no more samples until stop", "error", err)
			}
			return
		case <-ticker.C:
			m.sample(r, m.now())
		}
	}
}

// sample drains the capture and queues one record. A record always stands for one second
// of traffic, the unit EndSession rolls up, so speed is the drained KB whatever the actual
// tick length was and the session totals match the captured bytes exactly.
func (m *Monitor) sample(r *run, now time.Time) {
	s := r.cap.Drain()
	in := tmon.RecordInput{
		SessionID: r.sessionID,
		DownSpeed: float64(s.DownBytes) / 1024,
		UpSpeed:   float64(s.UpBytes) / 1024,
		Time:      now,
	}
	if ep := s.Endpoint; !ep.IsZero() {
		in.SourceIP = ep.SourceIP
		in.DestIP = ep.DestIP
		in.Protocol = ep.Protocol
		in.ProcessName = m.attr.FindProcessByPacket(ep.LocalIP, ep.LocalPort)
	}
	m.save(r, in)
}

// save queues in behind the previous save of the run. The pool hands jobs out in FIFO order,
// so the previous one is already running when this one waits on it, and records land in
// sample order even with several workers.
func (m *Monitor) save(r *run, in tmon.RecordInput) {
	prev := r.lastSave
	done := make(chan struct{})
	r.lastSave = done

	r.pending.Add(1)
	err := m.pool.Go(func(ctx context.Context) {
		defer r.pending.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		if _, err := m.store.SaveDetailRecord(ctx, in); err != nil {
			r.logger.Warnw("record dropped", "error", err)
		}
	})
	if err != nil {
		close(done)
		r.pending.Done()
		r.logger.Warnw("record dropped", "error", err)
	}
}

// Stop ends the active run: sampler, then capture, then the last partial interval is saved,
// and only after every queued save has landed is the session closed and rolled up.
func (m *Monitor) Stop(ctx context.Context) (*tmon.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run
	if r == nil {
		return nil, ErrNotRunning
	}
	m.run = nil
	m.metrics.ActiveSessions.Dec()

	r.cancel()
	<-r.done
	r.cap.Stop()
	m.sample(r, m.now())

	if err := waitGroup(ctx, &r.pending); err != nil {
		r.logger.Errorw("pending records not flushed, session left open", "error", err)
		return nil, fmt.Errorf("flush records of session %d: %w", r.sessionID, err)
	}

	sess, err := worker.Submit(m.pool, func(ctx context.Context) (*tmon.Session, error) {
		return m.store.EndSession(ctx, r.sessionID)
	}).Wait(ctx)
	if err != nil {
		r.logger.Errorw("cannot end session", "error", err)
		return nil, err
	}

	r.logger.Infow("monitoring stopped",
		"records", sess.RecordCount,
		"duration_seconds", sess.DurationSeconds,
		"total_down_bytes", sess.TotalDownBytes,
		"total_up_bytes", sess.TotalUpBytes,
	)
	return sess, nil
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) scheduleCleanup() {
	if !m.cleaning.CompareAndSwap(false, true) {
		return
	}
	err := m.pool.Go(func(ctx context.Context) {
		defer m.cleaning.Store(false)
		m.logCleanup(m.store.PerformAutoCleanup(ctx))
	})
	if err != nil {
		m.cleaning.Store(false)
	}
}

func (m *Monitor) logCleanup(res store.CleanupResult, err error) {
	if err != nil {
		m.logger.Errorw("retention cleanup failed", "error", err)
		return
	}
	if res.Deleted > 0 {
		m.logger.Infow("retention cleanup",
			"before", res.Before, "deleted", res.Deleted, "after", res.After,
			"compacted", res.Compacted)
	}
}

// Cleanup runs retention now instead of waiting for the schedule.
func (m *Monitor) Cleanup(ctx context.Context) (store.CleanupResult, error) {
	res, err := worker.Submit(m.pool, m.store.PerformAutoCleanup).Wait(ctx)
	m.logCleanup(res, err)
	return res, err
}

// Close stops any active run and the attribution cache, then releases the pool and limits.
// The store stays open.
func (m *Monitor) Close(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := m.Stop(gctx); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		m.attr.Stop()
		return nil
	})
	err := g.Wait()

	m.mu.Lock()
	if m.crontab != nil {
		m.crontab.Stop()
		m.crontab = nil
	}
	if ferr := m.limiter.free(); ferr != nil {
		m.logger.Warnw("cannot remove resource limits", "error", ferr)
	}
	m.mu.Unlock()

	if m.ownPool {
		m.pool.Close()
	}
	return err
}

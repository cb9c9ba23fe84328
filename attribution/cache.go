// Package attribution maps local endpoints to the process that owns them.
//
// The table is rebuilt on a timer into a fresh snapshot that replaces the previous one with a
// single pointer swap, so lookups never see a half-built map and never wait for a refresh.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/robfig/cron"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jinmuyano/trafficmon/metrics"
)

var ErrAlreadyStarted = errors.New("attribution cache already started")

const (
	defaultInterval   = 3 * time.Second
	resolveConcurrent = 4
)

type snapshot struct {
	conns   map[string]int // endpoint key -> pid
	procs   map[int]Process
	builtAt time.Time

	// pids resolved on demand after the build, keyed by strconv pid
	memo cmap.ConcurrentMap[string, Process]
}

func newSnapshot(conns map[string]int, procs map[int]Process, at time.Time) *snapshot {
	return &snapshot{conns: conns, procs: procs, builtAt: at, memo: cmap.New[Process]()}
}

type Cache struct {
	interval time.Duration
	enum     Enumerator
	resolver Resolver
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time

	snap      atomic.Pointer[snapshot]
	refreshMu sync.Mutex
	closed    atomic.Bool

	mu      sync.Mutex
	crontab *cron.Cron
	stopCh  chan struct{}
}

type optionFunc func(*Cache)

func WithInterval(d time.Duration) optionFunc {
	return func(c *Cache) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithEnumerator(e Enumerator) optionFunc {
	return func(c *Cache) {
		if e != nil {
			c.enum = e
		}
	}
}

func WithResolver(r Resolver) optionFunc {
	return func(c *Cache) {
		if r != nil {
			c.resolver = r
		}
	}
}

func WithLogger(l *zap.SugaredLogger) optionFunc {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) optionFunc {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

func New(opts ...optionFunc) *Cache {
	c := &Cache{
		interval: defaultInterval,
		enum:     NewNetstatEnumerator(),
		resolver: PsResolver{},
		logger:   zap.NewNop().Sugar(),
		metrics:  metrics.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(newSnapshot(map[string]int{}, map[int]Process{}, time.Time{}))
	return c
}

// Start builds the first snapshot and then refreshes every interval until Stop or ctx ends.
// A failed first build is logged like any other; lookups answer Unknown until one succeeds.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.crontab != nil {
		return ErrAlreadyStarted
	}
	c.closed.Store(false)

	_ = c.Refresh(ctx)

	crontab := cron.New()
	spec := fmt.Sprintf("@every %s", c.interval)
	if err := crontab.AddFunc(spec, func() { c.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	crontab.Start()

	stopCh := make(chan struct{})
	c.crontab = crontab
	c.stopCh = stopCh

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-stopCh:
		}
	}()

	c.logger.Infow("attribution cache started", "interval", c.interval.String())
	return nil
}

// Stop ends the schedule. A refresh already running finishes, but its result is discarded.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.crontab == nil {
		return
	}
	c.closed.Store(true)
	c.crontab.Stop()
	close(c.stopCh)
	c.crontab = nil
	c.stopCh = nil
	c.logger.Infow("attribution cache stopped")
}

// tick skips the cycle when the previous refresh is still running.
func (c *Cache) tick(ctx context.Context) {
	if !c.refreshMu.TryLock() {
		c.metrics.AttributionRefreshes.WithLabelValues("skipped").Inc()
		return
	}
	defer c.refreshMu.Unlock()
	_ = c.refresh(ctx)
}

// Refresh rebuilds the snapshot now. On failure the previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) error {
	var (
		conns []Conn
		names map[int]Process
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		conns, err = c.enum.Connections(gctx)
		return err
	})
	if lister, ok := c.resolver.(ProcessLister); ok {
		g.Go(func() error {
			var err error
			names, err = lister.Processes(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		c.metrics.AttributionRefreshes.WithLabelValues("error").Inc()
		c.logger.Warnw("attribution refresh failed, keeping previous snapshot", "error", err)
		return err
	}

	next := c.build(ctx, conns, names)
	if c.closed.Load() {
		return nil
	}
	c.snap.Store(next)

	c.metrics.AttributionRefreshes.WithLabelValues("ok").Inc()
	c.metrics.AttributionEntries.Set(float64(len(next.conns)))
	return nil
}

// build keeps descriptors of pids that still run the same program and resolves the rest.
func (c *Cache) build(ctx context.Context, conns []Conn, names map[int]Process) *snapshot {
	prev := c.snap.Load()

	table := make(map[string]int, len(conns))
	procs := make(map[int]Process)
	var fresh []int

	for _, conn := range conns {
		table[conn.Key()] = conn.Pid
		if _, seen := procs[conn.Pid]; seen {
			continue
		}

		old, had := prev.procs[conn.Pid]
		listed, inList := names[conn.Pid]
		switch {
		case had && (names == nil || (inList && listed.Name == old.Name)):
			procs[conn.Pid] = old
		case inList:
			procs[conn.Pid] = listed
			fresh = append(fresh, conn.Pid)
		default:
			procs[conn.Pid] = Process{Pid: conn.Pid}
			fresh = append(fresh, conn.Pid)
		}
	}

	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrent)
	for _, pid := range fresh {
		pid := pid
		g.Go(func() error {
			p, err := c.resolver.Resolve(pid)
			if err != nil {
				return nil
			}
			mu.Lock()
			procs[pid] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// pids nobody could name stay out, so lookups retry them once on demand
	for pid, p := range procs {
		if p.Name == "" {
			delete(procs, pid)
		}
	}

	return newSnapshot(table, procs, c.now())
}

// Lookup finds the owner of a local endpoint: the exact address first, then the wildcard
// listeners on the same port.
func (c *Cache) Lookup(ip string, port uint16) (Process, bool) {
	snap := c.snap.Load()

	pid, ok := snap.conns[endpointKey(ip, port)]
	if !ok {
		for _, key := range wildcardKeys(port) {
			if pid, ok = snap.conns[key]; ok {
				break
			}
		}
	}
	if !ok {
		return Process{}, false
	}

	if p, ok := snap.procs[pid]; ok {
		return p, true
	}
	return c.resolveOnce(snap, pid)
}

// resolveOnce asks the resolver about a pid the snapshot could not name, at most once per
// snapshot. Failures are remembered too.
func (c *Cache) resolveOnce(snap *snapshot, pid int) (Process, bool) {
	key := strconv.Itoa(pid)
	if p, ok := snap.memo.Get(key); ok {
		return p, p.Name != ""
	}

	p, err := c.resolver.Resolve(pid)
	if err != nil {
		p = Process{Pid: pid}
	}
	snap.memo.Set(key, p)
	return p, p.Name != ""
}

// FindProcessByPacket returns the owning process name, or UnknownProcess.
func (c *Cache) FindProcessByPacket(ip string, port uint16) string {
	p, ok := c.Lookup(ip, port)
	if !ok || p.Name == "" {
		return UnknownProcess
	}
	return p.Name
}

// Stats describes the current snapshot.
type Stats struct {
	Endpoints int
	Processes int
	Resolved  int
	BuiltAt   time.Time
}

func (c *Cache) Snapshot() Stats {
	snap := c.snap.Load()
	return Stats{
		Endpoints: len(snap.conns),
		Processes: len(snap.procs),
		Resolved:  snap.memo.Count(),
		BuiltAt:   snap.builtAt,
	}
}

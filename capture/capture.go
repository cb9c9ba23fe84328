// Package capture reads frames from one interface on a background goroutine and
// accumulates their lengths per direction until the sampler drains them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jinmuyano/trafficmon/counter"
	"github.com/jinmuyano/trafficmon/metrics"
)

var (
	ErrOpenInterface  = errors.New("cannot open capture interface")
	ErrAlreadyRunning = errors.New("capture already running")
)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
)

const (
	defaultSnapshotLen int32 = 65536
	defaultReadTimeout       = 100 * time.Millisecond
	maxReadRetries           = 5
)

type Config struct {
	Interface   string
	SnapshotLen int32
	Promiscuous bool
	ReadTimeout time.Duration
	BPFFilter   string
}

// DefaultConfig is a promiscuous capture of iface with a short read timeout.
func DefaultConfig(iface string) Config {
	return Config{
		Interface:   iface,
		SnapshotLen: defaultSnapshotLen,
		Promiscuous: true,
		ReadTimeout: defaultReadTimeout,
	}
}

// Sample is what one Drain hands to the sampler.
type Sample struct {
	DownBytes int64
	UpBytes   int64
	Endpoint  Endpoint
}

type Capture struct {
	cfg      Config
	open     HandleOpener
	devices  func() ([]Device, error)
	localIPs map[string]struct{} // read only while running
	fixedIPs bool
	dumpPath string

	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	errLimiter *rate.Limiter

	state    atomic.Int32
	down, up counter.Counter
	tracker  endpointTracker

	mu        sync.Mutex
	handle    Handle
	closeOnce *sync.Once
	done      chan struct{}
	stopWatch chan struct{}
	err       error

	dumpFile   *os.File
	dumpWriter *pcapgo.Writer
}

type Option func(*Capture) error

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Capture) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Capture) error {
		if m != nil {
			c.metrics = m
		}
		return nil
	}
}

// WithPcapDump also writes every frame to a pcap file at path.
func WithPcapDump(path string) Option {
	return func(c *Capture) error {
		c.dumpPath = strings.TrimSpace(path)
		return nil
	}
}

// WithLocalIPs fixes the addresses that mark a frame as upload instead of looking them up
// on the device at Start.
func WithLocalIPs(ips []string) Option {
	return func(c *Capture) error {
		if len(ips) == 0 {
			return errors.New("invalid local ips")
		}
		mm := make(map[string]struct{}, len(ips))
		for _, ip := range ips {
			mm[ip] = struct{}{}
		}
		c.localIPs = mm
		c.fixedIPs = true
		return nil
	}
}

func WithHandleOpener(fn HandleOpener) Option {
	return func(c *Capture) error {
		if fn == nil {
			return errors.New("nil handle opener")
		}
		c.open = fn
		return nil
	}
}

func withDeviceLister(fn func() ([]Device, error)) Option {
	return func(c *Capture) error {
		c.devices = fn
		return nil
	}
}

func New(cfg Config, opts ...Option) (*Capture, error) {
	cfg.Interface = strings.TrimSpace(cfg.Interface)
	if cfg.Interface == "" {
		return nil, fmt.Errorf("%w: empty interface name", ErrOpenInterface)
	}
	if cfg.SnapshotLen <= 0 {
		cfg.SnapshotLen = defaultSnapshotLen
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if strings.HasPrefix(strings.TrimSpace(cfg.BPFFilter), "and") {
		return nil, fmt.Errorf("%w %s: invalid pcap filter %q", ErrOpenInterface, cfg.Interface, cfg.BPFFilter)
	}

	done := make(chan struct{})
	close(done)

	c := &Capture{
		cfg:        cfg,
		open:       openLive,
		devices:    Devices,
		logger:     zap.NewNop().Sugar(),
		metrics:    metrics.Nop(),
		errLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		done:       done,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Capture) Interface() string {
	return c.cfg.Interface
}

func (c *Capture) Running() bool {
	return c.state.Load() == stateRunning
}

// Start opens the interface and launches the read loop. Cancelling ctx stops the capture.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Load() != stateIdle {
		return ErrAlreadyRunning
	}

	h, err := c.open(c.cfg)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrOpenInterface, c.cfg.Interface, err)
	}

	if !c.fixedIPs {
		c.localIPs = c.resolveLocalIPs()
	}

	if err := c.openDump(h.LinkType()); err != nil {
		h.Close()
		return err
	}

	// a new run starts from empty counters
	c.down.Drain()
	c.up.Drain()
	c.tracker.drain()

	done := make(chan struct{})
	stopWatch := make(chan struct{})
	c.handle = h
	c.closeOnce = &sync.Once{}
	c.done = done
	c.stopWatch = stopWatch
	c.err = nil
	c.state.Store(stateRunning)

	go c.loop(h, done)
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-stopWatch:
		case <-done:
		}
	}()

	c.logger.Infow("capture started",
		"iface", c.cfg.Interface,
		"promiscuous", c.cfg.Promiscuous,
		"local_ips", len(c.localIPs),
	)
	return nil
}

func (c *Capture) resolveLocalIPs() map[string]struct{} {
	devs, err := c.devices()
	if err != nil {
		c.logger.Warnw("cannot list device addresses, all traffic counts as download",
			"iface", c.cfg.Interface, "error", err)
		return map[string]struct{}{}
	}
	return localAddresses(devs, c.cfg.Interface)
}

// Stop closes the handle, which unblocks the pending read, and waits for the loop to exit.
// It is safe to call more than once and from any goroutine.
func (c *Capture) Stop() {
	c.mu.Lock()
	done := c.done
	if !c.state.CompareAndSwap(stateRunning, stateStopping) {
		// idle already, or another Stop is in progress
		c.mu.Unlock()
		<-done
		return
	}
	stopWatch := c.stopWatch
	c.mu.Unlock()

	close(stopWatch)
	c.closeHandle()
	<-done

	c.state.Store(stateIdle)
	c.logger.Infow("capture stopped", "iface", c.cfg.Interface)
}

func (c *Capture) closeHandle() {
	c.mu.Lock()
	h, once := c.handle, c.closeOnce
	c.mu.Unlock()
	if h == nil || once == nil {
		return
	}
	once.Do(h.Close)
}

// Done is closed when the read loop has exited.
func (c *Capture) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err is the read error that ended the loop; nil when it ended through Stop.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Drain returns the bytes seen since the previous Drain and the interval's endpoint pair.
func (c *Capture) Drain() Sample {
	return Sample{
		DownBytes: c.down.Drain(),
		UpBytes:   c.up.Drain(),
		Endpoint:  c.tracker.drain(),
	}
}

// loop runs one capture. A loop that ends on its own error flips the state back to idle
// only after done is closed and the dump file is released, so a following Start never
// shares them with it.
func (c *Capture) loop(h Handle, done chan struct{}) {
	err := c.read(h)
	c.closeDump()
	close(done)
	if err != nil {
		c.state.CompareAndSwap(stateRunning, stateIdle)
	}
}

// read consumes frames until Stop or a terminal error. The error is recorded for Err
// and returned; a Stop returns nil.
func (c *Capture) read(h Handle) error {
	var (
		linkType = h.LinkType()
		retries  int
	)

	for {
		data, ci, err := h.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			if c.state.Load() == stateStopping {
				return nil
			}
			if errors.Is(err, io.EOF) {
				// a live handle only ends like this when something else closed it
				err = fmt.Errorf("%s: %w", c.cfg.Interface, io.ErrUnexpectedEOF)
			} else if isTemporary(err) && retries < maxReadRetries {
				retries++
				if c.errLimiter.Allow() {
					c.logger.Warnw("capture read failed, retrying", "iface", c.cfg.Interface, "error", err)
				}
				continue
			}

			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.logger.Errorw("capture loop terminated", "iface", c.cfg.Interface, "error", err)
			c.closeHandle()
			return err
		}

		retries = 0
		c.handleFrame(data, ci, linkType)
	}
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// handleFrame counts every frame exactly once, in one direction. Frames without an IP
// layer count as download and do not touch the endpoint pair.
func (c *Capture) handleFrame(data []byte, ci gopacket.CaptureInfo, linkType layers.LinkType) {
	length := int64(len(data))
	side := downSide

	fi, ok := decodeFrame(data, linkType)
	if ok {
		if _, local := c.localIPs[fi.src.String()]; local {
			side = upSide
		}
		c.tracker.observe(fi, side)
	}

	if side == upSide {
		c.up.Add(length)
	} else {
		c.down.Add(length)
	}
	c.metrics.CapturedBytes.WithLabelValues(side.String()).Add(float64(length))
	c.metrics.CapturedFrames.Inc()

	c.writeDump(ci, data)
}

func (c *Capture) openDump(linkType layers.LinkType) error {
	if c.dumpPath == "" {
		return nil
	}

	f, err := os.Create(c.dumpPath)
	if err != nil {
		return fmt.Errorf("create pcap dump: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(c.cfg.SnapshotLen), linkType); err != nil {
		f.Close()
		return fmt.Errorf("write pcap header: %w", err)
	}

	c.dumpFile = f
	c.dumpWriter = w
	return nil
}

func (c *Capture) writeDump(ci gopacket.CaptureInfo, data []byte) {
	if c.dumpWriter == nil {
		return
	}
	if ci.CaptureLength != len(data) {
		ci.CaptureLength = len(data)
	}
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	if ci.Timestamp.IsZero() {
		ci.Timestamp = time.Now()
	}
	if err := c.dumpWriter.WritePacket(ci, data); err != nil && c.errLimiter.Allow() {
		c.logger.Warnw("pcap dump write failed", "path", c.dumpPath, "error", err)
	}
}

func (c *Capture) closeDump() {
	if c.dumpFile == nil {
		return
	}
	if err := c.dumpFile.Close(); err != nil {
		c.logger.Warnw("close pcap dump", "path", c.dumpPath, "error", err)
	}
	c.dumpFile = nil
	c.dumpWriter = nil
}

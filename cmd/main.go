package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jinmuyano/trafficmon/attribution"
	"github.com/jinmuyano/trafficmon/capture"
	"github.com/jinmuyano/trafficmon/config"
	"github.com/jinmuyano/trafficmon/logger"
	"github.com/jinmuyano/trafficmon/metrics"
	"github.com/jinmuyano/trafficmon/monitor"
	"github.com/jinmuyano/trafficmon/store"
	"github.com/jinmuyano/trafficmon/worker"
)

const usage = `usage: trafficmon [-config file] <command> [flags]

commands:
  run       capture on an interface until interrupted
  sessions  list recorded sessions
  records   list records, optionally filtered
  top       rank processes by traffic
  delete    delete sessions by id
  cleanup   apply the retention rule now
  devices   list capture interfaces`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "trafficmon:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("trafficmon", flag.ContinueOnError)
	configPath := global.String("config", os.Getenv("TRAFFICMON_CONFIG"), "yaml config file")
	global.Usage = func() { fmt.Fprintln(global.Output(), usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	if cmd == "devices" {
		return listDevices()
	}

	zl := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zl.Sync()
	log := zl.Sugar()

	switch cmd {
	case "run":
		return runMonitor(cfg, log, rest)
	case "sessions", "records", "top", "delete", "cleanup":
		return runQuery(cfg, log, cmd, rest)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type app struct {
	store   *store.Store
	cache   *attribution.Cache
	pool    *worker.Pool
	monitor *monitor.Monitor
}

func newApp(cfg *config.Config, log *zap.SugaredLogger, m *metrics.Metrics) (*app, error) {
	st, err := store.Open(store.Config{
		Path:                    cfg.Store.Path,
		CleanupThreshold:        cfg.Store.CleanupThreshold,
		CleanupFraction:         cfg.Store.CleanupFraction,
		RenumberOnDelete:        cfg.Store.RenumberOnDelete,
		AllowDestructiveRebuild: cfg.Store.AllowDestructiveRebuild,
	}, store.WithLogger(log), store.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	enum, err := attribution.NewEnumerator(cfg.Attribution.Enumerator)
	if err != nil {
		st.Close()
		return nil, err
	}
	cache := attribution.New(
		attribution.WithInterval(cfg.Attribution.RefreshInterval),
		attribution.WithEnumerator(enum),
		attribution.WithLogger(log),
		attribution.WithMetrics(m),
	)

	pool := worker.New(cfg.Worker.Size, worker.WithLogger(log), worker.WithQueueSize(cfg.Worker.QueueSize))

	capCfg := capture.DefaultConfig(cfg.Capture.Interface)
	capCfg.SnapshotLen = cfg.Capture.SnapshotLen
	capCfg.Promiscuous = cfg.Capture.Promiscuous
	capCfg.ReadTimeout = cfg.Capture.ReadTimeout
	capCfg.BPFFilter = cfg.Capture.BPFFilter

	mon := monitor.New(monitor.Config{
		SamplerInterval: cfg.Sampler.Interval,
		CleanupInterval: cfg.Store.CleanupInterval,
		Capture:         capCfg,
		PcapDump:        cfg.Capture.PcapDump,
		LocalIPs:        cfg.Capture.LocalIPs,
		CPUCores:        cfg.Resources.CPUCores,
		MemoryMB:        cfg.Resources.MemoryMB,
	}, st, cache,
		monitor.WithPool(pool),
		monitor.WithLogger(log),
		monitor.WithMetrics(m),
	)

	return &app{store: st, cache: cache, pool: pool, monitor: mon}, nil
}

func (a *app) close(log *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.monitor.Close(ctx); err != nil {
		log.Errorw("monitor close", "error", err)
	}
	a.pool.Close()
	if err := a.store.Close(); err != nil {
		log.Errorw("store close", "error", err)
	}
}

func runMonitor(cfg *config.Config, log *zap.SugaredLogger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	iface := fs.String("iface", cfg.Capture.Interface, "interface to capture on")
	duration := fs.Duration("duration", 0, "stop after this long (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *iface == "" {
		return errors.New("run: -iface is required (see `trafficmon devices`)")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Address, reg, log)
		defer srv.Close()
	}

	a, err := newApp(cfg, log, m)
	if err != nil {
		return err
	}
	defer a.close(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if err := a.monitor.Start(ctx); err != nil {
		return err
	}
	id, err := a.monitor.Run(ctx, *iface)
	if err != nil {
		return err
	}
	fmt.Printf("监控中 session=%d iface=%s, Ctrl+C 结束\n", id, *iface)

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sess, err := a.monitor.Stop(stopCtx)
	if err != nil {
		return err
	}
	printSessions(os.Stdout, []sessionRow{rowOf(*sess)})
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server", "addr", addr, "error", err)
		}
	}()
	log.Infow("metrics listening", "addr", addr)
	return srv
}

func listDevices() error {
	devs, err := capture.Devices()
	if err != nil {
		return err
	}
	for _, d := range devs {
		fmt.Printf("%-16s %-40s %v\n", d.Name, d.Description, d.Addresses)
	}
	return nil
}

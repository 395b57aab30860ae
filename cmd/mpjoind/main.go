// mpjoind -- MPTCP subflow path manager and JOIN handshake daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mpath/mpjoind/internal/apiserver"
	"github.com/mpath/mpjoind/internal/config"
	"github.com/mpath/mpjoind/internal/gobgpadapter"
	mptcpmetrics "github.com/mpath/mpjoind/internal/metrics"
	"github.com/mpath/mpjoind/internal/mptcp"
	"github.com/mpath/mpjoind/internal/netio"
	"github.com/mpath/mpjoind/internal/ovsdbaddr"
	appversion "github.com/mpath/mpjoind/internal/version"
)

const shutdownTimeout = 10 * time.Second

const (
	flightRecorderMinAge   = 500 * time.Millisecond
	flightRecorderMaxBytes = 2 * 1024 * 1024
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("mpjoind starting",
		slog.String("version", appversion.Version),
		slog.String("api_addr", cfg.API.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := mptcpmetrics.NewCollector(reg)

	dad, err := netio.NewNetlinkAddressMonitor(logger, toSet(cfg.Netio.ExcludeInterfaces), toSet(cfg.Netio.LowPrioInterfaces))
	if err != nil {
		logger.Error("create address monitor", slog.String("error", err.Error()))
		return 1
	}

	mgr := mptcp.NewManager(logger, dad)
	defer mgr.Close()

	sender, err := netio.NewRawTCPSender()
	if err != nil {
		logger.Error("create raw tcp sender", slog.String("error", err.Error()))
		return 1
	}
	defer sender.Close()

	var resolver mptcp.RouteResolver
	if cfg.GoBGP.Enabled {
		r, err := gobgpadapter.New(gobgpadapter.Config{Addr: cfg.GoBGP.Addr, LookupTimeout: cfg.GoBGP.LookupTimeout}, logger)
		if err != nil {
			logger.Error("create gobgp route resolver", slog.String("error", err.Error()))
			return 1
		}
		defer r.Close()
		resolver = r
	}

	dialer := netio.NewTCPSubflowDialer(logger)

	if err := registerMetas(mgr, cfg.Metas, sender, resolver, dialer, logger); err != nil {
		logger.Error("register meta connections", slog.String("error", err.Error()))
		return 1
	}

	receiver, err := netio.NewRawTCPReceiver()
	if err != nil {
		logger.Error("create raw tcp receiver", slog.String("error", err.Error()))
		return 1
	}
	defer receiver.Close()

	dispatcher := mgr.NewDispatcher(noOpEstablishedLookup{}, noOpTCPDoRcv, logChildPromotion(logger))

	var addrMon netio.AddressMonitor = dad
	if cfg.OVSDB.Enabled {
		om, err := ovsdbaddr.New(ovsdbaddr.Config{Endpoint: cfg.OVSDB.Endpoint}, logger)
		if err != nil {
			logger.Error("create ovsdb address monitor", slog.String("error", err.Error()))
			return 1
		}
		defer om.Close()
		addrMon = om
	}

	if err := runServers(cfg, mgr, addrMon, receiver, dispatcher, reg, collector, logger, fr); err != nil {
		logger.Error("mpjoind exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("mpjoind stopped")
	return 0
}

// registerMetas constructs and registers the MetaConnections declared
// in configuration, wiring the shared PacketSender, (optional) route
// resolver, and subflow dialer onto each.
func registerMetas(
	mgr *mptcp.Manager,
	metas []config.MetaConfig,
	sender mptcp.PacketSender,
	resolver mptcp.RouteResolver,
	dialer mptcp.SubflowDialer,
	logger *slog.Logger,
) error {
	for _, mc := range metas {
		local, err := mc.LocalAddr()
		if err != nil {
			return err
		}
		remote, err := mc.RemoteAddr()
		if err != nil {
			return err
		}

		family := mptcp.FamilyV4
		if mc.Family == "v6" || (mc.Family == "" && local.Is6() && !local.Is4In6()) {
			family = mptcp.FamilyV6
		}

		meta := mptcp.NewMetaConnection(mc.ID, family, local, remote, mc.LocalPort, mc.RemotePort, mc.LocalKey, mc.RemoteKey)
		meta.Sender = sender
		meta.RouteResolver = resolver
		meta.SubflowDialer = dialer
		if resolver != nil {
			meta.ChildBuilder = mptcp.MixedFamilyChildSocketBuilder{Resolver: resolver}
		} else {
			meta.ChildBuilder = mptcp.DefaultChildSocketBuilder{}
		}

		if err := mgr.CreateMeta(meta); err != nil {
			return fmt.Errorf("create meta %q: %w", mc.ID, err)
		}
		logger.Info("registered meta connection",
			slog.String("id", mc.ID), slog.String("local", local.String()), slog.String("remote", remote.String()))
	}
	return nil
}

// noOpEstablishedLookup implements mptcp.EstablishedLookup by always
// reporting a miss. A real implementation needs the out-of-scope TCP
// engine's own established-connection table (internal/mptcp/dispatch.go
// explicitly leaves this collaborator to the caller); without owning
// that table, this daemon cannot yet route non-JOIN segments to an
// existing subflow, so it only drives the JOIN-handshake paths of
// Dispatcher.DoRcv and silently drops everything else, through the
// unlogged drop DoRcv already takes on a lookup miss.
type noOpEstablishedLookup struct{}

func (noOpEstablishedLookup) Lookup(_ mptcp.InboundPacket) mptcp.EstablishedMatch {
	return mptcp.EstablishedMatch{Found: false}
}

// noOpTCPDoRcv is never invoked while noOpEstablishedLookup always
// misses, but both collaborators are required to build a Dispatcher.
func noOpTCPDoRcv(_ *mptcp.Subflow, _ mptcp.InboundPacket) error {
	return nil
}

// logChildPromotion implements mptcp.RcvStateProcess by logging that a
// subflow has been promoted to an established child socket and
// handing it off; per internal/mptcp/join.go's own ChildSocket doc
// comment, what happens to the underlying connection from here
// (real sequence-number tracking, data delivery) belongs to the
// out-of-scope TCP engine, which this daemon does not implement.
func logChildPromotion(logger *slog.Logger) mptcp.RcvStateProcess {
	return func(child *mptcp.ChildSocket, _ mptcp.InboundPacket) error {
		logger.Info("subflow promoted to established child socket",
			slog.String("family", child.Family.String()),
			slog.String("local", child.LocalAddr.String()),
			slog.String("remote", child.RemoteAddr.String()),
		)
		return nil
	}
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func runServers(
	cfg *config.Config,
	mgr *mptcp.Manager,
	addrMon netio.AddressMonitor,
	receiver *netio.RawTCPReceiver,
	dispatcher *mptcp.Dispatcher,
	reg *prometheus.Registry,
	collector *mptcpmetrics.Collector,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
) error {
	events := apiserver.NewBroadcaster()
	apiSrv := apiserver.New(mgr, events, logger)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	apiHTTPSrv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return addrMon.Run(gCtx)
	})

	g.Go(func() error {
		for ev := range addrMon.Events() {
			mgr.Reactor.Dispatch(ev)
			events.Publish(ev)
		}
		return nil
	})

	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := apiHTTPSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	g.Go(func() error {
		return receiver.Run(gCtx, func(pkt mptcp.InboundPacket) {
			meta, ok := mgr.MatchMeta(pkt.DstAddr, pkt.DstPort)
			if !ok {
				return // not ours: some other TCP traffic the raw socket also saw
			}
			if err := dispatcher.DoRcv(meta, pkt); err != nil {
				logger.Warn("dispatch inbound packet", slog.String("error", err.Error()),
					slog.String("meta", meta.ID), slog.String("src", pkt.SrcAddr.String()))
			}
		})
	})

	g.Go(func() error {
		return pumpMetas(gCtx, mgr, collector)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(logger, fr, metricsSrv, apiHTTPSrv)
	})

	return g.Wait()
}

// pumpMetas periodically snapshots the manager's meta-connections into
// the Collector's gauges, since the core mptcp package has no
// metrics dependency of its own (spec.md keeps C1-C7 pure).
func pumpMetas(ctx context.Context, mgr *mptcp.Manager, collector *mptcpmetrics.Collector) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, snap := range mgr.Metas() {
				labels := []string{snap.LocalAddr.String(), snap.Family.String()}
				collector.MetaConnections.WithLabelValues(labels...).Set(1)
				collector.ActiveRequests.WithLabelValues(labels...).Set(float64(snap.PendingCount))
				collector.ActiveSubflows.WithLabelValues(labels...).Set(float64(snap.SubflowCount))
			}
		}
	}
}

func gracefulShutdown(logger *slog.Logger, fr *trace.FlightRecorder, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("watchdog keepalive failed", slog.String("error", err.Error()))
			}
		}
	}
}

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})
	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}
	return fr
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

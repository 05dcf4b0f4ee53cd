package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gophpfpm/internal/accesslog"
	"gophpfpm/internal/config"
	"gophpfpm/internal/fcgi"
	"gophpfpm/internal/metrics"
	"gophpfpm/internal/responder"
)

func main() {
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	logger.SetLevel(log.DebugLevel)

	rootCmd := &cobra.Command{
		Use:   "gophpfpm-responder",
		Short: "Standalone FastCGI responder engine",
		Long:  `A bare-metal FastCGI responder: accepts connections, assembles requests, and dispatches them to a worker pool.`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.LoadConfig(cmd.PersistentFlags(), logger)
			if err != nil {
				logger.Fatalf("could not load config: %s", err)
			}
			logger.SetLevel(log.InfoLevel)
			if cfg.Verbose {
				logger.SetLevel(log.DebugLevel)
			}
			cfg.LogConfig()

			listener, err := openListener(cfg)
			if err != nil {
				logger.Fatalf("could not open listener: %s", err)
			}

			monitor := metrics.NewMonitor(logger)
			access := accesslog.New(cfg.AccessLog, logger)

			rt := fcgi.NewRuntime(listener, cfg.QueueCapacity, logger)
			rt.RejectHook = monitor.RecordRejected
			rt.AcceptHook = monitor.ConnectionsTotal.Inc
			rt.EnqueueHook = monitor.RequestsEnqueued.Inc
			rt.DequeueHook = monitor.RequestsDequeued.Inc
			rt.ConnectionClosedHook = access.LogConnectionClosed
			if err := rt.Start(cfg.Threads); err != nil {
				logger.Fatalf("could not start runtime: %s", err)
			}

			pool := responder.NewPool(rt, responder.Echo, access, monitor, logger)
			pool.Start(cfg.Threads)

			var metricsSrv *http.Server
			if cfg.MetricsAddr != "" {
				metricsSrv = startMetricsServer(cfg.MetricsAddr, monitor, logger)
			}

			statsDone := reportStatsPeriodically(rt, monitor)
			defer close(statsDone)

			logger.Infof("responder listening on %s", listener.Addr())
			runUntilSignal(rt, pool, metricsSrv, logger)
		},
	}

	config.DefineParams(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		logger.Fatalf("could not run root command")
	}
}

// openListener honors an inherited listening socket (--listen-fd) over a
// freshly bound TCP address, mirroring how a web server hands a FastCGI
// responder its socket.
func openListener(cfg *config.Config) (net.Listener, error) {
	if cfg.ListenFD >= 0 {
		return fcgi.ListenFD(uintptr(cfg.ListenFD))
	}
	return net.Listen("tcp", cfg.Listen)
}

func startMetricsServer(addr string, monitor *metrics.Monitor, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		monitor.Registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          monitor.Registry,
		},
	))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %s", err)
		}
	}()
	logger.Infof("metrics server listening on %s", addr)
	return srv
}

// reportStatsPeriodically polls the runtime's counters into the
// monitor's gauges every second, returning a channel that stops the
// poller when closed.
func reportStatsPeriodically(rt *fcgi.Runtime, monitor *metrics.Monitor) chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				stats := rt.Stats()
				monitor.ObserveStats(stats.ConnectionNum, stats.EnqueueNum, stats.DequeueNum)
			}
		}
	}()
	return done
}

func runUntilSignal(rt *fcgi.Runtime, pool *responder.Pool, metricsSrv *http.Server, logger *log.Logger) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("responder started")
	<-done
	logger.Info("responder stopping")

	// Shutdown closes the queue first, waking any worker blocked in
	// PopBlocking, so Stop's WaitGroup join below does not hang forever.
	rt.Shutdown()
	pool.Stop()

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logger.Errorf("metrics server shutdown: %s", err)
		}
	}

	logger.Info("responder stopped")
}

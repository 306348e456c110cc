// Command heal runs the contrail-healer live-remediation daemon: it
// subscribes to the control plane's object-mutation bus and dispatches
// events to the healer pipelines registered for this process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cloudwatt/contrail-healer-go/internal/bus"
	"github.com/cloudwatt/contrail-healer-go/internal/config"
	"github.com/cloudwatt/contrail-healer-go/internal/daemon"
	"github.com/cloudwatt/contrail-healer-go/internal/healerrors"
	"github.com/cloudwatt/contrail-healer-go/internal/healers/fip"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/logging"
	"github.com/cloudwatt/contrail-healer-go/internal/telemetry/tracing"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] != "heal" {
		fmt.Fprintln(os.Stderr, "usage: contrail-healer heal [flags]")
		return 2
	}

	fs := flag.NewFlagSet("heal", flag.ContinueOnError)
	var (
		rabbitURL   string
		rabbitVhost string
		healerList  string
		configPath  string
		metricsAddr string
		healthAddr  string
		serviceName string
		resourceAPI string
	)
	fs.StringVar(&rabbitURL, "rabbit-url", "", "USER:PASS@HOST:PORT for the bus (or $CONTRAIL_HEALER_RABBIT_URL)")
	fs.StringVar(&rabbitVhost, "rabbit-vhost", "", "bus vhost (or $CONTRAIL_HEALER_RABBIT_VHOST)")
	fs.StringVar(&healerList, "healers", "", "comma-separated healer plugin names to register")
	fs.StringVar(&configPath, "config", "", "optional daemon YAML config file (rabbit url/vhost defaults + healer list)")
	fs.StringVar(&metricsAddr, "metrics", "", "expose Prometheus metrics on address (e.g. :9090)")
	fs.StringVar(&healthAddr, "health", "", "expose liveness endpoint on address (e.g. :9091)")
	fs.StringVar(&serviceName, "service-name", "contrail-healer", "service name attached to trace spans")
	fs.StringVar(&resourceAPI, "resource-api", "http://localhost:8082", "base URL of the resource-model API server used by reference healers")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	log := logging.New(slog.Default())
	ctx := context.Background()

	fip.Register(fip.NewHTTPResourceClient(resourceAPI))

	var healerNames []string
	if configPath != "" {
		topCfg, err := config.LoadTopLevelConfig(configPath)
		if err != nil {
			log.Error(ctx, "load daemon config", slog.Any("err", err))
			return 1
		}
		if rabbitURL == "" {
			rabbitURL = topCfg.RabbitURL
		}
		if rabbitVhost == "" {
			rabbitVhost = topCfg.RabbitVhost
		}
		healerNames = topCfg.Healers
	}
	if healerList != "" {
		healerNames = splitNonEmpty(healerList)
	}

	daemonCfg, err := config.Resolve(rabbitURL, rabbitVhost)
	if err != nil {
		log.Error(ctx, "resolve bus credentials", slog.Any("err", err))
		return 1
	}

	tp := tracing.NewProvider(tracing.Options{ServiceName: serviceName})
	defer func() { _ = tracing.Shutdown(context.Background(), tp) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d, err := daemon.New(runCtx, daemon.Options{
		RabbitURL:   daemonCfg.RabbitURL,
		RabbitVhost: daemonCfg.RabbitVhost,
		HealerNames: healerNames,
		Dial:        bus.DialAMQP,
	}, log)
	if err != nil {
		log.Error(runCtx, "build daemon", slog.Any("err", err))
		return 1
	}

	servers := startSideServers(runCtx, log, d, metricsAddr, healthAddr)
	defer stopSideServers(servers)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		sig := <-sigCh
		log.Info(runCtx, "signal received, shutting down",
			slog.Any("reason", healerrors.NewShutdownRequestedError(sig.String())))
		d.Stop()
		cancel()
		<-sigCh
		log.Warn(runCtx, "second signal received, forcing exit")
		os.Exit(1)
	}()

	if err := d.Run(runCtx); err != nil {
		log.Error(runCtx, "daemon exited with error", slog.Any("err", err))
		return 1
	}
	return 0
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// startSideServers launches the optional metrics and health HTTP listeners,
// each shut down when ctx is cancelled.
func startSideServers(ctx context.Context, log logging.Logger, d *daemon.Daemon, metricsAddr, healthAddr string) []*http.Server {
	var servers []*http.Server

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.Metrics().Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		servers = append(servers, srv)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go func() {
			log.Info(ctx, "metrics listening", slog.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error(ctx, "metrics server failed", slog.Any("err", err))
			}
		}()
	}

	if healthAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		srv := &http.Server{Addr: healthAddr, Handler: mux}
		servers = append(servers, srv)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go func() {
			log.Info(ctx, "health endpoint listening", slog.String("addr", healthAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error(ctx, "health server failed", slog.Any("err", err))
			}
		}()
	}

	return servers
}

func stopSideServers(servers []*http.Server) {
	for _, srv := range servers {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
}

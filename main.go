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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trailkeep/internal/app"
	"trailkeep/internal/infrastructure/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("TRAILKEEP_CONFIG"), "path to a YAML config file")
	metricsAddr := flag.String("metrics-addr", os.Getenv("TRAILKEEP_METRICS_ADDR"), "serve Prometheus metrics on this address")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "trailkeep:", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	config, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := logging.ParseLevel(config.LogLevel)
	logger := logging.NewLogger(os.Stderr, level)

	application, err := app.New(config, app.Host{}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Startup(ctx); err != nil {
		return err
	}

	var server *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(application.Registry(), promhttp.HandlerOpts{}))
		server = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	states := make(chan os.Signal, 1)
	if len(stateSignals) > 0 {
		signal.Notify(states, stateSignalList()...)
		defer signal.Stop(states)
	}

	for {
		select {
		case <-ctx.Done():
			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				server.Shutdown(shutdownCtx)
				cancel()
			}
			return application.Shutdown(context.Background())
		case sig := <-states:
			state := stateSignals[sig]
			if err := application.HandleAppStateChange(ctx, state); err != nil {
				logging.LogError(logger, err, "main.stateSignal", map[string]interface{}{"signal": sig.String()})
			}
		}
	}
}

func stateSignalList() []os.Signal {
	sigs := make([]os.Signal, 0, len(stateSignals))
	for sig := range stateSignals {
		sigs = append(sigs, sig)
	}
	return sigs
}

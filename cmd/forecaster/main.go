// Command forecaster runs the solar yield forecast engine: scheduled
// hourly forecasts, the nightly learning cycle and the operator
// maintenance modes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/helioforecast/helioforecast/pkg/solarforecast/config"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/engine"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/store"
	"github.com/helioforecast/helioforecast/pkg/solarforecast/weather"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	mode       = flag.String("mode", "run", "Mode: run, forecast, learn, retrain, reset, bootstrap, grid-search")
	group      = flag.String("group", "", "Panel group for forecast mode (default: all)")
	horizon    = flag.Int("horizon", 48, "Forecast horizon in hours")
	date       = flag.String("date", "", "Target date (YYYY-MM-DD) for learn mode (default: today)")
	target     = flag.String("target", "all", "Retrain target: ridge, sequence or all")
	scope      = flag.String("scope", "models", "Reset scope: models, calibration or all")
	days       = flag.Int("days", 0, "History depth for bootstrap mode (default: lookback window)")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if err := run(); err != nil {
		klog.ErrorS(err, "Forecaster failed")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	sources := make([]weather.Source, 0, len(cfg.Weather.Sources))
	for _, name := range cfg.Weather.Sources {
		source, err := weather.NewSource(name, cfg.Site.Latitude, cfg.Site.Longitude)
		if err != nil {
			return err
		}
		sources = append(sources, source)
	}

	eng, err := engine.New(cfg, st, sources...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "run":
		if cfg.Observability.MetricsEnabled {
			serveMetrics(cfg.Observability.MetricsPort)
		}
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil

	case "forecast":
		_, err := eng.Forecast(ctx, *group, *horizon)
		return err

	case "learn":
		targetDate := *date
		if targetDate == "" {
			targetDate = time.Now().Format(store.DateFormat)
		}
		return eng.RunLearningCycle(ctx, targetDate)

	case "retrain":
		return eng.Retrain(ctx, *target)

	case "reset":
		return eng.Reset(ctx, *scope)

	case "bootstrap":
		return eng.BootstrapFromHistory(ctx, *days)

	case "grid-search":
		report, err := eng.GridSearch(ctx)
		if err != nil {
			return err
		}
		klog.InfoS("Grid search finished",
			"bestHidden", report.Best.Config.HiddenSize,
			"bestLearningRate", report.Best.Config.LearningRate,
			"bestBatch", report.Best.Config.BatchSize,
			"valMAE", report.Best.ValMAE)
		return nil

	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		klog.InfoS("Metrics server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "Metrics server failed")
			os.Exit(1)
		}
	}()
}

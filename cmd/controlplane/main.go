/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The controlplane binary wires the decision and control plane together:
// stats store, bandit selector, AIMD admission controller, auto tuner, batch
// scheduler and latency guard. Inference execution stays external; the
// embedding system drives Submit/Feedback/Observe.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/oimiragieo/router-control-plane/pkg/aimd"
	"github.com/oimiragieo/router-control-plane/pkg/aimd/redisbackend"
	"github.com/oimiragieo/router-control-plane/pkg/autotuner"
	"github.com/oimiragieo/router-control-plane/pkg/bandit"
	"github.com/oimiragieo/router-control-plane/pkg/batching"
	"github.com/oimiragieo/router-control-plane/pkg/config"
	"github.com/oimiragieo/router-control-plane/pkg/latencyguard"
	"github.com/oimiragieo/router-control-plane/pkg/metrics"
	"github.com/oimiragieo/router-control-plane/pkg/stats"
	logutil "github.com/oimiragieo/router-control-plane/pkg/util/logging"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "controlplane",
		Short:        "Decision and control plane for multi-model LLM request routing",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logutil.NewLogger(cfg.Verbosity)
	logger.Info("Control plane starting")

	registry := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(registry)

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	selector := bandit.NewSelector(store, &bandit.Config{
		ExploreFactor:          cfg.Bandit.ExploreFactor,
		ContextualLearningRate: cfg.Bandit.ContextualLearningRate,
		FeatureCacheSize:       cfg.Bandit.FeatureCacheSize,
	}, logger, bandit.WithSink(sink))

	ctrlOpts := []aimd.Option{aimd.WithSink(sink)}
	if rc := cfg.Admission.Redis; rc != nil {
		backend, err := redisbackend.New(ctx, redisbackend.Config{
			Addr:     rc.Addr,
			Password: rc.Password,
			KeyTTL:   rc.KeyTTL,
		})
		if err != nil {
			return fmt.Errorf("connecting window-state backend: %w", err)
		}
		defer backend.Close()
		ctrlOpts = append(ctrlOpts, aimd.WithBackend(backend))
		logger.Info("Using shared window-state backend", "addr", rc.Addr)
	}
	controller := aimd.NewController(&aimd.Config{
		Base:             cfg.Admission.Base,
		MaxCap:           cfg.Admission.MaxCap,
		AdditiveStep:     cfg.Admission.AdditiveStep,
		MultFactor:       cfg.Admission.MultFactor,
		TargetMs:         cfg.Admission.TargetMs,
		JitterPct:        cfg.Admission.JitterPct,
		HighWatermarkPct: cfg.Admission.HighWatermarkPct,
		LowWatermarkPct:  cfg.Admission.LowWatermarkPct,
		IdleTTL:          cfg.Admission.IdleTTL,
		PruneInterval:    cfg.Admission.PruneInterval,
	}, logger, ctrlOpts...)
	go controller.RunPruner(ctx)

	scheduler := batching.NewScheduler(ctx, &batching.Config{
		MaxBatchSize:       cfg.Batching.MaxBatchSize,
		BatchTimeout:       cfg.Batching.BatchTimeout,
		LatencyTarget:      cfg.Batching.LatencyTarget,
		GPUMemoryThreshold: cfg.Batching.GPUMemoryThreshold,
		HistorySize:        cfg.Batching.HistorySize,
		QueueCapacity:      cfg.Batching.QueueCapacity,
	}, noopProcessor(logger), logger, batching.WithSink(sink))

	guard := latencyguard.NewGuard(&latencyguard.Config{
		Thresholds: latencyguard.Thresholds{
			P95Ms: cfg.Guard.P95Ms,
			P99Ms: cfg.Guard.P99Ms,
			MaxMs: cfg.Guard.MaxMs,
		},
		EvaluationInterval:       cfg.Guard.EvaluationInterval,
		MonitoringWindow:         cfg.Guard.MonitoringWindow,
		CooldownPeriod:           cfg.Guard.CooldownPeriod,
		AdaptiveAdjustmentFactor: cfg.Guard.AdaptiveAdjustmentFactor,
	}, scheduler, logger, latencyguard.WithSink(sink))
	go guard.Run(ctx)

	if err := startTuner(ctx, cfg, controller, scheduler, logger); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/debug/scores", scoresHandler(selector, cfg.Bandit.ExploreFactor))
		mux.HandleFunc("/debug/stats", statsHandler(controller, scheduler, guard))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("Metrics endpoint listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "Metrics endpoint failed")
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "Metrics endpoint shutdown failed")
		}
	}
	scheduler.Wait()
	logger.Info("Control plane stopped")
	return nil
}

func buildStore(cfg *config.Config) (stats.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		store, err := stats.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening stats store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return stats.NewMemoryStore(), func() {}, nil
	}
}

// startTuner builds at most one tuner against the controller. Mutual
// exclusion between tuners is enforced here, at the wiring layer: only the
// configured kind is ever constructed.
func startTuner(ctx context.Context, cfg *config.Config, controller *aimd.Controller, scheduler *batching.Scheduler, logger logr.Logger) error {
	if cfg.Tuner.Kind == config.TunerNone {
		return nil
	}

	var tuner autotuner.Tuner
	switch cfg.Tuner.Kind {
	case config.TunerPID:
		tuner = autotuner.NewPIDTuner(&autotuner.PIDConfig{
			Kp:               cfg.Tuner.PID.Kp,
			Ki:               cfg.Tuner.PID.Ki,
			Kd:               cfg.Tuner.PID.Kd,
			MaxIntegral:      cfg.Tuner.PID.MaxIntegral,
			UpdateInterval:   cfg.Tuner.PID.UpdateInterval,
			TargetLatencyMs:  cfg.Tuner.TargetLatencyMs,
			TargetThroughput: cfg.Tuner.TargetThroughput,
			TargetErrorRate:  cfg.Tuner.TargetErrorRate,
		}, controller, logger)
	case config.TunerRL:
		tuner = autotuner.NewRLTuner(&autotuner.RLConfig{
			Epsilon:          cfg.Tuner.RL.Epsilon,
			Alpha:            cfg.Tuner.RL.Alpha,
			Gamma:            cfg.Tuner.RL.Gamma,
			TargetLatencyMs:  cfg.Tuner.TargetLatencyMs,
			TargetThroughput: cfg.Tuner.TargetThroughput,
		}, controller, logger)
	default:
		return fmt.Errorf("unknown tuner kind %q", cfg.Tuner.Kind)
	}

	// Error rate and per-session window size come from the embedding
	// system's request loop; the standalone binary observes what the
	// scheduler alone can report.
	source := func() autotuner.Observation {
		return autotuner.Observation{
			P95LatencyMs: scheduler.P95Over(time.Minute),
			Throughput:   scheduler.Stats().AvgThroughput,
		}
	}
	runner := autotuner.NewRunner(tuner, source, cfg.Tuner.Interval, clock.RealClock{}, logger)
	go runner.Run(ctx)
	logger.Info("Auto tuner started", "kind", cfg.Tuner.Kind, "interval", cfg.Tuner.Interval)
	return nil
}

// scoresHandler exposes the per-model bandit scores for a cluster as JSON.
// Diagnostic surface only; selection itself is driven by the embedding
// system through the selector API.
func scoresHandler(selector *bandit.Selector, exploreFactor float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cluster := r.URL.Query().Get("cluster")
		if cluster == "" {
			http.Error(w, "missing cluster parameter", http.StatusBadRequest)
			return
		}
		scores, err := selector.Scores(r.Context(), cluster, exploreFactor, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(scores)
	}
}

// statsHandler exposes the live controller, scheduler and guard state.
func statsHandler(controller *aimd.Controller, scheduler *batching.Scheduler, guard *latencyguard.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := struct {
			Sessions  int                `json:"sessions"`
			Scheduler batching.Stats     `json:"scheduler"`
			Guard     latencyguard.Stats `json:"guard"`
		}{
			Sessions:  controller.SessionCount(),
			Scheduler: scheduler.Stats(),
			Guard:     guard.Stats(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

// noopProcessor stands in for the external inference call.
func noopProcessor(logger logr.Logger) batching.ProcessFunc {
	return func(_ context.Context, batch *batching.Batch) error {
		logger.V(logutil.TRACE).Info("Discarding batch, no inference executor wired",
			"batchID", batch.ID, "size", batch.Size())
		return nil
	}
}

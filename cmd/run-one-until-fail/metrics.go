package main

import (
	"context"
	"net/http"
	"time"

	"github.com/cashapp/run-one/pkg/runone"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	runsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runone_runs_total",
		Help: "The total number of command runs by outcome.",
	},
		[]string{
			"status", // success, spawn_failure, execution_failure
		},
	)
	runDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "runone_run_duration_seconds",
		Help: "Wall-clock duration of each command run.",
	})
)

func observeRun(res runone.Result, dur time.Duration) {
	runsCounter.WithLabelValues(statusLabel(res)).Inc()
	runDurationHistogram.Observe(dur.Seconds())
}

func statusLabel(res runone.Result) string {
	switch res.Outcome {
	case runone.SpawnFailure:
		return "spawn_failure"
	case runone.ExecutionFailure:
		return "execution_failure"
	}
	return "success"
}

type metricsServer struct {
	http.Server
}

func newMetricsServer(addr string) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &metricsServer{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *metricsServer) start() error {
	if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "cannot start metrics server")
	}
	return nil
}

func (s *metricsServer) stop() {
	if err := s.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("cannot stop metrics server")
	}
}

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricFieldOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmarcremediator_field_outcomes_total",
			Help: "Outcome per processed record field.",
		},
		[]string{
			"field", // spf, dmarc
			"outcome",
		},
	)
	metricHTTPRequest = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmarcremediator_http_requests_total",
			Help: "Requests sent to the DNS provider API, by method and status code (0 for network errors).",
		},
		[]string{
			"method",
			"code",
		},
	)
	metricHTTPRetry = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmarcremediator_http_retries_total",
			Help: "Retried requests to the DNS provider API.",
		},
	)
	metricBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dmarcremediator_batch_duration_seconds",
			Help:    "Time spent processing one page of zones, excluding cooldown.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
)

func FieldOutcome(field, outcome string) {
	metricFieldOutcome.WithLabelValues(field, outcome).Inc()
}

func HTTPRequest(method string, code int) {
	metricHTTPRequest.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func HTTPRetry() {
	metricHTTPRetry.Inc()
}

func BatchDuration(d time.Duration) {
	metricBatchDuration.Observe(d.Seconds())
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("could not shut down metrics server", slog.String("err", err.Error()))
		}
	}()

	logger.Info("serving metrics", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics defines metrics operations needed by the scan pipeline.
type PipelineMetrics interface {
	// Run metrics
	IncRuns()
	IncSkippedRuns()
	ObserveRunDuration(d time.Duration)

	// Account metrics
	IncAccountsDelivered(provider string)
	IncAccountFailures(provider, stage string)
	ObserveScanDuration(provider string, d time.Duration)

	// Finding metrics
	ObserveFindings(count int)
	AddTruncatedResources(count int)
}

// Pipeline implements PipelineMetrics.
type Pipeline struct {
	Runs        prometheus.Counter
	SkippedRuns prometheus.Counter
	RunDuration prometheus.Histogram

	AccountsDelivered *prometheus.CounterVec
	AccountFailures   *prometheus.CounterVec
	ScanDuration      *prometheus.HistogramVec

	FindingsPerAccount prometheus.Histogram
	TruncatedResources prometheus.Counter
}

const namespace = "cloudscan"

// New registers the pipeline metrics with reg.
func New(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		Runs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of pipeline runs started",
		}),
		SkippedRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_skipped_total",
			Help:      "Scheduled runs skipped because the previous run was still active",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a full pipeline run",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}),

		AccountsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounts_delivered_total",
			Help:      "Accounts whose findings were imported into the backend",
		}, []string{"provider"}),
		AccountFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_failures_total",
			Help:      "Accounts that failed, by pipeline stage",
		}, []string{"provider", "stage"}),
		ScanDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Time the scan engine took per account",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 12),
		}, []string{"provider"}),

		FindingsPerAccount: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "findings_per_account",
			Help:      "Number of findings produced per account",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		TruncatedResources: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncated_resources_total",
			Help:      "Finding resources shortened to fit the backend limit",
		}),
	}
}

func (m *Pipeline) IncRuns()        { m.Runs.Inc() }
func (m *Pipeline) IncSkippedRuns() { m.SkippedRuns.Inc() }

func (m *Pipeline) ObserveRunDuration(d time.Duration) { m.RunDuration.Observe(d.Seconds()) }

func (m *Pipeline) IncAccountsDelivered(provider string) {
	m.AccountsDelivered.WithLabelValues(provider).Inc()
}

func (m *Pipeline) IncAccountFailures(provider, stage string) {
	m.AccountFailures.WithLabelValues(provider, stage).Inc()
}

func (m *Pipeline) ObserveScanDuration(provider string, d time.Duration) {
	m.ScanDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Pipeline) ObserveFindings(count int)       { m.FindingsPerAccount.Observe(float64(count)) }
func (m *Pipeline) AddTruncatedResources(count int) { m.TruncatedResources.Add(float64(count)) }

// RunMetricsServer serves /metrics from g on addr until ctx is done.
func RunMetricsServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KevinZhao/shared"
	"github.com/KevinZhao/shared/internal/breaker"
	"github.com/KevinZhao/shared/internal/ratelimit"
)

const maxBodyBytes = 10 << 20

type fetchOptions struct {
	requests    int
	concurrency int
	blockAfter  time.Duration
	timeout     time.Duration
	metricsAddr string
	rate        float64
	breakAfter  int
	breakFor    time.Duration
}

// fetchResult is what the cache holds per URL.
type fetchResult struct {
	StatusCode int
	Bytes      int
	FetchedAt  time.Time
}

type fetchSummary struct {
	ok, rejected, failed int64
}

func newFetchCommand(a *app) *cobra.Command {
	opts := fetchOptions{}

	c := &cobra.Command{
		Use:   "fetch URL",
		Short: "Issue concurrent GETs through the cache, deduplicator and retry loop",
		Long: `Fetch issues --requests GETs to URL, at most --concurrency at a time.

Each request goes through TTLCache.Wrap, then RequestDeduplicator.Execute,
then Retry around the HTTP call, so concurrent misses collapse onto one
upstream call and later requests are served from the cache. Cache and
deduplicator statistics are printed at the end.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := shared.NewValidator().
				URL("url", args[0]).
				Range("requests", float64(opts.requests), 1, 1e6).
				Range("concurrency", float64(opts.concurrency), 1, 1e4).
				Range("rate", opts.rate, 0, 1e6).
				Range("break-after", float64(opts.breakAfter), 0, 1e6).
				Err(); err != nil {
				return err
			}
			return runFetch(cmd.Context(), cmd, a, args[0], opts)
		},
	}

	f := c.Flags()
	f.IntVarP(&opts.requests, "requests", "n", 10, "number of requests to issue")
	f.IntVarP(&opts.concurrency, "concurrency", "c", 4, "maximum requests in flight")
	f.DurationVar(&opts.blockAfter, "block-after", 0, "reject identical requests for this long after a success")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-attempt HTTP timeout")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running (overrides metrics.addr)")
	f.Float64Var(&opts.rate, "rate", 0, "maximum upstream calls per second, 0 for unlimited")
	f.IntVar(&opts.breakAfter, "break-after", 0, "open a circuit breaker after this many consecutive upstream failures, 0 to disable")
	f.DurationVar(&opts.breakFor, "break-for", 30*time.Second, "how long an open circuit rejects calls before probing")
	f.Bool("single-flight", false, "collapse concurrent cache misses inside Wrap")
	return c
}

func runFetch(ctx context.Context, cmd *cobra.Command, a *app, url string, opts fetchOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.cfg
	logger := cfg.Logger("sharedkit", cmd.ErrOrStderr())

	registry := prometheus.NewRegistry()
	metrics := shared.NewMetricsCollectorWithRegistry(registry)

	cache := shared.NewTTLCache[*fetchResult](append(cfg.Cache.Options(),
		shared.WithCacheMetrics(metrics),
		shared.WithCacheLogger(logger.Namespace("cache")),
	)...)
	defer cache.Destroy()

	dedup := shared.NewRequestDeduplicator(append(cfg.Dedup.Options(),
		shared.WithDeduplicatorMetrics(metrics),
		shared.WithDeduplicatorLogger(logger.Namespace("dedup")),
	)...)
	if cfg.Dedup.AutoCleanup {
		dedup.StartAutoCleanup(cfg.Dedup.CleanupInterval)
		defer dedup.StopAutoCleanup()
	}

	metricsAddr := opts.metricsAddr
	if metricsAddr == "" && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		stop := serveMetrics(metricsAddr, cfg.Metrics.Path, registry, logger)
		defer stop()
	}

	f := &fetcher{
		client:  &http.Client{Timeout: opts.timeout},
		policy:  cfg.RetryPolicy(),
		metrics: metrics,
		logger:  logger.Namespace("retry"),
		limiter: ratelimit.PerSecond(opts.rate),
	}
	if opts.breakAfter > 0 {
		f.breaker = breaker.New(breaker.Config{FailureThreshold: opts.breakAfter, RecoveryTimeout: opts.breakFor}, nil)
	}

	var summary fetchSummary
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)

	for i := 0; i < opts.requests; i++ {
		g.Go(func() error {
			_, err := cache.Wrap(gctx, "GET:"+url, func(ctx context.Context) (*fetchResult, error) {
				return shared.Execute(ctx, dedup, shared.ExecuteOptions{
					Method:             http.MethodGet,
					URL:                url,
					BlockAfterComplete: opts.blockAfter,
				}, func(ctx context.Context) (*fetchResult, error) {
					return f.get(ctx, url)
				})
			})

			switch {
			case err == nil:
				atomic.AddInt64(&summary.ok, 1)
			case errors.Is(err, shared.ErrDuplicateSubmission):
				atomic.AddInt64(&summary.rejected, 1)
			case errors.Is(err, context.Canceled):
				return err
			default:
				atomic.AddInt64(&summary.failed, 1)
				metrics.RecordError(err)
				logger.Warn("request failed", "url", url, "type", shared.ErrorCode(err), "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), url, &summary, cache.Stats(), dedup.Stats())

	if summary.failed == int64(opts.requests) {
		return fmt.Errorf("all %d requests to %s failed", opts.requests, url)
	}
	return nil
}

type fetcher struct {
	client  *http.Client
	policy  shared.RetryPolicy
	metrics *shared.MetricsCollector
	logger  shared.Logger
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
}

func (f *fetcher) get(ctx context.Context, url string) (*fetchResult, error) {
	if f.breaker == nil {
		return f.do(ctx, url)
	}
	var res *fetchResult
	err := f.breaker.Do(func() error {
		var err error
		res, err = f.do(ctx, url)
		return err
	}, shared.IsTransient)
	if errors.Is(err, breaker.ErrOpen) {
		f.logger.Warn("circuit open, skipping upstream call", "url", url)
	}
	return res, err
}

func (f *fetcher) do(ctx context.Context, url string) (*fetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := shared.Retry(ctx, f.policy, func(ctx context.Context) (*http.Response, error) {
		return f.client.Do(req.Clone(ctx))
	},
		shared.WithRetryMetrics(f.metrics, http.MethodGet, shared.EndpointFromRequest(req)),
		shared.WithRetryLogger(f.logger),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, shared.NewStatusError(resp)
	}

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return &fetchResult{StatusCode: resp.StatusCode, Bytes: int(n), FetchedAt: time.Now()}, nil
}

func serveMetrics(addr, path string, registry *prometheus.Registry, logger shared.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr, "path", path)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printSummary(w io.Writer, url string, s *fetchSummary, cs shared.CacheStats, ds shared.DeduplicatorStats) {
	fmt.Fprintf(w, "%s\n", url)
	fmt.Fprintf(w, "  requests:  ok=%d rejected=%d failed=%d\n",
		atomic.LoadInt64(&s.ok), atomic.LoadInt64(&s.rejected), atomic.LoadInt64(&s.failed))
	fmt.Fprintf(w, "  cache:     size=%d hits=%d misses=%d evictions=%d hit_rate=%.2f\n",
		cs.Size, cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
	fmt.Fprintf(w, "  dedup:     pending=%d completed=%d\n", ds.PendingCount, ds.CompletedCount)
}

// Package main is the entry point for the distil worker daemon. It wires
// the fetch pipeline, crawler and job queue together and processes distill
// and crawl jobs until signalled. The transport layer that enqueues jobs
// lives outside this binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmylchreest/distil/internal/cache"
	"github.com/jmylchreest/distil/internal/config"
	"github.com/jmylchreest/distil/internal/crawler"
	"github.com/jmylchreest/distil/internal/distiller"
	"github.com/jmylchreest/distil/internal/extractor"
	"github.com/jmylchreest/distil/internal/fetch"
	"github.com/jmylchreest/distil/internal/jobqueue"
	"github.com/jmylchreest/distil/internal/logging"
	"github.com/jmylchreest/distil/internal/models"
	"github.com/jmylchreest/distil/internal/pipeline"
	"github.com/jmylchreest/distil/internal/policy"
	"github.com/jmylchreest/distil/internal/protection"
	"github.com/jmylchreest/distil/internal/ratelimit"
	"github.com/jmylchreest/distil/internal/robots"
	"github.com/jmylchreest/distil/internal/shutdown"
	"github.com/jmylchreest/distil/internal/ssrf"
	"github.com/jmylchreest/distil/internal/version"
	"github.com/jmylchreest/distil/internal/webhook"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting distil",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	validator := ssrf.NewValidator(logger, ssrf.WithAllowedHosts(cfg.AllowedHosts...))
	client := fetch.NewClient(fetch.Config{
		UserAgent:      cfg.UserAgent,
		Timeout:        cfg.FetchTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
	}, validator, logger)

	limiter := ratelimit.New(ratelimit.Config{
		Enabled:    cfg.RateLimitEnabled,
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.RateLimitRefillRate,
		Tick:       cfg.RateLimitTick,
	}, logger)

	robotsMgr := robots.NewManager(robots.Config{
		TTL:       cfg.RobotsTTL,
		UserAgent: cfg.RobotsUserAgent,
		Timeout:   cfg.FetchTimeout,
		Validator: validator,
	}, logger)

	backend, err := cache.NewS3Backend(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize shared cache backend", "error", err)
		os.Exit(1)
	}
	var cacheBackend cache.Backend
	if backend != nil {
		cacheBackend = backend
	} else {
		logger.Info("shared cache backend disabled - no bucket configured")
	}
	contentCache := cache.New(cache.Config{
		TTL:     cfg.CacheTTL,
		LRUSize: cfg.CacheLRUSize,
	}, cacheBackend, logger)

	policies := policy.NewEngine(defaultPolicies(), logger)

	registry := extractor.NewRegistry(cfg.ExtractorTimeout, logger,
		extractor.NewReadability(),
		extractor.NewTrafilatura(),
		extractor.NewDOMHeuristic(),
	)
	if cfg.LLMEnabled() {
		registry.Register(extractor.NewLLM(extractor.LLMConfig{
			BaseURL: cfg.LLMBaseURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
			Timeout: cfg.ExtractorTimeout,
		}, logger))
	}

	dist := distiller.New(policies, extractor.NewAdapterRegistry(), registry, distiller.GuardConfig{
		MinParagraphs:    cfg.GuardMinParagraphs,
		MinContentLength: cfg.GuardMinContentLength,
		MinWords:         cfg.GuardMinWords,
	}, logger)

	detector := protection.NewDetector()
	pipe := pipeline.New(pipeline.Config{MaxNodes: cfg.MaxNodes},
		client, limiter, contentCache, detector, dist, nil, logger)

	crawl := crawler.New(crawler.Config{
		MaxDepthCeiling:    cfg.CrawlMaxDepthCeiling,
		DefaultConcurrency: cfg.CrawlConcurrency,
		DefaultMaxPages:    cfg.CrawlMaxPages,
	}, client, robotsMgr, limiter, dist, nil, logger)

	notifier := webhook.NewNotifier(webhook.Config{
		Timeout:    cfg.WebhookTimeout,
		RetryDelay: cfg.WebhookRetryDelay,
		UserAgent:  cfg.UserAgent,
	}, logger)

	queue := jobqueue.New(jobqueue.Config{
		Concurrency:    cfg.QueueConcurrency,
		Tick:           cfg.QueueTick,
		DefaultTimeout: cfg.JobDefaultTimeout,
		RetentionLimit: cfg.JobRetentionLimit,
	}, notifier, logger)

	registerHandlers(queue, pipe, crawl)
	queue.Start()

	idle := shutdown.NewIdleMonitor(shutdown.Config{
		Timeout:   getIdleTimeout(),
		Logger:    logger,
		WorkCheck: queue.HasWork,
	})
	idle.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-idle.ShutdownChan():
		logger.Info("idle shutdown triggered")
	}

	done := make(chan struct{})
	go func() {
		queue.Stop()
		idle.Stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(cfg.ShutdownGracePeriod):
		logger.Warn("shutdown grace period elapsed, exiting")
	}
}

// registerHandlers binds the built-in job types.
func registerHandlers(queue *jobqueue.Queue, pipe *pipeline.Pipeline, crawl *crawler.Crawler) {
	queue.RegisterHandler("distill", func(ctx context.Context, job *models.Job, updateProgress func(float64, string)) (any, error) {
		payload, ok := job.Payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("distill job payload must be an object")
		}
		url, _ := payload["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("distill job payload missing url")
		}
		mode := models.FetchModeHTTP
		if m, _ := payload["mode"].(string); m == string(models.FetchModeRendered) {
			mode = models.FetchModeRendered
		}
		hint, _ := payload["policy"].(string)

		updateProgress(5, "fetching")
		events, err := pipe.Run(ctx, url, pipeline.Options{Mode: mode, PolicyHint: hint})
		if err != nil {
			return nil, err
		}
		var collected []models.Event
		for ev := range events {
			collected = append(collected, ev)
			if ev.Kind == models.EventExtraction {
				updateProgress(70, "extracted")
			}
		}
		updateProgress(100, "done")
		return collected, nil
	})

	queue.RegisterHandler("crawl", func(ctx context.Context, job *models.Job, updateProgress func(float64, string)) (any, error) {
		payload, ok := job.Payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("crawl job payload must be an object")
		}
		url, _ := payload["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("crawl job payload missing url")
		}
		opts := crawlOptions(payload)

		pagesDone := 0
		result, err := crawl.Crawl(ctx, url, opts, func(ev models.CrawlEvent) {
			if ev.Kind == models.CrawlPageFetched {
				pagesDone++
				p := float64(pagesDone) / float64(opts.MaxPages) * 100
				updateProgress(p, fmt.Sprintf("%d pages crawled", pagesDone))
			}
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

// crawlOptions maps a loosely-typed job payload onto crawl options,
// leaving zero values for the crawler defaults.
func crawlOptions(payload map[string]any) models.CrawlOptions {
	opts := models.CrawlOptions{}
	if d, ok := payload["maxDepth"].(float64); ok {
		opts.MaxDepth = int(d)
	}
	if p, ok := payload["maxPages"].(float64); ok {
		opts.MaxPages = int(p)
	}
	if s, ok := payload["pathPrefix"].(string); ok {
		opts.PathPrefix = s
	}
	if b, ok := payload["respectRobots"].(bool); ok {
		opts.RespectRobots = b
	}
	if b, ok := payload["extractContent"].(bool); ok {
		opts.ExtractContent = b
	}
	if s, ok := payload["strategy"].(string); ok && s == string(models.StrategyDFS) {
		opts.Strategy = models.StrategyDFS
	}
	if s, ok := payload["sitemapUrl"].(string); ok {
		opts.SitemapURL = s
	}
	return opts
}

// defaultPolicies is the built-in ruleset: strip obvious boilerplate on
// every site.
func defaultPolicies() []policy.Policy {
	return []policy.Policy{
		{
			Name:   "default",
			Domain: "*",
			Drop: []policy.Rule{
				{Selector: "script"},
				{Selector: "style"},
				{Selector: "nav"},
				{Selector: "footer"},
				{Selector: "aside"},
				{Selector: ".advertisement, .ad-container, [class*=cookie-banner]"},
			},
		},
	}
}

func getIdleTimeout() time.Duration {
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 0
}

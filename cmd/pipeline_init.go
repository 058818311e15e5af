package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-analyzer/internal/acquire"
	"github.com/sells-group/bid-analyzer/internal/extract"
	"github.com/sells-group/bid-analyzer/internal/fetcher"
	"github.com/sells-group/bid-analyzer/internal/lock"
	"github.com/sells-group/bid-analyzer/internal/pipeline"
	"github.com/sells-group/bid-analyzer/internal/resilience"
	"github.com/sells-group/bid-analyzer/internal/scorer"
	"github.com/sells-group/bid-analyzer/internal/store"
	"github.com/sells-group/bid-analyzer/internal/textextract"
	anthropicpkg "github.com/sells-group/bid-analyzer/pkg/anthropic"
	"github.com/sells-group/bid-analyzer/pkg/sam"
)

const userAgent = "bid-analyzer/1.0"

// pipelineEnv holds the initialized store, clients and orchestrator needed
// by the analyze/serve/worker commands.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Redis        *redis.Client // nil without a distributed lock
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Redis != nil {
		_ = pe.Redis.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store and builds the
// orchestrator. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st}

	retry := resilience.FromRetryConfig(cfg.Retry)
	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(cfg.Circuit))

	var source acquire.OpportunitySource
	if cfg.SAM.Key != "" {
		source = sam.NewClient(cfg.SAM.Key, sam.WithBaseURL(cfg.SAM.BaseURL), sam.WithRetry(retry))
	} else {
		zap.L().Warn("sam.key not set, acquisition uses stored opportunity metadata only")
	}

	maxBytes := int64(cfg.Acquisition.MaxFileMB) << 20
	fetch := fetcher.NewMux(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:  userAgent,
			Timeout:    time.Duration(cfg.Acquisition.DownloadTimeoutSecs) * time.Second,
			PerHostRPS: cfg.Acquisition.PerHostRPS,
			MaxBytes:   maxBytes,
			Retry:      retry,
		}),
		fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout:  time.Duration(cfg.Acquisition.DownloadTimeoutSecs) * time.Second,
			MaxBytes: maxBytes,
		}),
	)

	pdf, err := textextract.NewPDFExtractor(cfg.OCR)
	if err != nil {
		env.Close()
		return nil, err
	}
	limiter := fetcher.NewIntervalLimiter(time.Duration(cfg.SAM.IntervalMs) * time.Millisecond)
	cascade := acquire.New(source, fetch, textextract.NewRouter(pdf), limiter, acquire.OptionsFromConfig(cfg.Acquisition))

	var gen extract.GenerativeExtractor
	if cfg.Extraction.Generative && cfg.Anthropic.Key != "" {
		gen = extract.NewAnthropicGenerator(
			anthropicpkg.NewClient(cfg.Anthropic.Key),
			cfg.Anthropic.Model,
			cfg.Anthropic.MaxTokens,
			breakers.Get("anthropic"),
			retry,
		)
	} else {
		zap.L().Warn("generative extraction disabled, keyword pass only")
	}
	engine := extract.NewEngine(gen, extract.OptionsFromConfig(cfg.Extraction))

	rules, err := scorer.RulesFromConfig(cfg.Scoring)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "load scoring rules")
	}
	sc, err := scorer.New(rules)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "build scorer")
	}

	opts := pipeline.OptionsFromConfig(cfg.Pipeline)
	var locker lock.Locker
	if cfg.Redis.URL != "" {
		rc, err := lock.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Redis = rc
		locker = lock.NewRedisLocker(rc, cfg.Redis.KeyPrefix, opts.LockTTL)
		zap.L().Info("distributed run lock enabled")
	}

	env.Orchestrator = pipeline.NewOrchestrator(st, cascade, engine, sc, pipeline.NewRegistry(locker), opts)
	return env, nil
}

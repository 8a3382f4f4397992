package main

import (
	"context"
	"fmt"
	"time"

	"content_recommend/internal/abtest"
	"content_recommend/internal/breaker"
	"content_recommend/internal/cache"
	"content_recommend/internal/catalog"
	"content_recommend/internal/effect"
	"content_recommend/internal/feedback"
	"content_recommend/internal/health"
	"content_recommend/internal/history"
	"content_recommend/internal/logger"
	"content_recommend/internal/metrics"
	"content_recommend/internal/model"
	"content_recommend/internal/nodes"
	"content_recommend/internal/personalize"
	"content_recommend/internal/ranking"
	"content_recommend/internal/recall"
	"content_recommend/internal/recommend"
	"content_recommend/internal/rerank"
	"content_recommend/internal/scheduler"
	"content_recommend/internal/server"
	"content_recommend/internal/task"
	"content_recommend/internal/user"
	"content_recommend/internal/workerpool"
	"content_recommend/internal/workflow"
	"content_recommend/pkg/llm"
)

// App 组装好的服务及其后台组件
type App struct {
	Server    *server.Server
	Monitor   *health.Monitor
	Scheduler *scheduler.Scheduler
	Feedback  *feedback.Processor
	Cache     *cache.Cache
	History   *history.FileStore

	closeRedis func() error
}

// Close 释放外部连接
func (a *App) Close() {
	if a.closeRedis != nil {
		_ = a.closeRedis()
	}
}

// buildApp 按配置构造所有组件
func buildApp(ctx context.Context, cfg *Config, log logger.Logger) (*App, error) {
	app := &App{}

	// 缓存：本地内存 + 可选 Redis
	var remote cache.Backend
	var redisBackend *cache.RedisBackend
	if cfg.Redis.Addr != "" {
		client, err := cache.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		redisBackend = cache.NewRedisBackend(client, cfg.Redis.Prefix)
		remote = redisBackend
		app.closeRedis = client.Close
		log.Info("redis cache enabled", logger.String("addr", cfg.Redis.Addr))
	}
	c := cache.New(cache.NewMemoryBackend(), remote, cfg.Cache, log.With(logger.String("component", "cache")))
	c.OnLookup = metrics.ObserveCache
	app.Cache = c

	// 内容库和用户画像
	staticCatalog, err := catalog.NewStaticCatalog(cfg.Paths.Catalog)
	if err != nil {
		return nil, fmt.Errorf("init catalog: %w", err)
	}
	repo := catalog.NewCached(staticCatalog, c)

	staticUsers, err := user.NewStaticProvider(cfg.Paths.Users)
	if err != nil {
		return nil, fmt.Errorf("init user provider: %w", err)
	}
	users := user.NewCachedProvider(staticUsers, c)

	hs, err := history.NewFileStore(cfg.Paths.History)
	if err != nil {
		return nil, fmt.Errorf("init history store: %w", err)
	}
	app.History = hs

	experiments := abtest.NewStore(log.With(logger.String("component", "abtest")))
	tracker := effect.NewTracker()
	tasks := task.NewManager()

	// 召回
	pool := workerpool.New("recall", cfg.Recall.Pool, log)
	sources, err := buildSources(cfg, hs, users, repo, log)
	if err != nil {
		return nil, err
	}
	recallEngine := recall.NewEngine(pool, hs, log.With(logger.String("component", "recall")), sources...)
	recallEngine.OnSourceDone = func(source string, d time.Duration, err error) {
		metrics.RecallSourceDuration.WithLabelValues(source).Observe(d.Seconds())
		if err != nil {
			metrics.RecallSourceErrors.WithLabelValues(source).Inc()
		}
	}

	// 排序：默认权重 + 场景权重
	registry := ranking.NewRegistry(ranking.NewWeightedScorer(cfg.Ranking.Weights, cfg.Ranking.HalfLife))
	for scene, w := range cfg.Ranking.Scenes {
		registry.Register(scene, ranking.NewWeightedScorer(w, cfg.Ranking.HalfLife))
	}
	rankService := ranking.NewService(users, repo, registry, cfg.Timeouts.Ranking, log.With(logger.String("component", "ranking")))

	rerankService := rerank.NewService(users, cfg.Rerank.Rules, log.With(logger.String("component", "rerank")))
	adjuster := personalize.NewAdjuster(users, experiments, log.With(logger.String("component", "personalize")))

	breakers := breaker.NewController(cfg.Breaker, log.With(logger.String("component", "breaker")))
	fallbacks := breaker.NewFallbacks(repo, c, cfg.Fallback.Defaults, log.With(logger.String("component", "fallback")))

	// pipeline
	nodeRegistry := workflow.NewRegistry()
	nodes.Register(nodeRegistry, nodes.Deps{
		Recall:             recallEngine,
		Ranking:            rankService,
		ReRank:             rerankService,
		Personalize:        adjuster,
		History:            hs,
		Breakers:           breakers,
		Fallbacks:          fallbacks,
		DiversityThreshold: cfg.Rerank.DiversityThreshold,
		Log:                log.With(logger.String("component", "pipeline")),
	})
	pipelines, err := workflow.LoadConfig(cfg.Paths.Pipelines)
	if err != nil {
		log.Warn("pipelines config not loaded, using default pipeline",
			logger.String("path", cfg.Paths.Pipelines), logger.Error(err))
		pipelines = workflow.DefaultConfig()
	}
	engine, err := workflow.NewEngine(pipelines, nodeRegistry)
	if err != nil {
		return nil, fmt.Errorf("init workflow engine: %w", err)
	}
	log.Info("pipelines loaded", logger.Strings("scenes", engine.Scenes()))

	service := recommend.NewService(c, engine, breakers, fallbacks, recommend.Options{
		Timeout: cfg.Timeouts.Pipeline,
		Version: cfg.Version,
	}, log.With(logger.String("component", "recommend")))
	service.Observe(tracker.ObserveResponse)
	service.Observe(func(_ *model.RecommendRequest, resp *model.RecommendResponse) {
		if groups, ok := resp.ExtraInfo["experiments"].(map[string]string); ok {
			experiments.RecordExposure(groups, len(resp.Items))
		}
	})

	// 反馈
	processor := feedback.NewProcessor(feedback.Deps{
		History:     hs,
		Catalog:     repo,
		Users:       users,
		Effect:      tracker,
		Experiments: experiments,
		Tasks:       tasks,
	}, feedback.NewBuffer(cfg.Feedback.BufferSize), cfg.Feedback.Workers, log.With(logger.String("component", "feedback")))
	app.Feedback = processor

	// 健康检查
	checker := health.NewChecker()
	if redisBackend != nil {
		checker.Register(health.NewRedisCheck(redisBackend), false)
	}
	checker.Register(health.NewHistoryCheck(hs.Ping), true)
	checker.Register(health.NewMemoryCheck(cfg.Health.MemoryLimitMB<<20), false)

	alerters := health.MultiAlerter{health.NewLogAlerter(log.With(logger.String("component", "alert")))}
	if cfg.Health.AlertWebhook != "" {
		alerters = append(alerters, health.NewWebhookAlerter(cfg.Health.AlertWebhook, cfg.Health.CheckTimeout))
	}
	monitor := health.NewMonitor(checker, cfg.Health.MonitorConfig, alerters, log.With(logger.String("component", "health")))
	app.Monitor = monitor

	// 定时任务
	sched := scheduler.New(cfg.Scheduler, scheduler.Deps{
		Effect:      tracker,
		Experiments: experiments,
		History:     hs,
		Cache:       c,
		HotList:     repo,
		Tasks:       tasks,
		Alert:       monitor.Alert,
	}, log.With(logger.String("component", "scheduler")))
	monitor.OnCycle = sched.CleanupTasks
	app.Scheduler = sched

	app.Server = server.NewServer(cfg.Server, server.Deps{
		Recommend:   service,
		Feedback:    processor,
		Experiments: experiments,
		Effect:      tracker,
		Breakers:    breakers,
		Monitor:     monitor,
		Cache:       c,
		RecallPool:  pool,
	}, log.With(logger.String("component", "server")))
	return app, nil
}

// buildSources 按配置顺序创建召回源，顺序即优先级
func buildSources(cfg *Config, hs history.Store, users user.Provider, repo catalog.Repository, log logger.Logger) ([]recall.SourceConfig, error) {
	var llmCfg *LLMGlobalConfig
	out := make([]recall.SourceConfig, 0, len(cfg.Recall.Sources))
	for _, sc := range cfg.Recall.Sources {
		var src recall.Source
		switch sc.Name {
		case recall.SourceHot:
			src = recall.NewHotSource(repo)
		case recall.SourceCollaborative:
			src = recall.NewCollaborativeSource(hs, repo, cfg.Recall.LookbackDays)
		case recall.SourceContentBased:
			src = recall.NewContentBasedSource(users, repo)
		case recall.SourceLLM:
			if llmCfg == nil {
				loaded, err := loadLLMConfig(cfg.Paths.LLM)
				if err != nil {
					return nil, fmt.Errorf("load llm config: %w", err)
				}
				llmCfg = loaded
			}
			cred, ok := llmCfg.LLMs[sc.LLMKey]
			if !ok {
				return nil, fmt.Errorf("llm config key '%s' not found in %s", sc.LLMKey, cfg.Paths.LLM)
			}
			client := llm.NewOpenAIClient(cred.ChatEndpoint, cred.APIKey, cred.Model, cred.Timeout)
			src = recall.NewLLMSource(client, users, repo, cfg.Recall.LLMCandidatePool)
		default:
			return nil, fmt.Errorf("unknown recall source %q", sc.Name)
		}
		timeout := sc.Timeout
		if timeout <= 0 {
			timeout = cfg.Timeouts.Recall
		}
		out = append(out, recall.SourceConfig{Source: src, Weight: sc.Weight, Timeout: timeout})
		log.Info("recall source enabled",
			logger.String("source", sc.Name),
			logger.Float64("weight", sc.Weight),
			logger.Duration("timeout", timeout),
		)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no recall source configured")
	}
	return out, nil
}

// Package scheduler runs the service's periodic background jobs on a single
// cron instance.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"content_recommend/internal/abtest"
	"content_recommend/internal/effect"
	"content_recommend/internal/health"
	"content_recommend/internal/logger"
	"content_recommend/internal/task"
)

// Config 定时任务配置，表达式为 5 段 cron
type Config struct {
	AnomalySpec          string        `yaml:"anomaly_spec"`
	RollupSpec           string        `yaml:"rollup_spec"`
	CleanupSpec          string        `yaml:"cleanup_spec"`
	HistoryRetentionDays int           `yaml:"history_retention_days"`
	HotListSize          int           `yaml:"hot_list_size"`
	TaskTimeout          time.Duration `yaml:"task_timeout"`
	TaskRetention        time.Duration `yaml:"task_retention"`
	// 窗口 CTR 低于历史 CTR 的 (1-CTRDropRatio) 视为异常
	CTRDropRatio float64 `yaml:"ctr_drop_ratio"`
	// 窗口内降级响应占比超过该值视为异常
	FallbackSpikeRatio float64 `yaml:"fallback_spike_ratio"`
	MinImpressions     int64   `yaml:"min_impressions"`
	MinRequests        int64   `yaml:"min_requests"`
}

func DefaultConfig() Config {
	return Config{
		AnomalySpec:          "*/5 * * * *",
		RollupSpec:           "0 * * * *",
		CleanupSpec:          "0 3 * * *",
		HistoryRetentionDays: 90,
		HotListSize:          100,
		TaskTimeout:          10 * time.Minute,
		TaskRetention:        time.Hour,
		CTRDropRatio:         0.5,
		FallbackSpikeRatio:   0.2,
		MinImpressions:       100,
		MinRequests:          20,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.AnomalySpec == "" {
		c.AnomalySpec = def.AnomalySpec
	}
	if c.RollupSpec == "" {
		c.RollupSpec = def.RollupSpec
	}
	if c.CleanupSpec == "" {
		c.CleanupSpec = def.CleanupSpec
	}
	if c.HistoryRetentionDays <= 0 {
		c.HistoryRetentionDays = def.HistoryRetentionDays
	}
	if c.HotListSize <= 0 {
		c.HotListSize = def.HotListSize
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = def.TaskTimeout
	}
	if c.TaskRetention <= 0 {
		c.TaskRetention = def.TaskRetention
	}
	if c.CTRDropRatio <= 0 {
		c.CTRDropRatio = def.CTRDropRatio
	}
	if c.FallbackSpikeRatio <= 0 {
		c.FallbackSpikeRatio = def.FallbackSpikeRatio
	}
	if c.MinImpressions <= 0 {
		c.MinImpressions = def.MinImpressions
	}
	if c.MinRequests <= 0 {
		c.MinRequests = def.MinRequests
	}
}

// HistoryCleaner 浏览历史保留期清理
type HistoryCleaner interface {
	Cleanup(days int) error
}

// topContent 可选：历史存储提供的浏览排行
type topContent interface {
	TopContent(days, n int) []string
}

// CacheSweeper 本地缓存过期清理
type CacheSweeper interface {
	Sweep() int
}

// HotListRefresher 热榜重算
type HotListRefresher interface {
	RefreshHotList(ctx context.Context, n int) error
}

// Deps 各任务依赖，nil 表示跳过对应任务
type Deps struct {
	Effect      *effect.Tracker
	Experiments *abtest.Store
	History     HistoryCleaner
	Cache       CacheSweeper
	HotList     HotListRefresher
	Tasks       *task.Manager
	Alert       func(ctx context.Context, a health.Alert)
}

// Scheduler 后台定时任务
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	cfg    Config
	deps   Deps
	log    logger.Logger

	mu   sync.Mutex
	last effect.Totals

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, deps Deps, log logger.Logger) *Scheduler {
	cfg.applyDefaults()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   c,
		parser: parser,
		cfg:    cfg,
		deps:   deps,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	if deps.Effect != nil {
		s.last = deps.Effect.Totals()
	}
	return s
}

// Start 注册全部任务并启动 cron
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"anomaly_detection", s.cfg.AnomalySpec, func(ctx context.Context) { s.DetectAnomalies(ctx) }},
		{"stat_rollup", s.cfg.RollupSpec, s.Rollup},
		{"daily_cleanup", s.cfg.CleanupSpec, s.DailyCleanup},
	}
	for _, j := range jobs {
		if err := s.add(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", logger.Int("jobs", len(s.cron.Entries())))
	return nil
}

func (s *Scheduler) add(name, spec string, fn func(context.Context)) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron expression for %s: %w", name, err)
	}
	if _, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		fn(s.ctx)
		s.log.Debug("scheduled job finished", logger.String("job", name), logger.Duration("took", time.Since(start)))
	}); err != nil {
		return fmt.Errorf("add cron job %s: %w", name, err)
	}
	s.log.Info("job scheduled",
		logger.String("job", name),
		logger.String("schedule", spec),
		logger.String("next_run", schedule.Next(time.Now()).Format(time.RFC3339)),
	)
	return nil
}

// Stop 停止调度并等待运行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// DetectAnomalies 比较上次检测以来的窗口指标与累计指标，返回触发的告警
func (s *Scheduler) DetectAnomalies(ctx context.Context) []health.Alert {
	if s.deps.Effect == nil {
		return nil
	}
	cur := s.deps.Effect.Totals()
	s.mu.Lock()
	prev := s.last
	s.last = cur
	s.mu.Unlock()

	var alerts []health.Alert
	dImpr := cur.Impressions - prev.Impressions
	dClicks := cur.Clicks - prev.Clicks
	if dImpr >= s.cfg.MinImpressions && prev.Impressions > 0 {
		baseline := float64(prev.Clicks) / float64(prev.Impressions)
		window := float64(dClicks) / float64(dImpr)
		if baseline > 0 && window < baseline*(1-s.cfg.CTRDropRatio) {
			alerts = append(alerts, health.Alert{
				Source:  "ctr",
				Level:   health.LevelWarning,
				Message: fmt.Sprintf("ctr dropped to %.2f%% (baseline %.2f%%)", window*100, baseline*100),
			})
		}
	}

	dReq := cur.Requests - prev.Requests
	dFallback := cur.Fallbacks - prev.Fallbacks
	if dReq >= s.cfg.MinRequests {
		rate := float64(dFallback) / float64(dReq)
		if rate > s.cfg.FallbackSpikeRatio {
			alerts = append(alerts, health.Alert{
				Source:  "fallback",
				Level:   health.LevelWarning,
				Message: fmt.Sprintf("fallback rate %.2f over %d requests", rate, dReq),
			})
		}
	}

	for _, a := range alerts {
		s.log.Warn("anomaly detected", logger.String("source", a.Source), logger.String("message", a.Message))
		if s.deps.Alert != nil {
			s.deps.Alert(ctx, a)
		}
	}
	return alerts
}

// Rollup 输出效果指标、浏览排行与实验结果快照，并结束过期实验
func (s *Scheduler) Rollup(context.Context) {
	if s.deps.Effect != nil {
		totals := s.deps.Effect.Totals()
		s.log.Info("effect rollup",
			logger.Int64("requests", totals.Requests),
			logger.Int64("fallbacks", totals.Fallbacks),
			logger.Int64("impressions", totals.Impressions),
			logger.Int64("clicks", totals.Clicks),
			logger.Any("breakdown", s.deps.Effect.Snapshot()),
		)
	}
	if tc, ok := s.deps.History.(topContent); ok {
		s.log.Info("top viewed content", logger.Strings("ids", tc.TopContent(1, 10)))
	}
	if s.deps.Experiments != nil {
		if done := s.deps.Experiments.CompleteExpired(); len(done) > 0 {
			s.log.Info("experiments completed", logger.Strings("ids", done))
		}
		for _, sum := range s.deps.Experiments.Snapshot() {
			s.log.Info("experiment rollup",
				logger.String("experiment", sum.Experiment.Name),
				logger.String("status", string(sum.Experiment.Status)),
				logger.Any("groups", sum.Groups),
			)
		}
	}
}

// DailyCleanup 清理过期浏览历史、本地缓存并重算热榜
func (s *Scheduler) DailyCleanup(ctx context.Context) {
	if s.deps.History != nil {
		if err := s.deps.History.Cleanup(s.cfg.HistoryRetentionDays); err != nil {
			s.log.Error("history cleanup failed", logger.Error(err))
		} else {
			s.log.Info("history cleanup finished", logger.Int("retention_days", s.cfg.HistoryRetentionDays))
		}
	}
	if s.deps.Cache != nil {
		s.log.Info("cache sweep finished", logger.Int("removed", s.deps.Cache.Sweep()))
	}
	if s.deps.HotList != nil {
		if err := s.deps.HotList.RefreshHotList(ctx, s.cfg.HotListSize); err != nil {
			s.log.Error("hot list refresh failed", logger.Error(err))
		}
	}
}

// CleanupTasks 超时任务标记失败，过期任务删除，挂在健康检查周期上执行
func (s *Scheduler) CleanupTasks(context.Context) {
	if s.deps.Tasks == nil {
		return
	}
	res := s.deps.Tasks.Cleanup(s.cfg.TaskTimeout, s.cfg.TaskRetention)
	if res.TimedOut > 0 || res.Purged > 0 {
		s.log.Info("task cleanup", logger.Int("timed_out", res.TimedOut), logger.Int("purged", res.Purged))
	}
}

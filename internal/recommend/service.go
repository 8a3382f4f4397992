// Package recommend orchestrates a recommendation request: cache lookup, the
// scene pipeline under a timeout and circuit breaker, and fallback responses.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"content_recommend/internal/breaker"
	"content_recommend/internal/cache"
	"content_recommend/internal/logger"
	"content_recommend/internal/metrics"
	"content_recommend/internal/model"
	"content_recommend/internal/workflow"
)

const (
	// DefaultTimeout 整条 pipeline 的超时
	DefaultTimeout = 3000 * time.Millisecond
	DefaultVersion = "v1"
)

// ErrNoCandidates pipeline 正常结束但没有产出任何条目
var ErrNoCandidates = errors.New("pipeline produced no items")

// Observer 请求结果回调，用于效果统计
type Observer func(req *model.RecommendRequest, resp *model.RecommendResponse)

// Service 推荐服务
type Service struct {
	cache     *cache.Cache
	engine    *workflow.Engine
	breakers  *breaker.Controller
	fallbacks *breaker.Fallbacks
	timeout   time.Duration
	version   string
	log       logger.Logger

	observers []Observer
}

// Options 可选参数
type Options struct {
	Timeout time.Duration
	Version string
}

func NewService(c *cache.Cache, engine *workflow.Engine, breakers *breaker.Controller, fallbacks *breaker.Fallbacks, opts Options, log logger.Logger) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	return &Service{
		cache:     c,
		engine:    engine,
		breakers:  breakers,
		fallbacks: fallbacks,
		timeout:   opts.Timeout,
		version:   opts.Version,
		log:       log,
	}
}

// Observe 注册结果回调，需在处理请求前调用
func (s *Service) Observe(o Observer) {
	s.observers = append(s.observers, o)
}

// Recommend 只有请求校验失败时返回错误，其余情况总是返回非 nil 的响应
func (s *Service) Recommend(ctx context.Context, req *model.RecommendRequest) (resp *model.RecommendResponse, err error) {
	if err := req.Validate(); err != nil {
		metrics.RequestsTotal.WithLabelValues(req.Scene, "invalid").Inc()
		return nil, err
	}
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recommend panic", logger.String("user_id", req.UserID), logger.Any("panic", r))
			resp, err = s.fallbacks.Response(ctx, req, fmt.Errorf("%w: %v", breaker.ErrPanic, r)), nil
			outcome = "fallback"
		}
		metrics.RequestsTotal.WithLabelValues(req.Scene, outcome).Inc()
		metrics.RequestDuration.WithLabelValues(req.Scene).Observe(time.Since(start).Seconds())
		for _, o := range s.observers {
			o(req, resp)
		}
	}()

	if cached, ok := s.cache.GetRecommendation(ctx, req); ok {
		outcome = "cache_hit"
		return cached, nil
	}

	out, runErr := breaker.Execute(s.breakers, breaker.Pipeline, func() (*pipelineResult, error) {
		return s.run(ctx, req)
	})
	if runErr == nil && len(out.resp.Items) == 0 {
		runErr = ErrNoCandidates
	}
	if runErr != nil {
		outcome = "fallback"
		return s.fallbacks.Response(ctx, req, runErr), nil
	}

	if !out.degraded {
		s.cache.SetRecommendation(ctx, req, out.resp)
	}
	return out.resp, nil
}

type pipelineResult struct {
	resp     *model.RecommendResponse
	degraded bool
}

// run 在超时内执行场景 pipeline，超时后不等待仍在运行的阶段
func (s *Service) run(ctx context.Context, req *model.RecommendRequest) (*pipelineResult, error) {
	timeout := s.engine.Timeout(req.Scene)
	if timeout <= 0 {
		timeout = s.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wctx := workflow.NewContext(ctx, req)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", breaker.ErrPanic, r)
			}
		}()
		done <- s.engine.Run(wctx, req.Scene)
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("pipeline %s: %w", req.Scene, ctx.Err())
	}

	items := wctx.GetItems()
	if len(items) > req.Size {
		items = items[:req.Size]
	}
	resp := model.NewRecommendResponse(items, s.version)
	resp.ExtraInfo["scene"] = req.Scene
	if req.RequestID != "" {
		resp.ExtraInfo["requestId"] = req.RequestID
	}
	if groups := wctx.GetGroups(); len(groups) > 0 {
		resp.ExtraInfo["experiments"] = groups
	}
	degraded := wctx.DegradedStages()
	if len(degraded) > 0 {
		resp.ExtraInfo["degraded"] = degraded
	}
	return &pipelineResult{resp: resp, degraded: len(degraded) > 0}, nil
}

package breaker

import (
	"context"
	"errors"
	"time"

	"content_recommend/internal/cache"
	"content_recommend/internal/catalog"
	"content_recommend/internal/logger"
	"content_recommend/internal/metrics"
	"content_recommend/internal/model"
)

// 降级类型
const (
	FallbackCircuitOpen = "circuit_open"
	FallbackTimeout     = "timeout"
	FallbackDefault     = "default"
)

const (
	circuitOpenConfidence = 0.7
	timeoutConfidence     = 0.6
	defaultConfidence     = 0.5

	circuitOpenReason = "system busy - popular content"
	timeoutReason     = "popular content"
	defaultReason     = "recommended for you"

	// fallbackBudget 降级本身的耗时上限
	fallbackBudget = 200 * time.Millisecond
)

// FallbackVersion 降级响应的算法版本
const FallbackVersion = "fallback"

// Fallbacks 分级降级策略
type Fallbacks struct {
	catalog  catalog.Repository
	cache    *cache.Cache
	defaults []string // 兜底的静态内容 ID
	log      logger.Logger
}

func NewFallbacks(repo catalog.Repository, c *cache.Cache, defaults []string, log logger.Logger) *Fallbacks {
	return &Fallbacks{catalog: repo, cache: c, defaults: defaults, log: log}
}

// Classify 根据失败原因选择降级类型
func Classify(err error) string {
	switch {
	case IsRejected(err):
		return FallbackCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return FallbackTimeout
	default:
		return FallbackDefault
	}
}

// Response 构造降级响应，永不返回 nil
func (f *Fallbacks) Response(ctx context.Context, req *model.RecommendRequest, cause error) *model.RecommendResponse {
	kind := Classify(cause)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackBudget)
	defer cancel()

	var (
		ids        []string
		confidence float64
		reason     string
		fromCache  bool
	)
	switch kind {
	case FallbackCircuitOpen:
		ids = f.hotIDs(ctx, req)
		confidence, reason = circuitOpenConfidence, circuitOpenReason
	case FallbackTimeout:
		confidence, reason = timeoutConfidence, timeoutReason
		if f.cache != nil {
			if cached, ok := f.cache.GetHotList(ctx, req.ContentType); ok {
				ids, fromCache = cached, true
			}
		}
		if len(ids) == 0 {
			ids = f.hotIDs(ctx, req)
		}
	default:
		ids = f.hotIDs(ctx, req)
		confidence, reason = defaultConfidence, defaultReason
	}
	if len(ids) == 0 {
		ids = f.defaults
	}

	items := f.items(ctx, req, ids, confidence, reason)
	resp := model.NewRecommendResponse(items, FallbackVersion)
	resp.FromCache = fromCache
	resp.ExtraInfo["fallbackType"] = kind
	if cause != nil {
		resp.ExtraInfo["fallbackReason"] = cause.Error()
	}
	metrics.FallbacksTotal.WithLabelValues(kind).Inc()
	f.log.Warn("serving fallback recommendation",
		logger.String("user_id", req.UserID),
		logger.String("fallback_type", kind),
		logger.Error(cause),
	)
	return resp
}

func (f *Fallbacks) hotIDs(ctx context.Context, req *model.RecommendRequest) []string {
	if f.catalog == nil {
		return nil
	}
	ids, err := f.catalog.HotIDs(ctx, req.ContentType, req.Size*3)
	if err != nil {
		f.log.Warn("fallback hot list unavailable", logger.Error(err))
		return nil
	}
	return ids
}

func (f *Fallbacks) items(ctx context.Context, req *model.RecommendRequest, ids []string, confidence float64, reason string) []*model.RecommendItem {
	var contents map[string]*model.Content
	if f.catalog != nil && len(ids) > 0 {
		var err error
		contents, err = f.catalog.GetMany(ctx, ids)
		if err != nil {
			f.log.Debug("fallback metadata unavailable", logger.Error(err))
		}
	}
	items := make([]*model.RecommendItem, 0, req.Size)
	for i, id := range ids {
		if len(items) >= req.Size {
			break
		}
		c := contents[id]
		if c != nil && !req.MatchesType(c.Type) {
			continue
		}
		cand := &model.Candidate{ContentID: id, SourceAlgorithm: FallbackVersion, RawScore: 1 - float64(i)/float64(len(ids)+1)}
		if c != nil {
			cand.ContentType, cand.CategoryID, cand.Tags, cand.PublishTime = c.Type, c.CategoryID, c.Tags, c.PublishTime
		}
		item := model.ItemFromCandidate(cand, c)
		item.Confidence = confidence
		item.Reason = reason
		items = append(items, item)
	}
	return items
}

// RecallFallback 召回降级：热门内容，数量为请求的 3 倍
func (f *Fallbacks) RecallFallback(ctx context.Context, req *model.RecommendRequest) []*model.Candidate {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackBudget)
	defer cancel()
	ids := f.hotIDs(ctx, req)
	if len(ids) == 0 {
		ids = f.defaults
	}
	var contents map[string]*model.Content
	if f.catalog != nil {
		var err error
		contents, err = f.catalog.GetMany(ctx, ids)
		if err != nil {
			f.log.Debug("recall fallback metadata unavailable", logger.Error(err))
		}
	}
	out := make([]*model.Candidate, 0, len(ids))
	for i, id := range ids {
		score := 1 - float64(i)/float64(len(ids)+1)
		if c, ok := contents[id]; ok {
			out = append(out, c.ToCandidate(FallbackVersion, score))
			continue
		}
		out = append(out, &model.Candidate{ContentID: id, SourceAlgorithm: FallbackVersion, RawScore: score})
	}
	return out
}

// RankingFallback 排序降级：按召回插入顺序的逆序输出，分数沿用召回分
func RankingFallback(candidates []*model.Candidate) []*model.RecommendItem {
	items := make([]*model.RecommendItem, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		items = append(items, model.ItemFromCandidate(candidates[i], nil))
	}
	return items
}

// Package recall runs independent candidate sources concurrently and merges
// their output into one deduplicated candidate set.
package recall

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"content_recommend/internal/history"
	"content_recommend/internal/logger"
	"content_recommend/internal/model"
	"content_recommend/internal/workerpool"
)

// ErrAllSourcesFailed is returned when no source produced a result.
var ErrAllSourcesFailed = errors.New("all recall sources failed")

const (
	// DefaultSourceTimeout bounds a single source call.
	DefaultSourceTimeout = 2000 * time.Millisecond
	// ExcludeViewedDays is the look-back window for already viewed content.
	ExcludeViewedDays = 7
	// CandidateMultiplier sets the target candidate count relative to the requested size.
	CandidateMultiplier = 3
)

// Source produces candidates for a request.
type Source interface {
	Name() string
	Recall(ctx context.Context, req *model.RecommendRequest, limit int) ([]*model.Candidate, error)
}

// SourceConfig registers a source with its weight and timeout.
// Registration order is priority order.
type SourceConfig struct {
	Source  Source
	Weight  float64
	Timeout time.Duration
}

// Engine fans out to sources on a bounded pool.
type Engine struct {
	sources []SourceConfig
	history history.Store
	pool    *workerpool.Pool
	log     logger.Logger

	// OnSourceDone observes each source outcome (for metrics).
	OnSourceDone func(source string, d time.Duration, err error)
}

// NewEngine creates a recall engine. history may be nil to disable exclusion.
func NewEngine(pool *workerpool.Pool, hs history.Store, log logger.Logger, sources ...SourceConfig) *Engine {
	cfgs := make([]SourceConfig, 0, len(sources))
	for _, s := range sources {
		if s.Weight <= 0 {
			s.Weight = 1
		}
		if s.Timeout <= 0 {
			s.Timeout = DefaultSourceTimeout
		}
		cfgs = append(cfgs, s)
	}
	return &Engine{sources: cfgs, history: hs, pool: pool, log: log}
}

// Sources returns source names in priority order.
func (e *Engine) Sources() []string {
	names := make([]string, len(e.sources))
	for i, s := range e.sources {
		names[i] = s.Source.Name()
	}
	return names
}

type sourceResult struct {
	idx        int
	candidates []*model.Candidate
	err        error
}

// Recall returns merged candidates, at most one per content id. A failing
// source contributes nothing; an error is returned only when every source failed.
func (e *Engine) Recall(ctx context.Context, req *model.RecommendRequest) ([]*model.Candidate, error) {
	if len(e.sources) == 0 {
		return nil, ErrAllSourcesFailed
	}
	target := req.Size * CandidateMultiplier
	results := e.fanOut(ctx, req, target)

	var errs []string
	ok := 0
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", e.sources[i].Source.Name(), r.err))
			continue
		}
		ok++
	}
	if ok == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllSourcesFailed, strings.Join(errs, "; "))
	}
	if len(errs) > 0 {
		e.log.Warn("recall completed with partial failures",
			logger.String("user_id", req.UserID),
			logger.Strings("errors", errs),
		)
	}

	perSource := make([][]*model.Candidate, len(results))
	for i, r := range results {
		perSource[i] = r.candidates
	}
	weights := make([]float64, len(e.sources))
	for i, s := range e.sources {
		weights[i] = s.Weight
	}
	merged := Merge(e.Sources(), weights, perSource)
	merged = e.exclude(req, merged)
	merged = Filter(req, merged)
	SortByScore(merged)
	return merged, nil
}

func (e *Engine) fanOut(ctx context.Context, req *model.RecommendRequest, target int) []sourceResult {
	totalWeight := 0.0
	maxTimeout := time.Duration(0)
	for _, s := range e.sources {
		totalWeight += s.Weight
		if s.Timeout > maxTimeout {
			maxTimeout = s.Timeout
		}
	}

	ch := make(chan sourceResult, len(e.sources))
	for i, sc := range e.sources {
		i, sc := i, sc
		// 权重决定各路召回的配额，乘 2 为去重和过滤留余量
		limit := int(math.Ceil(float64(target)*sc.Weight/totalWeight)) * 2
		if limit < req.Size {
			limit = req.Size
		}
		e.pool.Submit(func() {
			ch <- e.callSource(ctx, i, sc, req, limit)
		})
	}

	results := make([]sourceResult, len(e.sources))
	for i := range results {
		results[i] = sourceResult{idx: i, err: errors.New("no result")}
	}

	// 源调用各自带超时，这里再兜底一次，防止不响应 ctx 的源拖住请求
	deadline := time.NewTimer(maxTimeout + 100*time.Millisecond)
	defer deadline.Stop()
	for received := 0; received < len(e.sources); received++ {
		select {
		case r := <-ch:
			results[r.idx] = r
		case <-deadline.C:
			return results
		}
	}
	return results
}

func (e *Engine) callSource(parent context.Context, idx int, sc SourceConfig, req *model.RecommendRequest, limit int) (res sourceResult) {
	start := time.Now()
	res.idx = idx
	defer func() {
		if r := recover(); r != nil {
			res.candidates = nil
			res.err = fmt.Errorf("source panic: %v", r)
		}
		if e.OnSourceDone != nil {
			e.OnSourceDone(sc.Source.Name(), time.Since(start), res.err)
		}
	}()

	// 客户端断开不取消召回，源只受自身超时约束
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), sc.Timeout)
	defer cancel()

	cands, err := sc.Source.Recall(ctx, req, limit)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return sourceResult{idx: idx, err: err}
	}
	return sourceResult{idx: idx, candidates: cands}
}

// Merge combines per-source results given in priority order. The first
// occurrence of a content id wins and its score is raw score × source weight;
// later duplicates only add their raw score to SourceScores. A missing
// weight counts as 1.
func Merge(names []string, weights []float64, perSource [][]*model.Candidate) []*model.Candidate {
	index := make(map[string]*model.Candidate)
	merged := make([]*model.Candidate, 0)
	for i, cands := range perSource {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		weight := 1.0
		if i < len(weights) && weights[i] > 0 {
			weight = weights[i]
		}
		for _, c := range cands {
			if c == nil || c.ContentID == "" {
				continue
			}
			if existing, ok := index[c.ContentID]; ok {
				if _, seen := existing.SourceScores[name]; !seen {
					existing.SourceScores[name] = c.RawScore
				}
				continue
			}
			cp := *c
			if cp.SourceAlgorithm == "" {
				cp.SourceAlgorithm = name
			}
			cp.SourceScores = map[string]float64{name: c.RawScore}
			cp.RawScore = c.RawScore * weight
			index[cp.ContentID] = &cp
			merged = append(merged, &cp)
		}
	}
	return merged
}

func (e *Engine) exclude(req *model.RecommendRequest, cands []*model.Candidate) []*model.Candidate {
	if e.history == nil {
		return cands
	}
	viewed, err := e.history.RecentViews(req.UserID, ExcludeViewedDays)
	if err != nil {
		// 历史获取失败时降级为不过滤
		e.log.Warn("failed to load view history", logger.String("user_id", req.UserID), logger.Error(err))
		return cands
	}
	if len(viewed) == 0 {
		return cands
	}
	seen := make(map[string]struct{}, len(viewed))
	for _, id := range viewed {
		seen[id] = struct{}{}
	}
	kept := cands[:0]
	for _, c := range cands {
		if _, ok := seen[c.ContentID]; !ok {
			kept = append(kept, c)
		}
	}
	return kept
}

// Filter applies the content type and category filters of the request.
func Filter(req *model.RecommendRequest, cands []*model.Candidate) []*model.Candidate {
	kept := cands[:0]
	for _, c := range cands {
		if !req.MatchesType(c.ContentType) {
			continue
		}
		if req.CategoryID != "" && c.CategoryID != req.CategoryID {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// SortByScore orders by raw score descending, keeping priority order on ties.
func SortByScore(cands []*model.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].RawScore > cands[j].RawScore
	})
}

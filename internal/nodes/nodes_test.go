package nodes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content_recommend/internal/abtest"
	"content_recommend/internal/breaker"
	"content_recommend/internal/cache"
	"content_recommend/internal/catalog"
	"content_recommend/internal/history"
	"content_recommend/internal/logger"
	"content_recommend/internal/model"
	"content_recommend/internal/personalize"
	"content_recommend/internal/ranking"
	"content_recommend/internal/recall"
	"content_recommend/internal/rerank"
	"content_recommend/internal/user"
	"content_recommend/internal/workerpool"
	"content_recommend/internal/workflow"
)

type failingSource struct{}

func (failingSource) Name() string { return "broken" }
func (failingSource) Recall(context.Context, *model.RecommendRequest, int) ([]*model.Candidate, error) {
	return nil, errors.New("index offline")
}

// brokenUsers 画像服务不可用
type brokenUsers struct{}

func (brokenUsers) GetProfile(context.Context, string) (*model.UserProfile, error) {
	return nil, errors.New("profile service down")
}
func (brokenUsers) UpdatePreferences(context.Context, string, []string, string, float64) error {
	return nil
}

func contents() []model.Content {
	now := time.Now()
	cats := []string{"tech", "sports", "food", "travel"}
	out := make([]model.Content, 0, 12)
	for i := 0; i < 12; i++ {
		out = append(out, model.Content{
			ID:           fmt.Sprintf("c%02d", i),
			Type:         model.ContentArticle,
			CategoryID:   cats[i%len(cats)],
			Title:        fmt.Sprintf("article %d", i),
			Tags:         []string{cats[i%len(cats)]},
			PublishTime:  now.Add(-time.Duration(i) * time.Hour),
			QualityScore: 0.8,
			Hotness:      float64(100 - i),
		})
	}
	return out
}

type fixture struct {
	deps    Deps
	history *history.FileStore
}

func newFixture(t *testing.T, users user.Provider, sources ...recall.SourceConfig) *fixture {
	t.Helper()
	log := logger.NewNop()
	repo := catalog.NewMemoryCatalog(contents())
	hs, err := history.NewFileStore(filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, err)
	if users == nil {
		users = user.NewMemoryProvider([]model.UserProfile{{
			ID:             "u1",
			TagPreferences: map[string]float64{"tech": 0.9},
		}})
	}
	if len(sources) == 0 {
		sources = []recall.SourceConfig{{Source: recall.NewHotSource(repo)}}
	}
	pool := workerpool.New("recall", workerpool.Config{MaxWorkers: 4, QueueSize: 4}, log)
	c := cache.New(nil, nil, cache.TTLConfig{}, log)
	return &fixture{
		history: hs,
		deps: Deps{
			Recall:             recall.NewEngine(pool, hs, log, sources...),
			Ranking:            ranking.NewService(users, repo, ranking.NewRegistry(ranking.NewWeightedScorer(ranking.DefaultWeights(), 0)), 0, log),
			ReRank:             rerank.NewService(users, rerank.Rules{}, log),
			Personalize:        personalize.NewAdjuster(users, abtest.NewStore(log), log),
			History:            hs,
			Breakers:           breaker.NewController(breaker.Config{}, log),
			Fallbacks:          breaker.NewFallbacks(repo, c, nil, log),
			DiversityThreshold: rerank.DefaultDiversityThreshold,
			Log:                log,
		},
	}
}

func (f *fixture) engine(t *testing.T, cfg workflow.GlobalConfig) *workflow.Engine {
	t.Helper()
	reg := workflow.NewRegistry()
	Register(reg, f.deps)
	e, err := workflow.NewEngine(cfg, reg)
	require.NoError(t, err)
	return e
}

func request(t *testing.T) *model.RecommendRequest {
	t.Helper()
	req := &model.RecommendRequest{UserID: "u1", Size: 8, ContentType: model.ContentArticle}
	require.NoError(t, req.Validate())
	return req
}

func TestDefaultPipeline(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine(t, workflow.DefaultConfig())

	wctx := workflow.NewContext(context.Background(), request(t))
	require.NoError(t, e.Run(wctx, model.DefaultScene))

	items := wctx.GetItems()
	require.GreaterOrEqual(t, len(items), 8)
	assert.Empty(t, wctx.DegradedStages())
	// 偏好 tech，但前 8 条中每个类目最多 ceil(0.3*8)=3 条
	for cat, n := range categoryCounts(items[:8]) {
		assert.LessOrEqual(t, n, 3, cat)
	}
	for _, it := range items {
		assert.NotEmpty(t, it.Reason)
		assert.Greater(t, it.Confidence, 0.0)
	}
}

func categoryCounts(items []*model.RecommendItem) map[string]int {
	counts := map[string]int{}
	for _, it := range items {
		counts[it.CategoryID]++
	}
	return counts
}

func TestPersonalizeKeepsDiversityCap(t *testing.T) {
	f := newFixture(t, nil)
	rr, err := NewReRankNode(workflow.NodeConfig{Name: "rerank"}, f.deps)
	require.NoError(t, err)
	pn, err := NewPersonalizeNode(workflow.NodeConfig{Name: "personalize"}, f.deps)
	require.NoError(t, err)

	req := &model.RecommendRequest{
		UserID:  "u1",
		Size:    5,
		Context: map[string]string{model.CtxLocation: "paris"},
	}
	require.NoError(t, req.Validate())

	// A 类带本地标签，个性化后整体加权
	var items []*model.RecommendItem
	for i := 0; i < 6; i++ {
		items = append(items, &model.RecommendItem{
			ContentID: fmt.Sprintf("a%d", i), CategoryID: "A", ContentType: model.ContentArticle,
			Tags: []string{"paris"}, Score: 1 - float64(i)*0.01, QualityScore: 0.8,
		})
	}
	for i, cat := range []string{"B", "C", "D", "E"} {
		items = append(items, &model.RecommendItem{
			ContentID: fmt.Sprintf("%s0", cat), CategoryID: cat, ContentType: model.ContentArticle,
			Score: 0.9 - float64(i)*0.01, QualityScore: 0.8,
		})
	}

	wctx := workflow.NewContext(context.Background(), req)
	wctx.UpdateItems(items)
	require.NoError(t, rr.Execute(wctx))
	require.NoError(t, pn.Execute(wctx))

	out := wctx.GetItems()
	require.Len(t, out, 10)
	// ceil(0.3*5)=2
	assert.LessOrEqual(t, categoryCounts(out[:5])["A"], 2)
}

func TestRecallNodeFallsBackToHotContent(t *testing.T) {
	f := newFixture(t, nil, recall.SourceConfig{Source: failingSource{}})
	node, err := NewRecallNode(workflow.NodeConfig{Name: "recall"}, f.deps)
	require.NoError(t, err)

	wctx := workflow.NewContext(context.Background(), request(t))
	require.NoError(t, node.Execute(wctx))

	assert.NotEmpty(t, wctx.GetCandidates())
	assert.Equal(t, []string{breaker.Recall}, wctx.DegradedStages())
}

func TestRankNodeFallsBackToReversedRecallOrder(t *testing.T) {
	f := newFixture(t, brokenUsers{})
	node, err := NewRankNode(workflow.NodeConfig{Name: "rank"}, f.deps)
	require.NoError(t, err)

	wctx := workflow.NewContext(context.Background(), request(t))
	wctx.UpdateCandidates([]*model.Candidate{
		{ContentID: "a", RawScore: 0.9},
		{ContentID: "b", RawScore: 0.5},
		{ContentID: "c", RawScore: 0.1},
	})
	require.NoError(t, node.Execute(wctx))

	items := wctx.GetItems()
	require.Len(t, items, 3)
	assert.Equal(t, "c", items[0].ContentID)
	assert.Equal(t, "a", items[2].ContentID)
	assert.Equal(t, []string{breaker.Ranking}, wctx.DegradedStages())
}

func TestRankNodeEmptyCandidates(t *testing.T) {
	f := newFixture(t, nil)
	node, err := NewRankNode(workflow.NodeConfig{Name: "rank"}, f.deps)
	require.NoError(t, err)

	wctx := workflow.NewContext(context.Background(), request(t))
	require.NoError(t, node.Execute(wctx))
	assert.NotNil(t, wctx.GetItems())
	assert.Empty(t, wctx.GetItems())
}

func TestHistoryFilterNode(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.history.SaveViews("u1", "article", []string{"b"}))

	node, err := NewHistoryFilterNode(workflow.NodeConfig{
		Name:   "filter",
		Config: map[string]interface{}{"lookback_days": float64(60)},
	}, f.deps)
	require.NoError(t, err)

	wctx := workflow.NewContext(context.Background(), request(t))
	wctx.UpdateCandidates([]*model.Candidate{{ContentID: "a"}, {ContentID: "b"}})
	require.NoError(t, node.Execute(wctx))

	cands := wctx.GetCandidates()
	require.Len(t, cands, 1)
	assert.Equal(t, "a", cands[0].ContentID)
}

func TestReRankNodeThresholdOverride(t *testing.T) {
	f := newFixture(t, nil)
	node, err := NewReRankNode(workflow.NodeConfig{
		Name:   "rerank",
		Config: map[string]interface{}{"diversity_threshold": 0.5},
	}, f.deps)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, node.(*ReRankNode).threshold, 1e-9)
}

func TestNodesRequireDependencies(t *testing.T) {
	cfg := workflow.NodeConfig{Name: "n"}
	_, err := NewRecallNode(cfg, Deps{})
	assert.Error(t, err)
	_, err = NewRankNode(cfg, Deps{})
	assert.Error(t, err)
	_, err = NewReRankNode(cfg, Deps{})
	assert.Error(t, err)
	_, err = NewPersonalizeNode(cfg, Deps{})
	assert.Error(t, err)
	_, err = NewHistoryFilterNode(cfg, Deps{})
	assert.Error(t, err)
}

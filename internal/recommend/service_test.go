package recommend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
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
	"content_recommend/internal/nodes"
	"content_recommend/internal/personalize"
	"content_recommend/internal/ranking"
	"content_recommend/internal/recall"
	"content_recommend/internal/rerank"
	"content_recommend/internal/user"
	"content_recommend/internal/workerpool"
	"content_recommend/internal/workflow"
)

var errDown = errors.New("dependency down")

type funcNode struct {
	fn    func(*workflow.Context) error
	calls atomic.Int32
}

func (n *funcNode) Name() string { return "fn" }
func (n *funcNode) Type() string { return "fn" }
func (n *funcNode) Execute(ctx *workflow.Context) error {
	n.calls.Add(1)
	return n.fn(ctx)
}

func items(ids ...string) []*model.RecommendItem {
	out := make([]*model.RecommendItem, 0, len(ids))
	for i, id := range ids {
		out = append(out, &model.RecommendItem{
			ContentID:   id,
			ContentType: model.ContentArticle,
			Score:       1 - float64(i)*0.1,
			Confidence:  0.5,
		})
	}
	return out
}

func hotCatalog() *catalog.StaticCatalog {
	contents := make([]model.Content, 0, 5)
	for i := 0; i < 5; i++ {
		contents = append(contents, model.Content{
			ID:      fmt.Sprintf("hot%d", i),
			Type:    model.ContentArticle,
			Title:   fmt.Sprintf("hot %d", i),
			Hotness: float64(10 - i),
		})
	}
	return catalog.NewMemoryCatalog(contents)
}

type harness struct {
	svc      *Service
	cache    *cache.Cache
	node     *funcNode
	breakers *breaker.Controller
}

func newHarness(t *testing.T, timeout time.Duration, fn func(*workflow.Context) error) *harness {
	t.Helper()
	log := logger.NewNop()
	node := &funcNode{fn: fn}
	reg := workflow.NewRegistry()
	reg.Register("fn", func(workflow.NodeConfig) (workflow.Node, error) { return node, nil })
	engine, err := workflow.NewEngine(workflow.GlobalConfig{Pipelines: map[string]workflow.PipelineConfig{
		workflow.DefaultScene: {Nodes: []workflow.NodeConfig{{Name: "fn", Type: "fn"}}},
	}}, reg)
	require.NoError(t, err)

	c := cache.New(nil, nil, cache.TTLConfig{}, log)
	breakers := breaker.NewController(breaker.Config{RequestVolumeThreshold: 2, SleepWindow: time.Minute}, log)
	fallbacks := breaker.NewFallbacks(hotCatalog(), c, []string{"d1"}, log)
	svc := NewService(c, engine, breakers, fallbacks, Options{Timeout: timeout}, log)
	return &harness{svc: svc, cache: c, node: node, breakers: breakers}
}

func request() *model.RecommendRequest {
	return &model.RecommendRequest{UserID: "u1", Size: 2, ContentType: model.ContentArticle, RequestID: "r1"}
}

func TestRecommendCachesResult(t *testing.T) {
	h := newHarness(t, 0, func(ctx *workflow.Context) error {
		ctx.UpdateItems(items("a", "b", "c"))
		ctx.SetGroups(map[string]string{"exp": "treatment"})
		return nil
	})

	resp, err := h.svc.Recommend(context.Background(), request())
	require.NoError(t, err)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, 2, resp.Total)
	assert.False(t, resp.FromCache)
	assert.Equal(t, DefaultVersion, resp.AlgorithmVersion)
	assert.Equal(t, model.DefaultScene, resp.ExtraInfo["scene"])
	assert.Equal(t, "r1", resp.ExtraInfo["requestId"])
	assert.Equal(t, map[string]string{"exp": "treatment"}, resp.ExtraInfo["experiments"])

	again, err := h.svc.Recommend(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, "a", again.Items[0].ContentID)
	assert.Equal(t, int32(1), h.node.calls.Load())
}

func TestRecommendInvalidRequest(t *testing.T) {
	h := newHarness(t, 0, func(*workflow.Context) error { return nil })

	_, err := h.svc.Recommend(context.Background(), &model.RecommendRequest{UserID: "u1", Size: 0})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
	_, err = h.svc.Recommend(context.Background(), &model.RecommendRequest{Size: 10})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
	assert.Zero(t, h.node.calls.Load())
}

func TestRecommendTimeoutFallback(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond, func(*workflow.Context) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	})

	start := time.Now()
	resp, err := h.svc.Recommend(context.Background(), request())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "does not wait for the stuck stage")
	assert.Equal(t, breaker.FallbackTimeout, resp.ExtraInfo["fallbackType"])
	assert.Equal(t, breaker.FallbackVersion, resp.AlgorithmVersion)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "hot0", resp.Items[0].ContentID)
}

func TestRecommendPanicFallback(t *testing.T) {
	h := newHarness(t, 0, func(*workflow.Context) error { panic("bad node") })

	resp, err := h.svc.Recommend(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, breaker.FallbackDefault, resp.ExtraInfo["fallbackType"])
	assert.NotEmpty(t, resp.Items)
}

func TestRecommendEmptyPipelineFallsBack(t *testing.T) {
	h := newHarness(t, 0, func(*workflow.Context) error { return nil })

	resp, err := h.svc.Recommend(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, breaker.FallbackDefault, resp.ExtraInfo["fallbackType"])
	assert.Contains(t, resp.ExtraInfo["fallbackReason"], ErrNoCandidates.Error())
}

func TestRecommendOpenBreakerFallback(t *testing.T) {
	h := newHarness(t, 0, func(*workflow.Context) error { return errDown })

	for i := 0; i < 2; i++ {
		resp, err := h.svc.Recommend(context.Background(), request())
		require.NoError(t, err)
		assert.Equal(t, breaker.FallbackDefault, resp.ExtraInfo["fallbackType"])
	}
	require.Equal(t, breaker.StateOpen, h.breakers.State(breaker.Pipeline))

	resp, err := h.svc.Recommend(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, breaker.FallbackCircuitOpen, resp.ExtraInfo["fallbackType"])
	assert.Equal(t, int32(2), h.node.calls.Load())
}

func TestRecommendDegradedNotCached(t *testing.T) {
	h := newHarness(t, 0, func(ctx *workflow.Context) error {
		ctx.UpdateItems(items("a", "b"))
		ctx.MarkDegraded(breaker.Ranking)
		return nil
	})

	resp, err := h.svc.Recommend(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, []string{breaker.Ranking}, resp.ExtraInfo["degraded"])

	again, err := h.svc.Recommend(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, again.FromCache)
	assert.Equal(t, int32(2), h.node.calls.Load())
}

func TestRecommendObservers(t *testing.T) {
	h := newHarness(t, 0, func(ctx *workflow.Context) error {
		ctx.UpdateItems(items("a"))
		return nil
	})
	var seen int
	h.svc.Observe(func(req *model.RecommendRequest, resp *model.RecommendResponse) {
		seen++
		assert.Equal(t, "u1", req.UserID)
		assert.NotNil(t, resp)
	})

	_, err := h.svc.Recommend(context.Background(), request())
	require.NoError(t, err)
	_, err = h.svc.Recommend(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

// 以下依赖全部不可用

type downCatalog struct{}

func (downCatalog) Get(context.Context, string) (*model.Content, error) { return nil, errDown }
func (downCatalog) GetMany(context.Context, []string) (map[string]*model.Content, error) {
	return nil, errDown
}
func (downCatalog) List(context.Context, model.ContentType) ([]*model.Content, error) {
	return nil, errDown
}
func (downCatalog) HotIDs(context.Context, model.ContentType, int) ([]string, error) {
	return nil, errDown
}
func (downCatalog) IncrHotness(context.Context, string, float64) error { return errDown }
func (downCatalog) Ping(context.Context) error                         { return errDown }

type downUsers struct{}

func (downUsers) GetProfile(context.Context, string) (*model.UserProfile, error) {
	return nil, errDown
}
func (downUsers) UpdatePreferences(context.Context, string, []string, string, float64) error {
	return errDown
}

type downSource struct{}

func (downSource) Name() string { return "down" }
func (downSource) Recall(context.Context, *model.RecommendRequest, int) ([]*model.Candidate, error) {
	return nil, errDown
}

func TestRecommendWithAllDependenciesDown(t *testing.T) {
	log := logger.NewNop()
	hs, err := history.NewFileStore(filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, err)
	repo := downCatalog{}
	users := downUsers{}
	c := cache.New(nil, nil, cache.TTLConfig{}, log)
	breakers := breaker.NewController(breaker.Config{}, log)
	fallbacks := breaker.NewFallbacks(repo, c, []string{"d1", "d2", "d3"}, log)
	pool := workerpool.New("recall", workerpool.DefaultConfig(), log)

	reg := workflow.NewRegistry()
	nodes.Register(reg, nodes.Deps{
		Recall:      recall.NewEngine(pool, hs, log, recall.SourceConfig{Source: downSource{}}),
		Ranking:     ranking.NewService(users, repo, ranking.NewRegistry(ranking.NewWeightedScorer(ranking.DefaultWeights(), 0)), 0, log),
		ReRank:      rerank.NewService(users, rerank.Rules{}, log),
		Personalize: personalize.NewAdjuster(users, abtest.NewStore(log), log),
		History:     hs,
		Breakers:    breakers,
		Fallbacks:   fallbacks,
		Log:         log,
	})
	engine, err := workflow.NewEngine(workflow.DefaultConfig(), reg)
	require.NoError(t, err)
	svc := NewService(c, engine, breakers, fallbacks, Options{}, log)

	resp, err := svc.Recommend(context.Background(), &model.RecommendRequest{UserID: "u1", Size: 5})
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Len(t, resp.Items, 3)
	ids := []string{resp.Items[0].ContentID, resp.Items[1].ContentID, resp.Items[2].ContentID}
	assert.ElementsMatch(t, []string{"d1", "d2", "d3"}, ids)
	assert.ElementsMatch(t, []string{breaker.Recall, breaker.Ranking}, resp.ExtraInfo["degraded"])
}

func TestRecommendServedItemsRespectDiversityCap(t *testing.T) {
	log := logger.NewNop()
	now := time.Now()
	cats := []string{"tech", "sports", "food", "travel", "music"}
	contents := make([]model.Content, 0, 30)
	for ci, cat := range cats {
		for i := 0; i < 6; i++ {
			contents = append(contents, model.Content{
				ID:           fmt.Sprintf("%s%d", cat, i),
				Type:         model.ContentArticle,
				CategoryID:   cat,
				Tags:         []string{cat},
				PublishTime:  now.Add(-time.Hour),
				QualityScore: 0.8,
				// tech 全部最热
				Hotness: float64(100 - ci*10 - i),
			})
		}
	}
	repo := catalog.NewMemoryCatalog(contents)
	users := user.NewMemoryProvider([]model.UserProfile{{
		ID:              "u1",
		TagPreferences:  map[string]float64{"tech": 1},
		CategoryWeights: map[string]float64{"tech": 1},
	}})
	hs, err := history.NewFileStore(filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, err)
	c := cache.New(nil, nil, cache.TTLConfig{}, log)
	breakers := breaker.NewController(breaker.Config{}, log)
	fallbacks := breaker.NewFallbacks(repo, c, nil, log)
	pool := workerpool.New("recall", workerpool.DefaultConfig(), log)

	reg := workflow.NewRegistry()
	nodes.Register(reg, nodes.Deps{
		Recall:             recall.NewEngine(pool, hs, log, recall.SourceConfig{Source: recall.NewHotSource(repo)}),
		Ranking:            ranking.NewService(users, repo, ranking.NewRegistry(ranking.NewWeightedScorer(ranking.DefaultWeights(), 0)), 0, log),
		ReRank:             rerank.NewService(users, rerank.Rules{}, log),
		Personalize:        personalize.NewAdjuster(users, abtest.NewStore(log), log),
		History:            hs,
		Breakers:           breakers,
		Fallbacks:          fallbacks,
		DiversityThreshold: 0.3,
		Log:                log,
	})
	engine, err := workflow.NewEngine(workflow.DefaultConfig(), reg)
	require.NoError(t, err)
	svc := NewService(c, engine, breakers, fallbacks, Options{}, log)

	resp, err := svc.Recommend(context.Background(), &model.RecommendRequest{UserID: "u1", Size: 10, ContentType: model.ContentArticle})
	require.NoError(t, err)
	require.Len(t, resp.Items, 10)
	assert.NotContains(t, resp.ExtraInfo, "fallbackType")

	counts := map[string]int{}
	for _, it := range resp.Items {
		counts[it.CategoryID]++
	}
	// ceil(0.3*10)=3
	for cat, n := range counts {
		assert.LessOrEqual(t, n, 3, cat)
	}
	assert.Equal(t, 3, counts["tech"])
}

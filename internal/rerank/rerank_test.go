package rerank

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content_recommend/internal/logger"
	"content_recommend/internal/model"
	"content_recommend/internal/user"
)

func item(id, category string, quality float64) *model.RecommendItem {
	return &model.RecommendItem{ContentID: id, CategoryID: category, ContentType: model.ContentArticle, QualityScore: quality}
}

func ids(items []*model.RecommendItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ContentID
	}
	return out
}

func TestDiversifyCapsCategoryShare(t *testing.T) {
	// 10 条，5 个类目，阈值 0.3 => 每类目前排最多 3 条
	var items []*model.RecommendItem
	for i := 0; i < 6; i++ {
		items = append(items, item(fmt.Sprintf("a%d", i), "A", 1))
	}
	items = append(items, item("b0", "B", 1), item("c0", "C", 1), item("d0", "D", 1), item("e0", "E", 1))

	out := Diversify(items, 0.3, 0)
	require.Len(t, out, 10)
	assert.Equal(t, []string{"a0", "a1", "a2", "b0", "c0", "d0", "e0", "a3", "a4", "a5"}, ids(out))

	counts := map[string]int{}
	for _, it := range out[:7] {
		counts[it.CategoryID]++
	}
	for cat, n := range counts {
		assert.LessOrEqual(t, n, 3, cat)
	}
}

func TestDiversifyFallsBackToContentType(t *testing.T) {
	items := []*model.RecommendItem{
		{ContentID: "v1", ContentType: model.ContentVideo},
		{ContentID: "v2", ContentType: model.ContentVideo},
		{ContentID: "a1", ContentType: model.ContentArticle},
	}
	out := Diversify(items, 0.3, 0)
	assert.Equal(t, []string{"v1", "a1", "v2"}, ids(out))
}

func TestReRankBusinessFilter(t *testing.T) {
	users := user.NewMemoryProvider([]model.UserProfile{{ID: "u1", BlockedContent: []string{"x3"}}})
	s := NewService(users, Rules{
		BlockedContent:       []string{"x1"},
		DisallowedCategories: []string{"gambling"},
	}, logger.NewNop())

	items := []*model.RecommendItem{
		item("x1", "news", 1),
		item("x2", "gambling", 1),
		item("x3", "news", 1),
		item("x4", "news", 1),
	}
	out := s.ReRank(context.Background(), "u1", items, 1)
	assert.Equal(t, []string{"x4"}, ids(out))

	out = s.ReRank(context.Background(), "u2", []*model.RecommendItem{item("x3", "news", 1)}, 1)
	assert.Equal(t, []string{"x3"}, ids(out))
}

func TestReRankDemotesLowQuality(t *testing.T) {
	s := NewService(nil, Rules{MinQuality: 0.5}, logger.NewNop())
	items := []*model.RecommendItem{
		item("low", "a", 0.2),
		item("ok1", "b", 0.9),
		item("ok2", "c", 0.6),
	}
	out := s.ReRank(context.Background(), "u1", items, 1)
	assert.Equal(t, []string{"ok1", "ok2", "low"}, ids(out))
}

func TestReRankEmpty(t *testing.T) {
	s := NewService(nil, Rules{}, logger.NewNop())
	assert.Empty(t, s.ReRank(context.Background(), "u1", nil, 0.3))
}

func categoryCounts(items []*model.RecommendItem) map[string]int {
	counts := map[string]int{}
	for _, it := range items {
		counts[it.CategoryID]++
	}
	return counts
}

func TestDiversifyWindowMatchesServedSize(t *testing.T) {
	// 30 条候选，A 类占前 12 位；只返回 10 条时 A 最多 3 条
	var items []*model.RecommendItem
	for i := 0; i < 12; i++ {
		items = append(items, item(fmt.Sprintf("a%d", i), "A", 1))
	}
	for _, cat := range []string{"B", "C", "D", "E"} {
		for i := 0; i < 3; i++ {
			items = append(items, item(fmt.Sprintf("%s%d", cat, i), cat, 1))
		}
	}
	for i := 12; i < 18; i++ {
		items = append(items, item(fmt.Sprintf("a%d", i), "A", 1))
	}

	whole := Diversify(items, 0.3, 0)
	assert.Greater(t, categoryCounts(whole[:10])["A"], 3)

	out := Diversify(items, 0.3, 10)
	require.Len(t, out, len(items))
	for cat, n := range categoryCounts(out[:10]) {
		assert.LessOrEqual(t, n, 3, cat)
	}
	assert.Equal(t, []string{"a0", "a1", "a2"}, ids(out[:3]))
}

func TestArrangeRestoresCapAfterRescoring(t *testing.T) {
	s := NewService(nil, Rules{MinQuality: 0.5}, logger.NewNop())
	// 打分后 A 类全部排到前面，低质量条目排第一
	items := []*model.RecommendItem{item("low", "B", 0.1)}
	for i := 0; i < 6; i++ {
		items = append(items, item(fmt.Sprintf("a%d", i), "A", 1))
	}
	items = append(items, item("b0", "B", 1), item("c0", "C", 1), item("d0", "D", 1), item("e0", "E", 1))

	out := s.Arrange(items, 0.3, 5)
	require.Len(t, out, len(items))
	assert.LessOrEqual(t, categoryCounts(out[:5])["A"], 2)
	assert.Equal(t, "low", out[len(out)-1].ContentID)
}

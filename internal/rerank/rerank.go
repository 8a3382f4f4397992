// Package rerank adjusts a ranked list for diversity, business rules and quality.
package rerank

import (
	"context"
	"math"
	"sync"

	"content_recommend/internal/logger"
	"content_recommend/internal/model"
	"content_recommend/internal/user"
)

const (
	DefaultDiversityThreshold = 0.3
	DefaultMinQuality         = 0.3
)

// Rules 业务规则
type Rules struct {
	BlockedContent       []string `yaml:"blocked_content"`
	DisallowedCategories []string `yaml:"disallowed_categories"`
	MinQuality           float64  `yaml:"min_quality"`
}

// Service 重排服务：多样性 -> 业务过滤 -> 质量降权
type Service struct {
	users user.Provider
	log   logger.Logger

	mu         sync.RWMutex
	blocked    map[string]struct{}
	disallowed map[string]struct{}
	minQuality float64
}

func NewService(users user.Provider, rules Rules, log logger.Logger) *Service {
	s := &Service{users: users, log: log}
	s.SetRules(rules)
	return s
}

// SetRules 替换业务规则
func (s *Service) SetRules(rules Rules) {
	blocked := toSet(rules.BlockedContent)
	disallowed := toSet(rules.DisallowedCategories)
	minQuality := rules.MinQuality
	if minQuality <= 0 {
		minQuality = DefaultMinQuality
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked, s.disallowed, s.minQuality = blocked, disallowed, minQuality
}

// ReRank 输入为已排序列表，返回调整顺序并过滤后的新列表
func (s *Service) ReRank(ctx context.Context, userID string, items []*model.RecommendItem, diversityThreshold float64) []*model.RecommendItem {
	return s.ReRankWindow(ctx, userID, items, diversityThreshold, len(items))
}

// ReRankWindow 多样性上限按前 window 个位置计算，window 通常为请求条数
func (s *Service) ReRankWindow(ctx context.Context, userID string, items []*model.RecommendItem, diversityThreshold float64, window int) []*model.RecommendItem {
	if len(items) == 0 {
		return items
	}
	out := Diversify(items, normalizeThreshold(diversityThreshold), window)
	out = s.filter(ctx, userID, out)
	return DemoteLowQuality(out, s.MinQuality())
}

// Arrange 在分数被重新调整之后恢复质量降权和多样性上限，不做业务过滤
func (s *Service) Arrange(items []*model.RecommendItem, diversityThreshold float64, window int) []*model.RecommendItem {
	if len(items) == 0 {
		return items
	}
	minQuality := s.MinQuality()
	good := make([]*model.RecommendItem, 0, len(items))
	var low []*model.RecommendItem
	for _, it := range items {
		if it.QualityScore < minQuality {
			low = append(low, it)
			continue
		}
		good = append(good, it)
	}
	good = Diversify(good, normalizeThreshold(diversityThreshold), window)
	return append(good, low...)
}

// MinQuality 当前的质量阈值
func (s *Service) MinQuality() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minQuality
}

func normalizeThreshold(t float64) float64 {
	if t <= 0 || t > 1 {
		return DefaultDiversityThreshold
	}
	return t
}

// Diversify 前 window 个位置中每个分组 (类目，无类目时用内容类型) 最多占 ceil(threshold*window) 个，
// 超出的条目保持相对顺序后移。window <= 0 或大于列表长度时按整个列表计算
func Diversify(items []*model.RecommendItem, threshold float64, window int) []*model.RecommendItem {
	n := len(items)
	if window <= 0 || window > n {
		window = n
	}
	limit := int(math.Ceil(threshold * float64(window)))
	if limit < 1 {
		limit = 1
	}
	counts := make(map[string]int)
	head := make([]*model.RecommendItem, 0, n)
	var tail []*model.RecommendItem
	for _, it := range items {
		key := it.GroupKey()
		if len(head) >= window || counts[key] >= limit {
			tail = append(tail, it)
			continue
		}
		counts[key]++
		head = append(head, it)
	}
	return append(head, tail...)
}

func (s *Service) filter(ctx context.Context, userID string, items []*model.RecommendItem) []*model.RecommendItem {
	var userBlocked map[string]struct{}
	if s.users != nil {
		profile, err := s.users.GetProfile(ctx, userID)
		if err == nil {
			userBlocked = toSet(profile.BlockedContent)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	kept := make([]*model.RecommendItem, 0, len(items))
	for _, it := range items {
		if _, ok := s.blocked[it.ContentID]; ok {
			continue
		}
		if _, ok := s.disallowed[it.CategoryID]; ok && it.CategoryID != "" {
			continue
		}
		if _, ok := userBlocked[it.ContentID]; ok {
			continue
		}
		kept = append(kept, it)
	}
	if removed := len(items) - len(kept); removed > 0 {
		s.log.Debug("business filter removed items", logger.String("user_id", userID), logger.Int("removed", removed))
	}
	return kept
}

// DemoteLowQuality 质量分低于阈值的条目移到末尾
func DemoteLowQuality(items []*model.RecommendItem, minQuality float64) []*model.RecommendItem {
	good := make([]*model.RecommendItem, 0, len(items))
	var low []*model.RecommendItem
	for _, it := range items {
		if it.QualityScore < minQuality {
			low = append(low, it)
			continue
		}
		good = append(good, it)
	}
	return append(good, low...)
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

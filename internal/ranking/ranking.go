// Package ranking scores recalled candidates against user and content features.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"content_recommend/internal/catalog"
	"content_recommend/internal/logger"
	"content_recommend/internal/model"
	"content_recommend/internal/user"
)

// DefaultTimeout 排序阶段超时
const DefaultTimeout = 1500 * time.Millisecond

// Service 排序服务
type Service struct {
	users    user.Provider
	catalog  catalog.Repository
	registry *Registry
	timeout  time.Duration
	log      logger.Logger
	now      func() time.Time
}

func NewService(users user.Provider, repo catalog.Repository, registry *Registry, timeout time.Duration, log logger.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		users:    users,
		catalog:  repo,
		registry: registry,
		timeout:  timeout,
		log:      log,
		now:      time.Now,
	}
}

// Rank 为候选打分并按分数降序排列，同分按 contentId 升序
func (s *Service) Rank(ctx context.Context, userID string, candidates []*model.Candidate, scene string) ([]*model.RecommendItem, error) {
	if len(candidates) == 0 {
		return []*model.RecommendItem{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	profile, err := s.users.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, user.ErrUserNotFound) {
			return nil, fmt.Errorf("load user features: %w", err)
		}
		profile = model.NewUserProfile(userID)
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ContentID
	}
	contents, err := s.catalog.GetMany(ctx, ids)
	if err != nil {
		// 元数据缺失时仍可打分，质量分按 1 处理
		s.log.Warn("content metadata unavailable for ranking", logger.Int("candidates", len(ids)), logger.Error(err))
	}

	scorer := s.registry.For(scene)
	now := s.now()
	items := make([]*model.RecommendItem, 0, len(candidates))
	for _, c := range candidates {
		content := contents[c.ContentID]
		item := model.ItemFromCandidate(c, content)
		item.Score = scorer.Score(Input{User: profile, Candidate: c, Content: content, Now: now})
		items = append(items, item)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ranking: %w", err)
	}
	SortItems(items)
	return items, nil
}

// SortItems 分数降序，同分按 contentId 升序
func SortItems(items []*model.RecommendItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ContentID < items[j].ContentID
	})
}

package recall

import (
	"context"
	"fmt"
	"sort"

	"content_recommend/internal/catalog"
	"content_recommend/internal/history"
	"content_recommend/internal/model"
	"content_recommend/internal/user"
)

const (
	SourceHot           = "hot"
	SourceCollaborative = "collaborative"
	SourceContentBased  = "content_based"
	SourceLLM           = "llm"
)

// HotSource 热门内容召回，分数为热度归一化值
type HotSource struct {
	repo catalog.Repository
}

func NewHotSource(repo catalog.Repository) *HotSource {
	return &HotSource{repo: repo}
}

func (s *HotSource) Name() string { return SourceHot }

func (s *HotSource) Recall(ctx context.Context, req *model.RecommendRequest, limit int) ([]*model.Candidate, error) {
	ids, err := s.repo.HotIDs(ctx, req.ContentType, limit)
	if err != nil {
		return nil, fmt.Errorf("hot list: %w", err)
	}
	contents, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hot content metadata: %w", err)
	}
	maxHot := 0.0
	for _, c := range contents {
		if c.Hotness > maxHot {
			maxHot = c.Hotness
		}
	}
	out := make([]*model.Candidate, 0, len(ids))
	for rank, id := range ids {
		c, ok := contents[id]
		if !ok {
			continue
		}
		score := 1 - float64(rank)/float64(len(ids))
		if maxHot > 0 {
			score = c.Hotness / maxHot
		}
		out = append(out, c.ToCandidate(SourceHot, score))
	}
	return out, nil
}

// CollaborativeSource 基于共同浏览的协同召回
type CollaborativeSource struct {
	history  history.Store
	repo     catalog.Repository
	lookback int
}

func NewCollaborativeSource(hs history.Store, repo catalog.Repository, lookbackDays int) *CollaborativeSource {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	return &CollaborativeSource{history: hs, repo: repo, lookback: lookbackDays}
}

func (s *CollaborativeSource) Name() string { return SourceCollaborative }

func (s *CollaborativeSource) Recall(ctx context.Context, req *model.RecommendRequest, limit int) ([]*model.Candidate, error) {
	counts, err := s.history.CoViewed(req.UserID, s.lookback)
	if err != nil {
		return nil, fmt.Errorf("co-viewed: %w", err)
	}
	if len(counts) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(counts))
	maxCount := 0
	for id, n := range counts {
		ids = append(ids, id)
		if n > maxCount {
			maxCount = n
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})

	contents, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("collaborative content metadata: %w", err)
	}
	out := make([]*model.Candidate, 0, limit)
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		c, ok := contents[id]
		if !ok || !req.MatchesType(c.Type) {
			continue
		}
		out = append(out, c.ToCandidate(SourceCollaborative, float64(counts[id])/float64(maxCount)))
	}
	return out, nil
}

// ContentBasedSource 标签/类目偏好匹配召回
type ContentBasedSource struct {
	users user.Provider
	repo  catalog.Repository
}

func NewContentBasedSource(users user.Provider, repo catalog.Repository) *ContentBasedSource {
	return &ContentBasedSource{users: users, repo: repo}
}

func (s *ContentBasedSource) Name() string { return SourceContentBased }

func (s *ContentBasedSource) Recall(ctx context.Context, req *model.RecommendRequest, limit int) ([]*model.Candidate, error) {
	profile, err := s.users.GetProfile(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("user profile: %w", err)
	}
	if len(profile.TagPreferences) == 0 && len(profile.CategoryWeights) == 0 {
		return nil, nil
	}
	contents, err := s.repo.List(ctx, req.ContentType)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}

	out := make([]*model.Candidate, 0)
	for _, c := range contents {
		score := 0.7*profile.TagAffinity(c.Tags) + 0.3*profile.CategoryWeights[c.CategoryID]
		if score <= 0 {
			continue
		}
		out = append(out, c.ToCandidate(SourceContentBased, score))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RawScore > out[j].RawScore })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

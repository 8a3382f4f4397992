package catalog

import (
	"context"

	"content_recommend/internal/cache"
	"content_recommend/internal/model"
)

// Cached 为内容元数据读取增加缓存 (long TTL)，热榜使用 default TTL
type Cached struct {
	Repository
	cache *cache.Cache
}

// NewCached 包装 Repository
func NewCached(repo Repository, c *cache.Cache) *Cached {
	return &Cached{Repository: repo, cache: c}
}

func (c *Cached) Get(ctx context.Context, id string) (*model.Content, error) {
	if ct, ok := c.cache.GetContent(ctx, id); ok {
		return ct, nil
	}
	ct, err := c.Repository.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.SetContent(ctx, ct)
	return ct, nil
}

func (c *Cached) GetMany(ctx context.Context, ids []string) (map[string]*model.Content, error) {
	out := make(map[string]*model.Content, len(ids))
	var missing []string
	for _, id := range ids {
		if ct, ok := c.cache.GetContent(ctx, id); ok {
			out[id] = ct
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	loaded, err := c.Repository.GetMany(ctx, missing)
	if err != nil {
		return out, err
	}
	for id, ct := range loaded {
		out[id] = ct
		c.cache.SetContent(ctx, ct)
	}
	return out, nil
}

func (c *Cached) HotIDs(ctx context.Context, ct model.ContentType, n int) ([]string, error) {
	if ids, ok := c.cache.GetHotList(ctx, ct); ok && (n <= 0 || len(ids) >= n) {
		if n > 0 {
			ids = ids[:n]
		}
		return ids, nil
	}
	ids, err := c.Repository.HotIDs(ctx, ct, n)
	if err != nil {
		return nil, err
	}
	c.cache.SetHotList(ctx, ct, ids)
	return ids, nil
}

// RefreshHotList 重新计算热榜写入缓存，由定时任务调用
func (c *Cached) RefreshHotList(ctx context.Context, n int) error {
	for _, ct := range []model.ContentType{model.ContentMixed, model.ContentArticle, model.ContentVideo, model.ContentProduct} {
		ids, err := c.Repository.HotIDs(ctx, ct, n)
		if err != nil {
			return err
		}
		c.cache.SetHotList(ctx, ct, ids)
	}
	return nil
}

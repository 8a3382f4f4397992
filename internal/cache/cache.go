package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"content_recommend/internal/logger"
	"content_recommend/internal/model"
)

// Tier TTL 等级
type Tier int

const (
	TierShort Tier = iota
	TierDefault
	TierLong
)

func (t Tier) String() string {
	switch t {
	case TierShort:
		return "short"
	case TierLong:
		return "long"
	default:
		return "default"
	}
}

// TTLConfig 各等级的过期时间
type TTLConfig struct {
	Short   time.Duration `yaml:"short"`
	Default time.Duration `yaml:"default"`
	Long    time.Duration `yaml:"long"`
}

// DefaultTTLConfig short=5m default=1h long=24h
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{Short: 5 * time.Minute, Default: time.Hour, Long: 24 * time.Hour}
}

func (c TTLConfig) ttl(t Tier) time.Duration {
	switch t {
	case TierShort:
		return c.Short
	case TierLong:
		return c.Long
	default:
		return c.Default
	}
}

// Stats 缓存命中统计
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache 两级缓存：本地内存 + 可选的远端 (Redis)
// 任何后端错误都按未命中处理，不阻塞请求
type Cache struct {
	local  Backend
	remote Backend
	ttls   TTLConfig
	log    logger.Logger

	hits   atomic.Int64
	misses atomic.Int64

	// OnLookup 可选回调，用于导出 prometheus 指标
	OnLookup func(hit bool)
}

// New 创建缓存，remote 可为 nil
func New(local, remote Backend, ttls TTLConfig, log logger.Logger) *Cache {
	if local == nil {
		local = NewMemoryBackend()
	}
	def := DefaultTTLConfig()
	if ttls.Short <= 0 {
		ttls.Short = def.Short
	}
	if ttls.Default <= 0 {
		ttls.Default = def.Default
	}
	if ttls.Long <= 0 {
		ttls.Long = def.Long
	}
	return &Cache{local: local, remote: remote, ttls: ttls, log: log}
}

// Get 读取并反序列化到 dst，返回是否命中
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	data, ok := c.lookup(ctx, key)
	if ok {
		if err := json.Unmarshal(data, dst); err != nil {
			c.log.Warn("cache decode failed", logger.String("key", key), logger.Error(err))
			ok = false
		}
	}
	c.record(ok)
	return ok
}

func (c *Cache) lookup(ctx context.Context, key string) ([]byte, bool) {
	data, ok, err := c.local.Get(ctx, key)
	if err != nil {
		c.log.Warn("local cache get failed", logger.String("key", key), logger.Error(err))
	}
	if ok {
		return data, true
	}
	if c.remote == nil {
		return nil, false
	}
	data, ok, err = c.remote.Get(ctx, key)
	if err != nil {
		c.log.Warn("remote cache get failed", logger.String("key", key), logger.Error(err))
		return nil, false
	}
	if ok {
		// 回填本地，本地只保留短 TTL
		_ = c.local.Set(ctx, key, data, c.ttls.Short)
	}
	return data, ok
}

// Set 序列化后写入两级缓存
func (c *Cache) Set(ctx context.Context, key string, value any, tier Tier) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("cache encode failed", logger.String("key", key), logger.Error(err))
		return
	}
	ttl := c.ttls.ttl(tier)
	localTTL := ttl
	if c.remote != nil && localTTL > c.ttls.Short {
		localTTL = c.ttls.Short
	}
	if err := c.local.Set(ctx, key, data, localTTL); err != nil {
		c.log.Warn("local cache set failed", logger.String("key", key), logger.Error(err))
	}
	if c.remote != nil {
		if err := c.remote.Set(ctx, key, data, ttl); err != nil {
			c.log.Warn("remote cache set failed", logger.String("key", key), logger.Error(err))
		}
	}
}

// Delete 删除两级缓存中的键
func (c *Cache) Delete(ctx context.Context, key string) {
	_ = c.local.Delete(ctx, key)
	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil {
			c.log.Warn("remote cache delete failed", logger.String("key", key), logger.Error(err))
		}
	}
}

// Ping 检查远端缓存连通性
func (c *Cache) Ping(ctx context.Context) error {
	if c.remote == nil {
		return c.local.Ping(ctx)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("remote cache: %w", err)
	}
	return nil
}

// Remote 远端后端，可能为 nil
func (c *Cache) Remote() Backend { return c.remote }

// Sweep 清理本地过期条目
func (c *Cache) Sweep() int {
	if m, ok := c.local.(*MemoryBackend); ok {
		return m.Sweep()
	}
	return 0
}

func (c *Cache) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.OnLookup != nil {
		c.OnLookup(hit)
	}
}

// Stats 命中率在读取时计算
func (c *Cache) Stats() Stats {
	h, m := c.hits.Load(), c.misses.Load()
	s := Stats{Hits: h, Misses: m}
	if h+m > 0 {
		s.HitRate = float64(h) / float64(h+m) * 100
	}
	return s
}

// 业务键

func RecommendKey(req *model.RecommendRequest) string {
	key := fmt.Sprintf("rec:%s:%s:%s", req.UserID, req.ContentType, req.Scene)
	if req.CategoryID != "" {
		key += ":" + req.CategoryID
	}
	return key
}

func UserKey(userID string) string { return "user:" + userID }

func ContentKey(contentID string) string { return "content:" + contentID }

func HotKey(ct model.ContentType) string { return "hot:" + string(ct) }

// GetRecommendation 读取缓存的推荐结果，数量不足请求大小时视为未命中
func (c *Cache) GetRecommendation(ctx context.Context, req *model.RecommendRequest) (*model.RecommendResponse, bool) {
	var resp model.RecommendResponse
	if !c.Get(ctx, RecommendKey(req), &resp) {
		return nil, false
	}
	if len(resp.Items) < req.Size {
		return nil, false
	}
	resp.Items = resp.Items[:req.Size]
	resp.Total = len(resp.Items)
	resp.FromCache = true
	return &resp, true
}

// SetRecommendation 推荐结果使用短 TTL
func (c *Cache) SetRecommendation(ctx context.Context, req *model.RecommendRequest, resp *model.RecommendResponse) {
	c.Set(ctx, RecommendKey(req), resp, TierShort)
}

func (c *Cache) GetUserProfile(ctx context.Context, userID string) (*model.UserProfile, bool) {
	var u model.UserProfile
	if !c.Get(ctx, UserKey(userID), &u) {
		return nil, false
	}
	return &u, true
}

func (c *Cache) SetUserProfile(ctx context.Context, u *model.UserProfile) {
	c.Set(ctx, UserKey(u.ID), u, TierDefault)
}

func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	c.Delete(ctx, UserKey(userID))
}

func (c *Cache) GetContent(ctx context.Context, contentID string) (*model.Content, bool) {
	var ct model.Content
	if !c.Get(ctx, ContentKey(contentID), &ct) {
		return nil, false
	}
	return &ct, true
}

func (c *Cache) SetContent(ctx context.Context, ct *model.Content) {
	c.Set(ctx, ContentKey(ct.ID), ct, TierLong)
}

func (c *Cache) GetHotList(ctx context.Context, ct model.ContentType) ([]string, bool) {
	var ids []string
	if !c.Get(ctx, HotKey(ct), &ids) {
		return nil, false
	}
	return ids, true
}

func (c *Cache) SetHotList(ctx context.Context, ct model.ContentType, ids []string) {
	c.Set(ctx, HotKey(ct), ids, TierDefault)
}

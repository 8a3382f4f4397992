package user

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"content_recommend/internal/cache"
	"content_recommend/internal/model"
)

// ErrUserNotFound 用户不存在
var ErrUserNotFound = errors.New("user not found")

// Provider 定义了用户画像获取的接口
type Provider interface {
	GetProfile(ctx context.Context, userID string) (*model.UserProfile, error)
	// UpdatePreferences 根据行为反馈调整标签和类目偏好
	UpdatePreferences(ctx context.Context, userID string, tags []string, categoryID string, delta float64) error
}

// StaticProvider 基于静态配置文件实现的用户画像提供者
// 反馈更新只保存在内存中
type StaticProvider struct {
	users map[string]*model.UserProfile
	mu    sync.RWMutex
}

type staticConfig struct {
	Users []model.UserProfile `yaml:"users"`
}

// NewStaticProvider 创建一个新的 StaticProvider 实例
// configPath 是用户配置文件的路径 (yaml格式)
func NewStaticProvider(configPath string) (*StaticProvider, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read user config file: %w", err)
	}

	var config staticConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse user config: %w", err)
	}
	return NewMemoryProvider(config.Users), nil
}

// NewMemoryProvider 直接用画像列表构造
func NewMemoryProvider(users []model.UserProfile) *StaticProvider {
	userMap := make(map[string]*model.UserProfile, len(users))
	for i := range users {
		u := users[i].Clone()
		userMap[u.ID] = u
	}
	return &StaticProvider{users: userMap}
}

// GetProfile 根据 UserID 获取画像副本
func (p *StaticProvider) GetProfile(_ context.Context, userID string) (*model.UserProfile, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	u, ok := p.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return u.Clone(), nil
}

// UpdatePreferences 偏好权重限制在 [0,1]，未知用户会被创建
func (p *StaticProvider) UpdatePreferences(_ context.Context, userID string, tags []string, categoryID string, delta float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[userID]
	if !ok {
		u = model.NewUserProfile(userID)
		p.users[userID] = u
	}
	for _, t := range tags {
		u.TagPreferences[t] = clamp01(u.TagPreferences[t] + delta)
	}
	if categoryID != "" {
		u.CategoryWeights[categoryID] = clamp01(u.CategoryWeights[categoryID] + delta)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CachedProvider 画像读取走缓存，更新后失效缓存
// 未知用户返回空画像而不是错误
type CachedProvider struct {
	next  Provider
	cache *cache.Cache
}

// NewCachedProvider 包装 Provider
func NewCachedProvider(next Provider, c *cache.Cache) *CachedProvider {
	return &CachedProvider{next: next, cache: c}
}

func (p *CachedProvider) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	if u, ok := p.cache.GetUserProfile(ctx, userID); ok {
		return u, nil
	}
	u, err := p.next.GetProfile(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return model.NewUserProfile(userID), nil
	}
	if err != nil {
		return nil, err
	}
	p.cache.SetUserProfile(ctx, u)
	return u, nil
}

func (p *CachedProvider) UpdatePreferences(ctx context.Context, userID string, tags []string, categoryID string, delta float64) error {
	if err := p.next.UpdatePreferences(ctx, userID, tags, categoryID, delta); err != nil {
		return err
	}
	p.cache.InvalidateUser(ctx, userID)
	return nil
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"content_recommend/internal/model"
)

// ErrContentNotFound 内容不存在
var ErrContentNotFound = errors.New("content not found")

// Repository 内容元数据服务 (外部协作方)
type Repository interface {
	Get(ctx context.Context, id string) (*model.Content, error)
	GetMany(ctx context.Context, ids []string) (map[string]*model.Content, error)
	List(ctx context.Context, ct model.ContentType) ([]*model.Content, error)
	// HotIDs 按热度降序返回内容 ID
	HotIDs(ctx context.Context, ct model.ContentType, n int) ([]string, error)
	IncrHotness(ctx context.Context, id string, delta float64) error
	Ping(ctx context.Context) error
}

// StaticCatalog 基于 YAML 文件的内容目录
type StaticCatalog struct {
	mu       sync.RWMutex
	contents map[string]*model.Content
}

type staticConfig struct {
	Contents []model.Content `yaml:"contents"`
}

// NewStaticCatalog 从 YAML 文件加载内容目录
func NewStaticCatalog(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var cfg staticConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return NewMemoryCatalog(cfg.Contents), nil
}

// NewMemoryCatalog 直接用内容列表构造目录
func NewMemoryCatalog(contents []model.Content) *StaticCatalog {
	m := make(map[string]*model.Content, len(contents))
	for i := range contents {
		c := contents[i]
		if c.QualityScore == 0 {
			c.QualityScore = 1
		}
		m[c.ID] = &c
	}
	return &StaticCatalog{contents: m}
}

func (s *StaticCatalog) Get(_ context.Context, id string) (*model.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *StaticCatalog) GetMany(_ context.Context, ids []string) (map[string]*model.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*model.Content, len(ids))
	for _, id := range ids {
		if c, ok := s.contents[id]; ok {
			cp := *c
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *StaticCatalog) List(_ context.Context, ct model.ContentType) ([]*model.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Content, 0, len(s.contents))
	for _, c := range s.contents {
		if ct == model.ContentMixed || ct == "" || c.Type == ct {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *StaticCatalog) HotIDs(ctx context.Context, ct model.ContentType, n int) ([]string, error) {
	list, _ := s.List(ctx, ct)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Hotness > list[j].Hotness })
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	ids := make([]string, len(list))
	for i, c := range list {
		ids[i] = c.ID
	}
	return ids, nil
}

func (s *StaticCatalog) IncrHotness(_ context.Context, id string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContentNotFound, id)
	}
	c.Hotness += delta
	return nil
}

func (s *StaticCatalog) Ping(context.Context) error { return nil }

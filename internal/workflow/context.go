package workflow

import (
	"context"
	"sync"

	"content_recommend/internal/model"
)

// Context 承载一次推荐流程的所有状态信息
// 节点之间通过它传递候选集和排序结果，读写都加锁
type Context struct {
	Ctx     context.Context
	Request *model.RecommendRequest
	Config  map[string]interface{}

	// 数据流转区 (需要锁保护)
	mu         sync.RWMutex
	Candidates []*model.Candidate     // 召回候选
	Items      []*model.RecommendItem // 排序后的条目
	Groups     map[string]string      // 命中的实验分组
	Degraded   []string               // 降级过的阶段
	TraceLog   []string               // 执行日志
}

// NewContext 创建一个新的工作流上下文
func NewContext(ctx context.Context, req *model.RecommendRequest) *Context {
	return &Context{
		Ctx:        ctx,
		Request:    req,
		Config:     make(map[string]interface{}),
		Candidates: make([]*model.Candidate, 0),
		Items:      make([]*model.RecommendItem, 0),
		Groups:     make(map[string]string),
		TraceLog:   make([]string, 0),
	}
}

// GetCandidates 获取当前候选集的副本
func (c *Context) GetCandidates() []*model.Candidate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]*model.Candidate, len(c.Candidates))
	copy(result, c.Candidates)
	return result
}

// UpdateCandidates 更新整个候选集
func (c *Context) UpdateCandidates(cands []*model.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Candidates = cands
}

// GetItems 获取当前条目列表的副本
func (c *Context) GetItems() []*model.RecommendItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]*model.RecommendItem, len(c.Items))
	copy(result, c.Items)
	return result
}

// UpdateItems 更新条目列表，通常用于排序和重排阶段
func (c *Context) UpdateItems(items []*model.RecommendItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Items = items
}

// SetGroups 记录实验分组
func (c *Context) SetGroups(groups map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range groups {
		c.Groups[k] = v
	}
}

// GetGroups 实验分组副本
func (c *Context) GetGroups() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.Groups))
	for k, v := range c.Groups {
		out[k] = v
	}
	return out
}

// SetValue 节点之间传递的参数，写入 Config
func (c *Context) SetValue(key string, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Config[key] = v
}

// Value 读取 SetValue 写入的参数
func (c *Context) Value(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.Config[key]
	return v, ok
}

// MarkDegraded 记录某个阶段使用了降级结果
func (c *Context) MarkDegraded(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Degraded = append(c.Degraded, stage)
}

// DegradedStages 降级阶段列表
func (c *Context) DegradedStages() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.Degraded...)
}

// AddLog 添加追踪日志
func (c *Context) AddLog(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TraceLog = append(c.TraceLog, msg)
}

// Trace 追踪日志副本
func (c *Context) Trace() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.TraceLog...)
}

// Node 定义工作流中的执行节点
type Node interface {
	Name() string
	Type() string // e.g., "recall", "rank", "rerank", "personalize"
	Execute(ctx *Context) error
}

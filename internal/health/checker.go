// Package health runs dependency checks, attempts bounded recovery and raises
// alerts once recovery is exhausted.
package health

import (
	"context"
	"fmt"
	"sync"
)

// Status 服务整体状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check 单项健康检查
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// Recoverer 可选接口，检查失败时由监控器调用尝试恢复
type Recoverer interface {
	Recover(ctx context.Context) error
}

// CheckFunc 函数形式的检查
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheckFunc 用函数构造命名检查
func NewCheckFunc(name string, fn func(ctx context.Context) error) CheckFunc {
	return CheckFunc{name: name, fn: fn}
}

func (f CheckFunc) Name() string                    { return f.name }
func (f CheckFunc) Check(ctx context.Context) error { return f.fn(ctx) }

// Checker 管理已注册的检查，按注册顺序执行
type Checker struct {
	mu     sync.RWMutex
	checks []Check
	// critical 之外的检查失败只算降级
	critical map[string]bool
}

func NewChecker() *Checker {
	return &Checker{critical: make(map[string]bool)}
}

// Register 注册检查，同名检查会被替换
func (c *Checker) Register(check Check, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.checks {
		if existing.Name() == check.Name() {
			c.checks[i] = check
			c.critical[check.Name()] = critical
			return
		}
	}
	c.checks = append(c.checks, check)
	c.critical[check.Name()] = critical
}

// Checks 返回检查列表副本
func (c *Checker) Checks() []Check {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Check, len(c.checks))
	copy(out, c.checks)
	return out
}

func (c *Checker) isCritical(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.critical[name]
}

// Check 同步执行全部检查
func (c *Checker) Check(ctx context.Context) (Status, map[string]string) {
	results := make(map[string]string)
	status := StatusHealthy
	for _, check := range c.Checks() {
		if err := check.Check(ctx); err != nil {
			results[check.Name()] = fmt.Sprintf("error: %v", err)
			if c.isCritical(check.Name()) {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
			continue
		}
		results[check.Name()] = "ok"
	}
	return status, results
}

package health

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
)

const (
	CheckRedis   = "redis"
	CheckHistory = "history"
	CheckMemory  = "memory"
)

// Pinger 任何带 Ping 的依赖 (cache.Backend / catalog 等)
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisCheck 远端缓存检查
// go-redis 连接池会自行重连，Recover 只做一次新的探测
type RedisCheck struct {
	backend Pinger
}

func NewRedisCheck(backend Pinger) *RedisCheck {
	return &RedisCheck{backend: backend}
}

func (c *RedisCheck) Name() string { return CheckRedis }

func (c *RedisCheck) Check(ctx context.Context) error {
	if err := c.backend.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *RedisCheck) Recover(ctx context.Context) error {
	return c.Check(ctx)
}

// HistoryCheck 浏览历史存储检查
type HistoryCheck struct {
	ping func() error
}

func NewHistoryCheck(ping func() error) *HistoryCheck {
	return &HistoryCheck{ping: ping}
}

func (c *HistoryCheck) Name() string { return CheckHistory }

func (c *HistoryCheck) Check(context.Context) error {
	if err := c.ping(); err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	return nil
}

// ErrHeapLimit 堆内存超过阈值
var ErrHeapLimit = errors.New("heap usage over limit")

// MemoryCheck 堆内存检查，恢复动作是强制 GC 后重新检查
type MemoryCheck struct {
	limit uint64
	read  func() uint64
}

// NewMemoryCheck limit 单位字节，<=0 时检查总是通过
func NewMemoryCheck(limit uint64) *MemoryCheck {
	return &MemoryCheck{limit: limit, read: heapAlloc}
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

func (c *MemoryCheck) Name() string { return CheckMemory }

func (c *MemoryCheck) Check(context.Context) error {
	if c.limit == 0 {
		return nil
	}
	if used := c.read(); used > c.limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrHeapLimit, used, c.limit)
	}
	return nil
}

func (c *MemoryCheck) Recover(ctx context.Context) error {
	debug.FreeOSMemory()
	return c.Check(ctx)
}

// Package breaker guards recommendation dependencies with circuit breakers and
// supplies the fallback responses served while they are unavailable.
package breaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"content_recommend/internal/logger"
	"content_recommend/internal/metrics"
)

// 受保护的依赖
const (
	Recall   = "recall"
	Ranking  = "ranking"
	Pipeline = "pipeline"
)

// 对外暴露的状态名
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// ErrPanic 受保护函数发生 panic
var ErrPanic = errors.New("panic in protected call")

// Config 熔断参数
type Config struct {
	ErrorThresholdPercent  int           `yaml:"error_threshold_percent"`
	RequestVolumeThreshold int           `yaml:"request_volume_threshold"`
	SleepWindow            time.Duration `yaml:"sleep_window"`
	Interval               time.Duration `yaml:"interval"` // CLOSED 状态下计数清零周期
}

func DefaultConfig() Config {
	return Config{
		ErrorThresholdPercent:  50,
		RequestVolumeThreshold: 20,
		SleepWindow:            5 * time.Second,
		Interval:               60 * time.Second,
	}
}

// Controller 按依赖名管理熔断器
type Controller struct {
	cfg Config
	log logger.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func NewController(cfg Config, log logger.Logger) *Controller {
	def := DefaultConfig()
	if cfg.ErrorThresholdPercent <= 0 {
		cfg.ErrorThresholdPercent = def.ErrorThresholdPercent
	}
	if cfg.RequestVolumeThreshold <= 0 {
		cfg.RequestVolumeThreshold = def.RequestVolumeThreshold
	}
	if cfg.SleepWindow <= 0 {
		cfg.SleepWindow = def.SleepWindow
	}
	if cfg.Interval < 0 {
		cfg.Interval = def.Interval
	}
	c := &Controller{cfg: cfg, log: log, breakers: make(map[string]*gobreaker.CircuitBreaker[any])}
	for _, name := range []string{Recall, Ranking, Pipeline} {
		c.get(name)
	}
	return c
}

func (c *Controller) get(name string) *gobreaker.CircuitBreaker[any] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[name]; ok {
		return cb
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // 半开状态只放行一个探测请求
		Interval:    c.cfg.Interval,
		Timeout:     c.cfg.SleepWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(c.cfg.RequestVolumeThreshold) {
				return false
			}
			failurePercent := float64(counts.TotalFailures) * 100 / float64(counts.Requests)
			return failurePercent >= float64(c.cfg.ErrorThresholdPercent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state transition",
				logger.String("breaker", name),
				logger.String("from", stateName(from)),
				logger.String("to", stateName(to)),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateName(from), stateName(to)).Inc()
		},
	})
	c.breakers[name] = cb
	return cb
}

// Execute 在熔断器保护下调用 fn。panic 记为失败并转换为 ErrPanic，
// 超时由 fn 自己返回错误，同样计为失败。c 为 nil 时直接调用
func Execute[T any](c *Controller, name string, fn func() (T, error)) (T, error) {
	var zero T
	if c == nil {
		return fn()
	}
	cb := c.get(name)
	result, err := cb.Execute(func() (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %s: %v", ErrPanic, name, r)
			}
		}()
		v, err := fn()
		return v, err
	})
	if err != nil {
		if IsRejected(err) {
			metrics.CircuitBreakerRequests.WithLabelValues(name, "rejected").Inc()
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(name, "failure").Inc()
		}
		return zero, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(name, "success").Inc()
	typed, ok := result.(T)
	if !ok && result != nil {
		return zero, fmt.Errorf("circuit breaker %s: unexpected result type %T", name, result)
	}
	return typed, nil
}

// IsRejected 请求被熔断器直接拒绝 (OPEN 或半开探测名额已满)
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State 返回依赖当前的熔断状态
func (c *Controller) State(name string) string {
	c.mu.Lock()
	cb, ok := c.breakers[name]
	c.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return stateName(cb.State())
}

// BreakerStatus 熔断器快照
type BreakerStatus struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"totalFailures"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
}

// Snapshot 所有熔断器状态，按名称排序
func (c *Controller) Snapshot() []BreakerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BreakerStatus, 0, len(c.breakers))
	for name, cb := range c.breakers {
		counts := cb.Counts()
		out = append(out, BreakerStatus{
			Name:                name,
			State:               stateName(cb.State()),
			Requests:            counts.Requests,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return "UNKNOWN"
	}
}

// stateValue 0=closed, 1=half-open, 2=open
func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

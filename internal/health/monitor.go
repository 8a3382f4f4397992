package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"content_recommend/internal/logger"
	"content_recommend/internal/metrics"
)

// MonitorConfig 监控参数
type MonitorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	CheckTimeout  time.Duration `yaml:"check_timeout"`
	MaxRetryCount int           `yaml:"max_retry_count"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// DefaultMonitorConfig 10s 一轮，最多恢复 3 次，间隔 30s
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:      10 * time.Second,
		CheckTimeout:  5 * time.Second,
		MaxRetryCount: 3,
		RetryInterval: 30 * time.Second,
	}
}

// CheckState 单项检查的运行状态
type CheckState struct {
	Name             string    `json:"name"`
	Healthy          bool      `json:"healthy"`
	LastError        string    `json:"lastError,omitempty"`
	LastCheck        time.Time `json:"lastCheck"`
	Failures         int       `json:"consecutiveFailures"`
	RecoveryAttempts int       `json:"recoveryAttempts"`
	Alerted          bool      `json:"alerted"`

	lastAttempt time.Time
}

// Monitor 周期执行检查；失败时按间隔尝试恢复，次数用尽后告警并停止重试，
// 直到检查再次成功才重置
type Monitor struct {
	checker *Checker
	cfg     MonitorConfig
	alerter Alerter
	log     logger.Logger
	now     func() time.Time

	mu    sync.Mutex
	state map[string]*CheckState

	// OnCycle 可选，每轮检查结束后调用 (定时任务挂在这里)
	OnCycle func(ctx context.Context)
}

func NewMonitor(checker *Checker, cfg MonitorConfig, alerter Alerter, log logger.Logger) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = def.MaxRetryCount
	}
	if cfg.RetryInterval < 0 {
		cfg.RetryInterval = 0
	}
	if alerter == nil {
		alerter = NewLogAlerter(log)
	}
	return &Monitor{
		checker: checker,
		cfg:     cfg,
		alerter: alerter,
		log:     log,
		now:     time.Now,
		state:   make(map[string]*CheckState),
	}
}

// Checker 返回底层检查器 (HTTP handler 使用)
func (m *Monitor) Checker() *Checker { return m.checker }

// Run 阻塞运行直到 ctx 结束
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮检查
func (m *Monitor) RunOnce(ctx context.Context) {
	for _, check := range m.checker.Checks() {
		m.runCheck(ctx, check)
	}
	if m.OnCycle != nil {
		m.OnCycle(ctx)
	}
}

func (m *Monitor) runCheck(ctx context.Context, check Check) {
	name := check.Name()
	err := m.callWithTimeout(ctx, check.Check)

	m.mu.Lock()
	st, ok := m.state[name]
	if !ok {
		st = &CheckState{Name: name, Healthy: true}
		m.state[name] = st
	}
	st.LastCheck = m.now()
	if err == nil {
		if !st.Healthy {
			m.log.Info("health check recovered", logger.String("check", name), logger.Int("failures", st.Failures))
		}
		st.Healthy, st.LastError, st.Failures, st.RecoveryAttempts, st.Alerted = true, "", 0, 0, false
		m.mu.Unlock()
		metrics.HealthCheckStatus.WithLabelValues(name).Set(1)
		return
	}

	st.Healthy = false
	st.LastError = err.Error()
	st.Failures++
	metrics.HealthCheckStatus.WithLabelValues(name).Set(0)
	m.log.Warn("health check failed",
		logger.String("check", name),
		logger.Int("failures", st.Failures),
		logger.Error(err),
	)

	// 已告警，等待成功重置
	if st.Alerted {
		m.mu.Unlock()
		return
	}

	rec, canRecover := check.(Recoverer)
	if canRecover && st.RecoveryAttempts < m.cfg.MaxRetryCount {
		if !st.lastAttempt.IsZero() && m.now().Sub(st.lastAttempt) < m.cfg.RetryInterval {
			m.mu.Unlock()
			return
		}
		st.RecoveryAttempts++
		st.lastAttempt = m.now()
		attempt := st.RecoveryAttempts
		m.mu.Unlock()

		rerr := m.callWithTimeout(ctx, rec.Recover)
		m.mu.Lock()
		if rerr == nil {
			m.log.Info("health recovery succeeded", logger.String("check", name), logger.Int("attempt", attempt))
			st.Healthy, st.LastError, st.Failures, st.RecoveryAttempts = true, "", 0, 0
			st.lastAttempt = time.Time{}
			m.mu.Unlock()
			metrics.HealthCheckStatus.WithLabelValues(name).Set(1)
			return
		}
		m.log.Warn("health recovery failed",
			logger.String("check", name),
			logger.Int("attempt", attempt),
			logger.Error(rerr),
		)
		if attempt < m.cfg.MaxRetryCount {
			m.mu.Unlock()
			return
		}
	} else if !canRecover && st.Failures < m.cfg.MaxRetryCount {
		m.mu.Unlock()
		return
	}

	st.Alerted = true
	alert := Alert{
		Source:    name,
		Level:     LevelCritical,
		Message:   fmt.Sprintf("health check %s failing, recovery exhausted: %s", name, st.LastError),
		Failures:  st.Failures,
		Timestamp: m.now(),
	}
	m.mu.Unlock()

	if aerr := m.alerter.Alert(ctx, alert); aerr != nil {
		m.log.Error("send alert failed", logger.String("check", name), logger.Error(aerr))
	}
}

func (m *Monitor) callWithTimeout(ctx context.Context, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panic: %v", r)
		}
	}()
	return fn(ctx)
}

// States 返回各检查的最新状态，按注册顺序
func (m *Monitor) States() []CheckState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CheckState, 0, len(m.state))
	for _, check := range m.checker.Checks() {
		if st, ok := m.state[check.Name()]; ok {
			out = append(out, *st)
		}
	}
	return out
}

// Alert 供其他组件 (异常检测) 复用同一告警通道
func (m *Monitor) Alert(ctx context.Context, a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = m.now()
	}
	if err := m.alerter.Alert(ctx, a); err != nil {
		m.log.Error("send alert failed", logger.String("source", a.Source), logger.Error(err))
	}
}

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content_recommend/internal/logger"
)

type fakeCheck struct {
	name      string
	healthy   atomic.Bool
	recovers  atomic.Int32
	fixOnCall int32 // 第 n 次 Recover 时修复，0 表示永不
}

func (f *fakeCheck) Name() string { return f.name }

func (f *fakeCheck) Check(context.Context) error {
	if f.healthy.Load() {
		return nil
	}
	return errors.New("down")
}

func (f *fakeCheck) Recover(ctx context.Context) error {
	n := f.recovers.Add(1)
	if f.fixOnCall > 0 && n >= f.fixOnCall {
		f.healthy.Store(true)
	}
	return f.Check(ctx)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func newMonitor(checks ...Check) (*Monitor, *recordingAlerter) {
	c := NewChecker()
	for _, ch := range checks {
		c.Register(ch, true)
	}
	al := &recordingAlerter{}
	m := NewMonitor(c, MonitorConfig{MaxRetryCount: 2, RetryInterval: 0}, al, logger.NewNop())
	return m, al
}

func TestMonitorAlertsAfterRecoveryExhausted(t *testing.T) {
	check := &fakeCheck{name: "redis"}
	m, al := newMonitor(check)
	ctx := context.Background()

	m.RunOnce(ctx)
	assert.Equal(t, int32(1), check.recovers.Load())
	assert.Zero(t, al.count())

	m.RunOnce(ctx)
	assert.Equal(t, int32(2), check.recovers.Load())
	require.Equal(t, 1, al.count())
	assert.Equal(t, "redis", al.alerts[0].Source)
	assert.Equal(t, LevelCritical, al.alerts[0].Level)

	// 告警后不再重试，也不重复告警
	m.RunOnce(ctx)
	m.RunOnce(ctx)
	assert.Equal(t, int32(2), check.recovers.Load())
	assert.Equal(t, 1, al.count())

	states := m.States()
	require.Len(t, states, 1)
	assert.False(t, states[0].Healthy)
	assert.Equal(t, 4, states[0].Failures)
	assert.True(t, states[0].Alerted)

	// 成功一次后计数重置
	check.healthy.Store(true)
	m.RunOnce(ctx)
	states = m.States()
	assert.True(t, states[0].Healthy)
	assert.Zero(t, states[0].Failures)
	assert.False(t, states[0].Alerted)

	check.healthy.Store(false)
	m.RunOnce(ctx)
	assert.Equal(t, int32(3), check.recovers.Load(), "recovery resumes after reset")
}

func TestMonitorRecoverySucceeds(t *testing.T) {
	check := &fakeCheck{name: "history", fixOnCall: 1}
	m, al := newMonitor(check)

	m.RunOnce(context.Background())

	states := m.States()
	require.Len(t, states, 1)
	assert.True(t, states[0].Healthy)
	assert.Zero(t, states[0].Failures)
	assert.Zero(t, al.count())
}

func TestMonitorRetryInterval(t *testing.T) {
	check := &fakeCheck{name: "redis"}
	c := NewChecker()
	c.Register(check, true)
	al := &recordingAlerter{}
	m := NewMonitor(c, MonitorConfig{MaxRetryCount: 3, RetryInterval: time.Minute}, al, logger.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.RunOnce(context.Background())
	m.RunOnce(context.Background())
	assert.Equal(t, int32(1), check.recovers.Load(), "second attempt waits for the retry interval")

	now = now.Add(time.Minute)
	m.RunOnce(context.Background())
	assert.Equal(t, int32(2), check.recovers.Load())
}

func TestMonitorCheckWithoutRecoverer(t *testing.T) {
	check := NewCheckFunc("catalog", func(context.Context) error { return errors.New("down") })
	m, al := newMonitor(check)

	m.RunOnce(context.Background())
	assert.Zero(t, al.count())
	m.RunOnce(context.Background())
	assert.Equal(t, 1, al.count())
}

func TestMonitorCheckPanic(t *testing.T) {
	check := NewCheckFunc("boom", func(context.Context) error { panic("bad") })
	m, _ := newMonitor(check)

	require.NotPanics(t, func() { m.RunOnce(context.Background()) })
	states := m.States()
	require.Len(t, states, 1)
	assert.Contains(t, states[0].LastError, "panic")
}

func TestMonitorOnCycle(t *testing.T) {
	m, _ := newMonitor()
	calls := 0
	m.OnCycle = func(context.Context) { calls++ }
	m.RunOnce(context.Background())
	m.RunOnce(context.Background())
	assert.Equal(t, 2, calls)
}

func TestCheckerStatus(t *testing.T) {
	c := NewChecker()
	ok := &fakeCheck{name: "history"}
	ok.healthy.Store(true)
	c.Register(ok, true)
	soft := &fakeCheck{name: "redis"}
	c.Register(soft, false)

	status, results := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Equal(t, "ok", results["history"])
	assert.Contains(t, results["redis"], "error")

	ok.healthy.Store(false)
	status, _ = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status)
}

func TestMemoryCheck(t *testing.T) {
	c := NewMemoryCheck(100)
	c.read = func() uint64 { return 200 }
	assert.ErrorIs(t, c.Check(context.Background()), ErrHeapLimit)

	c.read = func() uint64 { return 50 }
	assert.NoError(t, c.Recover(context.Background()))

	assert.NoError(t, NewMemoryCheck(0).Check(context.Background()))
}

func TestWebhookAlerter(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewWebhookAlerter(srv.URL, time.Second)
	err := a.Alert(context.Background(), Alert{Source: "redis", Level: LevelCritical, Message: "down"})
	require.NoError(t, err)
	assert.Equal(t, "redis", got.Source)
	assert.Equal(t, "down", got.Message)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	assert.Error(t, NewWebhookAlerter(bad.URL, time.Second).Alert(context.Background(), Alert{}))
}

func TestGinHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	check := &fakeCheck{name: "history"}
	check.healthy.Store(true)
	m, _ := newMonitor(check)

	router := gin.New()
	m.RegisterRoutes(router)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	check.healthy.Store(false)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(StatusUnhealthy), body["status"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

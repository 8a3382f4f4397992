package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content_recommend/internal/abtest"
	"content_recommend/internal/effect"
	"content_recommend/internal/health"
	"content_recommend/internal/logger"
	"content_recommend/internal/model"
	"content_recommend/internal/task"
)

func serve(t *effect.Tracker, n int, fallback bool) {
	req := &model.RecommendRequest{UserID: "u1", Size: 1}
	for i := 0; i < n; i++ {
		resp := model.NewRecommendResponse([]*model.RecommendItem{{
			ContentID:   "c1",
			ContentType: model.ContentArticle,
			ExtraData:   map[string]any{"source": "hot"},
		}}, "v1")
		if fallback {
			resp.ExtraInfo["fallbackType"] = "default"
		}
		t.ObserveResponse(req, resp)
	}
}

func click(t *effect.Tracker, n int) {
	for i := 0; i < n; i++ {
		t.Record("u1", model.ContentArticle, "hot", effect.ActionClick, 0)
	}
}

func TestDetectCTRDrop(t *testing.T) {
	tracker := effect.NewTracker()
	serve(tracker, 200, false)
	click(tracker, 40) // 20%

	var got []health.Alert
	s := New(Config{}, Deps{
		Effect: tracker,
		Alert:  func(_ context.Context, a health.Alert) { got = append(got, a) },
	}, logger.NewNop())

	// 窗口 CTR 2%，低于 20% 的一半
	serve(tracker, 200, false)
	click(tracker, 4)

	alerts := s.DetectAnomalies(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, "ctr", alerts[0].Source)
	assert.Equal(t, "ctr dropped to 2.00% (baseline 20.00%)", alerts[0].Message)
	assert.Len(t, got, 1)

	// 下一窗口没有新流量，不告警
	assert.Empty(t, s.DetectAnomalies(context.Background()))
}

func TestDetectNoAnomalyOnStableCTR(t *testing.T) {
	tracker := effect.NewTracker()
	serve(tracker, 200, false)
	click(tracker, 40)
	s := New(Config{}, Deps{Effect: tracker}, logger.NewNop())

	serve(tracker, 200, false)
	click(tracker, 38)
	assert.Empty(t, s.DetectAnomalies(context.Background()))
}

func TestDetectFallbackSpike(t *testing.T) {
	tracker := effect.NewTracker()
	s := New(Config{}, Deps{Effect: tracker}, logger.NewNop())

	serve(tracker, 10, false)
	serve(tracker, 20, true)

	alerts := s.DetectAnomalies(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, "fallback", alerts[0].Source)
	assert.Equal(t, health.LevelWarning, alerts[0].Level)
}

func TestDetectIgnoresLowVolume(t *testing.T) {
	tracker := effect.NewTracker()
	s := New(Config{}, Deps{Effect: tracker}, logger.NewNop())
	serve(tracker, 5, true)
	assert.Empty(t, s.DetectAnomalies(context.Background()))
}

type fakeHistory struct {
	days int
	err  error
}

func (f *fakeHistory) Cleanup(days int) error {
	f.days = days
	return f.err
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) Sweep() int { f.calls++; return 3 }

type fakeHot struct{ n int }

func (f *fakeHot) RefreshHotList(_ context.Context, n int) error {
	f.n = n
	return nil
}

func TestDailyCleanup(t *testing.T) {
	h := &fakeHistory{err: errors.New("disk full")}
	sw := &fakeSweeper{}
	hot := &fakeHot{}
	s := New(Config{HistoryRetentionDays: 30, HotListSize: 50}, Deps{History: h, Cache: sw, HotList: hot}, logger.NewNop())

	s.DailyCleanup(context.Background())
	assert.Equal(t, 30, h.days)
	assert.Equal(t, 1, sw.calls, "history failure does not stop later steps")
	assert.Equal(t, 50, hot.n)
}

func TestRollupCompletesExpiredExperiments(t *testing.T) {
	store := abtest.NewStore(logger.NewNop())
	past := time.Now().Add(-time.Hour)
	exp, err := store.Create(abtest.Experiment{
		Name:              "ranking_v2",
		GroupTrafficRatio: map[string]int{"control": 50, "treatment": 50},
		EndTime:           &past,
	})
	require.NoError(t, err)
	_, err = store.Start(exp.ID)
	require.NoError(t, err)

	s := New(Config{}, Deps{Experiments: store, Effect: effect.NewTracker()}, logger.NewNop())
	s.Rollup(context.Background())

	got, err := store.Get(exp.ID)
	require.NoError(t, err)
	assert.Equal(t, abtest.StatusCompleted, got.Status)
}

func TestCleanupTasks(t *testing.T) {
	tasks := task.NewManager()
	stuck := tasks.NewTask("feedback")
	s := New(Config{TaskTimeout: time.Nanosecond}, Deps{Tasks: tasks}, logger.NewNop())

	time.Sleep(2 * time.Millisecond)
	s.CleanupTasks(context.Background())

	got, err := tasks.GetTask(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(Config{AnomalySpec: "not a cron"}, Deps{}, logger.NewNop())
	assert.Error(t, s.Start())
}

func TestStartStop(t *testing.T) {
	s := New(Config{}, Deps{}, logger.NewNop())
	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 3)
	s.Stop()
}

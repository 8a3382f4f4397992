package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"content_recommend/internal/abtest"
	"content_recommend/internal/catalog"
	"content_recommend/internal/effect"
	"content_recommend/internal/history"
	"content_recommend/internal/logger"
	"content_recommend/internal/metrics"
	"content_recommend/internal/model"
	"content_recommend/internal/task"
	"content_recommend/internal/user"
)

// ErrBufferFull 反馈缓冲区已满，事件被丢弃
var ErrBufferFull = errors.New("feedback buffer full")

const (
	TaskKind = "feedback"

	DefaultBufferSize = 1024
	DefaultWorkers    = 4

	// processTimeout 单个事件的处理时限
	processTimeout = 5 * time.Second
)

type job struct {
	taskID string
	event  Event
}

// Buffer 非阻塞的事件缓冲
type Buffer struct {
	events chan job
	closed chan struct{}
	once   sync.Once
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{
		events: make(chan job, capacity),
		closed: make(chan struct{}),
	}
}

// send 缓冲区满时返回 false
func (b *Buffer) send(j job) bool {
	select {
	case b.events <- j:
		return true
	default:
		return false
	}
}

// Len returns the number of events currently buffered.
func (b *Buffer) Len() int {
	return len(b.events)
}

// Close 可以重复调用
func (b *Buffer) Close() {
	b.once.Do(func() {
		close(b.closed)
	})
}

// Deps 反馈处理依赖，均可为 nil
type Deps struct {
	History     history.Store
	Catalog     catalog.Repository
	Users       user.Provider
	Effect      *effect.Tracker
	Experiments *abtest.Store
	Tasks       *task.Manager
}

// Processor 后台消费反馈事件
type Processor struct {
	deps    Deps
	buffer  *Buffer
	workers int
	log     logger.Logger
	wg      sync.WaitGroup
}

func NewProcessor(deps Deps, buffer *Buffer, workers int, log logger.Logger) *Processor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if deps.Tasks == nil {
		deps.Tasks = task.NewManager()
	}
	return &Processor{deps: deps, buffer: buffer, workers: workers, log: log}
}

// Start launches the worker goroutines.
func (p *Processor) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
}

// Stop 关闭缓冲区，处理完剩余事件后返回
func (p *Processor) Stop() {
	p.buffer.Close()
	p.wg.Wait()
}

// Submit 校验后入队，返回追踪任务 ID
func (p *Processor) Submit(ev Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	t := p.deps.Tasks.NewTask(TaskKind)
	if !p.buffer.send(job{taskID: t.ID, event: ev}) {
		_ = p.deps.Tasks.SetError(t.ID, ErrBufferFull)
		metrics.FeedbackDropped.Inc()
		p.log.Warn("feedback dropped, buffer full",
			logger.String("user_id", ev.UserID),
			logger.String("content_id", ev.ContentID),
		)
		return t.ID, ErrBufferFull
	}
	return t.ID, nil
}

// Tasks 任务管理器
func (p *Processor) Tasks() *task.Manager { return p.deps.Tasks }

func (p *Processor) loop() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.buffer.events:
			p.handle(j)
		case <-p.buffer.closed:
			p.drain()
			return
		}
	}
}

func (p *Processor) drain() {
	for {
		select {
		case j := <-p.buffer.events:
			p.handle(j)
		default:
			return
		}
	}
}

func (p *Processor) handle(j job) {
	_ = p.deps.Tasks.UpdateStatus(j.taskID, task.StatusProcessing)
	defer func() {
		if r := recover(); r != nil {
			_ = p.deps.Tasks.SetError(j.taskID, fmt.Errorf("feedback panic: %v", r))
			p.log.Error("feedback processing panic", logger.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	if err := p.Process(ctx, j.event); err != nil {
		_ = p.deps.Tasks.SetError(j.taskID, err)
		p.log.Warn("feedback processing failed",
			logger.String("user_id", j.event.UserID),
			logger.String("content_id", j.event.ContentID),
			logger.Error(err),
		)
		return
	}
	_ = p.deps.Tasks.SetResult(j.taskID, nil)
	p.log.Debug("feedback processed",
		logger.String("user_id", j.event.UserID),
		logger.String("content_id", j.event.ContentID),
		logger.String("action", j.event.Action),
		logger.String("session_id", j.event.SessionID),
		logger.String("request_id", j.event.RequestID),
		logger.Int("position", j.event.Position),
	)
}

// Process 同步处理一个事件，任一步骤失败不影响其他步骤
func (p *Processor) Process(ctx context.Context, ev Event) error {
	var errs []error
	d := p.deps

	var content *model.Content
	if d.Catalog != nil {
		c, err := d.Catalog.Get(ctx, ev.ContentID)
		if err != nil {
			errs = append(errs, fmt.Errorf("content lookup: %w", err))
		} else {
			content = c
			if ev.ContentType == "" {
				ev.ContentType = c.Type
			}
		}
	}

	if d.History != nil && ev.Action != ActionDislike {
		if err := d.History.SaveViews(ev.UserID, string(ev.ContentType), []string{ev.ContentID}); err != nil {
			errs = append(errs, fmt.Errorf("save history: %w", err))
		}
	}

	if d.Catalog != nil && content != nil {
		if err := d.Catalog.IncrHotness(ctx, ev.ContentID, hotnessDelta[ev.Action]); err != nil {
			errs = append(errs, fmt.Errorf("update hotness: %w", err))
		}
	}

	if delta, ok := preferenceDelta[ev.Action]; ok && d.Users != nil && content != nil {
		if err := d.Users.UpdatePreferences(ctx, ev.UserID, content.Tags, content.CategoryID, delta); err != nil {
			errs = append(errs, fmt.Errorf("update preferences: %w", err))
		}
	}

	if d.Effect != nil {
		switch ev.Action {
		case ActionClick:
			d.Effect.Record(ev.UserID, ev.ContentType, ev.Algorithm, effect.ActionClick, 0)
		case ActionConversion:
			d.Effect.Record(ev.UserID, ev.ContentType, ev.Algorithm, effect.ActionConversion, ev.Value)
		}
	}

	if d.Experiments != nil {
		p.recordExperiments(ev)
	}
	return errors.Join(errs...)
}

func (p *Processor) recordExperiments(ev Event) {
	exps := p.deps.Experiments
	for _, exp := range exps.Running(ev.Scene) {
		group := exps.AssignGroup(ev.UserID, exp.ID)
		switch ev.Action {
		case ActionClick:
			_ = exps.RecordMetric(exp.ID, group, abtest.MetricClick, 1)
		case ActionConversion:
			_ = exps.RecordMetric(exp.ID, group, abtest.MetricConversion, 1)
			if ev.Value > 0 {
				_ = exps.RecordMetric(exp.ID, group, abtest.MetricRevenue, ev.Value)
			}
		}
		if ev.DwellTime > 0 {
			_ = exps.RecordMetric(exp.ID, group, abtest.MetricDwellTime, ev.DwellTime)
		}
	}
}

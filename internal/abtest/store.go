package abtest

import (
	"fmt"
	"hash/fnv"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"content_recommend/internal/logger"
)

// maxCachedAssignments 单个实验缓存的分组结果上限，超出后只计算不缓存
const maxCachedAssignments = 100000

// Store 实验及其指标的内存存储
type Store struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment
	byName      map[string]string // name -> id
	metrics     map[string]map[string]*groupMetrics
	assignments map[string]map[string]string // experimentID -> userID -> group

	log logger.Logger
	now func() time.Time
}

func NewStore(log logger.Logger) *Store {
	return &Store{
		experiments: make(map[string]*Experiment),
		byName:      make(map[string]string),
		metrics:     make(map[string]map[string]*groupMetrics),
		assignments: make(map[string]map[string]string),
		log:         log,
		now:         time.Now,
	}
}

// Create 校验并保存新实验，状态为 DRAFT
func (s *Store) Create(exp Experiment) (*Experiment, error) {
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	e := exp.clone()
	e.ID = uuid.NewString()
	e.Status = StatusDraft
	e.CreatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[e.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, e.Name)
	}
	s.experiments[e.ID] = e
	s.byName[e.Name] = e.ID
	s.metrics[e.ID] = newGroupMetrics(e)
	return e.clone(), nil
}

func newGroupMetrics(e *Experiment) map[string]*groupMetrics {
	m := make(map[string]*groupMetrics, len(e.GroupTrafficRatio))
	for g := range e.GroupTrafficRatio {
		m[g] = &groupMetrics{}
	}
	return m
}

func (s *Store) Get(id string) (*Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	}
	return e.clone(), nil
}

func (s *Store) GetByName(name string) (*Experiment, error) {
	s.mu.RLock()
	id, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, name)
	}
	return s.Get(id)
}

// List 按创建时间排序
func (s *Store) List() []*Experiment {
	s.mu.RLock()
	out := make([]*Experiment, 0, len(s.experiments))
	for _, e := range s.experiments {
		out = append(out, e.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Running 返回作用于该场景的运行中实验
func (s *Store) Running(scene string) []*Experiment {
	var out []*Experiment
	for _, e := range s.List() {
		if e.Status == StatusRunning && e.AppliesTo(scene) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Start(id string) (*Experiment, error) {
	return s.setStatus(id, StatusRunning)
}

func (s *Store) Pause(id string) (*Experiment, error) {
	return s.setStatus(id, StatusPaused)
}

// Stop 结束实验 (COMPLETED)
func (s *Store) Stop(id string) (*Experiment, error) {
	return s.setStatus(id, StatusCompleted)
}

func (s *Store) setStatus(id string, to Status) (*Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	}
	if err := transition(e.Status, to); err != nil {
		return nil, err
	}
	now := s.now()
	switch to {
	case StatusRunning:
		if e.StartTime == nil {
			e.StartTime = &now
		}
	case StatusCompleted:
		e.EndTime = &now
	}
	from := e.Status
	e.Status = to
	s.log.Info("experiment status changed",
		logger.String("experiment_id", id),
		logger.String("name", e.Name),
		logger.String("from", string(from)),
		logger.String("to", string(to)),
	)
	return e.clone(), nil
}

// UpdateTraffic 修改流量配比，已缓存的分组结果失效
func (s *Store) UpdateTraffic(id string, ratios map[string]int) (*Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	}
	next := e.clone()
	next.GroupTrafficRatio = maps.Clone(ratios)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	e.GroupTrafficRatio = next.GroupTrafficRatio
	for g := range next.GroupTrafficRatio {
		if _, ok := s.metrics[id][g]; !ok {
			s.metrics[id][g] = &groupMetrics{}
		}
	}
	delete(s.assignments, id)
	return e.clone(), nil
}

// CompleteExpired 结束已过 EndTime 的运行中实验，返回被结束的实验 ID
func (s *Store) CompleteExpired() []string {
	now := s.now()
	var expired []string
	s.mu.RLock()
	for id, e := range s.experiments {
		if (e.Status == StatusRunning || e.Status == StatusPaused) && e.EndTime != nil && now.After(*e.EndTime) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	var done []string
	for _, id := range expired {
		if _, err := s.Stop(id); err == nil {
			done = append(done, id)
		}
	}
	return done
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.experiments[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	}
	delete(s.experiments, id)
	delete(s.byName, e.Name)
	delete(s.metrics, id)
	delete(s.assignments, id)
	return nil
}

// Clear 删除所有实验和指标
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments = make(map[string]*Experiment)
	s.byName = make(map[string]string)
	s.metrics = make(map[string]map[string]*groupMetrics)
	s.assignments = make(map[string]map[string]string)
}

// AssignGroup 确定性分组：fnv-1a(experimentID:userID) mod 总权重，
// 按分组名排序后落入对应区间。实验不存在或未运行时返回 control
func (s *Store) AssignGroup(userID, experimentID string) string {
	s.mu.RLock()
	e, ok := s.experiments[experimentID]
	if !ok {
		s.mu.RUnlock()
		s.log.Warn("assign group for unknown experiment", logger.String("experiment_id", experimentID))
		return ControlGroup
	}
	if e.Status != StatusRunning {
		s.mu.RUnlock()
		return ControlGroup
	}
	if g, ok := s.assignments[experimentID][userID]; ok {
		s.mu.RUnlock()
		return g
	}
	group := Bucket(experimentID, userID, e.GroupTrafficRatio)
	s.mu.RUnlock()

	s.cacheAssignment(experimentID, userID, group)
	return group
}

// AssignGroupByName 按实验名称分组
func (s *Store) AssignGroupByName(userID, name string) string {
	s.mu.RLock()
	id, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		s.log.Warn("assign group for unknown experiment", logger.String("experiment_name", name))
		return ControlGroup
	}
	return s.AssignGroup(userID, id)
}

// cacheAssignment 首次缓存时计入分组用户数
func (s *Store) cacheAssignment(experimentID, userID, group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[experimentID]; !ok {
		return
	}
	byUser, ok := s.assignments[experimentID]
	if !ok {
		byUser = make(map[string]string)
		s.assignments[experimentID] = byUser
	}
	if _, seen := byUser[userID]; seen || len(byUser) >= maxCachedAssignments {
		return
	}
	byUser[userID] = group
	if m, ok := s.metrics[experimentID][group]; ok {
		m.users.Add(1)
	}
}

// Bucket 纯函数分组，相同的 experimentID、userID 和配比总是得到相同结果
func Bucket(experimentID, userID string, ratios map[string]int) string {
	total := 0
	groups := make([]string, 0, len(ratios))
	for g, w := range ratios {
		if w <= 0 {
			continue
		}
		total += w
		groups = append(groups, g)
	}
	if total == 0 {
		return ControlGroup
	}
	sort.Strings(groups)

	h := fnv.New32a()
	_, _ = h.Write([]byte(experimentID + ":" + userID))
	slot := int(h.Sum32() % uint32(total))

	for _, g := range groups {
		slot -= ratios[g]
		if slot < 0 {
			return g
		}
	}
	return groups[len(groups)-1]
}

// RecordMetric 累加分组指标，实验不存在或未运行时不记录并返回错误
func (s *Store) RecordMetric(experimentID, group, metric string, value float64) error {
	s.mu.RLock()
	e, ok := s.experiments[experimentID]
	if !ok {
		s.mu.RUnlock()
		s.log.Warn("metric for unknown experiment",
			logger.String("experiment_id", experimentID), logger.String("metric", metric))
		return fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}
	status := e.Status
	m, ok := s.metrics[experimentID][group]
	s.mu.RUnlock()

	if status != StatusRunning {
		s.log.Warn("metric for experiment that is not running",
			logger.String("experiment_id", experimentID), logger.String("status", string(status)))
		return fmt.Errorf("%w: %s", ErrNotRunning, experimentID)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	return m.record(metric, value)
}

// Results 各分组指标快照
func (s *Store) Results(experimentID string) ([]GroupResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.experiments[experimentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, experimentID)
	}
	out := make([]GroupResult, 0, len(e.GroupTrafficRatio))
	for _, g := range e.Groups() {
		if m, ok := s.metrics[experimentID][g]; ok {
			out = append(out, m.snapshot(g))
		}
	}
	return out, nil
}

// Summary 实验及其分组指标
type Summary struct {
	Experiment *Experiment   `json:"experiment"`
	Groups     []GroupResult `json:"groups"`
}

// Snapshot 所有实验的当前状态，用于定时汇总
func (s *Store) Snapshot() []Summary {
	exps := s.List()
	out := make([]Summary, 0, len(exps))
	for _, e := range exps {
		groups, err := s.Results(e.ID)
		if err != nil {
			continue
		}
		out = append(out, Summary{Experiment: e, Groups: groups})
	}
	return out
}

// RecordExposure 按实验名记录一次推荐曝光，groups 为 实验名 -> 分组
func (s *Store) RecordExposure(groups map[string]string, impressions int) {
	if impressions <= 0 {
		return
	}
	for name, group := range groups {
		s.mu.RLock()
		id, ok := s.byName[name]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		_ = s.RecordMetric(id, group, MetricImpression, float64(impressions))
	}
}

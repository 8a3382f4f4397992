// Package abtest manages experiments, sticky group assignment, per-group
// metrics and significance testing.
package abtest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrInvalidTransition  = errors.New("invalid experiment status transition")
	ErrInvalidExperiment  = errors.New("invalid experiment")
	ErrDuplicateName      = errors.New("experiment name already exists")
	ErrNotRunning         = errors.New("experiment is not running")
	ErrUnknownGroup       = errors.New("unknown experiment group")
	ErrUnknownMetric      = errors.New("unknown metric")
)

// Status 实验状态
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
)

// ControlGroup 实验未运行时所有用户都落在对照组
const ControlGroup = "control"

// 分组策略
const (
	StrategyDiversityBoost  = "diversity_boost"
	StrategyFreshnessBoost  = "freshness_boost"
	StrategyConfidenceBoost = "confidence_boost"
)

// Experiment 实验配置
type Experiment struct {
	ID                string            `json:"experimentId"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	Scene             string            `json:"scene,omitempty"` // 为空表示所有场景
	StartTime         *time.Time        `json:"startTime,omitempty"`
	EndTime           *time.Time        `json:"endTime,omitempty"`
	GroupTrafficRatio map[string]int    `json:"groupTrafficRatio"`
	TargetMetrics     []string          `json:"targetMetrics,omitempty"`
	Strategies        map[string]string `json:"strategies,omitempty"` // group -> strategy
	Status            Status            `json:"status"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// Validate 校验名称和流量配比
func (e *Experiment) Validate() error {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidExperiment)
	}
	if len(e.GroupTrafficRatio) == 0 {
		return fmt.Errorf("%w: groupTrafficRatio is required", ErrInvalidExperiment)
	}
	total := 0
	for g, w := range e.GroupTrafficRatio {
		if g == "" || w < 0 {
			return fmt.Errorf("%w: bad weight %d for group %q", ErrInvalidExperiment, w, g)
		}
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("%w: traffic weights must sum to a positive value", ErrInvalidExperiment)
	}
	for g := range e.Strategies {
		if _, ok := e.GroupTrafficRatio[g]; !ok {
			return fmt.Errorf("%w: strategy for unknown group %q", ErrInvalidExperiment, g)
		}
	}
	if e.StartTime != nil && e.EndTime != nil && e.EndTime.Before(*e.StartTime) {
		return fmt.Errorf("%w: endTime before startTime", ErrInvalidExperiment)
	}
	return nil
}

// Groups 按名称排序的分组
func (e *Experiment) Groups() []string {
	groups := make([]string, 0, len(e.GroupTrafficRatio))
	for g := range e.GroupTrafficRatio {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// Baseline 对照组：存在 control 时使用 control，否则取名称最小的分组
func (e *Experiment) Baseline() string {
	if _, ok := e.GroupTrafficRatio[ControlGroup]; ok {
		return ControlGroup
	}
	groups := e.Groups()
	if len(groups) == 0 {
		return ControlGroup
	}
	return groups[0]
}

// AppliesTo 实验是否作用于该场景
func (e *Experiment) AppliesTo(scene string) bool {
	return e.Scene == "" || e.Scene == scene
}

func (e *Experiment) clone() *Experiment {
	c := *e
	c.GroupTrafficRatio = make(map[string]int, len(e.GroupTrafficRatio))
	for k, v := range e.GroupTrafficRatio {
		c.GroupTrafficRatio[k] = v
	}
	c.Strategies = make(map[string]string, len(e.Strategies))
	for k, v := range e.Strategies {
		c.Strategies[k] = v
	}
	c.TargetMetrics = append([]string(nil), e.TargetMetrics...)
	if e.StartTime != nil {
		t := *e.StartTime
		c.StartTime = &t
	}
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	return &c
}

// transition 状态机：DRAFT -> RUNNING -> {PAUSED, COMPLETED}，PAUSED -> {RUNNING, COMPLETED}
func transition(from, to Status) error {
	ok := false
	switch to {
	case StatusRunning:
		ok = from == StatusDraft || from == StatusPaused
	case StatusPaused:
		ok = from == StatusRunning
	case StatusCompleted:
		ok = from == StatusRunning || from == StatusPaused
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

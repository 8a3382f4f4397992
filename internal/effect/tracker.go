// Package effect aggregates realtime recommendation effect metrics per
// content type and recall algorithm.
package effect

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"content_recommend/internal/model"
)

// 行为类型
const (
	ActionClick      = "click"
	ActionConversion = "conversion"
	ActionRevenue    = "revenue"
)

// maxTrackedUsers 每个维度去重用户数的上限
const maxTrackedUsers = 100000

type key struct {
	contentType string
	algorithm   string
}

type counters struct {
	impressions atomic.Int64
	clicks      atomic.Int64
	conversions atomic.Int64
	revenue     atomic.Uint64 // float64 bits

	usersMu sync.Mutex
	users   map[string]struct{}
}

func (c *counters) addRevenue(v float64) {
	for {
		old := c.revenue.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if c.revenue.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *counters) addUser(id string) {
	c.usersMu.Lock()
	defer c.usersMu.Unlock()
	if len(c.users) < maxTrackedUsers {
		c.users[id] = struct{}{}
	}
}

// collectUsers 把用户并入 dst，跨维度汇总时去重
func (c *counters) collectUsers(dst map[string]struct{}) {
	c.usersMu.Lock()
	defer c.usersMu.Unlock()
	for id := range c.users {
		dst[id] = struct{}{}
	}
}

// Metrics 实时效果指标，派生值在读取时计算，CTR/CVR 为百分比
type Metrics struct {
	ContentType string  `json:"contentType,omitempty"`
	Algorithm   string  `json:"algorithm,omitempty"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
	Users       int64   `json:"users"`
	CTR         float64 `json:"ctr"`
	CVR         float64 `json:"cvr"`
	ARPU        float64 `json:"arpu"`
}

func (m *Metrics) derive() {
	m.CTR = ratio(float64(m.Clicks), float64(m.Impressions)) * 100
	m.CVR = ratio(float64(m.Conversions), float64(m.Clicks)) * 100
	m.ARPU = ratio(m.Revenue, float64(m.Users))
}

// Totals 全局计数，用于异常检测
type Totals struct {
	Requests    int64 `json:"requests"`
	Fallbacks   int64 `json:"fallbacks"`
	Impressions int64 `json:"impressions"`
	Clicks      int64 `json:"clicks"`
}

// Tracker 效果统计
type Tracker struct {
	mu    sync.RWMutex
	stats map[key]*counters

	requests  atomic.Int64
	fallbacks atomic.Int64
}

func NewTracker() *Tracker {
	return &Tracker{stats: make(map[key]*counters)}
}

func (t *Tracker) bucket(ct model.ContentType, algorithm string) *counters {
	k := key{contentType: string(ct), algorithm: algorithm}
	t.mu.RLock()
	c, ok := t.stats[k]
	t.mu.RUnlock()
	if ok {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.stats[k]; !ok {
		c = &counters{users: make(map[string]struct{})}
		t.stats[k] = c
	}
	return c
}

// ObserveResponse 每个返回的条目记一次曝光
func (t *Tracker) ObserveResponse(req *model.RecommendRequest, resp *model.RecommendResponse) {
	if resp == nil {
		return
	}
	t.requests.Add(1)
	if _, ok := resp.ExtraInfo["fallbackType"]; ok {
		t.fallbacks.Add(1)
	}
	for _, it := range resp.Items {
		c := t.bucket(it.ContentType, Algorithm(it))
		c.impressions.Add(1)
		c.addUser(req.UserID)
	}
}

// Record 记录一次用户行为
func (t *Tracker) Record(userID string, ct model.ContentType, algorithm, action string, value float64) {
	c := t.bucket(ct, algorithm)
	c.addUser(userID)
	switch action {
	case ActionClick:
		c.clicks.Add(1)
	case ActionConversion:
		c.conversions.Add(1)
		if value > 0 {
			c.addRevenue(value)
		}
	case ActionRevenue:
		c.addRevenue(value)
	}
}

// Realtime 按内容类型和算法过滤后汇总，空值表示不过滤
func (t *Tracker) Realtime(ct, algorithm string) Metrics {
	m := Metrics{ContentType: ct, Algorithm: algorithm}
	users := make(map[string]struct{})
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, c := range t.stats {
		if ct != "" && ct != string(model.ContentMixed) && k.contentType != ct {
			continue
		}
		if algorithm != "" && k.algorithm != algorithm {
			continue
		}
		m.Impressions += c.impressions.Load()
		m.Clicks += c.clicks.Load()
		m.Conversions += c.conversions.Load()
		m.Revenue += math.Float64frombits(c.revenue.Load())
		c.collectUsers(users)
	}
	m.Users = int64(len(users))
	m.derive()
	return m
}

// Snapshot 各维度的指标
func (t *Tracker) Snapshot() []Metrics {
	t.mu.RLock()
	keys := make([]key, 0, len(t.stats))
	for k := range t.stats {
		keys = append(keys, k)
	}
	t.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].contentType != keys[j].contentType {
			return keys[i].contentType < keys[j].contentType
		}
		return keys[i].algorithm < keys[j].algorithm
	})
	out := make([]Metrics, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.Realtime(k.contentType, k.algorithm))
	}
	return out
}

// Totals 全局计数
func (t *Tracker) Totals() Totals {
	all := t.Realtime("", "")
	return Totals{
		Requests:    t.requests.Load(),
		Fallbacks:   t.fallbacks.Load(),
		Impressions: all.Impressions,
		Clicks:      all.Clicks,
	}
}

// Algorithm 条目的召回来源
func Algorithm(it *model.RecommendItem) string {
	if s, ok := it.ExtraData["source"].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return num / den
}

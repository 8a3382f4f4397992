package abtest

import (
	"fmt"
	"math"
	"sync/atomic"
)

// 可记录的指标
const (
	MetricImpression          = "impression"
	MetricClick               = "click"
	MetricConversion          = "conversion"
	MetricRevenue             = "revenue"
	MetricDwellTime           = "dwell_time"
	MetricRecommendationCount = "recommendation_count"
	MetricUser                = "user"
)

// atomicFloat CAS 累加的 float64
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

// groupMetrics 单个实验分组的计数器
type groupMetrics struct {
	users           atomic.Int64
	impressions     atomic.Int64
	clicks          atomic.Int64
	conversions     atomic.Int64
	recommendations atomic.Int64
	revenue         atomicFloat
	dwellTime       atomicFloat
}

func (m *groupMetrics) record(metric string, value float64) error {
	switch metric {
	case MetricImpression:
		m.impressions.Add(count(value))
	case MetricClick:
		m.clicks.Add(count(value))
	case MetricConversion:
		m.conversions.Add(count(value))
	case MetricRecommendationCount:
		m.recommendations.Add(count(value))
	case MetricUser:
		m.users.Add(count(value))
	case MetricRevenue:
		m.revenue.Add(value)
	case MetricDwellTime:
		m.dwellTime.Add(value)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	return nil
}

// count 计数类指标的值缺省为 1
func count(v float64) int64 {
	if v <= 0 {
		return 1
	}
	return int64(v)
}

// GroupResult 分组指标快照，派生值在读取时计算
type GroupResult struct {
	Group               string  `json:"group"`
	UserCount           int64   `json:"userCount"`
	Impressions         int64   `json:"impressions"`
	Clicks              int64   `json:"clicks"`
	Conversions         int64   `json:"conversions"`
	RecommendationCount int64   `json:"recommendationCount"`
	Revenue             float64 `json:"revenue"`
	DwellTime           float64 `json:"dwellTime"`
	CTR                 float64 `json:"ctr"` // 百分比
	CVR                 float64 `json:"cvr"` // 百分比
	ARPU                float64 `json:"arpu"`
	AvgDwellTime        float64 `json:"avgDwellTime"`
}

func (m *groupMetrics) snapshot(group string) GroupResult {
	r := GroupResult{
		Group:               group,
		UserCount:           m.users.Load(),
		Impressions:         m.impressions.Load(),
		Clicks:              m.clicks.Load(),
		Conversions:         m.conversions.Load(),
		RecommendationCount: m.recommendations.Load(),
		Revenue:             m.revenue.Load(),
		DwellTime:           m.dwellTime.Load(),
	}
	r.CTR = percent(float64(r.Clicks), float64(r.Impressions))
	r.CVR = percent(float64(r.Conversions), float64(r.Clicks))
	r.ARPU = ratio(r.Revenue, float64(r.UserCount))
	r.AvgDwellTime = ratio(r.DwellTime, float64(r.Clicks))
	return r
}

// percent CTR/CVR 以百分比表示
func percent(num, den float64) float64 {
	return ratio(num, den) * 100
}

func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return num / den
}

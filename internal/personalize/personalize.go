// Package personalize applies request context and experiment strategies to a
// ranked list and computes per-item confidence and reasons.
package personalize

import (
	"context"
	"math"
	"strings"
	"time"

	"content_recommend/internal/abtest"
	"content_recommend/internal/logger"
	"content_recommend/internal/model"
	"content_recommend/internal/ranking"
	"content_recommend/internal/user"
)

// 上下文调整系数
const (
	mobileVideoBoost    = 1.1
	mobileArticleDamp   = 0.9
	desktopArticleBoost = 1.1
	timeOfDayBoost      = 1.2
	localBoost          = 1.15
	slowNetworkVideo    = 0.7

	freshnessBoost   = 1.2
	freshnessWindow  = 24 * time.Hour
	confidenceBoost  = 1.15
	confidenceCutoff = 0.7
	diversityBoost   = 1.1
	minConfidence    = 0.1
	maxConfidence    = 0.9
	singleSourceConf = 0.5
	highScoreCutoff  = 0.8
	tagOverlapCutoff = 0.5
	confidenceNudge  = 0.05
)

var (
	morningTags = []string{"news", "information"}
	eveningTags = []string{"entertainment", "leisure"}
)

var sourceReasons = map[string]string{
	"hot":           "popular right now",
	"collaborative": "users like you also viewed",
	"content_based": "matches your interests",
	"llm":           "picked for your interests",
}

// Adjuster 个性化调整
type Adjuster struct {
	users       user.Provider
	experiments *abtest.Store
	log         logger.Logger
	now         func() time.Time
}

// NewAdjuster experiments 可以为 nil
func NewAdjuster(users user.Provider, experiments *abtest.Store, log logger.Logger) *Adjuster {
	return &Adjuster{users: users, experiments: experiments, log: log, now: time.Now}
}

// Result 调整后的列表和本次请求命中的实验分组 (实验名 -> 分组)
type Result struct {
	Items  []*model.RecommendItem
	Groups map[string]string
}

// Adjust 修改 items 的分数、置信度和推荐理由后重新排序
func (a *Adjuster) Adjust(ctx context.Context, req *model.RecommendRequest, items []*model.RecommendItem) Result {
	res := Result{Items: items, Groups: map[string]string{}}
	if len(items) == 0 {
		return res
	}

	profile, err := a.users.GetProfile(ctx, req.UserID)
	if err != nil {
		profile = model.NewUserProfile(req.UserID)
	}
	now := a.now()

	location := req.Ctx(model.CtxLocation)
	if location == "" {
		location = profile.Location
	}
	timeOfDay := req.Ctx(model.CtxTimeOfDay)
	if timeOfDay == "" {
		timeOfDay = TimeOfDay(now)
	}
	env := contextEnv{
		device:    strings.ToLower(req.Ctx(model.CtxDevice)),
		network:   strings.ToLower(req.Ctx(model.CtxNetwork)),
		timeOfDay: strings.ToLower(timeOfDay),
		location:  location,
	}

	for _, it := range items {
		reasons := make([]string, 0, 2)
		if r, ok := sourceReasons[source(it)]; ok {
			reasons = append(reasons, r)
		}
		factor, extra := env.factor(it)
		it.Score *= factor
		reasons = append(reasons, extra...)
		it.Reason = strings.Join(reasons, "; ")
		it.Confidence = Confidence(it, profile)
	}

	if a.experiments != nil {
		for _, exp := range a.experiments.Running(req.Scene) {
			group := a.experiments.AssignGroup(req.UserID, exp.ID)
			res.Groups[exp.Name] = group
			applyStrategy(exp.Strategies[group], items, now)
			if err := a.experiments.RecordMetric(exp.ID, group, abtest.MetricRecommendationCount, 1); err != nil {
				a.log.Debug("record recommendation_count failed", logger.String("experiment", exp.Name), logger.Error(err))
			}
		}
	}

	ranking.SortItems(items)
	return res
}

type contextEnv struct {
	device    string
	network   string
	timeOfDay string
	location  string
}

func (e contextEnv) factor(it *model.RecommendItem) (float64, []string) {
	f := 1.0
	var reasons []string
	switch e.device {
	case "mobile":
		switch it.ContentType {
		case model.ContentVideo:
			f *= mobileVideoBoost
		case model.ContentArticle:
			f *= mobileArticleDamp
		}
	case "desktop":
		if it.ContentType == model.ContentArticle {
			f *= desktopArticleBoost
		}
	}
	switch e.timeOfDay {
	case "morning":
		if it.HasTag(morningTags...) {
			f *= timeOfDayBoost
		}
	case "evening":
		if it.HasTag(eveningTags...) {
			f *= timeOfDayBoost
		}
	}
	if e.location != "" && it.HasTag(e.location) {
		f *= localBoost
		reasons = append(reasons, "local")
	}
	if (e.network == "2g" || e.network == "3g") && it.ContentType == model.ContentVideo {
		f *= slowNetworkVideo
	}
	return f, reasons
}

func applyStrategy(strategy string, items []*model.RecommendItem, now time.Time) {
	switch strategy {
	case abtest.StrategyFreshnessBoost:
		for _, it := range items {
			if !it.PublishTime.IsZero() && now.Sub(it.PublishTime) <= freshnessWindow {
				it.Score *= freshnessBoost
			}
		}
	case abtest.StrategyConfidenceBoost:
		for _, it := range items {
			if it.Confidence > confidenceCutoff {
				it.Score *= confidenceBoost
			}
		}
	case abtest.StrategyDiversityBoost:
		// 每个分组首次出现的条目加权
		seen := make(map[string]struct{})
		for _, it := range items {
			key := it.GroupKey()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			it.Score *= diversityBoost
		}
	}
}

// Confidence 多路召回分数方差越小置信度越高，取值 [0.1, 0.9]
func Confidence(it *model.RecommendItem, profile *model.UserProfile) float64 {
	conf := singleSourceConf
	if len(it.SourceScores) >= 2 {
		var sum float64
		for _, s := range it.SourceScores {
			sum += s
		}
		mean := sum / float64(len(it.SourceScores))
		var variance float64
		for _, s := range it.SourceScores {
			variance += (s - mean) * (s - mean)
		}
		variance /= float64(len(it.SourceScores))
		conf = maxConfidence - math.Sqrt(variance)
	}
	if it.Score > highScoreCutoff {
		conf += confidenceNudge
	}
	if profile.TagAffinity(it.Tags) > tagOverlapCutoff {
		conf += confidenceNudge
	}
	return math.Max(minConfidence, math.Min(maxConfidence, conf))
}

// TimeOfDay 请求未携带时段时按服务器时间推断
func TimeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 11:
		return "morning"
	case h >= 11 && h < 18:
		return "afternoon"
	case h >= 18 && h < 24:
		return "evening"
	default:
		return "night"
	}
}

func source(it *model.RecommendItem) string {
	if it.ExtraData == nil {
		return ""
	}
	s, _ := it.ExtraData["source"].(string)
	return s
}

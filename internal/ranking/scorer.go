package ranking

import (
	"math"
	"sync"
	"time"

	"content_recommend/internal/model"
)

// Input 单个候选打分所需的全部特征
type Input struct {
	User      *model.UserProfile
	Candidate *model.Candidate
	Content   *model.Content // 元数据不可用时为 nil
	Now       time.Time
}

// Scorer 打分函数，必须是纯函数：同样的输入得到同样的分数，
// 且不依赖同批次的其他候选
type Scorer interface {
	Name() string
	Score(in Input) float64
}

// Weights 线性加权各项特征
type Weights struct {
	Recall    float64 `yaml:"recall"`
	Tag       float64 `yaml:"tag"`
	Category  float64 `yaml:"category"`
	Freshness float64 `yaml:"freshness"`
	Quality   float64 `yaml:"quality"`
}

func DefaultWeights() Weights {
	return Weights{Recall: 0.4, Tag: 0.25, Category: 0.1, Freshness: 0.15, Quality: 0.1}
}

// WeightedScorer 召回分、标签亲和度、类目偏好、新鲜度、质量分的线性组合
type WeightedScorer struct {
	weights  Weights
	halfLife time.Duration
}

// NewWeightedScorer halfLife 为新鲜度衰减半衰期，<=0 时取 72h
func NewWeightedScorer(w Weights, halfLife time.Duration) *WeightedScorer {
	if halfLife <= 0 {
		halfLife = 72 * time.Hour
	}
	return &WeightedScorer{weights: w, halfLife: halfLife}
}

func (s *WeightedScorer) Name() string { return "weighted" }

func (s *WeightedScorer) Score(in Input) float64 {
	c := in.Candidate
	quality := 1.0
	if in.Content != nil {
		quality = in.Content.QualityScore
	}
	category := 0.0
	if in.User != nil {
		category = in.User.CategoryWeights[c.CategoryID]
	}
	return s.weights.Recall*c.RawScore +
		s.weights.Tag*in.User.TagAffinity(c.Tags) +
		s.weights.Category*category +
		s.weights.Freshness*Freshness(c.PublishTime, in.Now, s.halfLife) +
		s.weights.Quality*quality
}

// Freshness 指数衰减，发布时间未知时为 0
func Freshness(publish, now time.Time, halfLife time.Duration) float64 {
	if publish.IsZero() {
		return 0
	}
	age := now.Sub(publish)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}

// RecallScorer 直接使用召回分
type RecallScorer struct{}

func (RecallScorer) Name() string { return "recall" }

func (RecallScorer) Score(in Input) float64 { return in.Candidate.RawScore }

// Registry 按场景选择打分器
type Registry struct {
	mu      sync.RWMutex
	def     Scorer
	byScene map[string]Scorer
}

func NewRegistry(def Scorer) *Registry {
	return &Registry{def: def, byScene: make(map[string]Scorer)}
}

// Register 为场景注册打分器
func (r *Registry) Register(scene string, s Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byScene[scene] = s
}

// For 场景未注册时返回默认打分器
func (r *Registry) For(scene string) Scorer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byScene[scene]; ok {
		return s
	}
	return r.def
}

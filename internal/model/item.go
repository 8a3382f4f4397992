package model

import "time"

// Candidate 召回阶段产生的候选内容，仅在单次请求内存活
type Candidate struct {
	ContentID       string             `json:"content_id"`
	SourceAlgorithm string             `json:"source_algorithm"` // 召回源标记 (e.g., "hot", "collaborative")
	RawScore        float64            `json:"raw_score"`
	ContentType     ContentType        `json:"content_type"`
	CategoryID      string             `json:"category_id,omitempty"`
	Tags            []string           `json:"tags,omitempty"`
	PublishTime     time.Time          `json:"publish_time"`
	SourceScores    map[string]float64 `json:"source_scores,omitempty"` // 各召回源给出的分数，用于计算置信度
}

// RecommendItem 最终输出的推荐条目
// Score / Reason / Confidence 均由系统计算
type RecommendItem struct {
	ContentID    string             `json:"contentId"`
	ContentType  ContentType        `json:"contentType"`
	CategoryID   string             `json:"categoryId,omitempty"`
	Title        string             `json:"title"`
	Description  string             `json:"description,omitempty"`
	CoverURL     string             `json:"coverUrl,omitempty"`
	Score        float64            `json:"score"`
	Reason       string             `json:"reason,omitempty"`
	Confidence   float64            `json:"confidence"`
	Tags         []string           `json:"tags,omitempty"`
	PublishTime  time.Time          `json:"publishTime"`
	QualityScore float64            `json:"-"`
	SourceScores map[string]float64 `json:"-"`
	ExtraData    map[string]any     `json:"extraData,omitempty"`
}

// RecommendResponse 推荐接口返回结构
type RecommendResponse struct {
	Items            []*RecommendItem `json:"items"`
	Total            int              `json:"total"`
	FromCache        bool             `json:"fromCache"`
	AlgorithmVersion string           `json:"algorithmVersion"`
	ExtraInfo        map[string]any   `json:"extraInfo,omitempty"`
}

// NewRecommendResponse 构造响应，Items 保证非 nil
func NewRecommendResponse(items []*RecommendItem, version string) *RecommendResponse {
	if items == nil {
		items = make([]*RecommendItem, 0)
	}
	return &RecommendResponse{
		Items:            items,
		Total:            len(items),
		AlgorithmVersion: version,
		ExtraInfo:        make(map[string]any),
	}
}

// ItemFromCandidate 用候选和内容元数据构造推荐条目
// content 可能为 nil (元数据服务不可用时)
func ItemFromCandidate(c *Candidate, content *Content) *RecommendItem {
	item := &RecommendItem{
		ContentID:    c.ContentID,
		ContentType:  c.ContentType,
		CategoryID:   c.CategoryID,
		Score:        c.RawScore,
		Tags:         c.Tags,
		PublishTime:  c.PublishTime,
		QualityScore: 1,
		SourceScores: c.SourceScores,
		ExtraData:    map[string]any{"source": c.SourceAlgorithm},
	}
	if content != nil {
		item.Title = content.Title
		item.Description = content.Description
		item.CoverURL = content.CoverURL
		item.QualityScore = content.QualityScore
		if item.CategoryID == "" {
			item.CategoryID = content.CategoryID
		}
		if len(item.Tags) == 0 {
			item.Tags = content.Tags
		}
	}
	return item
}

// HasTag 判断条目是否带有指定标签
func (i *RecommendItem) HasTag(tags ...string) bool {
	for _, t := range i.Tags {
		for _, want := range tags {
			if t == want {
				return true
			}
		}
	}
	return false
}

// GroupKey 多样性分组键：优先使用类目，其次内容类型
func (i *RecommendItem) GroupKey() string {
	if i.CategoryID != "" {
		return i.CategoryID
	}
	return string(i.ContentType)
}

package model

import "time"

// Content 内容元数据，由外部内容服务提供
type Content struct {
	ID           string      `json:"id" yaml:"id"`
	Type         ContentType `json:"type" yaml:"type"`
	CategoryID   string      `json:"category_id" yaml:"category_id"`
	Title        string      `json:"title" yaml:"title"`
	Description  string      `json:"description,omitempty" yaml:"description"`
	CoverURL     string      `json:"cover_url,omitempty" yaml:"cover_url"`
	Tags         []string    `json:"tags,omitempty" yaml:"tags"`
	PublishTime  time.Time   `json:"publish_time" yaml:"publish_time"`
	QualityScore float64     `json:"quality_score" yaml:"quality_score"`
	Hotness      float64     `json:"hotness" yaml:"hotness"`
}

// ToCandidate 转换为召回候选
func (c *Content) ToCandidate(source string, score float64) *Candidate {
	return &Candidate{
		ContentID:       c.ID,
		SourceAlgorithm: source,
		RawScore:        score,
		ContentType:     c.Type,
		CategoryID:      c.CategoryID,
		Tags:            c.Tags,
		PublishTime:     c.PublishTime,
	}
}

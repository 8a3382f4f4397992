package model

// UserProfile 用户画像，排序和召回使用的用户特征
type UserProfile struct {
	ID              string             `json:"id" yaml:"id"`
	Name            string             `json:"name" yaml:"name"`
	Location        string             `json:"location,omitempty" yaml:"location"`
	TagPreferences  map[string]float64 `json:"tag_preferences,omitempty" yaml:"tag_preferences"`   // 标签偏好权重
	CategoryWeights map[string]float64 `json:"category_weights,omitempty" yaml:"category_weights"` // 类目偏好权重
	BlockedContent  []string           `json:"blocked_content,omitempty" yaml:"blocked_content"`   // 用户屏蔽的内容
}

// NewUserProfile 创建空画像，用于新用户
func NewUserProfile(id string) *UserProfile {
	return &UserProfile{
		ID:              id,
		TagPreferences:  make(map[string]float64),
		CategoryWeights: make(map[string]float64),
	}
}

// Clone 深拷贝，避免并发修改
func (u *UserProfile) Clone() *UserProfile {
	c := *u
	c.TagPreferences = make(map[string]float64, len(u.TagPreferences))
	for k, v := range u.TagPreferences {
		c.TagPreferences[k] = v
	}
	c.CategoryWeights = make(map[string]float64, len(u.CategoryWeights))
	for k, v := range u.CategoryWeights {
		c.CategoryWeights[k] = v
	}
	c.BlockedContent = append([]string(nil), u.BlockedContent...)
	return &c
}

// TagAffinity 候选标签与用户偏好的重合度，取值 [0,1]
func (u *UserProfile) TagAffinity(tags []string) float64 {
	if u == nil || len(tags) == 0 || len(u.TagPreferences) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tags {
		sum += u.TagPreferences[t]
	}
	v := sum / float64(len(tags))
	if v > 1 {
		v = 1
	}
	return v
}

// PreferredTags 偏好权重大于 0 的标签
func (u *UserProfile) PreferredTags() []string {
	if u == nil {
		return nil
	}
	tags := make([]string, 0, len(u.TagPreferences))
	for t, w := range u.TagPreferences {
		if w > 0 {
			tags = append(tags, t)
		}
	}
	return tags
}

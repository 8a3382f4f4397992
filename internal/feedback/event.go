// Package feedback ingests user behavior on recommended content and applies it
// asynchronously to history, hotness, preferences and metrics.
package feedback

import (
	"fmt"
	"strings"
	"time"

	"content_recommend/internal/model"
)

// 行为类型
const (
	ActionView       = "view"
	ActionClick      = "click"
	ActionConversion = "conversion"
	ActionLike       = "like"
	ActionShare      = "share"
	ActionDislike    = "dislike"
)

// hotnessDelta 各行为对内容热度的贡献
var hotnessDelta = map[string]float64{
	ActionView:       1,
	ActionClick:      2,
	ActionLike:       3,
	ActionShare:      4,
	ActionConversion: 5,
	ActionDislike:    -2,
}

// preferenceDelta 各行为对用户标签偏好的调整
var preferenceDelta = map[string]float64{
	ActionClick:      0.05,
	ActionLike:       0.1,
	ActionShare:      0.1,
	ActionConversion: 0.1,
	ActionDislike:    -0.1,
}

// actionAliases 客户端常见的反馈类型名
var actionAliases = map[string]string{
	"purchase": ActionConversion,
	"favorite": ActionLike,
}

// Event 用户对推荐内容的反馈
// feedbackType / duration 为接口字段，action / dwellTime 作为别名兼容
type Event struct {
	UserID       string            `json:"userId"`
	ContentID    string            `json:"contentId"`
	FeedbackType string            `json:"feedbackType"`
	SessionID    string            `json:"sessionId,omitempty"`
	RequestID    string            `json:"requestId,omitempty"`
	Duration     float64           `json:"duration,omitempty"` // 停留时长，秒
	Position     int               `json:"position,omitempty"` // 在推荐列表中的位置
	ContentType  model.ContentType `json:"contentType,omitempty"`
	Algorithm    string            `json:"algorithm,omitempty"`
	Value        float64           `json:"value,omitempty"` // 转化金额
	Scene        string            `json:"scene,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`

	Action    string  `json:"action,omitempty"`
	DwellTime float64 `json:"dwellTime,omitempty"`
}

// Validate 校验并归一化，Action 和 DwellTime 为归一化后的值
func (e *Event) Validate() error {
	e.UserID = strings.TrimSpace(e.UserID)
	e.ContentID = strings.TrimSpace(e.ContentID)
	if e.UserID == "" || e.ContentID == "" {
		return fmt.Errorf("%w: userId and contentId are required", model.ErrInvalidRequest)
	}
	action := e.FeedbackType
	if strings.TrimSpace(action) == "" {
		action = e.Action
	}
	action = strings.ToLower(strings.TrimSpace(action))
	if alias, ok := actionAliases[action]; ok {
		action = alias
	}
	if _, ok := hotnessDelta[action]; !ok {
		return fmt.Errorf("%w: unknown feedbackType %q", model.ErrInvalidRequest, action)
	}
	e.Action = action
	e.FeedbackType = action
	if e.DwellTime == 0 {
		e.DwellTime = e.Duration
	}
	if e.Value < 0 || e.DwellTime < 0 || e.Position < 0 {
		return fmt.Errorf("%w: value, duration and position must not be negative", model.ErrInvalidRequest)
	}
	e.Duration = e.DwellTime
	if e.Scene == "" {
		e.Scene = model.DefaultScene
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return nil
}

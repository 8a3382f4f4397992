package model

import (
	"errors"
	"fmt"
	"strings"
)

// ContentType 内容类型
type ContentType string

const (
	ContentArticle ContentType = "article"
	ContentVideo   ContentType = "video"
	ContentProduct ContentType = "product"
	ContentMixed   ContentType = "mixed"
)

const (
	MinSize      = 1
	MaxSize      = 100
	DefaultScene = "default"
)

// 上下文字段
const (
	CtxDevice    = "device"
	CtxLocation  = "location"
	CtxNetwork   = "network"
	CtxTimeOfDay = "timeOfDay"
)

// ErrInvalidRequest 请求参数不合法
var ErrInvalidRequest = errors.New("invalid request")

// ParseContentType 解析内容类型，空串视为 mixed
func ParseContentType(s string) (ContentType, error) {
	switch ContentType(strings.ToLower(strings.TrimSpace(s))) {
	case "", ContentMixed:
		return ContentMixed, nil
	case ContentArticle:
		return ContentArticle, nil
	case ContentVideo:
		return ContentVideo, nil
	case ContentProduct:
		return ContentProduct, nil
	}
	return "", fmt.Errorf("%w: unknown content type %q", ErrInvalidRequest, s)
}

// RecommendRequest 推荐请求
type RecommendRequest struct {
	UserID      string            `json:"userId"`
	Size        int               `json:"size"`
	ContentType ContentType       `json:"contentType"`
	Scene       string            `json:"scene"`
	CategoryID  string            `json:"categoryId,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	RequestID   string            `json:"requestId,omitempty"`
}

// Validate 校验并归一化请求，必须在召回前调用
func (r *RecommendRequest) Validate() error {
	r.UserID = strings.TrimSpace(r.UserID)
	if r.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if r.Size < MinSize || r.Size > MaxSize {
		return fmt.Errorf("%w: size must be between %d and %d", ErrInvalidRequest, MinSize, MaxSize)
	}
	ct, err := ParseContentType(string(r.ContentType))
	if err != nil {
		return err
	}
	r.ContentType = ct
	if r.Scene == "" {
		r.Scene = DefaultScene
	}
	if r.Context == nil {
		r.Context = make(map[string]string)
	}
	return nil
}

// Ctx 读取上下文字段
func (r *RecommendRequest) Ctx(key string) string {
	if r.Context == nil {
		return ""
	}
	return r.Context[key]
}

// MatchesType 判断内容类型是否符合请求的过滤条件
func (r *RecommendRequest) MatchesType(t ContentType) bool {
	return r.ContentType == "" || r.ContentType == ContentMixed || r.ContentType == t
}

package recall

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"content_recommend/internal/catalog"
	"content_recommend/internal/model"
	"content_recommend/internal/user"
	"content_recommend/pkg/llm"
)

// LLMSource 让大模型从候选池中挑选符合用户兴趣的内容
// 只接受目录中真实存在的 ID
type LLMSource struct {
	client   llm.Client
	users    user.Provider
	repo     catalog.Repository
	poolSize int
}

func NewLLMSource(client llm.Client, users user.Provider, repo catalog.Repository, poolSize int) *LLMSource {
	if poolSize <= 0 {
		poolSize = 50
	}
	return &LLMSource{client: client, users: users, repo: repo, poolSize: poolSize}
}

func (s *LLMSource) Name() string { return SourceLLM }

func (s *LLMSource) Recall(ctx context.Context, req *model.RecommendRequest, limit int) ([]*model.Candidate, error) {
	profile, err := s.users.GetProfile(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("user profile: %w", err)
	}
	interests := profile.PreferredTags()
	if len(interests) == 0 {
		return nil, nil
	}

	ids, err := s.repo.HotIDs(ctx, req.ContentType, s.poolSize)
	if err != nil {
		return nil, fmt.Errorf("candidate pool: %w", err)
	}
	contents, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("candidate pool metadata: %w", err)
	}

	var pool strings.Builder
	for _, id := range ids {
		if c, ok := contents[id]; ok {
			fmt.Fprintf(&pool, "- %s | %s | %s\n", c.ID, c.Title, strings.Join(c.Tags, ","))
		}
	}

	prompt := fmt.Sprintf(`用户感兴趣的标签: %s.
下面是候选内容列表，每行格式为 "ID | 标题 | 标签":
%s
请从列表中挑选最多 %d 个最符合用户兴趣的内容，按相关性从高到低排列。
必须严格输出为 JSON 字符串数组，只包含内容 ID，例如 ["c1", "c2"]。
不要包含任何解释、Markdown 格式标记或额外的文本。`, strings.Join(interests, ","), pool.String(), limit)

	resp, err := s.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: "你是一个专业的内容推荐引擎。"},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("llm chat failed: %w", err)
	}

	var picked []string
	if err := json.Unmarshal([]byte(cleanJSON(resp)), &picked); err != nil {
		return nil, fmt.Errorf("failed to parse llm response: %w", err)
	}

	out := make([]*model.Candidate, 0, len(picked))
	seen := make(map[string]struct{})
	for _, id := range picked {
		id = strings.TrimSpace(id)
		c, ok := contents[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		// 位置越靠前分数越高
		score := 1 - float64(len(out))/float64(len(picked)+1)
		out = append(out, c.ToCandidate(SourceLLM, score))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// cleanJSON 尝试从文本中提取并清理 JSON 数组
func cleanJSON(content string) string {
	content = strings.TrimSpace(content)

	// 1. 移除 Markdown 代码块标记
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	// 2. 如果包含 '[' 和 ']'，尝试提取中间的部分
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start != -1 && end != -1 && end > start {
		content = content[start : end+1]
	}
	return content
}

package nodes

import (
	"fmt"

	"content_recommend/internal/history"
	"content_recommend/internal/model"
	"content_recommend/internal/workflow"
)

// HistoryFilterNode 按更长的回看窗口过滤看过的候选
// 召回阶段已排除 7 天内的浏览，需要更严格去重的场景可以再挂这个节点
type HistoryFilterNode struct {
	name         string
	store        history.Store
	lookbackDays int
}

// NewHistoryFilterNode 工厂函数
func NewHistoryFilterNode(cfg workflow.NodeConfig, deps Deps) (workflow.Node, error) {
	if deps.History == nil {
		return nil, fmt.Errorf("history filter node %s: history store is required", cfg.Name)
	}
	days, ok := cfg.Config["lookback_days"].(float64)
	if !ok || days <= 0 {
		days = 30
	}
	return &HistoryFilterNode{
		name:         cfg.Name,
		store:        deps.History,
		lookbackDays: int(days),
	}, nil
}

func (n *HistoryFilterNode) Name() string { return n.name }
func (n *HistoryFilterNode) Type() string { return "filter" }

func (n *HistoryFilterNode) Execute(ctx *workflow.Context) error {
	candidates := ctx.GetCandidates()
	if len(candidates) == 0 {
		return nil
	}

	viewed, err := n.store.RecentViews(ctx.Request.UserID, n.lookbackDays)
	if err != nil {
		// 策略：记录日志，降级为不顾虑历史
		ctx.AddLog(fmt.Sprintf("Failed to get history: %v", err))
		return nil
	}

	historySet := make(map[string]struct{}, len(viewed))
	for _, id := range viewed {
		historySet[id] = struct{}{}
	}

	kept := make([]*model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, exists := historySet[c.ContentID]; !exists {
			kept = append(kept, c)
		}
	}

	ctx.UpdateCandidates(kept)
	ctx.AddLog(fmt.Sprintf("History filter (%s) removed %d items, kept %d", n.name, len(candidates)-len(kept), len(kept)))
	return nil
}

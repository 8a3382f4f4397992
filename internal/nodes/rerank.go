package nodes

import (
	"fmt"

	"content_recommend/internal/rerank"
	"content_recommend/internal/workflow"
)

// DiversityThresholdKey 重排节点使用的多样性阈值
const DiversityThresholdKey = "diversity_threshold"

type ReRankNode struct {
	name      string
	svc       *rerank.Service
	threshold float64
}

// NewReRankNode config.diversity_threshold 覆盖全局多样性阈值
func NewReRankNode(cfg workflow.NodeConfig, deps Deps) (workflow.Node, error) {
	if deps.ReRank == nil {
		return nil, fmt.Errorf("rerank node %s: rerank service is required", cfg.Name)
	}
	threshold := deps.DiversityThreshold
	if v, ok := cfg.Config["diversity_threshold"].(float64); ok && v > 0 {
		threshold = v
	}
	return &ReRankNode{name: cfg.Name, svc: deps.ReRank, threshold: threshold}, nil
}

func (n *ReRankNode) Name() string { return n.name }
func (n *ReRankNode) Type() string { return "rerank" }

func (n *ReRankNode) Execute(ctx *workflow.Context) error {
	items := ctx.GetItems()
	before := len(items)
	items = n.svc.ReRankWindow(ctx.Ctx, ctx.Request.UserID, items, n.threshold, ctx.Request.Size)
	ctx.UpdateItems(items)
	// 后续节点重新打分后按同一阈值恢复多样性
	ctx.SetValue(DiversityThresholdKey, n.threshold)
	ctx.AddLog(fmt.Sprintf("ReRank (%s) kept %d of %d items", n.name, len(items), before))
	return nil
}

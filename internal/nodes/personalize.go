package nodes

import (
	"fmt"

	"content_recommend/internal/personalize"
	"content_recommend/internal/rerank"
	"content_recommend/internal/workflow"
)

type PersonalizeNode struct {
	name     string
	adjuster *personalize.Adjuster
	rerank   *rerank.Service
}

func NewPersonalizeNode(cfg workflow.NodeConfig, deps Deps) (workflow.Node, error) {
	if deps.Personalize == nil {
		return nil, fmt.Errorf("personalize node %s: adjuster is required", cfg.Name)
	}
	return &PersonalizeNode{name: cfg.Name, adjuster: deps.Personalize, rerank: deps.ReRank}, nil
}

func (n *PersonalizeNode) Name() string { return n.name }
func (n *PersonalizeNode) Type() string { return "personalize" }

func (n *PersonalizeNode) Execute(ctx *workflow.Context) error {
	res := n.adjuster.Adjust(ctx.Ctx, ctx.Request, ctx.GetItems())
	items := res.Items
	// 个性化按新分数重排，前面做过重排时恢复多样性上限和质量降权
	if v, ok := ctx.Value(DiversityThresholdKey); ok && n.rerank != nil {
		if threshold, ok := v.(float64); ok {
			items = n.rerank.Arrange(items, threshold, ctx.Request.Size)
		}
	}
	ctx.UpdateItems(items)
	ctx.SetGroups(res.Groups)
	ctx.AddLog(fmt.Sprintf("Personalize (%s) applied %d experiments", n.name, len(res.Groups)))
	return nil
}

package nodes

import (
	"fmt"

	"content_recommend/internal/breaker"
	"content_recommend/internal/logger"
	"content_recommend/internal/model"
	"content_recommend/internal/recall"
	"content_recommend/internal/workflow"
)

// RecallNode 多路召回，熔断或失败时使用热门内容兜底
type RecallNode struct {
	name      string
	engine    *recall.Engine
	breakers  *breaker.Controller
	fallbacks *breaker.Fallbacks
	log       logger.Logger
}

func NewRecallNode(cfg workflow.NodeConfig, deps Deps) (workflow.Node, error) {
	if deps.Recall == nil {
		return nil, fmt.Errorf("recall node %s: recall engine is required", cfg.Name)
	}
	return &RecallNode{
		name:      cfg.Name,
		engine:    deps.Recall,
		breakers:  deps.Breakers,
		fallbacks: deps.Fallbacks,
		log:       deps.Log,
	}, nil
}

func (n *RecallNode) Name() string { return n.name }
func (n *RecallNode) Type() string { return "recall" }

func (n *RecallNode) Execute(ctx *workflow.Context) error {
	req := ctx.Request
	cands, err := breaker.Execute(n.breakers, breaker.Recall, func() ([]*model.Candidate, error) {
		return n.engine.Recall(ctx.Ctx, req)
	})
	if err != nil {
		if n.fallbacks == nil {
			return err
		}
		n.log.Warn("recall degraded to hot content", logger.String("user_id", req.UserID), logger.Error(err))
		cands = recall.Filter(req, n.fallbacks.RecallFallback(ctx.Ctx, req))
		ctx.MarkDegraded(breaker.Recall)
	}

	ctx.UpdateCandidates(cands)
	ctx.AddLog(fmt.Sprintf("Recall (%s) produced %d candidates", n.name, len(cands)))
	return nil
}

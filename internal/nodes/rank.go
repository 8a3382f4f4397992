package nodes

import (
	"fmt"

	"content_recommend/internal/breaker"
	"content_recommend/internal/logger"
	"content_recommend/internal/model"
	"content_recommend/internal/ranking"
	"content_recommend/internal/workflow"
)

// RankNode 打分排序，失败时退化为召回顺序的逆序
type RankNode struct {
	name     string
	ranking  *ranking.Service
	breakers *breaker.Controller
	scene    string // 覆盖请求场景选择打分器
	log      logger.Logger
}

func NewRankNode(cfg workflow.NodeConfig, deps Deps) (workflow.Node, error) {
	if deps.Ranking == nil {
		return nil, fmt.Errorf("rank node %s: ranking service is required", cfg.Name)
	}
	scene, _ := cfg.Config["scene"].(string)
	return &RankNode{
		name:     cfg.Name,
		ranking:  deps.Ranking,
		breakers: deps.Breakers,
		scene:    scene,
		log:      deps.Log,
	}, nil
}

func (n *RankNode) Name() string { return n.name }
func (n *RankNode) Type() string { return "rank" }

func (n *RankNode) Execute(ctx *workflow.Context) error {
	candidates := ctx.GetCandidates()
	if len(candidates) == 0 {
		ctx.UpdateItems([]*model.RecommendItem{})
		return nil
	}
	scene := n.scene
	if scene == "" {
		scene = ctx.Request.Scene
	}

	items, err := breaker.Execute(n.breakers, breaker.Ranking, func() ([]*model.RecommendItem, error) {
		return n.ranking.Rank(ctx.Ctx, ctx.Request.UserID, candidates, scene)
	})
	if err != nil {
		n.log.Warn("ranking degraded to recall order", logger.String("user_id", ctx.Request.UserID), logger.Error(err))
		items = breaker.RankingFallback(candidates)
		ctx.MarkDegraded(breaker.Ranking)
	}

	ctx.UpdateItems(items)
	ctx.AddLog(fmt.Sprintf("Rank (%s) completed. Scene: %s, Result count: %d", n.name, scene, len(items)))
	return nil
}

// Package nodes adapts the recommendation stages to workflow nodes.
package nodes

import (
	"content_recommend/internal/breaker"
	"content_recommend/internal/history"
	"content_recommend/internal/logger"
	"content_recommend/internal/personalize"
	"content_recommend/internal/ranking"
	"content_recommend/internal/recall"
	"content_recommend/internal/rerank"
	"content_recommend/internal/workflow"
)

// Deps 节点依赖的服务
type Deps struct {
	Recall             *recall.Engine
	Ranking            *ranking.Service
	ReRank             *rerank.Service
	Personalize        *personalize.Adjuster
	History            history.Store
	Breakers           *breaker.Controller
	Fallbacks          *breaker.Fallbacks
	DiversityThreshold float64
	Log                logger.Logger
}

// Register 注册所有节点类型
func Register(r *workflow.Registry, deps Deps) {
	bind := func(f func(workflow.NodeConfig, Deps) (workflow.Node, error)) workflow.NodeFactory {
		return func(cfg workflow.NodeConfig) (workflow.Node, error) { return f(cfg, deps) }
	}
	r.Register("recall", bind(NewRecallNode))
	r.Register("rank", bind(NewRankNode))
	r.Register("rerank", bind(NewReRankNode))
	r.Register("personalize", bind(NewPersonalizeNode))
	r.Register("filter_history", bind(NewHistoryFilterNode))
}

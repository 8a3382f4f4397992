package workflow

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
)

// PipelineConfig 单个 Pipeline 的配置
type PipelineConfig struct {
	Description string       `json:"description"`
	TimeoutMs   int          `json:"timeout_ms"`
	Nodes       []NodeConfig `json:"nodes"`
}

// NodeConfig 节点的配置片段
type NodeConfig struct {
	Name   string                 `json:"name"`
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// GlobalConfig 整个配置文件的结构
type GlobalConfig struct {
	Pipelines map[string]PipelineConfig `json:"pipelines"`
}

// DefaultScene 场景没有单独配置时使用的 pipeline
const DefaultScene = "default"

// DefaultConfig 内置的默认流程：召回 -> 排序 -> 重排 -> 个性化
func DefaultConfig() GlobalConfig {
	return GlobalConfig{Pipelines: map[string]PipelineConfig{
		DefaultScene: {
			Description: "multi-source recall, weighted ranking, diversity re-rank, personalization",
			Nodes: []NodeConfig{
				{Name: "recall", Type: "recall"},
				{Name: "rank", Type: "rank"},
				{Name: "rerank", Type: "rerank"},
				{Name: "personalize", Type: "personalize"},
			},
		},
	}}
}

// NodeFactory 创建 Node 的函数签名
type NodeFactory func(config NodeConfig) (Node, error)

// Registry 节点注册表
type Registry struct {
	factories map[string]NodeFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]NodeFactory),
	}
}

// Register 注册一个新的节点类型
func (r *Registry) Register(nodeType string, factory NodeFactory) {
	r.factories[nodeType] = factory
}

// CreateNode 根据配置创建节点实例
func (r *Registry) CreateNode(cfg NodeConfig) (Node, error) {
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown node type: %s", cfg.Type)
	}
	return factory(cfg)
}

type pipeline struct {
	nodes   []Node
	timeout time.Duration
}

// Engine 流程引擎
type Engine struct {
	pipelines map[string]pipeline // scene -> pipeline
}

// LoadConfig 读取 pipeline 配置文件，path 为空时使用内置默认配置
func LoadConfig(path string) (GlobalConfig, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return GlobalConfig{}, fmt.Errorf("failed to read pipeline config: %w", err)
	}
	var cfg GlobalConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return GlobalConfig{}, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	if _, ok := cfg.Pipelines[DefaultScene]; !ok {
		return GlobalConfig{}, fmt.Errorf("pipeline config must define the %q scene", DefaultScene)
	}
	return cfg, nil
}

// NewEngine 按配置创建各场景的节点
func NewEngine(cfg GlobalConfig, registry *Registry) (*Engine, error) {
	engine := &Engine{pipelines: make(map[string]pipeline)}
	for scene, pipeCfg := range cfg.Pipelines {
		var nodes []Node
		for _, nodeCfg := range pipeCfg.Nodes {
			node, err := registry.CreateNode(nodeCfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create node '%s' in pipeline '%s': %w", nodeCfg.Name, scene, err)
			}
			nodes = append(nodes, node)
		}
		engine.pipelines[scene] = pipeline{
			nodes:   nodes,
			timeout: time.Duration(pipeCfg.TimeoutMs) * time.Millisecond,
		}
	}
	return engine, nil
}

func (e *Engine) lookup(scene string) (pipeline, bool) {
	if p, ok := e.pipelines[scene]; ok {
		return p, true
	}
	p, ok := e.pipelines[DefaultScene]
	return p, ok
}

// Timeout 场景单独配置的超时，未配置时为 0
func (e *Engine) Timeout(scene string) time.Duration {
	p, _ := e.lookup(scene)
	return p.timeout
}

// Scenes 已配置的场景
func (e *Engine) Scenes() []string {
	scenes := make([]string, 0, len(e.pipelines))
	for s := range e.pipelines {
		scenes = append(scenes, s)
	}
	return scenes
}

// Run 执行指定场景的推荐流程，未配置的场景使用 default
func (e *Engine) Run(ctx *Context, scene string) error {
	p, ok := e.lookup(scene)
	if !ok {
		return fmt.Errorf("pipeline not found for scene: %s", scene)
	}

	ctx.AddLog(fmt.Sprintf("Starting pipeline execution for scene: %s", scene))

	for _, node := range p.nodes {
		if err := ctx.Ctx.Err(); err != nil {
			ctx.AddLog(fmt.Sprintf("Pipeline aborted before node %s: %v", node.Name(), err))
			return err
		}
		ctx.AddLog(fmt.Sprintf("Executing node: %s (%s)", node.Name(), node.Type()))
		if err := node.Execute(ctx); err != nil {
			ctx.AddLog(fmt.Sprintf("Node execution failed: %v", err))
			return fmt.Errorf("node %s: %w", node.Name(), err)
		}
	}

	ctx.AddLog("Pipeline execution completed")
	return nil
}

package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content_recommend/internal/model"
)

type markNode struct {
	name string
	err  error
}

func (n *markNode) Name() string { return n.name }
func (n *markNode) Type() string { return "mark" }

func (n *markNode) Execute(ctx *Context) error {
	if n.err != nil {
		return n.err
	}
	ctx.UpdateCandidates(append(ctx.GetCandidates(), &model.Candidate{ContentID: n.name}))
	return nil
}

func registry(failing string) *Registry {
	r := NewRegistry()
	r.Register("mark", func(cfg NodeConfig) (Node, error) {
		n := &markNode{name: cfg.Name}
		if cfg.Name == failing {
			n.err = errors.New("node failed")
		}
		return n, nil
	})
	return r
}

func twoScenes() GlobalConfig {
	return GlobalConfig{Pipelines: map[string]PipelineConfig{
		"default": {Nodes: []NodeConfig{{Name: "a", Type: "mark"}, {Name: "b", Type: "mark"}}},
		"video":   {TimeoutMs: 500, Nodes: []NodeConfig{{Name: "v", Type: "mark"}}},
	}}
}

func ids(ctx *Context) []string {
	var out []string
	for _, c := range ctx.GetCandidates() {
		out = append(out, c.ContentID)
	}
	return out
}

func TestRunSceneAndDefault(t *testing.T) {
	e, err := NewEngine(twoScenes(), registry(""))
	require.NoError(t, err)

	ctx := NewContext(context.Background(), &model.RecommendRequest{UserID: "u1"})
	require.NoError(t, e.Run(ctx, "video"))
	assert.Equal(t, []string{"v"}, ids(ctx))

	ctx = NewContext(context.Background(), &model.RecommendRequest{UserID: "u1"})
	require.NoError(t, e.Run(ctx, "unknown-scene"))
	assert.Equal(t, []string{"a", "b"}, ids(ctx))
	assert.NotEmpty(t, ctx.Trace())

	assert.Equal(t, int64(500), e.Timeout("video").Milliseconds())
	assert.Zero(t, e.Timeout("default"))
}

func TestRunStopsOnNodeError(t *testing.T) {
	e, err := NewEngine(twoScenes(), registry("a"))
	require.NoError(t, err)
	ctx := NewContext(context.Background(), &model.RecommendRequest{UserID: "u1"})
	err = e.Run(ctx, "default")
	require.Error(t, err)
	assert.Empty(t, ids(ctx))
}

func TestRunRespectsCancelledContext(t *testing.T) {
	e, err := NewEngine(twoScenes(), registry(""))
	require.NoError(t, err)
	c, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.Run(NewContext(c, &model.RecommendRequest{}), "default")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnknownNodeType(t *testing.T) {
	_, err := NewEngine(GlobalConfig{Pipelines: map[string]PipelineConfig{
		"default": {Nodes: []NodeConfig{{Name: "x", Type: "nope"}}},
	}}, NewRegistry())
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Contains(t, cfg.Pipelines, DefaultScene)

	path := filepath.Join(t.TempDir(), "pipelines.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pipelines":{"default":{"timeout_ms":1000,"nodes":[{"name":"r","type":"recall","config":{"lookback_days":30}}]}}}`), 0o644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Pipelines["default"].TimeoutMs)
	assert.Equal(t, 30.0, cfg.Pipelines["default"].Nodes[0].Config["lookback_days"])

	require.NoError(t, os.WriteFile(path, []byte(`{"pipelines":{"feed":{"nodes":[]}}}`), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

package user

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content_recommend/internal/cache"
	"content_recommend/internal/logger"
	"content_recommend/internal/model"
)

func TestStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	data := []byte(`users:
  - id: u1
    name: Test User
    location: beijing
    tag_preferences:
      news: 0.8
    category_weights:
      tech: 0.5
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	p, err := NewStaticProvider(path)
	require.NoError(t, err)

	u, err := p.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Test User", u.Name)
	assert.Equal(t, "beijing", u.Location)
	assert.InDelta(t, 0.8, u.TagPreferences["news"], 1e-9)

	_, err = p.GetProfile(context.Background(), "u2")
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestUpdatePreferencesClamped(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(nil)

	require.NoError(t, p.UpdatePreferences(ctx, "u1", []string{"go"}, "tech", 0.7))
	require.NoError(t, p.UpdatePreferences(ctx, "u1", []string{"go"}, "tech", 0.7))

	u, err := p.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, u.TagPreferences["go"])
	assert.Equal(t, 1.0, u.CategoryWeights["tech"])

	// 返回的是副本
	u.TagPreferences["go"] = 0
	again, _ := p.GetProfile(ctx, "u1")
	assert.Equal(t, 1.0, again.TagPreferences["go"])
}

func TestCachedProvider(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryProvider([]model.UserProfile{{ID: "u1", TagPreferences: map[string]float64{"a": 0.1}}})
	c := cache.New(nil, nil, cache.DefaultTTLConfig(), logger.NewNop())
	p := NewCachedProvider(base, c)

	u, err := p.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, u.TagPreferences["a"], 1e-9)

	require.NoError(t, p.UpdatePreferences(ctx, "u1", []string{"a"}, "", 0.2))
	u, err = p.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, u.TagPreferences["a"], 1e-9)

	anon, err := p.GetProfile(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", anon.ID)
}

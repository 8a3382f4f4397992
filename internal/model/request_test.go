package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecommendRequestValidate(t *testing.T) {
	req := &RecommendRequest{UserID: " u1 ", Size: 10}
	require.NoError(t, req.Validate())
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, ContentMixed, req.ContentType)
	assert.Equal(t, DefaultScene, req.Scene)
	assert.NotNil(t, req.Context)

	cases := []RecommendRequest{
		{UserID: "", Size: 10},
		{UserID: "u1", Size: 0},
		{UserID: "u1", Size: 101},
		{UserID: "u1", Size: 5, ContentType: "podcast"},
	}
	for _, c := range cases {
		c := c
		err := c.Validate()
		assert.True(t, errors.Is(err, ErrInvalidRequest), "expected invalid request for %+v", c)
	}
}

func TestMatchesType(t *testing.T) {
	req := &RecommendRequest{ContentType: ContentArticle}
	assert.True(t, req.MatchesType(ContentArticle))
	assert.False(t, req.MatchesType(ContentVideo))

	req.ContentType = ContentMixed
	assert.True(t, req.MatchesType(ContentVideo))
}

func TestTagAffinity(t *testing.T) {
	u := NewUserProfile("u1")
	u.TagPreferences["news"] = 1
	u.TagPreferences["sports"] = 0.5

	assert.InDelta(t, 0.75, u.TagAffinity([]string{"news", "sports"}), 1e-9)
	assert.Equal(t, 0.0, u.TagAffinity(nil))

	var nilUser *UserProfile
	assert.Equal(t, 0.0, nilUser.TagAffinity([]string{"news"}))
}

func TestNewRecommendResponseNeverNil(t *testing.T) {
	resp := NewRecommendResponse(nil, "v1")
	assert.NotNil(t, resp.Items)
	assert.Equal(t, 0, resp.Total)
}

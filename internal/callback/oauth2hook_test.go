package callback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

type staticTokenSource struct {
	tok *oauth2.Token
	err error
}

func (s staticTokenSource) Token() (*oauth2.Token, error) {
	if s.err != nil {
		return nil, s.err
	}

	return s.tok, nil
}

func TestOAuth2AuthHook_RewritesAuthorizationHeader(t *testing.T) {
	ts := staticTokenSource{tok: &oauth2.Token{
		AccessToken: "fresh-token",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}}

	hook := OAuth2AuthHook(ts)

	orig := task.Task{
		TaskID:  "t1",
		Headers: map[string]string{"Authorization": "Bearer stale-token", "X-Other": "keep-me"},
	}

	updated, ran, err := hook(context.Background(), orig)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "Bearer fresh-token", updated.Headers["Authorization"])
	assert.Equal(t, "keep-me", updated.Headers["X-Other"])

	// original task's header map is untouched.
	assert.Equal(t, "Bearer stale-token", orig.Headers["Authorization"])
}

func TestOAuth2AuthHook_TokenSourceErrorPropagates(t *testing.T) {
	ts := staticTokenSource{err: errors.New("refresh failed")}
	hook := OAuth2AuthHook(ts)

	_, ran, err := hook(context.Background(), task.Task{TaskID: "t1"})
	require.Error(t, err)
	assert.False(t, ran)
}

func TestOAuth2AuthHook_ViaRegistry(t *testing.T) {
	ts := staticTokenSource{tok: &oauth2.Token{AccessToken: "abc", TokenType: "Bearer"}}

	r := NewRegistry()
	r.RegisterAuthHook("oauthRefresh", OAuth2AuthHook(ts))

	got, ran, err := r.InvokeAuthHook(context.Background(), "oauthRefresh", task.Task{TaskID: "t1"})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "Bearer abc", got.Headers["Authorization"])
}

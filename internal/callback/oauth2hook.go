package callback

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// OAuth2AuthHook builds an AuthHookFunc backed by ts: on a 401, it pulls a
// fresh token from ts and rewrites the task's Authorization header, so the
// caller's retry is sent with valid credentials. ts is responsible for its
// own refresh policy (oauth2.ReuseTokenSource wraps a TokenSource so Token()
// only hits the network when the cached token is expired).
func OAuth2AuthHook(ts oauth2.TokenSource) AuthHookFunc {
	return func(_ context.Context, t task.Task) (task.Task, bool, error) {
		tok, err := ts.Token()
		if err != nil {
			return t, false, fmt.Errorf("callback: oauth2 token refresh: %w", err)
		}

		headers := make(map[string]string, len(t.Headers)+1)
		for k, v := range t.Headers {
			headers[k] = v
		}

		headers["Authorization"] = tok.Type() + " " + tok.AccessToken
		t.Headers = headers

		return t, true, nil
	}
}

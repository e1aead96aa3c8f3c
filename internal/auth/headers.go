package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/ports"
)

// StaticHeaderProvider sends a fixed bearer token with every channel
// authorization request. An empty token sends no credentials.
func StaticHeaderProvider(token string) ports.HeaderProvider {
	return func(context.Context) (http.Header, error) {
		h := http.Header{}
		if token != "" {
			h.Set("Authorization", "Bearer "+token)
		}
		return h, nil
	}
}

// TokenHeaderProvider mints a fresh token on every request for whoever
// current reports at that moment.
func TokenHeaderProvider(tm *TokenManager, current func() domain.Viewer) ports.HeaderProvider {
	return func(ctx context.Context) (http.Header, error) {
		if tm == nil {
			return nil, errors.New("token manager is not configured")
		}
		token, err := tm.GenerateToken(current())
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		h := http.Header{}
		h.Set("Authorization", "Bearer "+token)
		return h, nil
	}
}

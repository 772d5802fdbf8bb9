package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dkeye/Mesh/internal/adapters/store/remote"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/domain"
)

// apiURL derives the relay's REST base from its store websocket URL.
func apiURL(storeURL, path string) (string, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws/store") + path
	u.RawQuery = ""
	return u.String(), nil
}

// whoAmI asks the relay who the token belongs to. A missing or refused
// token yields a nil identity, not an error.
func whoAmI(ctx context.Context, cfg config.Client) (*domain.Identity, error) {
	if cfg.Token == "" {
		return nil, nil
	}
	endpoint, err := apiURL(cfg.ServerURL, "/me")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whoami: unexpected status %s", resp.Status)
	}
	var who domain.Identity
	if err := json.NewDecoder(resp.Body).Decode(&who); err != nil {
		return nil, fmt.Errorf("whoami: %w", err)
	}
	return &who, nil
}

// dial opens the remote store, mapping a refused token to ErrUnauthenticated.
func dial(ctx context.Context, cfg config.Client) (*remote.Client, error) {
	c, err := remote.Dial(ctx, cfg.ServerURL, cfg.Token)
	if errors.Is(err, remote.ErrUnauthorized) {
		return nil, domain.ErrUnauthenticated
	}
	return c, err
}

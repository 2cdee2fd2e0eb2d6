package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/agentrelay/arc/pkg/protocol"
)

// APIError is a non-2xx response from the relay's HTTP API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("relay returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPURL derives the relay's HTTP base URL from its websocket URL. The
// HTTP API shares the websocket listener, so only the scheme changes and
// the path is dropped.
func HTTPURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", relayURL)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host}).String(), nil
}

// Register asks the relay behind relayURL for a token. An empty agentID
// lets the relay generate an identity.
func Register(ctx context.Context, hc *http.Client, relayURL, agentID string) (protocol.RegisterResponse, error) {
	var out protocol.RegisterResponse
	if hc == nil {
		hc = http.DefaultClient
	}
	base, err := HTTPURL(relayURL)
	if err != nil {
		return out, err
	}

	body, err := json.Marshal(protocol.RegisterRequest{AgentID: agentID})
	if err != nil {
		return out, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/register", bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return out, fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		var e protocol.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil {
			apiErr.Code, apiErr.Message = e.Error, e.Message
		}
		return out, apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const tokenPath = "/get-ephemeral-token"

// NetworkError covers transport-level failures and failed credential fetches:
// DNS resolution, timeouts, non-2xx backend responses, empty bodies. It always
// carries a human-readable cause suitable for surfacing to the user.
type NetworkError struct {
	Op    string
	Cause string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %s", e.Op, e.Cause)
}

// SignalingError is a non-2xx response from the remote voice endpoint during
// SDP exchange. It carries the status code and response body.
type SignalingError struct {
	StatusCode int
	Body       string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling failed with status %d: %s", e.StatusCode, e.Body)
}

// SessionConfig is the per-session configuration issued by the application
// backend. It is fetched fresh for every session and never persisted.
type SessionConfig struct {
	Credential    string
	Model         string
	Voice         string
	Instructions  string
	SpeakingSpeed float64
}

// Config contains signaling client configuration.
type Config struct {
	BackendBaseURL string
	RealtimeURL    string
	Timeout        time.Duration
}

// Client performs the HTTP legs of the session handshake. It attempts each
// request exactly once; retry policy belongs to the caller and none exists for
// session setup, a single failed attempt surfaces immediately.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a signaling client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type tokenRequest struct {
	Code  *int    `json:"code,omitempty"`
	Speed float64 `json:"speed"`
}

type tokenResponse struct {
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
	Instructions string `json:"instructions"`
	Voice        string `json:"voice"`
	Model        string `json:"model"`
}

// FetchCredential requests a short-lived session credential from the
// application backend. levelID is optional; speakingSpeed is always sent.
// Every failure mode collapses into a *NetworkError with a readable cause.
func (c *Client) FetchCredential(ctx context.Context, levelID *int, speakingSpeed float64) (*SessionConfig, error) {
	reqBody, err := json.Marshal(tokenRequest{Code: levelID, Speed: speakingSpeed})
	if err != nil {
		return nil, &NetworkError{Op: "credential fetch", Cause: err.Error()}
	}

	endpoint := strings.TrimRight(c.config.BackendBaseURL, "/") + tokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, &NetworkError{Op: "credential fetch", Cause: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "credential fetch", Cause: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "credential fetch", Cause: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &NetworkError{
			Op:    "credential fetch",
			Cause: fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, truncate(string(body), 200)),
		}
	}

	if len(body) == 0 {
		return nil, &NetworkError{Op: "credential fetch", Cause: "backend returned an empty body"}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &NetworkError{Op: "credential fetch", Cause: fmt.Sprintf("failed to parse backend response: %v", err)}
	}

	if parsed.ClientSecret.Value == "" {
		return nil, &NetworkError{Op: "credential fetch", Cause: "backend response is missing the session credential"}
	}

	c.logger.Debug("Fetched ephemeral credential",
		slog.String("model", parsed.Model),
		slog.String("voice", parsed.Voice),
	)

	return &SessionConfig{
		Credential:    parsed.ClientSecret.Value,
		Model:         parsed.Model,
		Voice:         parsed.Voice,
		Instructions:  parsed.Instructions,
		SpeakingSpeed: speakingSpeed,
	}, nil
}

// ExchangeDescriptions posts the local SDP offer to the remote voice endpoint
// and returns the raw SDP answer. The model is passed as a query parameter and
// the ephemeral credential authenticates the request.
func (c *Client) ExchangeDescriptions(ctx context.Context, localOffer, credential, model string) (string, error) {
	endpoint := fmt.Sprintf("%s?model=%s", c.config.RealtimeURL, url.QueryEscape(model))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(localOffer))
	if err != nil {
		return "", &NetworkError{Op: "description exchange", Cause: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{Op: "description exchange", Cause: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NetworkError{Op: "description exchange", Cause: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &SignalingError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	c.logger.Debug("Received SDP answer", slog.Int("answer_length", len(body)))

	return string(body), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// ABOUTME: HTTP client that forwards user activities to a bot's messaging endpoint
// ABOUTME: Stamps the gateway's service URL and optionally signs requests with a bearer token

package botclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/directline-gateway/internal/store"
)

// ErrBotUnreachable is returned when the bot endpoint cannot be reached or
// answers with a non-2xx status.
var ErrBotUnreachable = errors.New("bot unreachable")

// DefaultTimeout bounds a single delivery when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response body ends up in the error.
const maxErrorBody = 512

// TokenMinter issues bearer tokens the bot can validate.
type TokenMinter interface {
	Generate(subject, conversationID string, expiresIn time.Duration) (string, error)
}

// Config configures a Client.
type Config struct {
	// ServiceURL is where the bot sends its replies (the gateway's public URL).
	ServiceURL string
	Timeout    time.Duration
	// Tokens signs outbound requests when set.
	Tokens TokenMinter
}

// Client delivers activities to bots.
type Client struct {
	http       *http.Client
	serviceURL string
	tokens     TokenMinter
	logger     *slog.Logger
}

// New creates a bot client. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:       &http.Client{Timeout: timeout},
		serviceURL: cfg.ServiceURL,
		tokens:     cfg.Tokens,
		logger:     logger.With("component", "botclient"),
	}
}

// Deliver posts activity to the bot behind endpoint. A nil endpoint or one
// without a URL is skipped. The caller's activity is not modified.
func (c *Client) Deliver(ctx context.Context, endpoint *store.BotEndpoint, activity *store.Activity) error {
	if endpoint == nil || endpoint.BotURL == "" {
		return nil
	}

	out := activity.Clone()
	out.ServiceURL = c.serviceURL
	if out.Recipient == nil {
		out.Recipient = &store.ChannelAccount{ID: endpoint.BotID, Role: store.RoleBot}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshaling activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.BotURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: creating request: %v", ErrBotUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		subject := endpoint.AppID
		if subject == "" {
			subject = endpoint.BotID
		}
		token, err := c.tokens.Generate(subject, "", time.Hour)
		if err != nil {
			return fmt.Errorf("minting bot token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("bot delivery failed",
			"bot_url", endpoint.BotURL,
			"activity_id", activity.ID,
			"error", err)
		return fmt.Errorf("%w: %v", ErrBotUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("bot rejected activity",
			"bot_url", endpoint.BotURL,
			"activity_id", activity.ID,
			"status", resp.StatusCode)
		return fmt.Errorf("%w: bot returned status %d: %s", ErrBotUnreachable, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("activity delivered",
		"bot_url", endpoint.BotURL,
		"activity_id", activity.ID,
		"status", resp.StatusCode,
		"duration", time.Since(start))
	return nil
}

// Package push sends batched mobile push notifications through an
// Expo-compatible push API and reports a ticket per message.
//
// The provider accepts a JSON array of messages and answers with one ticket
// per message, in order. Request pacing uses a token bucket limiter.
package push

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

	"golang.org/x/time/rate"
)

const (
	// DefaultEndpoint is the Expo push send URL.
	DefaultEndpoint = "https://exp.host/--/api/v2/push/send"

	// MaxMessagesPerRequest is the provider's per-request message limit.
	MaxMessagesPerRequest = 100

	defaultTimeout           = 30 * time.Second
	defaultRequestsPerSecond = 6.0
)

// ErrDeviceNotRegistered marks a ticket whose token is no longer valid.
var ErrDeviceNotRegistered = errors.New("device not registered")

// Message is a single push to one device token.
type Message struct {
	To       string         `json:"to"`
	Title    string         `json:"title,omitempty"`
	Body     string         `json:"body,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Sound    string         `json:"sound,omitempty"`
	Priority string         `json:"priority,omitempty"`
	TTL      int            `json:"ttl,omitempty"`
}

// Ticket is the provider's per-message outcome.
type Ticket struct {
	ID  string
	Err error
}

// OK reports whether the provider accepted the message.
func (t Ticket) OK() bool { return t.Err == nil }

// TicketError is a provider rejection of a single message.
type TicketError struct {
	Code    string
	Message string
}

func (e *TicketError) Error() string {
	if e.Code == "" {
		return "push rejected: " + e.Message
	}
	return fmt.Sprintf("push rejected (%s): %s", e.Code, e.Message)
}

// Is lets errors.Is match ErrDeviceNotRegistered.
func (e *TicketError) Is(target error) bool {
	return target == ErrDeviceNotRegistered && e.Code == "DeviceNotRegistered"
}

// Config holds provider settings.
type Config struct {
	Endpoint          string
	AccessToken       string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client is the HTTP push provider client.
type Client struct {
	httpClient  *http.Client
	endpoint    string
	accessToken string
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewClient creates a provider client with rate limiting.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		endpoint:    cfg.Endpoint,
		accessToken: cfg.AccessToken,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:      logger,
	}
}

type sendResponse struct {
	Data   []ticketJSON `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

type ticketJSON struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

// Send submits one batch and returns a ticket per message, in order.
// A non-nil error means no message in the batch can be considered sent.
func (c *Client) Send(ctx context.Context, msgs []Message) ([]Ticket, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > MaxMessagesPerRequest {
		return nil, fmt.Errorf("batch of %d exceeds provider limit %d", len(msgs), MaxMessagesPerRequest)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push provider returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var decoded sendResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("push provider error %s: %s", decoded.Errors[0].Code, decoded.Errors[0].Message)
	}
	if len(decoded.Data) != len(msgs) {
		return nil, fmt.Errorf("push provider returned %d tickets for %d messages", len(decoded.Data), len(msgs))
	}

	tickets := make([]Ticket, len(msgs))
	for i, t := range decoded.Data {
		if t.Status == "ok" {
			tickets[i] = Ticket{ID: t.ID}
			continue
		}
		tickets[i] = Ticket{Err: &TicketError{Code: t.Details.Error, Message: t.Message}}
	}

	c.logger.Debug("push batch sent", "messages", len(msgs))
	return tickets, nil
}

// LogSender logs messages instead of delivering them and accepts every one.
// Used when push delivery is disabled.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs the batch and returns an accepted ticket per message.
func (s LogSender) Send(ctx context.Context, msgs []Message) ([]Ticket, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tickets := make([]Ticket, len(msgs))
	for i, m := range msgs {
		logger.Info("push send (delivery disabled)", "to", m.To, "title", m.Title, "body", m.Body)
		tickets[i] = Ticket{ID: fmt.Sprintf("dry-run-%d", i)}
	}
	return tickets, nil
}

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}

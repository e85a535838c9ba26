package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"line-agent-relay/internal/domain"
)

// Fixed user-facing strings. Upstream failure detail goes to logs only.
const (
	// UnreachableText is delivered when every transport in the chain failed.
	UnreachableText = "Sorry, could not reach the AI agent."
	// ErrorText is delivered when the gateway answered with an explicit error payload.
	ErrorText = "Sorry, an error occurred."
	// NoResponseText is delivered when the gateway answered successfully but
	// without the expected reply field.
	NoResponseText = "No response from agent."
)

// replyTextPath is where the gateway puts the reply text. The fallback
// endpoint is superset-compatible: same path, plus a plain top-level "text".
const replyTextPath = "result.payloads.0.text"

// Request carries one agent invocation through the transport chain.
type Request struct {
	SessionID   string
	System      string
	Messages    []domain.ChatMessage
	MaxTokens   int
	BearerToken string
}

// latestUserMessage returns the content of the newest user turn, which is all
// the stateless fallback transport carries.
func (r Request) latestUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == domain.RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Transport is one way of reaching the agent gateway. Invoke returns the raw
// response body on any 2xx; a non-success status or network error is a
// transport failure and advances the chain.
type Transport interface {
	Name() string
	Invoke(ctx context.Context, req Request) ([]byte, error)
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("agent: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client invokes the agent gateway through an ordered chain of transports,
// stopping at the first success.
type Client struct {
	transports  []Transport
	getter      Getter
	paramPrefix string
	system      string
	maxTokens   int
	logger      *slog.Logger

	tokenOnce sync.Once
	token     string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		for _, tr := range c.transports {
			switch t := tr.(type) {
			case *rpcTransport:
				t.httpClient = httpClient
			case *httpTransport:
				t.httpClient = httpClient
			}
		}
	}
}

func WithSystemPrompt(system string) Option {
	return func(c *Client) {
		c.system = strings.TrimSpace(system)
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

func WithTransports(transports ...Transport) Option {
	return func(c *Client) {
		c.transports = transports
	}
}

// NewClient creates a Client for the gateway at baseURL. The gateway token is
// fetched from SSM on the first Run call; a gateway without the parameter set
// is called unauthenticated.
func NewClient(ps Getter, paramPrefix, baseURL string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("agent: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("agent: parameter prefix must not be empty")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("agent: base URL must not be empty")
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	c := &Client{
		transports: []Transport{
			&rpcTransport{url: baseURL + "/api/rpc", httpClient: httpClient},
			&httpTransport{url: baseURL + "/api/agent", httpClient: httpClient},
		},
		getter:      ps,
		paramPrefix: paramPrefix,
		maxTokens:   1024,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run asks the agent for a reply to the conversation, which already includes
// the newest user turn. It always returns text: transport failures walk the
// chain, an exhausted chain yields UnreachableText, and a well-formed failure
// payload yields a fixed string instead of an error. The downstream reply
// stage must always have something to deliver.
func (c *Client) Run(ctx context.Context, sessionKey string, history []domain.ChatMessage) string {
	req := Request{
		SessionID:   sessionKey,
		System:      c.system,
		Messages:    history,
		MaxTokens:   c.maxTokens,
		BearerToken: c.resolveToken(ctx),
	}

	for _, tr := range c.transports {
		raw, err := tr.Invoke(ctx, req)
		if err != nil {
			c.logger.Warn("agent transport failed", "transport", tr.Name(), "session", sessionKey, "err", err)
			continue
		}
		if text := extractReply(raw); text != "" {
			return text
		}
		if errField := gjson.GetBytes(raw, "error"); errField.Exists() {
			c.logger.Error("agent returned error payload", "transport", tr.Name(), "session", sessionKey, "detail", errField.String())
			return ErrorText
		}
		c.logger.Error("agent response missing reply text", "transport", tr.Name(), "session", sessionKey)
		return NoResponseText
	}
	return UnreachableText
}

// resolveToken fetches the gateway token once per process. The token is
// optional: a lookup failure downgrades to unauthenticated calls rather than
// blocking the pipeline.
func (c *Client) resolveToken(ctx context.Context) string {
	c.tokenOnce.Do(func() {
		raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/agent-gateway-token")
		if err != nil {
			c.logger.Warn("agent gateway token unavailable, calling unauthenticated", "err", err)
			return
		}
		c.token = strings.TrimSpace(raw)
	})
	return c.token
}

func extractReply(raw []byte) string {
	if text := gjson.GetBytes(raw, replyTextPath); text.Exists() {
		return text.String()
	}
	return gjson.GetBytes(raw, "text").String()
}

// rpcTransport is the primary path: the gateway's RPC endpoint, carrying the
// system instruction, the full turn sequence, and the token budget.
type rpcTransport struct {
	url        string
	httpClient *http.Client
}

type rpcRequest struct {
	Method string    `json:"method"`
	Params rpcParams `json:"params"`
}

type rpcParams struct {
	SessionID string               `json:"sessionId"`
	System    string               `json:"system,omitempty"`
	Messages  []domain.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"maxTokens,omitempty"`
}

func (t *rpcTransport) Name() string { return "rpc" }

func (t *rpcTransport) Invoke(ctx context.Context, req Request) ([]byte, error) {
	body, err := json.Marshal(rpcRequest{
		Method: "agent.run",
		Params: rpcParams{
			SessionID: req.SessionID,
			System:    req.System,
			Messages:  req.Messages,
			MaxTokens: req.MaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("agent: marshal rpc request: %w", err)
	}
	return post(ctx, t.httpClient, t.url, req.BearerToken, body)
}

// httpTransport is the fallback path: the gateway's plain HTTP endpoint,
// stateless with respect to history. It carries only the newest user message
// and the session id.
type httpTransport struct {
	url        string
	httpClient *http.Client
}

type httpRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

func (t *httpTransport) Name() string { return "http" }

func (t *httpTransport) Invoke(ctx context.Context, req Request) ([]byte, error) {
	body, err := json.Marshal(httpRequest{
		Message:   req.latestUserMessage(),
		SessionID: req.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: marshal http request: %w", err)
	}
	return post(ctx, t.httpClient, t.url, req.BearerToken, body)
}

func post(ctx context.Context, client *http.Client, url, bearerToken string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("agent: read response body: %w", err)
	}
	return buf, nil
}

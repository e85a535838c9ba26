package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MaxReplyLength is the platform cap on a single text message, in characters.
const MaxReplyLength = 5000

const defaultReplyEndpoint = "https://api.line.me/v2/bot/message/reply"

// replyRequest is the payload shape of the reply endpoint.
type replyRequest struct {
	ReplyToken string         `json:"replyToken"`
	Messages   []replyMessage `json:"messages"`
}

type replyMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
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
	return fmt.Sprintf("line: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// ReplyClient delivers reply messages to the platform's reply endpoint.
type ReplyClient struct {
	endpoint    string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	tokenOnce   sync.Once
	accessToken string
	tokenErr    error
}

type Option func(*ReplyClient)

func WithEndpoint(endpoint string) Option {
	return func(c *ReplyClient) {
		c.endpoint = strings.TrimSpace(endpoint)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *ReplyClient) {
		c.httpClient = httpClient
	}
}

// NewReplyClient creates a ReplyClient backed by the given paramstore Getter
// for channel access token retrieval. The token is fetched from SSM on the
// first Reply call and reused for the lifetime of the process.
func NewReplyClient(ps Getter, paramPrefix string, opts ...Option) (*ReplyClient, error) {
	if ps == nil {
		return nil, errors.New("line: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("line: parameter prefix must not be empty")
	}
	c := &ReplyClient{
		endpoint:    defaultReplyEndpoint,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAccessToken fetches the channel access token from SSM on the first
// call and returns the cached result on every subsequent call within the same
// process lifetime.
func (c *ReplyClient) resolveAccessToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.accessToken, c.tokenErr = fetchToken(ctx, c.getter, c.tokenParameterName())
	})
	return c.accessToken, c.tokenErr
}

func (c *ReplyClient) tokenParameterName() string {
	return c.paramPrefix + "/line-channel-access-token"
}

func (c *ReplyClient) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Reply sends one text message against the event's single-use reply token.
// Text longer than MaxReplyLength characters is truncated before sending.
// A transport-level failure is retried once; a definitive HTTP response is
// never retried because the token is already consumed.
func (c *ReplyClient) Reply(ctx context.Context, replyToken, text string) error {
	if replyToken == "" {
		return errors.New("line: reply token must not be empty")
	}

	accessToken, err := c.resolveAccessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(replyRequest{
		ReplyToken: replyToken,
		Messages:   []replyMessage{{Type: "text", Text: Truncate(text, MaxReplyLength)}},
	})
	if err != nil {
		return fmt.Errorf("line: marshal reply request: %w", err)
	}

	sendErr := c.send(ctx, accessToken, body)
	if sendErr == nil {
		return nil
	}
	var statusErr *HTTPStatusError
	if errors.As(sendErr, &statusErr) {
		return fmt.Errorf("line: reply rejected: %w", sendErr)
	}
	// Transport error: the request may never have reached the platform, so
	// one more attempt with the same token is safe.
	if retryErr := c.send(ctx, accessToken, body); retryErr != nil {
		return fmt.Errorf("line: reply failed after retry: %w", retryErr)
	}
	return nil
}

func (c *ReplyClient) send(ctx context.Context, accessToken string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("line: create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        c.endpoint,
			Body:       string(buf),
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	return nil
}

// Truncate caps s at limit characters. The platform limit counts characters,
// not bytes, so truncation works on runes to keep multi-byte replies intact.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func fetchToken(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("line: paramstore getter is nil")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("line: fetch channel access token: %w", err)
	}
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", errors.New("line: channel access token is empty")
	}
	return token, nil
}

package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"line-agent-relay/internal/domain"
	"line-agent-relay/internal/integrations/line"
	"line-agent-relay/internal/usecase"
)

const signatureHeader = "x-line-signature"

// EventRelay processes one inbound text event end to end.
type EventRelay interface {
	Relay(ctx context.Context, ev domain.Event) error
}

type SecretSource interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler routes webhook deliveries: it gates on method and signature, then
// relays each text event independently so one event's failure never aborts
// its siblings. The response acknowledges receipt, not per-event success.
type Handler struct {
	relay       EventRelay
	secrets     SecretSource
	paramPrefix string
	logger      *slog.Logger

	secretOnce    sync.Once
	channelSecret string
	secretErr     error
}

func NewHandler(relay EventRelay, secrets SecretSource, paramPrefix string) (*Handler, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if secrets == nil {
		return nil, errors.New("handler: secret source must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("handler: parameter prefix must not be empty")
	}
	return &Handler{
		relay:       relay,
		secrets:     secrets,
		paramPrefix: paramPrefix,
		logger:      slog.Default(),
	}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	logger := h.logger.With("correlationId", corrID)

	if req.HTTPMethod != http.MethodPost {
		return respond(http.StatusMethodNotAllowed, errorResponse{Error: string(usecase.ErrorInvalidRequest)}, corrID), nil
	}

	secret, err := h.resolveChannelSecret(ctx)
	if err != nil {
		logger.Error("channel secret unavailable", "err", err)
		return respond(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorConfig)}, corrID), nil
	}

	rawBody, err := requestBody(req)
	if err != nil {
		logger.Warn("undecodable request body", "err", err)
		return respond(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidRequest)}, corrID), nil
	}

	// The signature covers the exact bytes the platform sent; verification
	// happens before any parse and a failure rejects the whole delivery.
	if !line.ValidateSignature(secret, rawBody, header(req.Headers, signatureHeader)) {
		logger.Warn("signature validation failed")
		return respond(http.StatusUnauthorized, errorResponse{Error: string(usecase.ErrorAuthFailed)}, corrID), nil
	}

	var webhook domain.WebhookRequest
	if err := json.Unmarshal(rawBody, &webhook); err != nil {
		logger.Warn("unparseable webhook body", "err", err)
		return respond(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidRequest)}, corrID), nil
	}

	// Events run sequentially in arrival order: two messages from the same
	// user in one batch must see each other's history writes.
	for _, ev := range webhook.Events {
		if !ev.IsTextMessage() {
			continue
		}
		if err := h.relay.Relay(ctx, ev); err != nil {
			logger.Error("event relay failed", "session", ev.SessionKey(), "err", err)
		}
	}

	return respond(http.StatusOK, okResponse{OK: true}, corrID), nil
}

// resolveChannelSecret fetches the channel secret from SSM on the first
// request and reuses it for the process lifetime. A resolution failure is
// retried on a later cold start, not within this process.
func (h *Handler) resolveChannelSecret(ctx context.Context) (string, error) {
	h.secretOnce.Do(func() {
		raw, err := h.secrets.GetParameter(ctx, h.paramPrefix+"/line-channel-secret")
		if err != nil {
			h.secretErr = err
			return
		}
		h.channelSecret = strings.TrimSpace(raw)
		if h.channelSecret == "" {
			h.secretErr = errors.New("handler: channel secret is empty")
		}
	})
	return h.channelSecret, h.secretErr
}

// requestBody returns the exact bytes of the delivery. API Gateway hands the
// body over verbatim, base64-wrapped when binary-flagged; it is never
// re-serialized from a parsed value.
func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}

func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func correlationID(headers map[string]string) string {
	if id := header(headers, "x-correlation-id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func respond(status int, body any, corrID string) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": corrID,
		},
		Body: string(raw),
	}
}

package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"line-agent-relay/internal/domain"
	"line-agent-relay/internal/integrations/line"
	"line-agent-relay/internal/usecase"
)

const testSecret = "channel-secret"

type stubRelay struct {
	relayed []domain.Event
	errFor  map[string]error // keyed by reply token
}

func (s *stubRelay) Relay(_ context.Context, ev domain.Event) error {
	s.relayed = append(s.relayed, ev)
	if s.errFor != nil {
		return s.errFor[ev.ReplyToken]
	}
	return nil
}

type stubSecrets struct {
	val   string
	err   error
	calls int
}

func (s *stubSecrets) GetParameter(_ context.Context, _ string) (string, error) {
	s.calls++
	return s.val, s.err
}

func textEventJSON(userID, token, text string) string {
	raw, _ := json.Marshal(map[string]any{
		"type":       "message",
		"replyToken": token,
		"source":     map[string]string{"type": "user", "userId": userID},
		"message":    map[string]string{"id": "m1", "type": "text", "text": text},
	})
	return string(raw)
}

func signedRequest(t *testing.T, secret, body string) events.APIGatewayProxyRequest {
	t.Helper()
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/webhook",
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"x-line-signature": line.Sign(secret, []byte(body)),
		},
		Body: body,
	}
}

func newTestHandler(t *testing.T, relay *stubRelay) *Handler {
	t.Helper()
	h, err := NewHandler(relay, &stubSecrets{val: testSecret}, "/line-relay")
	require.NoError(t, err)
	return h
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &stubSecrets{}, "/line-relay")
	require.Error(t, err)

	_, err = NewHandler(&stubRelay{}, nil, "/line-relay")
	require.Error(t, err)

	_, err = NewHandler(&stubRelay{}, &stubSecrets{}, "  ")
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	relay := &stubRelay{}
	h := newTestHandler(t, relay)

	body := `{"events":[` + textEventJSON("U1", "tok-1", "hello") + `]}`
	resp, err := h.Handle(context.Background(), signedRequest(t, testSecret, body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, parseBody[okResponse](t, resp.Body).OK)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])

	require.Len(t, relay.relayed, 1)
	require.Equal(t, "tok-1", relay.relayed[0].ReplyToken)
	require.Equal(t, "hello", relay.relayed[0].Message.Text)
}

func TestHandle_NonPostRejected(t *testing.T) {
	relay := &stubRelay{}
	h := newTestHandler(t, relay)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet})
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Empty(t, relay.relayed)
}

func TestHandle_MissingSignatureRejected(t *testing.T) {
	relay := &stubRelay{}
	secrets := &stubSecrets{val: testSecret}
	h, err := NewHandler(relay, secrets, "/line-relay")
	require.NoError(t, err)

	body := `{"events":[` + textEventJSON("U1", "tok-1", "hello") + `]}`
	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Body:       body,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, string(usecase.ErrorAuthFailed), parseBody[errorResponse](t, resp.Body).Error)
	require.Empty(t, relay.relayed, "no event processing before authentication")
}

func TestHandle_MismatchedSignatureRejected(t *testing.T) {
	relay := &stubRelay{}
	h := newTestHandler(t, relay)

	body := `{"events":[` + textEventJSON("U1", "tok-1", "hello") + `]}`
	req := signedRequest(t, "some-other-secret", body)
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, relay.relayed)
}

func TestHandle_SignatureVerifiedAgainstRawBase64Bytes(t *testing.T) {
	relay := &stubRelay{}
	h := newTestHandler(t, relay)

	body := `{"events":[` + textEventJSON("U1", "tok-1", "hello") + `]}`
	req := signedRequest(t, testSecret, body)
	req.Body = base64.StdEncoding.EncodeToString([]byte(body))
	req.IsBase64Encoded = true

	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, relay.relayed, 1)
}

func TestHandle_UndecodableBase64Body(t *testing.T) {
	relay := &stubRelay{}
	h := newTestHandler(t, relay)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:      http.MethodPost,
		Body:            "%%%not-base64%%%",
		IsBase64Encoded: true,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, relay.relayed)
}

func TestHandle_MissingChannelSecret(t *testing.T) {
	relay := &stubRelay{}
	h, err := NewHandler(relay, &stubSecrets{err: errors.New("ParameterNotFound")}, "/line-relay")
	require.NoError(t, err)

	body := `{"events":[]}`
	resp, err := h.Handle(context.Background(), signedRequest(t, testSecret, body))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, string(usecase.ErrorConfig), parseBody[errorResponse](t, resp.Body).Error)
	require.Empty(t, relay.relayed)
}

func TestHandle_SecretFetchedOnce(t *testing.T) {
	relay := &stubRelay{}
	secrets := &stubSecrets{val: testSecret}
	h, err := NewHandler(relay, secrets, "/line-relay")
	require.NoError(t, err)

	body := `{"events":[]}`
	for i := 0; i < 3; i++ {
		_, err := h.Handle(context.Background(), signedRequest(t, testSecret, body))
		require.NoError(t, err)
	}
	require.Equal(t, 1, secrets.calls)
}

func TestHandle_UnparseableAuthenticatedBody(t *testing.T) {
	relay := &stubRelay{}
	h := newTestHandler(t, relay)

	resp, err := h.Handle(context.Background(), signedRequest(t, testSecret, "not-json"))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, relay.relayed)
}

func TestHandle_NonTextEventsIgnored(t *testing.T) {
	relay := &stubRelay{}
	h := newTestHandler(t, relay)

	body := `{"events":[
		{"type":"follow","replyToken":"tok-f","source":{"type":"user","userId":"U1"}},
		{"type":"message","replyToken":"tok-s","source":{"type":"user","userId":"U1"},"message":{"id":"m2","type":"sticker"}},
		` + textEventJSON("U1", "tok-t", "hello") + `
	]}`
	resp, err := h.Handle(context.Background(), signedRequest(t, testSecret, body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, relay.relayed, 1)
	require.Equal(t, "tok-t", relay.relayed[0].ReplyToken)
}

func TestHandle_FailedEventDoesNotAbortSiblings(t *testing.T) {
	relay := &stubRelay{errFor: map[string]error{
		"tok-2": &usecase.Error{Code: usecase.ErrorInternal, Reason: "relay_panic"},
	}}
	h := newTestHandler(t, relay)

	body := `{"events":[` +
		textEventJSON("U1", "tok-1", "first") + `,` +
		textEventJSON("U2", "tok-2", "second") + `,` +
		textEventJSON("U3", "tok-3", "third") +
		`]}`
	resp, err := h.Handle(context.Background(), signedRequest(t, testSecret, body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "receipt acknowledged despite per-event failure")
	require.Len(t, relay.relayed, 3)
	require.Equal(t, "tok-3", relay.relayed[2].ReplyToken)
}

func TestHandle_EmptyEventBatch(t *testing.T) {
	relay := &stubRelay{}
	h := newTestHandler(t, relay)

	resp, err := h.Handle(context.Background(), signedRequest(t, testSecret, `{"events":[]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, relay.relayed)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	relay := &stubRelay{}
	h := newTestHandler(t, relay)

	req := signedRequest(t, testSecret, `{"events":[]}`)
	req.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

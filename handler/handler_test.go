package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"pocketchat/internal/domain"
	"pocketchat/internal/usecase"
)

type stubChat struct {
	out  usecase.RelayOutput
	err  error
	in   usecase.RelayInput
	last string
}

func (s *stubChat) record(op string, in usecase.RelayInput) (usecase.RelayOutput, error) {
	s.last = op
	s.in = in
	return s.out, s.err
}

func (s *stubChat) Send(_ context.Context, in usecase.RelayInput) (usecase.RelayOutput, error) {
	return s.record("send", in)
}

func (s *stubChat) Continue(_ context.Context, in usecase.RelayInput) (usecase.RelayOutput, error) {
	return s.record("continue", in)
}

func (s *stubChat) Reset(_ context.Context, in usecase.RelayInput) (usecase.RelayOutput, error) {
	return s.record("reset", in)
}

func (s *stubChat) Messages(_ context.Context, in usecase.RelayInput) (usecase.RelayOutput, error) {
	return s.record("messages", in)
}

func makeEvent(path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_SendHappyPath(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	chat := &stubChat{out: usecase.RelayOutput{
		SessionID:      "s1",
		ConversationID: "conv-1",
		Messages: []domain.Message{
			{ID: "u1", Author: domain.Author{Role: domain.RoleUser}, Kind: domain.KindText, Text: "Hello", CreatedAt: created},
			{ID: "a1", Author: domain.Author{Role: domain.RoleAssistant}, Kind: domain.KindText, Text: "Hi", CreatedAt: created,
				Metadata: domain.Metadata{StoppedAtEOS: domain.StopCutShort, Copyable: domain.BoolPtr(true)}},
		},
		StopState:   domain.StopCutShort,
		CanContinue: true,
	}}
	h, err := NewHandler(chat)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/send", `{"sessionId":"s1","conversationId":"conv-1","text":"Hello"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "send", chat.last)
	require.Equal(t, usecase.RelayInput{SessionID: "s1", ConversationID: "conv-1", Text: "Hello"}, chat.in)

	out := parseBody[chatResponse](t, resp.Body)
	require.Equal(t, "s1", out.SessionID)
	require.Equal(t, "conv-1", out.ConversationID)
	require.Len(t, out.Messages, 2)
	require.Equal(t, domain.RoleAssistant, out.Messages[1].Role)
	require.Equal(t, domain.StopCutShort, out.Messages[1].Metadata.StoppedAtEOS)
	require.Equal(t, domain.StopCutShort, out.StopState)
	require.True(t, out.CanContinue)
	require.Contains(t, resp.Body, `"stoppedAtEndOfSequence":"cut_short"`)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_Routes(t *testing.T) {
	cases := []struct {
		method string
		path   string
		op     string
	}{
		{http.MethodPost, "/send", "send"},
		{http.MethodPost, "/continue", "continue"},
		{http.MethodPost, "/reset/", "reset"},
		{http.MethodGet, "/messages", "messages"},
	}
	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			chat := &stubChat{}
			h, err := NewHandler(chat)
			require.NoError(t, err)

			event := makeEvent(tc.path, `{"sessionId":"s1"}`)
			event.HTTPMethod = tc.method
			if tc.method == http.MethodGet {
				event.Body = ""
				event.QueryStringParameters = map[string]string{"sessionId": "s1"}
			}
			resp, err := h.Handle(context.Background(), event)
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, tc.op, chat.last)
			require.Equal(t, "s1", chat.in.SessionID)
		})
	}
}

func TestHandle_UnknownRoute(t *testing.T) {
	h, err := NewHandler(&stubChat{})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/ask", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	event := makeEvent("/send", `{}`)
	event.HTTPMethod = http.MethodGet
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_InvalidBody(t *testing.T) {
	chat := &stubChat{}
	h, err := NewHandler(chat)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/send", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, chat.last)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "busy", err: &usecase.Error{Code: usecase.ErrorBusy, Reason: "generation_in_progress"}, status: http.StatusConflict, code: string(usecase.ErrorBusy)},
		{name: "engine unavailable", err: &usecase.Error{Code: usecase.ErrorEngineUnavailable, Reason: "model_not_loaded"}, status: http.StatusServiceUnavailable, code: string(usecase.ErrorEngineUnavailable)},
		{name: "network", err: &usecase.Error{Code: usecase.ErrorNetwork, Reason: "network_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorNetwork)},
		{name: "completion", err: &usecase.Error{Code: usecase.ErrorCompletion, Reason: "completion_failed"}, status: http.StatusBadGateway, code: string(usecase.ErrorCompletion)},
		{name: "continuation", err: &usecase.Error{Code: usecase.ErrorContinuation, Reason: "continuation_failed"}, status: http.StatusBadGateway, code: string(usecase.ErrorContinuation)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "load_history"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chat := &stubChat{err: tc.err}
			h, err := NewHandler(chat)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent("/send", `{"text":"Hello"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_ErrorCarriesPersistedNotice(t *testing.T) {
	chat := &stubChat{
		err: &usecase.Error{Code: usecase.ErrorNetwork, Reason: "network_error"},
		out: usecase.RelayOutput{Messages: []domain.Message{
			{ID: "n1", Kind: domain.KindText, Text: "Network error.", Metadata: domain.Metadata{System: true}},
		}},
	}
	h, err := NewHandler(chat)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/send", `{"text":"Hello"}`))
	require.NoError(t, err)
	out := parseBody[errorResponse](t, resp.Body)
	require.Len(t, out.Messages, 1)
	require.True(t, out.Messages[0].Metadata.System)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(&stubChat{})
	require.NoError(t, err)

	event := makeEvent("/send", `{"text":"Hello"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"pocketchat/internal/domain"
	"pocketchat/internal/observability"
	"pocketchat/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// ChatService is the session relay consumed by the handler.
type ChatService interface {
	Send(ctx context.Context, in usecase.RelayInput) (usecase.RelayOutput, error)
	Continue(ctx context.Context, in usecase.RelayInput) (usecase.RelayOutput, error)
	Reset(ctx context.Context, in usecase.RelayInput) (usecase.RelayOutput, error)
	Messages(ctx context.Context, in usecase.RelayInput) (usecase.RelayOutput, error)
}

type Handler struct {
	chat   ChatService
	logger *slog.Logger
}

type chatRequest struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

type messageResponse struct {
	ID        string             `json:"id"`
	Role      string             `json:"role"`
	Kind      domain.MessageKind `json:"kind"`
	Text      string             `json:"text"`
	CreatedAt time.Time          `json:"createdAt"`
	Metadata  domain.Metadata    `json:"metadata"`
}

type chatResponse struct {
	SessionID      string            `json:"sessionId"`
	ConversationID string            `json:"conversationId"`
	Messages       []messageResponse `json:"messages"`
	StopState      domain.StopState  `json:"stoppedAtEndOfSequence"`
	CanContinue    bool              `json:"canContinue"`
}

// errorResponse carries the error code. Messages holds any notice the
// failed operation persisted.
type errorResponse struct {
	Error    string            `json:"error"`
	Messages []messageResponse `json:"messages,omitempty"`
}

func NewHandler(chat ChatService) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	return &Handler{chat: chat, logger: observability.Logger()}, nil
}

// Handle routes API Gateway proxy requests to the chat service.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = observability.WithCorrelationID(ctx, correlationID)
	log := observability.FromContext(ctx, h.logger)

	op, ok := h.route(event)
	if !ok {
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: "NOT_FOUND"}), nil
	}

	in, err := parseRequest(event)
	if err != nil {
		log.Warn("invalid request body", "path", event.Path, "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}
	if in.ConversationID != "" {
		ctx = observability.WithConversationID(ctx, in.ConversationID)
	}

	out, err := op(ctx, in)
	if err != nil {
		status, code := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error("request failed", "path", event.Path, "code", code, "err", err)
		} else {
			log.Warn("request rejected", "path", event.Path, "code", code, "err", err)
		}
		return jsonResponse(status, correlationID, errorResponse{Error: code, Messages: toMessages(out.Messages)}), nil
	}

	log.Info("request completed", "path", event.Path, "session_id", out.SessionID, "messages", len(out.Messages))
	return jsonResponse(http.StatusOK, correlationID, chatResponse{
		SessionID:      out.SessionID,
		ConversationID: out.ConversationID,
		Messages:       toMessages(out.Messages),
		StopState:      out.StopState,
		CanContinue:    out.CanContinue,
	}), nil
}

type operation func(context.Context, usecase.RelayInput) (usecase.RelayOutput, error)

func (h *Handler) route(event events.APIGatewayProxyRequest) (operation, bool) {
	path := strings.TrimRight(event.Path, "/")
	switch {
	case event.HTTPMethod == http.MethodPost && path == "/send":
		return h.chat.Send, true
	case event.HTTPMethod == http.MethodPost && path == "/continue":
		return h.chat.Continue, true
	case event.HTTPMethod == http.MethodPost && path == "/reset":
		return h.chat.Reset, true
	case event.HTTPMethod == http.MethodGet && path == "/messages":
		return h.chat.Messages, true
	}
	return nil, false
}

func parseRequest(event events.APIGatewayProxyRequest) (usecase.RelayInput, error) {
	var req chatRequest
	if event.HTTPMethod == http.MethodGet {
		req.SessionID = event.QueryStringParameters["sessionId"]
		req.ConversationID = event.QueryStringParameters["conversationId"]
	} else if strings.TrimSpace(event.Body) != "" {
		if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
			return usecase.RelayInput{}, err
		}
	}
	return usecase.RelayInput{
		SessionID:      strings.TrimSpace(req.SessionID),
		ConversationID: strings.TrimSpace(req.ConversationID),
		Text:           req.Text,
	}, nil
}

func statusFor(err error) (int, string) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ue.Code)
	case usecase.ErrorBusy:
		return http.StatusConflict, string(ue.Code)
	case usecase.ErrorEngineUnavailable:
		return http.StatusServiceUnavailable, string(ue.Code)
	case usecase.ErrorNetwork, usecase.ErrorCompletion, usecase.ErrorContinuation:
		return http.StatusBadGateway, string(ue.Code)
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
}

func toMessages(msgs []domain.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:        m.ID,
			Role:      m.Author.Role,
			Kind:      m.Kind,
			Text:      m.Text,
			CreatedAt: m.CreatedAt.UTC(),
			Metadata:  m.Metadata,
		})
	}
	return out
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}

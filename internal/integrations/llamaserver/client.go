package llamaserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pocketchat/internal/domain"
)

// maxEventSize bounds a single SSE data payload.
const maxEventSize = 1 << 20

type applyTemplateRequest struct {
	Messages []domain.ChatMessage `json:"messages"`
}

type applyTemplateResponse struct {
	Prompt string `json:"prompt"`
}

// completionRequest is the body of a streaming /completion call.
type completionRequest struct {
	domain.CompletionParams
	Stream bool `json:"stream"`
}

// completionChunk is one server-sent event of a streaming completion. The
// final chunk has Stop set and carries the timings.
type completionChunk struct {
	Content    string          `json:"content"`
	Stop       bool            `json:"stop"`
	StoppedEOS bool            `json:"stopped_eos"`
	Timings    *domain.Timings `json:"timings,omitempty"`
	Error      *serverError    `json:"error,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API key.
type tokenPayload struct {
	Token string `json:"token"`
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
	return fmt.Sprintf("llamaserver: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client drives a llama.cpp compatible server. It renders chat templates
// and streams completions, and supports aborting the call in flight. One
// Client serves one completion at a time.
type Client struct {
	id         string
	baseURL    string
	httpClient *http.Client
	getter     Getter
	keyParam   string

	keyOnce sync.Once
	apiKey  string
	keyErr  error

	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted bool
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKeyParameter makes the client send a bearer key read from the
// named SSM parameter. The parameter holds {"token": "..."}.
func WithAPIKeyParameter(getter Getter, name string) Option {
	return func(c *Client) {
		c.getter = getter
		c.keyParam = strings.TrimSpace(name)
	}
}

// NewClient creates a Client for the server at baseURL. Streaming calls
// carry no overall timeout; use the context or StopCompletion to end them.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("llamaserver: base url must not be empty")
	}
	c := &Client{
		id:         uuid.NewString(),
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.getter == nil && c.keyParam != "" {
		return nil, errors.New("llamaserver: paramstore getter must not be nil")
	}
	return c, nil
}

// ID identifies this engine instance; it is used as the messages' context id.
func (c *Client) ID() string {
	return c.id
}

// resolveAPIKey fetches the key from SSM on the first call and returns the
// cached result afterwards. No key is configured when getter is nil.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.getter == nil {
		return "", nil
	}
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.keyParam)
	})
	return c.apiKey, c.keyErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

func (c *Client) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llamaserver: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("llamaserver: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

// ApplyChatTemplate renders msgs with the chat template of the model loaded
// in the server. The server owns the template, so model is not sent.
func (c *Client) ApplyChatTemplate(ctx context.Context, msgs []domain.ChatMessage, _ *domain.ModelProfile) (string, error) {
	req, err := c.newRequest(ctx, "/apply-template", applyTemplateRequest{Messages: msgs})
	if err != nil {
		return "", err
	}

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("llamaserver: apply template: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if err := checkStatus(res, req.URL.String()); err != nil {
		return "", err
	}

	var payload applyTemplateResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, maxEventSize)).Decode(&payload); err != nil {
		return "", fmt.Errorf("llamaserver: decode template response: %w", err)
	}
	return payload.Prompt, nil
}

// Completion streams a completion for params, calling onToken for every
// fragment. A call ended by StopCompletion returns the text received so far
// with StoppedAtEOS false and no error.
func (c *Client) Completion(ctx context.Context, params domain.CompletionParams, onToken func(domain.TokenData)) (domain.CompletionResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.aborted = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
	}()

	req, err := c.newRequest(runCtx, "/completion", completionRequest{CompletionParams: params, Stream: true})
	if err != nil {
		return domain.CompletionResult{}, err
	}
	req.Header.Set("Accept", "text/event-stream")

	var result domain.CompletionResult
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		if c.wasAborted() {
			return result, nil
		}
		return result, fmt.Errorf("llamaserver: completion: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if err := checkStatus(res, req.URL.String()); err != nil {
		return result, err
	}

	var text strings.Builder
	reader := bufio.NewReader(res.Body)
	for {
		data, err := readEvent(reader)
		if err != nil {
			result.Text = text.String()
			if c.wasAborted() {
				return result, nil
			}
			if errors.Is(err, io.EOF) {
				return result, errors.New("llamaserver: stream ended before completion")
			}
			return result, fmt.Errorf("llamaserver: read stream: %w", err)
		}

		var chunk completionChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return result, fmt.Errorf("llamaserver: decode chunk: %w", err)
		}
		if chunk.Error != nil {
			result.Text = text.String()
			return result, fmt.Errorf("llamaserver: server error: %s", chunk.Error.Message)
		}
		if chunk.Content != "" {
			text.WriteString(chunk.Content)
			if onToken != nil {
				onToken(domain.TokenData{Token: chunk.Content})
			}
		}
		if chunk.Stop {
			result.Text = text.String()
			result.StoppedAtEOS = chunk.StoppedEOS
			if chunk.Timings != nil {
				result.Timings = *chunk.Timings
			}
			return result, nil
		}
	}
}

// StopCompletion aborts the completion in flight, if any.
func (c *Client) StopCompletion(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.aborted = true
		c.cancel()
	}
	return nil
}

func (c *Client) wasAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func checkStatus(res *http.Response, url string) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &HTTPStatusError{
		StatusCode: res.StatusCode,
		URL:        url,
		Body:       string(buf),
	}
}

// readEvent returns the data of the next server-sent event. Multiple data
// lines are joined with newlines; other fields and comments are skipped.
func readEvent(r *bufio.Reader) ([]byte, error) {
	var lines [][]byte
	size := 0
	for {
		line, err := r.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if len(lines) > 0 {
				return bytes.Join(lines, []byte("\n")), nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimSpace(line[len("data:"):])
			size += len(data)
			if size > maxEventSize {
				return nil, errors.New("event exceeds maximum size")
			}
			lines = append(lines, data)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(lines) > 0 {
				return bytes.Join(lines, []byte("\n")), nil
			}
			return nil, err
		}
	}
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if name == "" {
		return "", errors.New("llamaserver: api key parameter name is empty")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("llamaserver: fetch api key from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("llamaserver: unmarshal paramstore api key value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("llamaserver: api key is empty")
	}
	return tp.Token, nil
}

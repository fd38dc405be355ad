package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a whole generate call.
const DefaultTimeout = 60 * time.Second

// Client communicates with the generation service.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	log        *zap.Logger
}

// NewClient creates a client. A zero timeout means DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// envelope wraps every response body.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter *int   `json:"retryAfter"`
}

// Generate requests suggestions for req.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/generate", body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AnalysisError{Reason: ReasonNetwork, Err: err}
	}
	if resp.StatusCode < 500 {
		if err := validateEnvelope(raw); err != nil {
			return nil, &AnalysisError{Reason: ReasonInvalidResponse, StatusCode: resp.StatusCode, Err: err}
		}
	}

	var out GenerateResponse
	if err := decodeEnvelope(resp.StatusCode, raw, &out); err != nil {
		return nil, err
	}

	c.log.Debug("generate complete",
		zap.String("fingerprint", req.Fingerprint),
		zap.Int("suggestions", len(out.Suggestions)),
		zap.String("model", out.ModelUsed),
		zap.Int("tokens", out.TokensUsed))
	return &out, nil
}

// Usage returns the account's current usage.
func (c *Client) Usage(ctx context.Context) (*Usage, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/usage", nil, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AnalysisError{Reason: ReasonNetwork, Err: err}
	}
	var out Usage
	if err := decodeEnvelope(resp.StatusCode, raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a request and maps transport failures and rejection statuses
// onto AnalysisError. The caller owns the body on success.
func (c *Client) do(ctx context.Context, method, path string, body []byte, accept string) (*http.Response, error) {
	if c.APIKey == "" {
		return nil, &AnalysisError{Reason: ReasonNotConfigured, Message: "no API key configured"}
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return nil, &AnalysisError{Reason: ReasonNetwork, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &AnalysisError{Reason: ReasonNetwork, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, &AnalysisError{Reason: ReasonUnauthorized, StatusCode: resp.StatusCode, Message: "invalid or expired API key"}
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, &AnalysisError{
			Reason:     ReasonRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp, nil
}

// decodeEnvelope unpacks the data of a successful envelope into out.
func decodeEnvelope(status int, raw []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if status >= 500 {
			return &AnalysisError{Reason: ReasonServer, StatusCode: status, Message: snippet(raw)}
		}
		return &AnalysisError{Reason: ReasonInvalidResponse, StatusCode: status, Err: err}
	}

	if !env.Success || env.Error != nil {
		return envelopeError(status, env.Error)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &AnalysisError{Reason: ReasonInvalidResponse, StatusCode: status, Code: "NO_DATA", Message: "response contained no data"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &AnalysisError{Reason: ReasonInvalidResponse, StatusCode: status, Err: err}
	}
	return nil
}

func envelopeError(status int, e *errorBody) error {
	if e == nil {
		return &AnalysisError{Reason: ReasonServer, StatusCode: status, Message: "request failed without an error body"}
	}
	ae := &AnalysisError{Reason: ReasonServer, StatusCode: status, Code: e.Code, Message: e.Message}
	switch e.Code {
	case "QUOTA_EXCEEDED":
		ae.Reason = ReasonQuotaExceeded
	case "RATE_LIMITED":
		ae.Reason = ReasonRateLimited
		ae.RetryAfter = DefaultRetryAfter
	case "UNAUTHORIZED":
		ae.Reason = ReasonUnauthorized
	}
	if e.RetryAfter != nil && *e.RetryAfter > 0 {
		ae.RetryAfter = time.Duration(*e.RetryAfter) * time.Second
	}
	return ae
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d.Round(time.Second)
		}
	}
	return DefaultRetryAfter
}

func snippet(raw []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// --- Streaming ---

// EventKind is the SSE event name.
type EventKind string

const (
	EventProgress   EventKind = "progress"
	EventSuggestion EventKind = "suggestion"
	EventComplete   EventKind = "complete"
	EventError      EventKind = "error"
)

// StreamEvent is one decoded SSE event.
type StreamEvent struct {
	Kind           EventKind
	Phase          string
	Message        string
	HunksTotal     int
	HunksProcessed int
	Index          int
	Total          int
	Suggestion     *Payload
}

type progressData struct {
	Phase          string `json:"phase"`
	Message        string `json:"message"`
	HunksTotal     int    `json:"hunksTotal"`
	HunksProcessed int    `json:"hunksProcessed"`
}

type suggestionData struct {
	Index      int             `json:"index"`
	Total      int             `json:"total"`
	Suggestion json.RawMessage `json:"suggestion"`
}

type completeData struct {
	Summary    string `json:"summary"`
	ModelUsed  string `json:"modelUsed"`
	TokensUsed int    `json:"tokensUsed"`
	Warning    string `json:"warning"`
}

// GenerateStream is Generate over the streaming endpoint. onEvent, when
// non-nil, sees every event as it arrives. The stream must end with a
// complete event; anything else is ErrAnalysisUnavailable.
func (c *Client) GenerateStream(ctx context.Context, req *GenerateRequest, onEvent func(StreamEvent)) (*GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/generate/stream", body, "text/event-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, decodeEnvelope(resp.StatusCode, raw, &struct{}{})
	}

	out := &GenerateResponse{Suggestions: []Payload{}}
	complete := false

	err = readSSE(resp.Body, func(event, data string) error {
		ev := StreamEvent{Kind: EventKind(event)}
		switch ev.Kind {
		case EventProgress:
			var p progressData
			if err := json.Unmarshal([]byte(data), &p); err != nil {
				c.log.Debug("skipping malformed progress event", zap.Error(err))
				return nil
			}
			ev.Phase, ev.Message = p.Phase, p.Message
			ev.HunksTotal, ev.HunksProcessed = p.HunksTotal, p.HunksProcessed

		case EventSuggestion:
			var s suggestionData
			if err := json.Unmarshal([]byte(data), &s); err != nil {
				c.log.Warn("skipping malformed suggestion event", zap.Error(err))
				return nil
			}
			if err := validatePayload(s.Suggestion); err != nil {
				c.log.Warn("skipping invalid suggestion", zap.Error(err))
				return nil
			}
			var p Payload
			if err := json.Unmarshal(s.Suggestion, &p); err != nil {
				c.log.Warn("skipping invalid suggestion", zap.Error(err))
				return nil
			}
			out.Suggestions = append(out.Suggestions, p)
			ev.Index, ev.Total, ev.Suggestion = s.Index, s.Total, &p

		case EventComplete:
			var d completeData
			if err := json.Unmarshal([]byte(data), &d); err != nil {
				return &AnalysisError{Reason: ReasonInvalidResponse, Err: err}
			}
			out.Summary, out.ModelUsed, out.TokensUsed, out.Warning = d.Summary, d.ModelUsed, d.TokensUsed, d.Warning
			complete = true

		case EventError:
			var e errorBody
			if err := json.Unmarshal([]byte(data), &e); err != nil || e.Code == "" {
				e.Code = "UNKNOWN"
			}
			if onEvent != nil {
				onEvent(StreamEvent{Kind: EventError, Message: e.Message})
			}
			return envelopeError(resp.StatusCode, &e)

		default:
			return nil
		}
		if onEvent != nil {
			onEvent(ev)
		}
		return nil
	})
	if err != nil {
		var ae *AnalysisError
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, &AnalysisError{Reason: ReasonNetwork, Err: err}
	}
	if !complete {
		return nil, &AnalysisError{Reason: ReasonNetwork, Message: "stream ended before completion"}
	}
	return out, nil
}

// readSSE splits r into server-sent events and calls fn with each event's
// name and its data lines joined by newlines.
func readSSE(r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var event string
	var data []string
	dispatch := func() error {
		defer func() { event, data = "", nil }()
		if len(data) == 0 {
			return nil
		}
		if event == "" {
			event = "message"
		}
		return fn(event, strings.Join(data, "\n"))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}

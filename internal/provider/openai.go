package provider

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// OpenAIAdapter speaks the chat-completions wire format used by OpenAI
// and compatible gateways (Moonshot, Together, vLLM).
type OpenAIAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   RetryPolicy
	logger  *log.Logger
}

// NewOpenAIAdapter builds an adapter against baseURL, which should end at
// the API root (the adapter appends /chat/completions).
func NewOpenAIAdapter(baseURL, apiKey string, client *http.Client, retry RetryPolicy) *OpenAIAdapter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &OpenAIAdapter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		retry:   retry,
		logger:  log.New(log.Writer(), "[OPENAI-COMPAT] ", log.LstdFlags),
	}
}

func (a *OpenAIAdapter) Type() string { return TypeOpenAICompatible }

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIBody struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// buildBody maps the canonical request onto the chat-completions shape.
// Assistant turns that carry only tool calls omit the content field
// entirely; every other role gets at least an empty string.
func (a *OpenAIAdapter) buildBody(req Request, stream bool) *openAIBody {
	body := &openAIBody{
		Model:       req.Model,
		Temperature: req.Options.Temperature,
		TopP:        req.Options.TopP,
		MaxTokens:   req.Options.MaxTokens,
		Stop:        req.Options.Stop,
		Stream:      stream,
	}

	for _, m := range req.Messages {
		out := openAIMessage{
			Role:       m.Role,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		switch {
		case m.Content != "":
			content := m.Content
			out.Content = &content
		case m.Role == RoleAssistant:
			// Tool-call turn, content stays omitted.
		default:
			empty := ""
			out.Content = &empty
		}
		for _, tc := range m.ToolCalls {
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			out.ToolCalls = append(out.ToolCalls, call)
		}
		body.Messages = append(body.Messages, out)
	}

	for _, t := range req.Tools {
		tool := openAITool{Type: "function"}
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, tool)
	}
	if len(body.Tools) > 0 && req.Options.ToolChoice != "" {
		body.ToolChoice = req.Options.ToolChoice
	}

	return body
}

func (a *OpenAIAdapter) post(ctx context.Context, body *openAIBody, trace string) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}

	return a.retry.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
		if trace != "" {
			httpReq.Header.Set("X-Request-ID", trace)
		}
		return a.client.Do(httpReq)
	})
}

// ---------------------------------------------------------------------------
// Response normalization
// ---------------------------------------------------------------------------

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content          string            `json:"content"`
			ReasoningContent string            `json:"reasoning_content"`
			ToolCalls        []json.RawMessage `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		ReasoningTokens  int `json:"reasoning_tokens"`
	} `json:"usage"`
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Result, error) {
	body := a.buildBody(req, false)

	start := time.Now()
	resp, err := a.post(ctx, body, req.TraceID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return a.normalize(raw, req.TraceID, time.Since(start)), nil
}

// normalize maps a provider response onto the canonical result,
// defaulting missing usage to zero and skipping malformed tool calls.
func (a *OpenAIAdapter) normalize(raw openAIResponse, trace string, latency time.Duration) *Result {
	result := &Result{
		Model:             raw.Model,
		ProviderRequestID: raw.ID,
		Latency:           latency,
		TraceID:           trace,
		Usage: Usage{
			PromptTokens:     raw.Usage.PromptTokens,
			CompletionTokens: raw.Usage.CompletionTokens,
			ReasoningTokens:  raw.Usage.ReasoningTokens,
		},
	}
	if len(raw.Choices) == 0 {
		return result
	}

	msg := raw.Choices[0].Message
	result.Content = msg.Content
	if thinking := strings.TrimSpace(msg.ReasoningContent); thinking != "" {
		result.Thinking = msg.ReasoningContent
	}

	for _, rawCall := range msg.ToolCalls {
		var call openAIToolCall
		if err := json.Unmarshal(rawCall, &call); err != nil {
			a.logger.Printf("skipping malformed tool_call: %v", err)
			continue
		}
		if call.Function.Name == "" {
			a.logger.Printf("skipping tool_call with missing function name")
			continue
		}
		id := call.ID
		if id == "" {
			sum := md5.Sum(rawCall)
			id = "call_" + hex.EncodeToString(sum[:])[:8]
		}
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        id,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return result
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// Stream opens a chat-completions SSE stream. Text deltas become text
// chunks; the "[DONE]" terminator becomes the done chunk.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	body := a.buildBody(req, true)

	resp, err := a.post(ctx, body, req.TraceID)
	if err != nil {
		return nil, err
	}
	return &openAIStream{
		body:    resp.Body,
		decoder: NewSSEDecoder(resp.Body),
		logger:  a.logger,
	}, nil
}

type openAIStream struct {
	body    io.ReadCloser
	decoder *SSEDecoder
	logger  *log.Logger

	model  string
	usage  Usage
	done   bool
	closed bool
}

type openAIStreamEvent struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (s *openAIStream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for {
		ev, err := s.decoder.Next()
		if err == io.EOF {
			s.done = true
			return Chunk{Type: ChunkDone, Usage: &s.usage, Model: s.model}, nil
		}
		if err != nil {
			return Chunk{}, err
		}

		if strings.TrimSpace(ev.Data) == "[DONE]" {
			s.done = true
			return Chunk{Type: ChunkDone, Usage: &s.usage, Model: s.model}, nil
		}

		var parsed openAIStreamEvent
		if jerr := json.Unmarshal([]byte(ev.Data), &parsed); jerr != nil {
			s.logger.Printf("skipping undecodable stream event: %v", jerr)
			continue
		}
		if parsed.Model != "" {
			s.model = parsed.Model
		}
		if parsed.Usage != nil {
			s.usage.PromptTokens = parsed.Usage.PromptTokens
			s.usage.CompletionTokens = parsed.Usage.CompletionTokens
		}
		if len(parsed.Choices) > 0 && parsed.Choices[0].Delta.Content != "" {
			return Chunk{Type: ChunkText, Text: parsed.Choices[0].Delta.Content, Model: s.model}, nil
		}
	}
}

func (s *openAIStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.done = true
	return s.body.Close()
}

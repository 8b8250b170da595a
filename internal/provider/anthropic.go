package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// defaultMaxTokens is used when the caller sets no output ceiling; the
// messages API requires one.
const defaultMaxTokens = 4096

// AnthropicAdapter speaks the Anthropic messages API.
type AnthropicAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   RetryPolicy
	logger  *log.Logger
}

// NewAnthropicAdapter builds an adapter against baseURL.
func NewAnthropicAdapter(baseURL, apiKey string, client *http.Client, retry RetryPolicy) *AnthropicAdapter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &AnthropicAdapter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		retry:   retry,
		logger:  log.New(log.Writer(), "[ANTHROPIC] ", log.LstdFlags),
	}
}

func (a *AnthropicAdapter) Type() string { return TypeAnthropic }

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicBody struct {
	Model         string                 `json:"model"`
	System        string                 `json:"system,omitempty"`
	Messages      []anthropicMessage     `json:"messages"`
	MaxTokens     int                    `json:"max_tokens"`
	Temperature   *float64               `json:"temperature,omitempty"`
	TopP          *float64               `json:"top_p,omitempty"`
	StopSequences []string               `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool        `json:"tools,omitempty"`
	ToolChoice    map[string]interface{} `json:"tool_choice,omitempty"`
	Stream        bool                   `json:"stream,omitempty"`
}

// buildBody translates a canonical request to the messages API shape.
// System messages concatenate into the top-level system parameter,
// assistant tool calls become tool_use blocks, and tool-role results
// become user-role tool_result blocks with consecutive results merged
// into one user message.
func (a *AnthropicAdapter) buildBody(req Request, stream bool) (*anthropicBody, error) {
	body := &anthropicBody{
		Model:         req.Model,
		MaxTokens:     req.Options.MaxTokens,
		Temperature:   req.Options.Temperature,
		TopP:          req.Options.TopP,
		StopSequences: req.Options.Stop,
		Stream:        stream,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)

		case RoleAssistant:
			msg := anthropicMessage{Role: "assistant"}
			if m.Content != "" {
				msg.Content = append(msg.Content, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				msg.Content = append(msg.Content, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(msg.Content) == 0 {
				continue
			}
			body.Messages = append(body.Messages, msg)

		case RoleTool:
			block := anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}
			// Merge with a preceding tool-result user message.
			if n := len(body.Messages); n > 0 &&
				body.Messages[n-1].Role == "user" &&
				len(body.Messages[n-1].Content) > 0 &&
				body.Messages[n-1].Content[0].Type == "tool_result" {
				body.Messages[n-1].Content = append(body.Messages[n-1].Content, block)
				continue
			}
			body.Messages = append(body.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{block},
			})

		default:
			body.Messages = append(body.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	body.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	switch req.Options.ToolChoice {
	case ToolChoiceAuto:
		body.ToolChoice = map[string]interface{}{"type": "auto"}
	case ToolChoiceRequired:
		body.ToolChoice = map[string]interface{}{"type": "any"}
	case ToolChoiceNone, "":
		// Omitted.
	default:
		return nil, fmt.Errorf("anthropic: unknown tool_choice %q", req.Options.ToolChoice)
	}

	return body, nil
}

func (a *AnthropicAdapter) post(ctx context.Context, body *anthropicBody, trace string) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}

	return a.retry.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", a.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		if trace != "" {
			httpReq.Header.Set("X-Request-ID", trace)
		}
		return a.client.Do(httpReq)
	})
}

// ---------------------------------------------------------------------------
// Non-streaming completion
// ---------------------------------------------------------------------------

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Result, error) {
	body, err := a.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.post(ctx, body, req.TraceID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	result := &Result{
		Model:             raw.Model,
		ProviderRequestID: raw.ID,
		Latency:           time.Since(start),
		TraceID:           req.TraceID,
		Usage: Usage{
			PromptTokens:     raw.Usage.InputTokens,
			CompletionTokens: raw.Usage.OutputTokens,
		},
	}

	var text []string
	for _, block := range raw.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	result.Content = strings.Join(text, "")
	return result, nil
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// Stream opens an SSE stream and yields one typed chunk per event.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	body, err := a.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := a.post(ctx, body, req.TraceID)
	if err != nil {
		return nil, err
	}

	return &anthropicStream{
		body:    resp.Body,
		decoder: NewSSEDecoder(resp.Body),
		logger:  a.logger,
	}, nil
}

type anthropicStream struct {
	body    io.ReadCloser
	decoder *SSEDecoder
	logger  *log.Logger

	model string
	usage Usage

	// tool accumulation for the open content block
	toolOpen bool
	toolID   string
	toolName string
	toolJSON strings.Builder

	done   bool
	closed bool
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *anthropicStream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for {
		ev, err := s.decoder.Next()
		if err == io.EOF {
			// Stream ended without message_stop; surface what we have.
			s.done = true
			return Chunk{Type: ChunkDone, Usage: &s.usage, Model: s.model}, nil
		}
		if err != nil {
			return Chunk{}, err
		}

		var parsed anthropicStreamEvent
		if jerr := json.Unmarshal([]byte(ev.Data), &parsed); jerr != nil {
			s.logger.Printf("skipping undecodable %s event: %v", ev.Type, jerr)
			continue
		}

		switch ev.Type {
		case "message_start":
			s.model = parsed.Message.Model
			s.usage.PromptTokens = parsed.Message.Usage.InputTokens

		case "content_block_start":
			if parsed.ContentBlock.Type == "tool_use" {
				s.toolOpen = true
				s.toolID = parsed.ContentBlock.ID
				s.toolName = parsed.ContentBlock.Name
				s.toolJSON.Reset()
			}

		case "content_block_delta":
			switch parsed.Delta.Type {
			case "text_delta":
				return Chunk{Type: ChunkText, Text: parsed.Delta.Text, Model: s.model}, nil
			case "input_json_delta":
				s.toolJSON.WriteString(parsed.Delta.PartialJSON)
			}

		case "content_block_stop":
			if s.toolOpen {
				s.toolOpen = false
				args := s.toolJSON.String()
				if args == "" {
					args = "{}"
				}
				return Chunk{
					Type:     ChunkToolCall,
					ToolCall: &ToolCall{ID: s.toolID, Name: s.toolName, Arguments: args},
					Model:    s.model,
				}, nil
			}

		case "message_delta":
			s.usage.CompletionTokens = parsed.Usage.OutputTokens

		case "message_stop":
			s.done = true
			return Chunk{Type: ChunkDone, Usage: &s.usage, Model: s.model}, nil

		case "error":
			s.done = true
			return Chunk{}, fmt.Errorf("anthropic stream error (%s): %s", parsed.Error.Type, parsed.Error.Message)
		}
		// ping and unknown event types fall through to the next event.
	}
}

func (s *anthropicStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.done = true
	return s.body.Close()
}

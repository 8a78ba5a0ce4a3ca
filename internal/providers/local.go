package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LocalProvider implements Provider for Ollama-style local inference servers.
// No API key; tool calls arrive as structured message fields on servers that
// support them.
type LocalProvider struct {
	name         string
	baseURL      string
	defaultModel string
	embedModel   string
	client       *http.Client
	healthClient *http.Client
}

func NewLocalProvider(name, baseURL, defaultModel string) *LocalProvider {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	return &LocalProvider{
		name:         name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 300 * time.Second},
		healthClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// WithEmbeddingsModel sets the model used by Embed.
func (p *LocalProvider) WithEmbeddingsModel(model string) *LocalProvider {
	p.embedModel = model
	return p
}

func (p *LocalProvider) Name() string         { return p.name }
func (p *LocalProvider) Kind() string         { return KindLocal }
func (p *LocalProvider) DefaultModel() string { return p.defaultModel }
func (p *LocalProvider) BaseURL() string      { return p.baseURL }

func (p *LocalProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	if ms := OptInt(req.Options, OptTimeoutMs, 0); ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	msgs := make([]map[string]interface{}, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]interface{}{
			"role":    m.Role,
			"content": m.Content,
		}
		if len(m.Images) > 0 {
			imgs := make([]string, len(m.Images))
			for i, img := range m.Images {
				imgs[i] = img.Data
			}
			msg["images"] = imgs
		}
		msgs = append(msgs, msg)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
		"stream":   false,
		"options": map[string]interface{}{
			"temperature": OptFloat(req.Options, OptTemperature, 0.7),
		},
	}
	if v, ok := req.Options[OptMaxTokens]; ok {
		body["options"].(map[string]interface{})["num_predict"] = v
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}

	respBody, err := p.post(ctx, p.client, "/api/chat", body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var resp struct {
		Model   string `json:"model"`
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string                 `json:"name"`
					Arguments map[string]interface{} `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		Done            bool `json:"done"`
		PromptEvalCount int  `json:"prompt_eval_count"`
		EvalCount       int  `json:"eval_count"`
	}
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}

	result := &ChatResponse{
		Content:      resp.Message.Content,
		FinishReason: "stop",
		Model:        model,
		Usage: &Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
	if resp.Model != "" {
		result.Model = resp.Model
	}
	for i, tc := range resp.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        fmt.Sprintf("call_%d", i+1),
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: tc.Function.Arguments,
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result, nil
}

// Embed issues one POST /api/embeddings per text; the endpoint takes a
// single prompt at a time.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	model := p.embedModel
	if model == "" {
		model = p.defaultModel
	}

	out := make([][]float32, 0, len(texts))
	for i, text := range texts {
		respBody, err := p.post(ctx, p.client, "/api/embeddings", map[string]interface{}{
			"model":  model,
			"prompt": text,
		})
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}

		var resp struct {
			Embedding []float32 `json:"embedding"`
		}
		decErr := json.NewDecoder(respBody).Decode(&resp)
		respBody.Close()
		if decErr != nil {
			return nil, fmt.Errorf("%s: decode embedding %d: %w", p.name, i, decErr)
		}
		out = append(out, resp.Embedding)
	}
	return out, nil
}

// Health probes GET /api/tags with a 5 s budget.
func (p *LocalProvider) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", p.name, err)
	}
	resp, err := p.healthClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: health: %w", p.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Status: resp.StatusCode, Body: p.name + ": health probe"}
	}
	return nil
}

func (p *LocalProvider) post(ctx context.Context, client *http.Client, path string, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status: resp.StatusCode,
			Body:   fmt.Sprintf("%s: %s", p.name, string(respBody)),
		}
	}
	return resp.Body, nil
}

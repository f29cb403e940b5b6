package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/inquest-ai/inquest/config"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client implements the model-query capability against any OpenAI-compatible
// chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	models     map[string]config.LLMModel
	httpClient *http.Client
}

// NewClient creates a new client. models maps model keys to their endpoint
// names, sampling defaults, and pricing.
func NewClient(apiKey, baseURL string, models map[string]config.LLMModel, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		models:     models,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TopLogProb is one candidate first-completion token with its log probability.
type TopLogProb struct {
	Token   string
	LogProb float64
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	LogProbs    bool      `json:"logprobs,omitempty"`
	TopLogProbs int       `json:"top_logprobs,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		LogProbs *struct {
			Content []struct {
				Token       string  `json:"token"`
				LogProb     float64 `json:"logprob"`
				TopLogProbs []struct {
					Token   string  `json:"token"`
					LogProb float64 `json:"logprob"`
				} `json:"top_logprobs"`
			} `json:"content"`
		} `json:"logprobs"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate runs a chat completion and returns text plus token usage.
func (c *Client) Generate(ctx context.Context, messages []Message, model string) (string, int64, int64, error) {
	m, ok := c.models[model]
	if !ok {
		return "", 0, 0, fmt.Errorf("model %s not configured", model)
	}
	temperature := m.Temperature
	if temperature == 0 {
		temperature = 1.0
	}

	resp, err := c.send(ctx, chatRequest{
		Model:       apiName(m),
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   m.MaxTokens,
	})
	if err != nil {
		return "", 0, 0, err
	}
	if len(resp.Choices) == 0 {
		return "", resp.Usage.PromptTokens, resp.Usage.CompletionTokens, fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil
}

// TopLogProbs asks for a single completion token and returns the top-20
// candidates for it. Empty when the endpoint does not supply logprobs.
func (c *Client) TopLogProbs(ctx context.Context, messages []Message, model string) ([]TopLogProb, int64, int64, error) {
	m, ok := c.models[model]
	if !ok {
		return nil, 0, 0, fmt.Errorf("model %s not configured", model)
	}

	resp, err := c.send(ctx, chatRequest{
		Model:       apiName(m),
		Messages:    messages,
		Temperature: 1.0,
		MaxTokens:   1,
		LogProbs:    true,
		TopLogProbs: 20,
	})
	if err != nil {
		return nil, 0, 0, err
	}
	inTok, outTok := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if len(resp.Choices) == 0 {
		return nil, inTok, outTok, fmt.Errorf("no choices in response")
	}

	lp := resp.Choices[0].LogProbs
	if lp == nil || len(lp.Content) == 0 {
		return nil, inTok, outTok, nil
	}
	out := make([]TopLogProb, 0, len(lp.Content[0].TopLogProbs))
	for _, cand := range lp.Content[0].TopLogProbs {
		out = append(out, TopLogProb{Token: cand.Token, LogProb: cand.LogProb})
	}
	return out, inTok, outTok, nil
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CreateEmbedding generates embeddings for the given texts.
func (c *Client) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	embModel := "text-embedding-3-small"
	if m, ok := c.models["embedding"]; ok {
		embModel = apiName(m)
	}

	body, err := json.Marshal(map[string]interface{}{
		"model": embModel,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings API returned status %d", resp.StatusCode)
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("embeddings API error: %s", out.Error.Message)
	}

	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// CalculateCost calculates the cost for a given number of tokens.
func (c *Client) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	m, ok := c.models[model]
	if !ok {
		return 0.0
	}
	return float64(inputTokens)/1000.0*m.CostPer1K + float64(outputTokens)/1000.0*m.CostPer1KOutput
}

func (c *Client) send(ctx context.Context, payload chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("chat API error: %s", out.Error.Message)
	}
	return &out, nil
}

func apiName(m config.LLMModel) string {
	if m.APIName != "" {
		return m.APIName
	}
	return m.Name
}

package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "qwen3:0.6b"
)

var ErrBackendDisabled = errors.New("oracle backend disabled")

// Ollama talks to a local Ollama server's /api/generate endpoint and asks
// for structured output via the format field.
type Ollama struct {
	BaseURL string
	Model   string
	HTTP    *http.Client
}

func NewOllama(baseURL, model string) *Ollama {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOllamaURL
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultOllamaModel
	}
	return &Ollama{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		HTTP:    &http.Client{},
	}
}

func (o *Ollama) Name() string { return "ollama:" + o.Model }

type generateRequest struct {
	Model  string         `json:"model"`
	Prompt string         `json:"prompt"`
	Stream bool           `json:"stream"`
	Format map[string]any `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (o *Ollama) Generate(ctx context.Context, prompt string, schema map[string]any) (string, error) {
	raw, err := json.Marshal(generateRequest{Model: o.Model, Prompt: prompt, Format: schema})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/api/generate", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama envelope: %w", err)
	}
	return out.Response, nil
}

// Ping checks the server answers on its root URL.
func (o *Ollama) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL, nil)
	if err != nil {
		return err
	}
	resp, err := o.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not available at %s: %w", o.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama not available at %s: status %d", o.BaseURL, resp.StatusCode)
	}
	return nil
}

// Disabled always fails, so every decision comes from the fallback.
type Disabled struct{}

func (Disabled) Name() string { return "none" }

func (Disabled) Generate(context.Context, string, map[string]any) (string, error) {
	return "", ErrBackendDisabled
}

// NewBackend builds the Reasoner named by kind ("ollama" or "none").
func NewBackend(kind, baseURL, model string) (Reasoner, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "ollama":
		return NewOllama(baseURL, model), nil
	case "none", "off", "fallback":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown oracle backend %q", kind)
	}
}

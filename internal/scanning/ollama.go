package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama implements the Scanner interface using Ollama
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama Scanner instance
// Vision models that read text well: llava:1.6, qwen2-vl:7b, llava:latest
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client: &http.Client{
			Timeout: 120 * time.Second, // vision models are slow on CPU
		},
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int32   `json:"num_predict"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ExtractText sends the image with the fixed instruction and returns the reply
func (o *Ollama) ExtractText(ctx context.Context, req Request) (string, error) {
	data, err := base64.StdEncoding.DecodeString(req.Base64)
	if err != nil {
		return "", fmt.Errorf("decoding image payload: %w", err)
	}

	// Ollama cannot read HEIC, so convert it first
	finalImageData, _, converted, err := prepareImageData(data, req.MimeType)
	if err != nil {
		return "", err
	}
	imageBase64 := req.Base64
	if converted {
		imageBase64 = base64.StdEncoding.EncodeToString(finalImageData)
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "user",
				Content: extractTextPrompt,
				Images:  []string{imageBase64},
			},
		},
		Options: ollamaOptions{Temperature: Temperature, NumPredict: MaxOutputTokens},
	}

	chatResp, err := o.chat(ctx, reqBody)
	if err != nil {
		return "", err
	}

	text := chatResp.Message.Content
	if strings.TrimSpace(text) == "" {
		return NoTextExtracted, nil
	}
	return text, nil
}

// GeneratePrompt asks the model for a JSON image-generation prompt
func (o *Ollama) GeneratePrompt(ctx context.Context, text string) (*ArtPrompt, error) {
	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: "json",
		Messages: []ollamaMessage{
			{Role: "user", Content: artPromptRequest(text)},
		},
		Options: ollamaOptions{Temperature: 0.7, NumPredict: MaxOutputTokens},
	}

	chatResp, err := o.chat(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	prompt, err := parseArtPrompt(chatResp.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing prompt response: %w", err)
	}
	return prompt, nil
}

func (o *Ollama) chat(ctx context.Context, body ollamaChatRequest) (*ollamaChatResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &ServiceError{Message: genericFailure, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		var apiErr ollamaErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return nil, &ServiceError{Message: apiErr.Error}
		}
		return nil, &ServiceError{Message: genericFailure, Err: fmt.Errorf("ollama API status %d", resp.StatusCode)}
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &chatResp, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}

// OllamaProvider serves a single configured model; Ollama needs no credential
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaProvider creates a provider for an Ollama server
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llava"
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) RequiresCredential() bool { return false }

func (p *OllamaProvider) DefaultModel() string { return p.model }

// Models lists locally pulled models
func (p *OllamaProvider) Models(ctx context.Context, _ string) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error (status %d)", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{
			Name:                       m.Name,
			DisplayName:                m.Name,
			SupportedGenerationMethods: []string{"chat"},
		})
	}
	return models, nil
}

// Scanner creates an Ollama scanner; the key is ignored
func (p *OllamaProvider) Scanner(_ context.Context, _ string, model string) (Scanner, error) {
	if model == "" {
		model = p.model
	}
	return NewOllama(p.baseURL, model)
}

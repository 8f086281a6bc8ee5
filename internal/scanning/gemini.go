package scanning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used whenever model selection cannot pick one
const DefaultGeminiModel = "models/gemini-1.5-flash"

// Gemini implements the Scanner interface using Google Gemini
type Gemini struct {
	client      *genai.Client
	model       *genai.GenerativeModel
	promptModel *genai.GenerativeModel
	name        string
}

// NewGemini creates a new Gemini Scanner instance
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	return NewGeminiWithOptions(ctx, apiKey, modelName)
}

// NewGeminiWithOptions creates a Gemini Scanner with extra client options, such as a test endpoint
func NewGeminiWithOptions(ctx context.Context, apiKey string, modelName string, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(Temperature)
	model.SetMaxOutputTokens(MaxOutputTokens)

	return &Gemini{
		client:      client,
		model:       model,
		promptModel: newPromptModel(client, modelName),
		name:        modelName,
	}, nil
}

// newPromptModel uses the service's default generation settings; only the
// extraction request is pinned to a low temperature and a short answer.
func newPromptModel(client *genai.Client, modelName string) *genai.GenerativeModel {
	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(jsonOnlyInstruction)}}
	return model
}

// ExtractText sends the image with the fixed instruction and returns the first text part
func (g *Gemini) ExtractText(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	data, err := base64.StdEncoding.DecodeString(req.Base64)
	if err != nil {
		return "", fmt.Errorf("decoding image payload: %w", err)
	}

	resp, err := g.model.GenerateContent(ctx,
		genai.Text(extractTextPrompt),
		genai.Blob{MIMEType: req.MimeType, Data: data},
	)
	if err != nil {
		return "", geminiError(err)
	}

	return firstText(resp), nil
}

// GeneratePrompt asks the model for a JSON image-generation prompt
func (g *Gemini) GeneratePrompt(ctx context.Context, text string) (*ArtPrompt, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := g.promptModel.GenerateContent(ctx, genai.Text(artPromptRequest(text)))
	if err != nil {
		return nil, geminiError(err)
	}

	var out strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				out.WriteString(string(t))
			}
		}
	}
	if out.Len() == 0 {
		return nil, &ServiceError{Message: "no response from gemini"}
	}

	prompt, err := parseArtPrompt(out.String())
	if err != nil {
		return nil, fmt.Errorf("parsing prompt response: %w", err)
	}
	return prompt, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

// firstText returns the first candidate's first text part
func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return NoTextExtracted
	}
	content := resp.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 {
		return NoTextExtracted
	}
	text, ok := content.Parts[0].(genai.Text)
	if !ok || text == "" {
		return NoTextExtracted
	}
	return string(text)
}

// geminiError keeps the API's own message when there is one
func geminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return &ServiceError{Message: apiErr.Message, Err: err}
	}
	msg := err.Error()
	if msg == "" {
		msg = genericFailure
	}
	return &ServiceError{Message: msg}
}

// GeminiProvider builds Gemini scanners per credential
type GeminiProvider struct {
	defaultModel string
}

// NewGeminiProvider creates a provider; an empty model falls back to DefaultGeminiModel
func NewGeminiProvider(defaultModel string) *GeminiProvider {
	if defaultModel == "" {
		defaultModel = DefaultGeminiModel
	}
	return &GeminiProvider{defaultModel: defaultModel}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) RequiresCredential() bool { return true }

func (p *GeminiProvider) DefaultModel() string { return p.defaultModel }

// Models lists the models visible to apiKey
func (p *GeminiProvider) Models(ctx context.Context, apiKey string) ([]ModelInfo, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	defer client.Close()

	var models []ModelInfo
	it := client.ListModels(ctx)
	for {
		m, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing models: %w", err)
		}
		models = append(models, ModelInfo{
			Name:                       m.Name,
			DisplayName:                m.DisplayName,
			SupportedGenerationMethods: m.SupportedGenerationMethods,
		})
	}
	return models, nil
}

// Scanner creates a Gemini scanner for the given key and model
func (p *GeminiProvider) Scanner(ctx context.Context, apiKey, model string) (Scanner, error) {
	if model == "" {
		model = p.defaultModel
	}
	return NewGemini(ctx, apiKey, model)
}

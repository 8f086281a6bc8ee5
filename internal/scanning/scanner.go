package scanning

import (
	"context"
	"fmt"
)

// Request is a single text-recognition call
type Request struct {
	Base64   string // base64-encoded image bytes
	MimeType string
}

// ArtPrompt is the image-generation prompt derived from extracted text
type ArtPrompt struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Tags        []string `json:"tags"`
}

// ModelInfo describes a model returned by a capability listing
type ModelInfo struct {
	Name                       string
	DisplayName                string
	SupportedGenerationMethods []string
}

// Scanner defines the interface for text-recognition operations
type Scanner interface {
	// ExtractText returns the text found in an image
	ExtractText(ctx context.Context, req Request) (string, error)
	// GeneratePrompt turns extracted text into an image-generation prompt
	GeneratePrompt(ctx context.Context, text string) (*ArtPrompt, error)
	// Close closes the scanner and releases resources
	Close() error
}

// Provider builds scanners for a credential and lists the models it can use
type Provider interface {
	// Name identifies the backend ("gemini", "ollama")
	Name() string
	// RequiresCredential reports whether a session must supply an API key
	RequiresCredential() bool
	// DefaultModel is used when model selection fails or has not run
	DefaultModel() string
	// Models lists the models available to apiKey
	Models(ctx context.Context, apiKey string) ([]ModelInfo, error)
	// Scanner creates a scanner bound to apiKey and model
	Scanner(ctx context.Context, apiKey, model string) (Scanner, error)
}

// ServiceError is a failure reported by the remote service. Message is the
// service's own human-readable text when it provided one.
type ServiceError struct {
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Request is one generation call.
type Request struct {
	Model             string
	SystemInstruction string
	Prompt            string
	// JSONResponse asks the endpoint for application/json output.
	JSONResponse bool
}

// Provider returns the raw text of a single model completion.
type Provider interface {
	GenerateContent(ctx context.Context, req Request) (string, error)
}

// GoogleProvider talks to the Gemini API.
type GoogleProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGoogleProvider builds a provider for Gemini.
func NewGoogleProvider(apiKey, baseURL string, timeout time.Duration) *GoogleProvider {
	if baseURL == "" {
		baseURL = googleBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GoogleProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GenerateContent runs a generateContent request and joins the text parts of
// the first candidate. A response without candidates yields empty text.
func (p *GoogleProvider) GenerateContent(ctx context.Context, req Request) (string, error) {
	payload := googleRequest{
		Contents: []googleContent{{
			Role:  "user",
			Parts: []googlePart{{Text: req.Prompt}},
		}},
	}
	if req.SystemInstruction != "" {
		payload.SystemInstruction = &googleContent{Parts: []googlePart{{Text: req.SystemInstruction}}}
	}
	if req.JSONResponse {
		payload.GenerationConfig = &googleGenerationConfig{ResponseMimeType: "application/json"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, url.PathEscape(req.Model), url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(snippet))}
	}

	var genResp googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode google response: %w", err)
	}
	return genResp.text(), nil
}

// StatusError is a non-200 answer from the model endpoint.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("google request failed: %s", e.Status)
	}
	return fmt.Sprintf("google request failed: %s: %s", e.Status, e.Body)
}

// Temporary reports whether retrying later may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type googleRequest struct {
	Contents          []googleContent         `json:"contents"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleGenerationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
}

func (g googleResponse) text() string {
	if len(g.Candidates) == 0 {
		return ""
	}
	var parts []string
	for _, part := range g.Candidates[0].Content.Parts {
		parts = append(parts, part.Text)
	}
	return strings.Join(parts, "")
}

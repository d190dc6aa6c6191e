package synthesize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/voxhall/switchboard/pkg/core"
)

// HTTPProvider synthesizes speech against a text-to-speech HTTP service
// that streams raw PCM16 in the response body.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTP creates a synthesis provider for the given endpoint.
func NewHTTP(baseURL, apiKey, model string) *HTTPProvider {
	return NewHTTPWithClient(baseURL, apiKey, model, &http.Client{})
}

// NewHTTPWithClient creates a synthesis provider with a custom HTTP client.
func NewHTTPWithClient(baseURL, apiKey, model string, client *http.Client) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: client,
	}
}

// Name returns the provider identifier.
func (p *HTTPProvider) Name() string {
	return "synthesize-http"
}

type synthesizeRequest struct {
	Text       string `json:"text"`
	Model      string `json:"model,omitempty"`
	Language   string `json:"language,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Synthesize requests audio for text and returns the streaming body. The
// stream is tied to ctx: cancelling it aborts the download mid-playback.
func (p *HTTPProvider) Synthesize(ctx context.Context, text string, opts Options) (io.ReadCloser, error) {
	payload, err := json.Marshal(synthesizeRequest{
		Text:       text,
		Model:      p.model,
		Language:   opts.Language,
		Voice:      opts.VoiceProfile,
		Encoding:   "pcm_s16le",
		SampleRate: opts.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if de := core.Classify("synthesis", err); de != nil {
			return nil, de
		}
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, core.NewUnavailableError("synthesis", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}
	return resp.Body, nil
}

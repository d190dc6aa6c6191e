package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/voxhall/switchboard/pkg/core"
)

// HTTPProvider transcribes audio against a speech-recognition HTTP service
// that accepts multipart uploads and returns JSON.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTP creates a recognition provider for the given endpoint.
func NewHTTP(baseURL, apiKey, model string) *HTTPProvider {
	return NewHTTPWithClient(baseURL, apiKey, model, &http.Client{})
}

// NewHTTPWithClient creates a recognition provider with a custom HTTP
// client, mainly for tests.
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
	return "recognize-http"
}

type transcribeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

// Transcribe uploads one PCM16 segment and returns the finalized result.
func (p *HTTPProvider) Transcribe(ctx context.Context, pcm []byte, opts Options) (*Result, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "audio.pcm")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(pcm); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return nil, fmt.Errorf("write model field: %w", err)
		}
	}
	if opts.LanguageHint != "" {
		if err := mw.WriteField("language", opts.LanguageHint); err != nil {
			return nil, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	reqURL := p.baseURL + "/v1/transcribe"
	if opts.SampleRate > 0 {
		u, err := url.Parse(reqURL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		q.Set("encoding", "pcm_s16le")
		q.Set("sample_rate", fmt.Sprintf("%d", opts.SampleRate))
		u.RawQuery = q.Encode()
		reqURL = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if de := core.Classify("recognition", err); de != nil {
			return nil, de
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, core.NewRateLimitedError("recognition", fmt.Errorf("status %d", resp.StatusCode))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, core.NewUnavailableError("recognition", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	var tr transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, core.NewUnavailableError("recognition", fmt.Errorf("decode response: %w", err))
	}
	return &Result{
		Text:       tr.Text,
		Confidence: tr.Confidence,
		Language:   tr.Language,
	}, nil
}

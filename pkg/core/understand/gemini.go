package understand

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/voxhall/switchboard/pkg/core"
)

const systemPrompt = `You are the voice of a telephone helpline. Answer the
caller's latest utterance in one or two short spoken sentences, suitable for
text-to-speech. Stay within the helpline's subject area. Reply with JSON
matching the response schema: response_text, intent, entities, sentiment
(-1.0 hostile to 1.0 positive), escalate (true only if the caller asks for a
human), out_of_domain (true if the request is outside the subject area).`

// GeminiProvider implements Provider against the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini understanding provider.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

type geminiResult struct {
	ResponseText string            `json:"response_text"`
	Intent       string            `json:"intent"`
	Entities     map[string]string `json:"entities"`
	Sentiment    float64           `json:"sentiment"`
	Escalate     bool              `json:"escalate"`
	OutOfDomain  bool              `json:"out_of_domain"`
}

var responseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"response_text": {Type: genai.TypeString},
		"intent":        {Type: genai.TypeString},
		"entities": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{},
		},
		"sentiment":     {Type: genai.TypeNumber},
		"escalate":      {Type: genai.TypeBoolean},
		"out_of_domain": {Type: genai.TypeBoolean},
	},
	Required: []string{"response_text", "intent", "sentiment", "escalate", "out_of_domain"},
}

// Process sends the utterance plus conversation history to Gemini and
// parses the structured reply.
func (p *GeminiProvider) Process(ctx context.Context, text string, sc SessionContext) (*Result, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Language: %s\nAuthenticated: %t\nTurn: %d\n", sc.Language, sc.Authenticated, sc.TurnCount)
	for _, ex := range sc.History {
		fmt.Fprintf(&sb, "Caller: %s\nSystem: %s\n", ex.Caller, ex.System)
	}
	fmt.Fprintf(&sb, "Caller: %s", text)

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(sb.String()), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    responseSchema,
		Temperature:       genai.Ptr[float32](0.3),
	})
	if err != nil {
		if de := core.Classify("understanding", err); de != nil {
			return nil, de
		}
		return nil, err
	}

	raw := resp.Text()
	if raw == "" {
		return nil, core.NewUnavailableError("understanding", fmt.Errorf("empty model response"))
	}
	var gr geminiResult
	if err := json.Unmarshal([]byte(raw), &gr); err != nil {
		return nil, core.NewUnavailableError("understanding", fmt.Errorf("decode model response: %w", err))
	}
	return &Result{
		ResponseText: gr.ResponseText,
		Intent:       gr.Intent,
		Entities:     gr.Entities,
		Sentiment:    gr.Sentiment,
		Escalate:     gr.Escalate,
		OutOfDomain:  gr.OutOfDomain,
	}, nil
}

// Package openai provides a planner backed by the OpenAI chat completions
// API. The model is asked for a single JSON object describing the action.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/vocalis/internal/planner"
)

const systemPrompt = `You turn a developer's spoken request into one JSON object:
{"kind": "answer"|"run"|"select_files"|"exit", "command": string, "files": [string],
 "reply": string, "confidence": number between 0 and 1, "requires_confirmation": bool}.
"reply" is spoken aloud, keep it short. Set requires_confirmation for commands
that modify files or state. Reply with the JSON object only.`

// Planner implements planner.Planner using the OpenAI API.
type Planner struct {
	client      oai.Client
	model       string
	temperature float64
}

var _ planner.Planner = (*Planner)(nil)

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	temperature  float64
}

// Option is a functional option for Planner.
type Option func(*config)

// WithBaseURL overrides the API base URL, e.g. for an OpenAI-compatible
// local server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithTemperature sets the sampling temperature. Default 0.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// New constructs a Planner.
func New(apiKey, model string, opts ...Option) (*Planner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Planner{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		temperature: cfg.temperature,
	}, nil
}

// Plan implements planner.Planner.
func (p *Planner) Plan(ctx context.Context, req planner.Request) (planner.Action, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return planner.Action{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return planner.Action{}, fmt.Errorf("openai: empty choices in response")
	}
	return planner.ParseAction([]byte(resp.Choices[0].Message.Content))
}

// buildParams renders the request as a chat: system prompt, prior turns as
// user/assistant pairs, then the current text with its context.
func (p *Planner) buildParams(req planner.Request) oai.ChatCompletionNewParams {
	messages := []oai.ChatCompletionMessageParamUnion{oai.SystemMessage(systemPrompt)}
	for _, t := range req.History {
		if t.User != "" {
			messages = append(messages, oai.UserMessage(t.User))
		}
		if t.Reply != "" {
			messages = append(messages, oai.AssistantMessage(t.Reply))
		}
	}
	messages = append(messages, oai.UserMessage(userContent(req)))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	if p.temperature != 0 {
		params.Temperature = param.NewOpt(p.temperature)
	}
	return params
}

func userContent(req planner.Request) string {
	var sb strings.Builder
	if len(req.SelectedFiles) > 0 {
		fmt.Fprintf(&sb, "Selected files: %s\n", strings.Join(req.SelectedFiles, ", "))
	}
	if req.LastQuestion != "" {
		fmt.Fprintf(&sb, "Previous request: %s\n", req.LastQuestion)
	}
	if req.ResponseStyle != "" {
		fmt.Fprintf(&sb, "Response style: %s\n", req.ResponseStyle)
	}
	sb.WriteString("Request: ")
	sb.WriteString(req.Text)
	return sb.String()
}

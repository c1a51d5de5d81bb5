package extract

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/halcyon-labs/homebase/internal/resilience"
	"github.com/halcyon-labs/homebase/pkg/anthropic"
)

// AnthropicProvider analyzes messages with the Anthropic API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	examples  []Example
}

// NewAnthropicProvider creates the primary extraction provider.
func NewAnthropicProvider(client anthropic.Client, model string, maxTokens int64, examples []Example) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{client: client, model: model, maxTokens: maxTokens, examples: examples}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Analyze(ctx context.Context, in Input) (*Extraction, error) {
	msgs := make([]anthropic.Message, 0, len(p.examples)*2+1)
	for _, ex := range p.examples {
		msgs = append(msgs,
			anthropic.Message{Role: "user", Content: ex.Input},
			anthropic.Message{Role: "assistant", Content: ex.Output},
		)
	}
	msgs = append(msgs, anthropic.Message{Role: "user", Content: buildUserPrompt(in)})

	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System: []anthropic.SystemBlock{
			{Text: systemPrompt, CacheControl: &anthropic.CacheControl{TTL: "1h"}},
		},
		Messages: msgs,
	})
	if err != nil {
		if code, ok := anthropic.StatusCode(err); ok && resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(err, code)
		}
		return nil, eris.Wrap(err, "extract: anthropic analyze")
	}

	resp.Usage.LogCost(p.model, "extract")
	return ParseExtraction(resp.Text())
}

package extract

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/halcyon-labs/homebase/internal/resilience"
	"github.com/halcyon-labs/homebase/pkg/perplexity"
)

// PerplexityProvider analyzes messages with the Perplexity API. It serves as
// the fallback when the primary provider has a transport failure.
type PerplexityProvider struct {
	client   perplexity.Client
	model    string
	examples []Example
}

// NewPerplexityProvider creates the fallback extraction provider.
func NewPerplexityProvider(client perplexity.Client, model string, examples []Example) *PerplexityProvider {
	return &PerplexityProvider{client: client, model: model, examples: examples}
}

func (p *PerplexityProvider) Name() string { return "perplexity" }

func (p *PerplexityProvider) Analyze(ctx context.Context, in Input) (*Extraction, error) {
	msgs := make([]perplexity.Message, 0, len(p.examples)*2+2)
	msgs = append(msgs, perplexity.Message{Role: "system", Content: systemPrompt})
	for _, ex := range p.examples {
		msgs = append(msgs,
			perplexity.Message{Role: "user", Content: ex.Input},
			perplexity.Message{Role: "assistant", Content: ex.Output},
		)
	}
	msgs = append(msgs, perplexity.Message{Role: "user", Content: buildUserPrompt(in)})

	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model:    p.model,
		Messages: msgs,
	})
	if err != nil {
		if apiErr, ok := perplexity.AsAPIError(err); ok && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewRateLimitedError(err, apiErr.StatusCode, apiErr.RetryAfter)
		}
		return nil, eris.Wrap(err, "extract: perplexity analyze")
	}

	if len(resp.Choices) == 0 {
		return nil, &ValidationError{Reason: "empty response"}
	}
	return ParseExtraction(resp.Choices[0].Message.Content)
}

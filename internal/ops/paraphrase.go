package ops

import (
	"context"
	"time"
)

// Paraphraser rewrites a single input. *service.Service satisfies it.
type Paraphraser interface {
	Paraphrase(ctx context.Context, input string) (string, error)
}

// ParaphraseInput contains parameters for the Paraphrase operation.
type ParaphraseInput struct {
	Input string `json:"input"`
}

// ParaphraseOutput contains the result of the Paraphrase operation.
type ParaphraseOutput struct {
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
}

// Paraphrase validates input, runs it through p and records the result
// with audit. audit may be nil. Failed requests are not recorded.
func Paraphrase(ctx context.Context, p Paraphraser, audit *Auditor, input ParaphraseInput) (*ParaphraseOutput, error) {
	if err := ValidateInput(input.Input); err != nil {
		return nil, err
	}

	out, err := p.Paraphrase(ctx, input.Input)
	if err != nil {
		return nil, err
	}

	result := &ParaphraseOutput{
		Input:     input.Input,
		Output:    out,
		Timestamp: time.Now().UTC(),
	}
	audit.Record(result)
	return result, nil
}

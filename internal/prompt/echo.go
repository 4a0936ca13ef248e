package prompt

import (
	"context"
	"fmt"
)

// EchoClient is the built-in deterministic client used in dry-run and
// fixture deployments where no real LLM is wired. The reply is a pure
// function of the last user turn, so replays stay reproducible.
type EchoClient struct{}

func (EchoClient) Complete(_ context.Context, req Request) (*Response, error) {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Text
			break
		}
	}
	text := fmt.Sprintf("ack: %s", last)
	return &Response{
		Text:         text,
		Model:        req.Model,
		FinishReason: "stop",
		InputTokens:  len(last) / 4,
		OutputTokens: len(text) / 4,
	}, nil
}

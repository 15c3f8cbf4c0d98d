package llms

import (
	"encoding/json"

	"github.com/pkoukk/tiktoken-go"

	"github.com/llmadapter/coordinator/pkg/protocol"
)

// EstimateUsage approximates token usage for providers whose streams omit
// usage reporting. Counts come from the cl100k_base encoding regardless of
// model; close enough for budgeting, never billed against.
func EstimateUsage(messages []protocol.Message, completion string) *protocol.Usage {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil
	}

	prompt := 0
	for _, msg := range messages {
		prompt += len(enc.Encode(msg.TextContent(), nil, nil))
		for _, call := range msg.ToolCalls {
			args, _ := json.Marshal(call.Args)
			prompt += len(enc.Encode(call.Name+string(args), nil, nil))
		}
	}

	out := len(enc.Encode(completion, nil, nil))
	return &protocol.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}

package providers

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/snet-labs/channel-gateway/pkg/billing"
)

type anthropicRequestBody struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicResponseBody struct {
	Usage anthropicUsage `json:"usage"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage *anthropicUsage `json:"usage"`
}

// NewAnthropic builds the Anthropic-Messages-API-shaped Provider:
// token-based pricing, usage on the non-streaming response's top-level
// `usage` object, and on the streaming path usage arriving incrementally
// across `message_start` (input_tokens) and `message_delta`
// (output_tokens) SSE events.
func NewAnthropic() *billing.Provider {
	return &billing.Provider{
		Name:                  "anthropic",
		SupportedPaths:        []string{"/v1/messages"},
		RequiresAPIKey:        true,
		SupportsNativeUSDCost: false,

		ExtractModel: func(body []byte) (string, error) {
			var req anthropicRequestBody
			if err := json.Unmarshal(body, &req); err != nil {
				return "", err
			}
			return req.Model, nil
		},
		ExtractStream: func(body []byte) (bool, error) {
			var req anthropicRequestBody
			if err := json.Unmarshal(body, &req); err != nil {
				return false, err
			}
			return req.Stream, nil
		},
		CreateUsageExtractor: func() billing.UsageExtractor {
			return func(body []byte) (billing.Usage, error) {
				var resp anthropicResponseBody
				if err := json.Unmarshal(body, &resp); err != nil {
					return billing.Usage{}, err
				}
				return billing.Usage{
					PromptTokens:     resp.Usage.InputTokens,
					CompletionTokens: resp.Usage.OutputTokens,
					TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
				}, nil
			}
		},
		CreateStreamProcessor: func() billing.StreamProcessor {
			return &anthropicStreamProcessor{}
		},
	}
}

// anthropicStreamProcessor accumulates input_tokens from message_start
// and output_tokens from message_delta, since Anthropic's Messages API
// never repeats the full usage object in one frame.
type anthropicStreamProcessor struct {
	buf              bytes.Buffer
	promptTokens     int64
	completionTokens int64
}

func (p *anthropicStreamProcessor) Write(chunk []byte) {
	p.buf.Write(chunk)

	for {
		line, rest, found := bytes.Cut(p.buf.Bytes(), []byte("\n"))
		if !found {
			break
		}
		p.handleLine(string(bytes.TrimRight(line, "\r")))
		remaining := make([]byte, len(rest))
		copy(remaining, rest)
		p.buf.Reset()
		p.buf.Write(remaining)
	}
}

func (p *anthropicStreamProcessor) handleLine(line string) {
	data, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return
	}
	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return
	}
	switch event.Type {
	case "message_start":
		if event.Message != nil {
			p.promptTokens = event.Message.Usage.InputTokens
			if event.Message.Usage.OutputTokens > 0 {
				p.completionTokens = event.Message.Usage.OutputTokens
			}
		}
	case "message_delta":
		if event.Usage != nil {
			p.completionTokens = event.Usage.OutputTokens
		}
	}
}

func (p *anthropicStreamProcessor) Finish() billing.Usage {
	return billing.Usage{
		PromptTokens:     p.promptTokens,
		CompletionTokens: p.completionTokens,
		TotalTokens:      p.promptTokens + p.completionTokens,
	}
}

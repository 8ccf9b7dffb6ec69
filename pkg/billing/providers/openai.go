// Package providers ships Provider implementations for the common
// OpenAI-compatible and Anthropic-Messages-API shapes. Neither claims
// wire-exact compatibility with any specific upstream release.
package providers

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/snet-labs/channel-gateway/pkg/billing"
)

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type openAIRequestBody struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

type openAIChunk struct {
	Usage *openAIUsage `json:"usage"`
}

// NewOpenAI builds the OpenAI-compatible Provider: token-based pricing,
// non-streaming usage lives on the top-level response object, streaming
// usage arrives as a trailing SSE `data:` event carrying a `usage` object
// (the `stream_options.include_usage` convention common to
// OpenAI-compatible APIs).
func NewOpenAI() *billing.Provider {
	return &billing.Provider{
		Name:                  "openai",
		SupportedPaths:        []string{"/v1/chat/completions", "/v1/completions"},
		RequiresAPIKey:        true,
		SupportsNativeUSDCost: false,

		ExtractModel: func(body []byte) (string, error) {
			var req openAIRequestBody
			if err := json.Unmarshal(body, &req); err != nil {
				return "", err
			}
			return req.Model, nil
		},
		ExtractStream: func(body []byte) (bool, error) {
			var req openAIRequestBody
			if err := json.Unmarshal(body, &req); err != nil {
				return false, err
			}
			return req.Stream, nil
		},
		CreateUsageExtractor: func() billing.UsageExtractor {
			return func(body []byte) (billing.Usage, error) {
				var resp struct {
					Usage openAIUsage `json:"usage"`
				}
				if err := json.Unmarshal(body, &resp); err != nil {
					return billing.Usage{}, err
				}
				return billing.Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}, nil
			}
		},
		CreateStreamProcessor: func() billing.StreamProcessor {
			return &openAIStreamProcessor{}
		},
	}
}

// openAIStreamProcessor scans Server-Sent Events frames looking for the
// trailing usage object OpenAI-compatible APIs emit when
// stream_options.include_usage is set.
type openAIStreamProcessor struct {
	buf   bytes.Buffer
	usage billing.Usage
}

func (p *openAIStreamProcessor) Write(chunk []byte) {
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

func (p *openAIStreamProcessor) handleLine(line string) {
	data, ok := strings.CutPrefix(line, "data: ")
	if !ok || data == "[DONE]" {
		return
	}
	var event openAIChunk
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return
	}
	if event.Usage != nil {
		p.usage = billing.Usage{
			PromptTokens:     event.Usage.PromptTokens,
			CompletionTokens: event.Usage.CompletionTokens,
			TotalTokens:      event.Usage.TotalTokens,
		}
	}
}

func (p *openAIStreamProcessor) Finish() billing.Usage {
	return p.usage
}

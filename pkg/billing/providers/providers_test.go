package providers

import "testing"

func TestOpenAIStreamProcessorAccumulatesTrailingUsage(t *testing.T) {
	p := NewOpenAI()
	sp := p.CreateStreamProcessor()

	sp.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
	sp.Write([]byte("data: {\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":34,\"total_tokens\":46}}\n\n"))
	sp.Write([]byte("data: [DONE]\n\n"))

	usage := sp.Finish()
	if usage.PromptTokens != 12 || usage.CompletionTokens != 34 || usage.TotalTokens != 46 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestOpenAIStreamProcessorHandlesSplitChunks(t *testing.T) {
	p := NewOpenAI()
	sp := p.CreateStreamProcessor()

	full := "data: {\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":2,\"total_tokens\":3}}\n\n"
	mid := len(full) / 2
	sp.Write([]byte(full[:mid]))
	sp.Write([]byte(full[mid:]))

	usage := sp.Finish()
	if usage.TotalTokens != 3 {
		t.Fatalf("expected usage to survive a chunk split mid-line, got %+v", usage)
	}
}

func TestOpenAIExtractModelAndStream(t *testing.T) {
	p := NewOpenAI()
	body := []byte(`{"model":"gpt-test","stream":true}`)

	model, err := p.ExtractModel(body)
	if err != nil || model != "gpt-test" {
		t.Fatalf("ExtractModel: %v, %q", err, model)
	}
	streaming, err := p.ExtractStream(body)
	if err != nil || !streaming {
		t.Fatalf("ExtractStream: %v, %v", err, streaming)
	}
}

func TestAnthropicStreamProcessorAccumulatesAcrossEvents(t *testing.T) {
	p := NewAnthropic()
	sp := p.CreateStreamProcessor()

	sp.Write([]byte("data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":20,\"output_tokens\":0}}}\n\n"))
	sp.Write([]byte("data: {\"type\":\"content_block_delta\"}\n\n"))
	sp.Write([]byte("data: {\"type\":\"message_delta\",\"usage\":{\"input_tokens\":0,\"output_tokens\":15}}\n\n"))

	usage := sp.Finish()
	if usage.PromptTokens != 20 || usage.CompletionTokens != 15 || usage.TotalTokens != 35 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestAnthropicUsageExtractorNonStreaming(t *testing.T) {
	p := NewAnthropic()
	extractor := p.CreateUsageExtractor()
	body := []byte(`{"usage":{"input_tokens":7,"output_tokens":9}}`)

	usage, err := extractor(body)
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	if usage.PromptTokens != 7 || usage.CompletionTokens != 9 || usage.TotalTokens != 16 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

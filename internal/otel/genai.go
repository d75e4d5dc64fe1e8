package otel

import "go.opentelemetry.io/otel/attribute"

// GenAI semantic-convention keys used on budgeted generation spans.
const (
	GenAIRequestModel      = attribute.Key("gen_ai.request.model")
	GenAIRequestMaxTokens  = attribute.Key("gen_ai.request.max_tokens")
	GenAIUsageInputTokens  = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokens = attribute.Key("gen_ai.usage.output_tokens")
)

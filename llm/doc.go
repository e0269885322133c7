// Package llm provides a provider-neutral abstraction over generative text
// backends (Anthropic, OpenAI, Ollama).
//
// Every call in this system is a single system+user exchange that is expected
// to return one JSON object, so the surface is deliberately small:
//
//  1. Client: Synchronous() sends a Request and returns the response text.
//
//  2. Prompt and Ask: Ask runs one Prompt under a hard deadline
//     (DefaultTimeout unless the prompt sets its own) and converts expiry into
//     a timeout Error so callers can take their fallback path.
//
//  3. ExtractJSONObject locates the JSON object inside a model reply.
//
//  4. Middleware: logging, rate limiting (golang.org/x/time/rate) and retry
//     (cenkalti/backoff) decorate any Client via WrapWithMiddleware / WithRetry.
//
//  5. Errors: the Error type classifies rate limit, timeout, invalid request,
//     empty response and generic provider failures.
//
// Usage Example
//
//	key, _ := registry.Resolve(nil)
//	client, _ := provider.New(key, provider.Options{RequestsPerSecond: 2}, logger)
//
//	text, err := llm.Ask(ctx, client, llm.Prompt{
//	    System:      "Reply with JSON only.",
//	    User:        "List two options.",
//	    Temperature: 0.7,
//	    MaxTokens:   800,
//	})
//	if err != nil {
//	    // take the call site's fallback
//	}
//	obj, ok := llm.ExtractJSONObject(text)
//
// # Extension Points
//
// To add a new LLM provider:
//  1. Implement the Client interface
//  2. Translate provider-specific errors to llm.Error types
//  3. Add a case to provider.New
package llm

package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedClient struct {
	calls int
	fn    func(ctx context.Context, req *Request) (*Response, error)
}

func (c *scriptedClient) Synchronous(ctx context.Context, req *Request) (*Response, error) {
	c.calls++
	return c.fn(ctx, req)
}

func TestAsk_ReturnsText(t *testing.T) {
	var seen *Request
	client := &scriptedClient{fn: func(_ context.Context, req *Request) (*Response, error) {
		seen = req
		return &Response{Text: `{"ok":true}`}, nil
	}}

	text, err := Ask(context.Background(), client, Prompt{System: "sys", User: "hello", Temperature: 0.3, MaxTokens: 200})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if text != `{"ok":true}` {
		t.Errorf("unexpected text %q", text)
	}
	if seen.MaxTokens != 200 || seen.Temperature == nil || *seen.Temperature != 0.3 {
		t.Errorf("prompt settings not propagated: %+v", seen)
	}
	if len(seen.Messages) != 1 || seen.Messages[0].Content != "hello" {
		t.Errorf("expected single user message, got %+v", seen.Messages)
	}
}

func TestAsk_TimesOut(t *testing.T) {
	client := &scriptedClient{fn: func(ctx context.Context, _ *Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	start := time.Now()
	_, err := Ask(context.Background(), client, Prompt{User: "x", Timeout: 20 * time.Millisecond})
	if !IsTimeoutError(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Ask did not honour its deadline")
	}
}

func TestAsk_EmptyResponse(t *testing.T) {
	client := &scriptedClient{fn: func(context.Context, *Request) (*Response, error) {
		return &Response{Text: "   "}, nil
	}}

	_, err := Ask(context.Background(), client, Prompt{User: "x"})
	var llmErr *Error
	if !errors.As(err, &llmErr) || llmErr.Type != ErrorTypeEmptyResponse {
		t.Fatalf("expected empty response error, got %v", err)
	}
}

func TestAsk_NilClient(t *testing.T) {
	if _, err := Ask(context.Background(), nil, Prompt{User: "x"}); err == nil {
		t.Error("expected error for nil client")
	}
}

func TestPromptRequest_DefaultMaxTokens(t *testing.T) {
	req := Prompt{User: "x"}.Request()
	if req.MaxTokens != 1024 {
		t.Errorf("expected default max tokens 1024, got %d", req.MaxTokens)
	}
}

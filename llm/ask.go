package llm

import (
	"context"
	"errors"
	"strings"
)

// Ask runs a single prompt against client under a hard deadline and returns the
// response text. When the deadline passes the in-flight call is cancelled and
// a timeout *Error is returned; callers fall back rather than wait.
func Ask(ctx context.Context, client Client, p Prompt) (string, error) {
	if client == nil {
		return "", NewProviderError("no generative client configured", nil)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.Synchronous(callCtx, p.Request())
		done <- result{resp: resp, err: err}
	}()

	// Providers are expected to honour callCtx, but the select guarantees the
	// caller is released at the deadline even if one does not.
	select {
	case <-callCtx.Done():
		return "", NewTimeoutError(timeout, callCtx.Err())
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return "", NewTimeoutError(timeout, r.err)
			}
			return "", r.err
		}
		if r.resp == nil || strings.TrimSpace(r.resp.Text) == "" {
			return "", &Error{Type: ErrorTypeEmptyResponse, Message: "empty response from generative backend"}
		}
		return r.resp.Text, nil
	}
}

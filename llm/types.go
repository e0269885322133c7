package llm

import (
	"strings"
	"time"
)

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message represents a single text message in a conversation.
type Message struct {
	Role    MessageRole
	Content string
}

// Request represents a complete LLM API request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int64
	Temperature *float64 // Optional temperature override
}

// Response represents a complete LLM API response.
type Response struct {
	Text       string
	Usage      *Usage
	StopReason string
}

// Usage represents token usage information from an LLM response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Prompt is a single system+user exchange with its own sampling settings and deadline.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int64
	// Timeout bounds the call. Zero means DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout is the hard deadline applied to every generative call.
const DefaultTimeout = 30 * time.Second

// NewTextMessage creates a new message with text content.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{Role: role, Content: text}
}

// Request converts the prompt into a provider-neutral request.
func (p Prompt) Request() *Request {
	temp := p.Temperature
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Request{
		System:      strings.TrimSpace(p.System),
		Messages:    []Message{NewTextMessage(RoleUser, p.User)},
		MaxTokens:   maxTokens,
		Temperature: &temp,
	}
}

package synthesis

import (
	"time"

	"github.com/BaSui01/citerag/rag"
	"github.com/BaSui01/citerag/types"
)

// EventType tags a StreamEvent.
type EventType string

const (
	EventChunk             EventType = "chunk"
	EventCitations         EventType = "citations"
	EventMetadata          EventType = "metadata"
	EventResponseCompleted EventType = "response_completed"
	EventDone              EventType = "done"
	EventError             EventType = "error"
)

// Terminal reports whether t ends a stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Result is a finished synthesis.
type Result struct {
	Answer       string         `json:"answer"`
	Citations    []rag.Citation `json:"citations"`
	Usage        Usage          `json:"usage"`
	Model        string         `json:"modelUsed"`
	Provider     string         `json:"llmProvider"`
	FinishReason string         `json:"finishReason,omitempty"`
	Duration     time.Duration  `json:"-"`
}

// Metadata carries running stream statistics.
type Metadata struct {
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	Usage    *Usage `json:"usage,omitempty"`
	Chunks   int    `json:"chunks"`
}

// StreamEvent is one element of a synthesis stream. Exactly one payload
// field is set, matching Type; done carries none.
type StreamEvent struct {
	Type      EventType      `json:"type"`
	Delta     string         `json:"delta,omitempty"`
	Citations []rag.Citation `json:"citations,omitempty"`
	Metadata  *Metadata      `json:"metadata,omitempty"`
	Result    *Result        `json:"result,omitempty"`
	Err       *types.Error   `json:"error,omitempty"`
}

func chunkEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventChunk, Delta: delta}
}

func citationsEvent(c []rag.Citation) StreamEvent {
	return StreamEvent{Type: EventCitations, Citations: c}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(err *types.Error) StreamEvent {
	return StreamEvent{Type: EventError, Err: err}
}

// DoneEvent builds the terminal done event.
func DoneEvent() StreamEvent {
	return StreamEvent{Type: EventDone}
}

// CompletedEvent builds a response_completed event for r.
func CompletedEvent(r *Result) StreamEvent {
	return StreamEvent{Type: EventResponseCompleted, Result: r}
}

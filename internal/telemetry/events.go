// Package telemetry records the per-session event log that every engine
// component reports into, and derives the session summary from it.
package telemetry

import (
	"time"
	"unicode/utf8"
)

// Kind tags an Event.
type Kind string

const (
	KindAPICall   Kind = "api_call"
	KindAgentPerf Kind = "agent_perf"
	KindRAGOp     Kind = "rag_op"
	KindLLMCall   Kind = "llm_call"
	KindError     Kind = "error"
	KindTiming    Kind = "timing"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAPICall, KindAgentPerf, KindRAGOp, KindLLMCall, KindError, KindTiming:
		return true
	}
	return false
}

// maxQueryRunes bounds the query text stored in events.
const maxQueryRunes = 100

// Event is one entry of the session log. Exactly one of the payload
// pointers is set, matching Kind.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	API    *APICallData   `json:"api_call,omitempty"`
	Agent  *AgentPerfData `json:"agent_perf,omitempty"`
	RAG    *RAGOpData     `json:"rag_op,omitempty"`
	LLM    *LLMCallData   `json:"llm_call,omitempty"`
	Err    *ErrorData     `json:"error,omitempty"`
	Timing *TimingData    `json:"timing,omitempty"`
}

// APICallData describes the terminal outcome of one catalog fetch.
type APICallData struct {
	Source      string  `json:"source"`
	Query       string  `json:"query"`
	ResultCount int     `json:"result_count"`
	DurationMS  float64 `json:"duration_ms"`
	Success     bool    `json:"success"`
	Attempts    int     `json:"attempts"`
	Error       string  `json:"error,omitempty"`
}

// AgentPerfData is reported by the external orchestration layer.
type AgentPerfData struct {
	Agent       string  `json:"agent"`
	Task        string  `json:"task,omitempty"`
	DurationMS  float64 `json:"duration_ms"`
	Success     bool    `json:"success"`
	OutputChars int     `json:"output_chars,omitempty"`
}

// RAGOpData describes an index or search operation.
type RAGOpData struct {
	Operation   string  `json:"operation"`
	Query       string  `json:"query,omitempty"`
	K           int     `json:"k,omitempty"`
	ResultCount int     `json:"result_count"`
	Documents   int     `json:"documents,omitempty"`
	CacheHit    bool    `json:"cache_hit"`
	DurationMS  float64 `json:"duration_ms"`
}

// LLMCallData is reported by the external orchestration layer.
type LLMCallData struct {
	Model           string  `json:"model"`
	PromptChars     int     `json:"prompt_chars"`
	ResponseChars   int     `json:"response_chars"`
	EstimatedTokens int     `json:"estimated_tokens"`
	DurationMS      float64 `json:"duration_ms"`
	Success         bool    `json:"success"`
	Error           string  `json:"error,omitempty"`
}

// ErrorData records a failure that was handled at a component boundary.
type ErrorData struct {
	Component string `json:"component"`
	Message   string `json:"message"`
	Context   string `json:"context,omitempty"`
}

// TimingData records the wall time of a named operation.
type TimingData struct {
	Operation  string  `json:"operation"`
	DurationMS float64 `json:"duration_ms"`
}

// APICall builds an api_call event.
func APICall(source, query string, results int, d time.Duration, attempts int, err error) Event {
	data := &APICallData{
		Source:      source,
		Query:       Truncate(query, maxQueryRunes),
		ResultCount: results,
		DurationMS:  millis(d),
		Success:     err == nil,
		Attempts:    attempts,
	}
	if err != nil {
		data.Error = err.Error()
	}
	return Event{Kind: KindAPICall, API: data}
}

// AgentPerf builds an agent_perf event.
func AgentPerf(agent, task string, d time.Duration, success bool, outputChars int) Event {
	return Event{Kind: KindAgentPerf, Agent: &AgentPerfData{
		Agent:       agent,
		Task:        task,
		DurationMS:  millis(d),
		Success:     success,
		OutputChars: outputChars,
	}}
}

// RAGOp builds a rag_op event.
func RAGOp(op RAGOpData, d time.Duration) Event {
	op.Query = Truncate(op.Query, maxQueryRunes)
	op.DurationMS = millis(d)
	return Event{Kind: KindRAGOp, RAG: &op}
}

// LLMCall builds an llm_call event. Token volume is estimated from the
// character counts when the caller does not supply it.
func LLMCall(data LLMCallData, d time.Duration) Event {
	if data.EstimatedTokens == 0 {
		data.EstimatedTokens = EstimateTokens(data.PromptChars + data.ResponseChars)
	}
	data.DurationMS = millis(d)
	return Event{Kind: KindLLMCall, LLM: &data}
}

// Error builds an error event.
func Error(component string, err error, context string) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{Kind: KindError, Err: &ErrorData{
		Component: component,
		Message:   msg,
		Context:   Truncate(context, maxQueryRunes),
	}}
}

// Timing builds a timing event.
func Timing(operation string, d time.Duration) Event {
	return Event{Kind: KindTiming, Timing: &TimingData{Operation: operation, DurationMS: millis(d)}}
}

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

package telemetry

import "time"

// Summary holds the statistics derived from a session log.
type Summary struct {
	TotalEvents     int            `json:"total_events"`
	EventsByKind    map[Kind]int   `json:"events_by_kind"`
	APICalls        int            `json:"api_calls"`
	APISuccesses    int            `json:"api_successes"`
	APISuccessRate  float64        `json:"api_success_rate"`
	CallsBySource   map[string]int `json:"calls_by_source"`
	PapersFetched   int            `json:"papers_fetched"`
	RAGOps          int            `json:"rag_ops"`
	CacheHits       int            `json:"cache_hits"`
	CacheMisses     int            `json:"cache_misses"`
	CacheHitRate    float64        `json:"cache_hit_rate"`
	AgentRuns       int            `json:"agent_runs"`
	AgentSuccesses  int            `json:"agent_successes"`
	LLMCalls        int            `json:"llm_calls"`
	LLMSuccessRate  float64        `json:"llm_success_rate"`
	EstimatedTokens int            `json:"estimated_tokens"`
	Errors          int            `json:"errors"`
	DurationMS      float64        `json:"duration_ms"`
}

func summarize(events []Event, elapsed time.Duration) Summary {
	s := Summary{
		TotalEvents:   len(events),
		EventsByKind:  make(map[Kind]int),
		CallsBySource: make(map[string]int),
		DurationMS:    millis(elapsed),
	}
	var llmOK int
	for _, e := range events {
		s.EventsByKind[e.Kind]++
		switch e.Kind {
		case KindAPICall:
			if e.API == nil {
				continue
			}
			s.APICalls++
			s.CallsBySource[e.API.Source]++
			if e.API.Success {
				s.APISuccesses++
				s.PapersFetched += e.API.ResultCount
			}
		case KindRAGOp:
			if e.RAG == nil {
				continue
			}
			s.RAGOps++
			if e.RAG.Operation == OpSearch {
				if e.RAG.CacheHit {
					s.CacheHits++
				} else {
					s.CacheMisses++
				}
			}
		case KindAgentPerf:
			if e.Agent == nil {
				continue
			}
			s.AgentRuns++
			if e.Agent.Success {
				s.AgentSuccesses++
			}
		case KindLLMCall:
			if e.LLM == nil {
				continue
			}
			s.LLMCalls++
			s.EstimatedTokens += e.LLM.EstimatedTokens
			if e.LLM.Success {
				llmOK++
			}
		case KindError:
			s.Errors++
		}
	}
	s.APISuccessRate = ratio(s.APISuccesses, s.APICalls)
	s.CacheHitRate = ratio(s.CacheHits, s.CacheHits+s.CacheMisses)
	s.LLMSuccessRate = ratio(llmOK, s.LLMCalls)
	return s
}

// Operation names used in rag_op events.
const (
	OpSearch       = "search"
	OpAddDocuments = "add_documents"
	OpSave         = "save"
	OpLoad         = "load"
)

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Package trace records step-by-step execution traces for agent runs.
//
// Traces are kept in memory for the lifetime of the Tracer; the verbose
// mode additionally logs every step as it is recorded.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Terminal statuses for a trace.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// ToolCallRecord captures one tool invocation within a step.
type ToolCallRecord struct {
	ToolName   string                 `json:"tool_name"`
	ToolInput  map[string]interface{} `json:"tool_input"`
	ToolOutput string                 `json:"tool_output"`
	Duration   time.Duration          `json:"duration"`
}

// StepRecord captures one reasoning-plus-tool-execution cycle.
type StepRecord struct {
	StepNumber   int              `json:"step_number"`
	Reasoning    string           `json:"reasoning"`
	Duration     time.Duration    `json:"duration"`
	ToolCalls    []ToolCallRecord `json:"tool_calls,omitempty"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	CostUSD      float64          `json:"cost_usd"`
}

// RunTrace is the ordered record of all steps plus start/end metadata for
// one agent invocation.
type RunTrace struct {
	ID          string       `json:"id"`
	AgentName   string       `json:"agent_name"`
	Query       string       `json:"query"`
	Model       string       `json:"model"`
	Steps       []StepRecord `json:"steps"`
	FinalAnswer string       `json:"final_answer"`
	Status      string       `json:"status"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     time.Time    `json:"ended_at"`
}

// Tracer records and retains run traces. Safe for concurrent use.
type Tracer struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	verbose bool
	traces  map[string]*RunTrace
	order   []string
}

// New creates a tracer. Verbose tracers log each step as it arrives.
func New(logger zerolog.Logger, verbose bool) *Tracer {
	return &Tracer{
		logger:  logger,
		verbose: verbose,
		traces:  make(map[string]*RunTrace),
	}
}

// StartTrace opens a new trace and returns its id.
func (t *Tracer) StartTrace(agentName, query, model string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.New().String()
	t.traces[id] = &RunTrace{
		ID:        id,
		AgentName: agentName,
		Query:     query,
		Model:     model,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	t.order = append(t.order, id)

	if t.verbose {
		t.logger.Info().
			Str("trace_id", id).
			Str("agent", agentName).
			Str("model", model).
			Msg("Trace started")
	}

	return id
}

// LogStep appends a finalized step record to a trace. Unknown trace ids are
// logged and ignored; tracing must never fail the run that feeds it.
func (t *Tracer) LogStep(traceID string, step StepRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.traces[traceID]
	if !ok {
		t.logger.Warn().Str("trace_id", traceID).Msg("LogStep for unknown trace")
		return
	}
	tr.Steps = append(tr.Steps, step)

	if t.verbose {
		t.logger.Info().
			Str("trace_id", traceID).
			Int("step", step.StepNumber).
			Int("tool_calls", len(step.ToolCalls)).
			Dur("duration", step.Duration).
			Float64("cost_usd", step.CostUSD).
			Msg("Step recorded")
	}
}

// EndTrace seals a trace with its final answer and terminal status.
func (t *Tracer) EndTrace(traceID, finalAnswer, status string, runErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.traces[traceID]
	if !ok {
		t.logger.Warn().Str("trace_id", traceID).Msg("EndTrace for unknown trace")
		return
	}

	tr.FinalAnswer = finalAnswer
	tr.Status = status
	tr.EndedAt = time.Now()
	if runErr != nil {
		tr.Error = runErr.Error()
	}

	if t.verbose {
		evt := t.logger.Info()
		if status == StatusError {
			evt = t.logger.Error().Err(runErr)
		}
		evt.Str("trace_id", traceID).
			Str("status", status).
			Int("steps", len(tr.Steps)).
			Msg("Trace ended")
	}
}

// Get returns a copy of a trace by id.
func (t *Tracer) Get(traceID string) (RunTrace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.traces[traceID]
	if !ok {
		return RunTrace{}, false
	}

	out := *tr
	out.Steps = make([]StepRecord, len(tr.Steps))
	copy(out.Steps, tr.Steps)
	return out, true
}

// All returns copies of all traces in start order.
func (t *Tracer) All() []RunTrace {
	t.mu.Lock()
	ids := make([]string, len(t.order))
	copy(ids, t.order)
	t.mu.Unlock()

	out := make([]RunTrace, 0, len(ids))
	for _, id := range ids {
		if tr, ok := t.Get(id); ok {
			out = append(out, tr)
		}
	}
	return out
}

package costs

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Usage holds token counts reported by a model completion. A nil *Usage
// means the gateway returned no usage data.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StepCost records the token usage and cost of a single completion.
type StepCost struct {
	StepNumber   int     `json:"step_number"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	IsToolCall   bool    `json:"is_tool_call"`
}

// QueryCost is the ledger for one run. Totals are maintained incrementally
// on every append, never recomputed.
type QueryCost struct {
	Query             string     `json:"query"`
	Steps             []StepCost `json:"steps"`
	TotalCostUSD      float64    `json:"total_cost_usd"`
	TotalInputTokens  int        `json:"total_input_tokens"`
	TotalOutputTokens int        `json:"total_output_tokens"`
}

func (q *QueryCost) addStep(sc StepCost) {
	q.Steps = append(q.Steps, sc)
	q.TotalCostUSD += sc.CostUSD
	q.TotalInputTokens += sc.InputTokens
	q.TotalOutputTokens += sc.OutputTokens
}

// Tracker maintains a per-run, then per-process, ledger of token usage and
// dollar cost. Every operation is best-effort and log-and-continue: a
// tracker failure must never interrupt the run that feeds it.
type Tracker struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	pricing   *Table
	completed []QueryCost
	current   *QueryCost
}

// NewTracker creates a cost tracker. A nil pricing table falls back to the
// default rate pair for every model.
func NewTracker(logger zerolog.Logger, pricing *Table) *Tracker {
	if pricing == nil {
		pricing = DefaultTable()
	}
	return &Tracker{
		logger:  logger,
		pricing: pricing,
	}
}

// StartQuery opens a new active ledger. If a previous ledger is still
// active it is sealed into the completed list first, with a warning.
func (t *Tracker) StartQuery(query string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil {
		t.logger.Warn().
			Str("previous_query", truncate(t.current.Query, 50)).
			Msg("Starting query while another is active; sealing previous ledger")
		t.completed = append(t.completed, *t.current)
	}

	t.current = &QueryCost{Query: query}
}

// LogCompletion appends a step cost to the active ledger and updates its
// running totals in one atomic step. It no-ops with a warning when no
// ledger is active or usage is absent.
func (t *Tracker) LogCompletion(stepNumber int, model string, usage *Usage, isToolCall bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		t.logger.Warn().Int("step", stepNumber).Msg("No active query to log completion to")
		return
	}
	if usage == nil {
		t.logger.Warn().Int("step", stepNumber).Msg("Completion has no usage data")
		return
	}

	cost := t.pricing.Cost(model, usage.InputTokens, usage.OutputTokens)

	t.current.addStep(StepCost{
		StepNumber:   stepNumber,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		IsToolCall:   isToolCall,
	})

	t.logger.Info().
		Int("step", stepNumber).
		Int("tokens_in", usage.InputTokens).
		Int("tokens_out", usage.OutputTokens).
		Float64("cost_usd", cost).
		Msg("Completion logged")
}

// EndQuery seals the active ledger into the completed list. No-op if none
// is active.
func (t *Tracker) EndQuery() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return
	}
	t.completed = append(t.completed, *t.current)
	t.current = nil
}

// Cost exposes the tracker's deterministic rate function.
func (t *Tracker) Cost(model string, inputTokens, outputTokens int) float64 {
	return t.pricing.Cost(model, inputTokens, outputTokens)
}

// Active returns a copy of the active ledger, if any.
func (t *Tracker) Active() (QueryCost, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return QueryCost{}, false
	}
	return *t.current, true
}

// Completed returns copies of all sealed ledgers.
func (t *Tracker) Completed() []QueryCost {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]QueryCost, len(t.completed))
	copy(out, t.completed)
	return out
}

// Summary renders all completed ledgers with per-step breakdown and grand
// totals. It has no side effect on tracker state.
func (t *Tracker) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.completed) == 0 {
		return "No queries tracked yet.\n"
	}

	var b strings.Builder
	line := strings.Repeat("=", 60)

	fmt.Fprintf(&b, "%s\nCOST BREAKDOWN\n%s\n", line, line)

	var totalCost float64
	var totalIn, totalOut int

	for i, q := range t.completed {
		fmt.Fprintf(&b, "\nQuery %d: %s\n", i+1, truncate(q.Query, 50))
		fmt.Fprintf(&b, "  Total Cost: $%.6f\n", q.TotalCostUSD)
		fmt.Fprintf(&b, "  Tokens: %d in, %d out\n", q.TotalInputTokens, q.TotalOutputTokens)
		fmt.Fprintf(&b, "  Steps: %d\n", len(q.Steps))

		for _, s := range q.Steps {
			kind := "Response"
			if s.IsToolCall {
				kind = "Tool Call"
			}
			fmt.Fprintf(&b, "    Step %d (%s): $%.6f - %d/%d tokens\n",
				s.StepNumber, kind, s.CostUSD, s.InputTokens, s.OutputTokens)
		}

		totalCost += q.TotalCostUSD
		totalIn += q.TotalInputTokens
		totalOut += q.TotalOutputTokens
	}

	fmt.Fprintf(&b, "\n%s\nTOTAL: $%.6f\nTOKENS: %d input, %d output\n%s\n",
		line, totalCost, totalIn, totalOut, line)

	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/halvard/skald/internal/observability"
	"github.com/halvard/skald/internal/tracing"
	"github.com/halvard/skald/pkg/costs"
	"github.com/halvard/skald/pkg/loopdetect"
	"github.com/halvard/skald/pkg/tools"
	"github.com/halvard/skald/pkg/trace"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Runner drives one agent's think-act-observe loop against a model gateway.
type Runner struct {
	name         string
	provider     Provider
	registry     *tools.Registry
	detector     *loopdetect.Detector
	tracker      *costs.Tracker
	tracer       *trace.Tracer
	metrics      *observability.Metrics
	logger       zerolog.Logger
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
	maxSteps     int
}

// Config holds runner configuration
type Config struct {
	Name         string
	Provider     Provider
	Registry     *tools.Registry
	Detector     *loopdetect.Detector
	Tracker      *costs.Tracker
	Tracer       *trace.Tracer
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	MaxSteps     int
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.MaxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be positive")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}

	name := cfg.Name
	if name == "" {
		name = "agent"
	}
	detector := cfg.Detector
	if detector == nil {
		detector = loopdetect.New()
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = costs.NewTracker(cfg.Logger, nil)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = trace.New(cfg.Logger, false)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Default()
	}

	return &Runner{
		name:         name,
		provider:     cfg.Provider,
		registry:     cfg.Registry,
		detector:     detector,
		tracker:      tracker,
		tracer:       tracer,
		metrics:      metrics,
		logger:       cfg.Logger,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		maxSteps:     cfg.MaxSteps,
	}, nil
}

// Name returns the runner's agent name.
func (r *Runner) Name() string {
	return r.name
}

// Run executes the agent loop for one query. The returned RunResult is
// always populated; a non-nil error accompanies Status == StatusError.
func (r *Runner) Run(ctx context.Context, query string) (RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithAgent(ctx, r.name)
	ctx, span := tracing.StartSpan(
		ctx,
		"skald.agent",
		"agent.run",
		attribute.String("agent", r.name),
		attribute.String("model", r.model),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)
	runStart := time.Now()

	// One run's history must never flag the next.
	r.detector.Reset()
	r.tracker.StartQuery(query)
	traceID := r.tracer.StartTrace(r.name, query, r.model)

	toolSchemas := r.buildToolSchemas()
	messages := []Message{{Role: "user", Content: query}}

	for step := 1; step <= r.maxSteps; step++ {
		stepStart := time.Now()
		stepCtx, stepSpan := tracing.StartSpan(ctx, "skald.agent", "agent.step",
			attribute.Int("step", step))

		resp, err := r.provider.Call(stepCtx, Request{
			Model:        r.model,
			Messages:     messages,
			Tools:        toolSchemas,
			SystemPrompt: r.systemPrompt,
			Temperature:  r.temperature,
			MaxTokens:    r.maxTokens,
		})
		if err != nil {
			logger.Error().Err(err).Int("step", step).Msg("Gateway call failed")
			stepSpan.RecordError(err)
			stepSpan.SetStatus(codes.Error, err.Error())
			stepSpan.End()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())

			r.tracker.EndQuery()
			r.tracer.EndTrace(traceID, "", trace.StatusError, err)
			r.metrics.RecordAgentRun(r.name, "error", time.Since(runStart))

			return RunResult{
				Answer:  fmt.Sprintf("Error: %v", err),
				TraceID: traceID,
				Steps:   step - 1,
				Status:  StatusError,
			}, fmt.Errorf("gateway call failed at step %d: %w", step, err)
		}

		stepCost := r.recordUsage(step, resp)
		r.metrics.RecordStep(r.name)

		record := trace.StepRecord{
			StepNumber: step,
			Reasoning:  resp.Content,
			CostUSD:    stepCost,
		}
		if resp.Usage != nil {
			record.InputTokens = resp.Usage.InputTokens
			record.OutputTokens = resp.Usage.OutputTokens
		}

		// No tool calls means the model produced its final answer, even one
		// that repeats earlier reasoning.
		if len(resp.ToolCalls) == 0 {
			record.Duration = time.Since(stepStart)
			r.tracer.LogStep(traceID, record)
			stepSpan.End()
			return r.finish(traceID, resp.Content, step, runStart), nil
		}

		outputs, callRecords := r.dispatchTools(stepCtx, resp.ToolCalls)

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		// Tool results go back in request order, one per requested call.
		for i, tc := range resp.ToolCalls {
			messages = append(messages, Message{
				Role:       "tool",
				Content:    outputs[i],
				ToolCallID: tc.ID,
			})
		}

		record.Duration = time.Since(stepStart)
		record.ToolCalls = callRecords
		r.tracer.LogStep(traceID, record)
		stepSpan.End()

		// Only the model's own reasoning counts as stagnation; tool output
		// is never fed to the detector. Checked after the step's tools ran
		// and its record was logged, so a stagnant step still produces its
		// observations.
		if stagnant := r.detector.CheckOutputStagnation(resp.Content); stagnant.IsLooping {
			logger.Warn().Int("step", step).Str("strategy", stagnant.Strategy).Msg("Stagnation detected")
			r.metrics.RecordLoopDetection(r.name, stagnant.Strategy)

			answer := fmt.Sprintf("Agent stopped due to stagnation: %s", stagnant.Message)
			return r.finish(traceID, answer, step, runStart), nil
		}
	}

	answer := fmt.Sprintf("Agent reached max steps (%d) without completing the task.", r.maxSteps)
	logger.Warn().Int("max_steps", r.maxSteps).Msg("Run exhausted its step budget")
	return r.finish(traceID, answer, r.maxSteps, runStart), nil
}

// finish seals the ledgers for a non-error terminal state.
func (r *Runner) finish(traceID, answer string, steps int, runStart time.Time) RunResult {
	r.tracker.EndQuery()
	r.tracer.EndTrace(traceID, answer, trace.StatusCompleted, nil)
	r.metrics.RecordAgentRun(r.name, "completed", time.Since(runStart))

	return RunResult{
		Answer:  answer,
		TraceID: traceID,
		Steps:   steps,
		Status:  StatusCompleted,
	}
}

// recordUsage feeds the cost tracker and metrics, returning the step cost.
func (r *Runner) recordUsage(step int, resp *Response) float64 {
	model := resp.Model
	if model == "" {
		model = r.model
	}

	r.tracker.LogCompletion(step, model, toCostUsage(resp.Usage), len(resp.ToolCalls) > 0)
	if resp.Usage == nil {
		return 0
	}

	cost := r.tracker.Cost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	r.metrics.AddUsage(model, int64(resp.Usage.InputTokens), int64(resp.Usage.OutputTokens))
	r.metrics.AddCost(model, cost)
	return cost
}

// dispatchTools fans requested calls out to goroutines and collects the
// results indexed by request position, so observations join in the exact
// order the model asked for them. Calls flagged by the loop detector are
// never invoked; their slot carries the warning instead.
func (r *Runner) dispatchTools(ctx context.Context, calls []ToolCall) ([]string, []trace.ToolCallRecord) {
	outputs := make([]string, len(calls))
	records := make([]trace.ToolCallRecord, len(calls))

	var wg sync.WaitGroup
	for i, tc := range calls {
		args, argsErr := parseArguments(tc.RawArguments)

		check := r.detector.CheckToolCall(tc.Name, tc.RawArguments)
		if check.IsLooping {
			r.logger.Warn().
				Str("tool", tc.Name).
				Str("strategy", check.Strategy).
				Msg("Repeated tool call flagged")
			r.metrics.RecordLoopDetection(r.name, check.Strategy)

			outputs[i] = fmt.Sprintf("⚠️ LOOP DETECTED: %s", check.Message)
			records[i] = trace.ToolCallRecord{
				ToolName:   tc.Name,
				ToolInput:  args,
				ToolOutput: outputs[i],
			}
			continue
		}

		wg.Add(1)
		go func(i int, tc ToolCall, args map[string]interface{}, argsErr error) {
			defer wg.Done()

			start := time.Now()
			outputs[i] = r.invokeTool(ctx, tc, args, argsErr)
			records[i] = trace.ToolCallRecord{
				ToolName:   tc.Name,
				ToolInput:  args,
				ToolOutput: outputs[i],
				Duration:   time.Since(start),
			}
		}(i, tc, args, argsErr)
	}
	wg.Wait()

	return outputs, records
}

// invokeTool runs one tool call to completion. Failures of any kind are
// folded into the observation text so sibling calls are never disturbed.
func (r *Runner) invokeTool(ctx context.Context, tc ToolCall, args map[string]interface{}, argsErr error) (output string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("tool", tc.Name).
				Interface("panic", rec).
				Msg("Tool panicked")
			output = fmt.Sprintf("Error: tool %s panicked: %v", tc.Name, rec)
		}
	}()

	if argsErr != nil {
		return fmt.Sprintf("Error: invalid tool arguments: %v", argsErr)
	}
	if err := r.registry.Validate(tc.Name, args); err != nil {
		return fmt.Sprintf("Error: %v", err)
	}

	tool, ok := r.registry.Resolve(tc.Name)
	if !ok {
		return fmt.Sprintf("Error: tool not found: %s", tc.Name)
	}

	start := time.Now()
	out, err := tool.Invoke(ctx, args)
	r.metrics.RecordToolExecution(tc.Name, time.Since(start), err)
	if err != nil {
		r.logger.Warn().Err(err).Str("tool", tc.Name).Msg("Tool execution failed")
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}

// buildToolSchemas converts the registry into gateway tool definitions.
func (r *Runner) buildToolSchemas() []ToolSchema {
	registered := r.registry.Tools()
	if len(registered) == 0 {
		return nil
	}

	schemas := make([]ToolSchema, 0, len(registered))
	for _, t := range registered {
		schemas = append(schemas, ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return schemas
}

// parseArguments decodes the raw argument JSON. An empty string means the
// model requested a call with no arguments.
func parseArguments(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

func toCostUsage(u *Usage) *costs.Usage {
	if u == nil {
		return nil
	}
	return &costs.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	}
}

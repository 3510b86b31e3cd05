package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvard/skald/internal/observability"
	"github.com/halvard/skald/pkg/costs"
	"github.com/halvard/skald/pkg/tools"
	"github.com/halvard/skald/pkg/trace"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

// fakeProvider replays a scripted sequence of responses.
type fakeProvider struct {
	mu        sync.Mutex
	responses []*Response
	requests  []Request
	err       error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Call(ctx context.Context, request Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, request)
	if p.err != nil {
		return nil, p.err
	}

	idx := len(p.requests) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func textResponse(content string) *Response {
	return &Response{
		Content: content,
		Usage:   &Usage{InputTokens: 1000, OutputTokens: 500},
	}
}

func toolResponse(content string, calls ...ToolCall) *Response {
	return &Response{
		Content:   content,
		ToolCalls: calls,
		Usage:     &Usage{InputTokens: 1000, OutputTokens: 500},
	}
}

func call(id, name, rawArgs string) ToolCall {
	return ToolCall{ID: id, Name: name, RawArguments: rawArgs}
}

// countingTool counts invocations and returns a fixed output.
func countingTool(name, output string, count *int32) tools.Tool {
	schema := tools.ObjectSchema(map[string]interface{}{
		"input": tools.StringProp("Tool input"),
	}, "input")

	return tools.NewFunc(name, "Test tool", schema,
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			atomic.AddInt32(count, 1)
			return output, nil
		})
}

func failingTool(name string, err error) tools.Tool {
	schema := tools.ObjectSchema(map[string]interface{}{
		"input": tools.StringProp("Tool input"),
	}, "input")

	return tools.NewFunc(name, "Failing test tool", schema,
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "", err
		})
}

type testFixture struct {
	runner  *Runner
	tracker *costs.Tracker
	tracer  *trace.Tracer
}

func newFixture(t *testing.T, provider Provider, reg *tools.Registry, maxSteps int) *testFixture {
	t.Helper()

	logger := testLogger()
	tracker := costs.NewTracker(logger, nil)
	tracer := trace.New(logger, false)

	runner, err := NewRunner(Config{
		Name:     "tester",
		Provider: provider,
		Registry: reg,
		Tracker:  tracker,
		Tracer:   tracer,
		Metrics:  observability.NewMetrics(),
		Logger:   logger,
		Model:    "test-model",
		MaxSteps: maxSteps,
	})
	require.NoError(t, err)

	return &testFixture{runner: runner, tracker: tracker, tracer: tracer}
}

func TestNewRunner(t *testing.T) {
	reg := tools.NewRegistry(testLogger())

	t.Run("should reject missing provider", func(t *testing.T) {
		_, err := NewRunner(Config{Registry: reg, Model: "m", MaxSteps: 5})
		assert.Error(t, err)
	})

	t.Run("should reject missing registry", func(t *testing.T) {
		_, err := NewRunner(Config{Provider: &fakeProvider{}, Model: "m", MaxSteps: 5})
		assert.Error(t, err)
	})

	t.Run("should reject empty model", func(t *testing.T) {
		_, err := NewRunner(Config{Provider: &fakeProvider{}, Registry: reg, MaxSteps: 5})
		assert.Error(t, err)
	})

	t.Run("should reject non-positive max steps", func(t *testing.T) {
		_, err := NewRunner(Config{Provider: &fakeProvider{}, Registry: reg, Model: "m"})
		assert.Error(t, err)
	})
}

func TestRunCompletion(t *testing.T) {
	t.Run("should complete after one tool round trip", func(t *testing.T) {
		var invocations int32
		reg := tools.NewRegistry(testLogger())
		require.NoError(t, reg.Register(countingTool("calculate", "4", &invocations)))

		provider := &fakeProvider{responses: []*Response{
			toolResponse("I need to compute this.", call("tc-1", "calculate", `{"input":"2 + 2"}`)),
			textResponse("The answer is 4."),
		}}

		f := newFixture(t, provider, reg, 10)
		result, err := f.runner.Run(context.Background(), "What is 2 + 2?")

		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, "The answer is 4.", result.Answer)
		assert.Equal(t, 2, result.Steps)
		assert.Equal(t, int32(1), atomic.LoadInt32(&invocations))

		// Second gateway call must carry the observation back.
		second := provider.requests[1]
		last := second.Messages[len(second.Messages)-1]
		assert.Equal(t, "tool", last.Role)
		assert.Equal(t, "4", last.Content)
		assert.Equal(t, "tc-1", last.ToolCallID)
	})

	t.Run("should answer directly without tools", func(t *testing.T) {
		reg := tools.NewRegistry(testLogger())
		provider := &fakeProvider{responses: []*Response{textResponse("Paris.")}}

		f := newFixture(t, provider, reg, 5)
		result, err := f.runner.Run(context.Background(), "Capital of France?")

		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, "Paris.", result.Answer)
		assert.Equal(t, 1, result.Steps)
	})
}

func TestRunMaxSteps(t *testing.T) {
	t.Run("should stop when the step budget runs out", func(t *testing.T) {
		var invocations int32
		reg := tools.NewRegistry(testLogger())
		require.NoError(t, reg.Register(countingTool("lookup", "ok", &invocations)))

		// Different args every step so the loop detector stays quiet.
		provider := &fakeProvider{responses: []*Response{
			toolResponse("step one", call("a", "lookup", `{"input":"1"}`)),
			toolResponse("step two", call("b", "lookup", `{"input":"2"}`)),
			toolResponse("step three", call("c", "lookup", `{"input":"3"}`)),
		}}

		f := newFixture(t, provider, reg, 3)
		result, err := f.runner.Run(context.Background(), "keep going")

		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, "Agent reached max steps (3) without completing the task.", result.Answer)
		assert.Equal(t, 3, result.Steps)
		assert.Equal(t, int32(3), atomic.LoadInt32(&invocations))
	})
}

func TestRunLoopDetection(t *testing.T) {
	t.Run("should not invoke a flagged repeated call", func(t *testing.T) {
		var invocations int32
		reg := tools.NewRegistry(testLogger())
		require.NoError(t, reg.Register(countingTool("lookup", "same thing", &invocations)))

		identical := func(id string) *Response {
			return toolResponse("trying again "+id, call(id, "lookup", `{"input":"x"}`))
		}
		provider := &fakeProvider{responses: []*Response{
			identical("a"), identical("b"), identical("c"), textResponse("giving up"),
		}}

		f := newFixture(t, provider, reg, 10)
		result, err := f.runner.Run(context.Background(), "loop me")

		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
		// Third identical signature is flagged, so only two real invocations.
		assert.Equal(t, int32(2), atomic.LoadInt32(&invocations))

		// The flagged slot still produced an observation for the model.
		fourth := provider.requests[3]
		last := fourth.Messages[len(fourth.Messages)-1]
		assert.Equal(t, "tool", last.Role)
		assert.Contains(t, last.Content, "LOOP DETECTED")
	})

	t.Run("should stop on stagnant reasoning", func(t *testing.T) {
		var invocations int32
		reg := tools.NewRegistry(testLogger())
		require.NoError(t, reg.Register(countingTool("lookup", "ok", &invocations)))

		// Same reasoning text with different tool args: the calls are fine,
		// the reasoning is not.
		provider := &fakeProvider{responses: []*Response{
			toolResponse("Let me check the data.", call("a", "lookup", `{"input":"1"}`)),
			toolResponse("Let me check the data.", call("b", "lookup", `{"input":"2"}`)),
		}}

		f := newFixture(t, provider, reg, 10)
		result, err := f.runner.Run(context.Background(), "stagnate")

		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Contains(t, result.Answer, "Agent stopped due to stagnation")
		assert.Equal(t, 2, result.Steps)

		// The stagnant step's own tool call still ran before the stop.
		assert.Equal(t, int32(2), atomic.LoadInt32(&invocations))

		// Both steps were recorded, observations included.
		tr, ok := f.tracer.Get(result.TraceID)
		require.True(t, ok)
		require.Len(t, tr.Steps, 2)
		require.Len(t, tr.Steps[1].ToolCalls, 1)
		assert.Equal(t, "ok", tr.Steps[1].ToolCalls[0].ToolOutput)
	})

	t.Run("should keep a final answer that repeats earlier reasoning", func(t *testing.T) {
		var invocations int32
		reg := tools.NewRegistry(testLogger())
		require.NoError(t, reg.Register(countingTool("lookup", "ok", &invocations)))

		// The closing answer echoes the step-1 reasoning verbatim; a plain
		// text response is the final answer, never a stagnation stop.
		provider := &fakeProvider{responses: []*Response{
			toolResponse("Checking the data.", call("a", "lookup", `{"input":"1"}`)),
			textResponse("Checking the data."),
		}}

		f := newFixture(t, provider, reg, 10)
		result, err := f.runner.Run(context.Background(), "echo yourself")

		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, "Checking the data.", result.Answer)
		assert.Equal(t, 2, result.Steps)
	})
}

func TestRunToolFaultIsolation(t *testing.T) {
	t.Run("should isolate a failing sibling call", func(t *testing.T) {
		var invocations int32
		reg := tools.NewRegistry(testLogger())
		require.NoError(t, reg.Register(countingTool("good", "fine", &invocations)))
		require.NoError(t, reg.Register(failingTool("bad", errors.New("disk on fire"))))

		provider := &fakeProvider{responses: []*Response{
			toolResponse("fan out",
				call("g", "good", `{"input":"a"}`),
				call("b", "bad", `{"input":"b"}`),
			),
			textResponse("done"),
		}}

		f := newFixture(t, provider, reg, 10)
		result, err := f.runner.Run(context.Background(), "mixed bag")

		require.NoError(t, err)
		assert.Equal(t, "done", result.Answer)
		assert.Equal(t, int32(1), atomic.LoadInt32(&invocations))

		// Observations come back in request order, fault folded into text.
		second := provider.requests[1]
		msgs := second.Messages
		goodMsg := msgs[len(msgs)-2]
		badMsg := msgs[len(msgs)-1]
		assert.Equal(t, "fine", goodMsg.Content)
		assert.Equal(t, "g", goodMsg.ToolCallID)
		assert.Contains(t, badMsg.Content, "disk on fire")
		assert.Equal(t, "b", badMsg.ToolCallID)
	})

	t.Run("should fold invalid arguments into the observation", func(t *testing.T) {
		var invocations int32
		reg := tools.NewRegistry(testLogger())
		require.NoError(t, reg.Register(countingTool("lookup", "ok", &invocations)))

		provider := &fakeProvider{responses: []*Response{
			toolResponse("garbage args", call("a", "lookup", `{not json`)),
			textResponse("done"),
		}}

		f := newFixture(t, provider, reg, 10)
		_, err := f.runner.Run(context.Background(), "bad args")
		require.NoError(t, err)

		assert.Equal(t, int32(0), atomic.LoadInt32(&invocations))
		second := provider.requests[1]
		last := second.Messages[len(second.Messages)-1]
		assert.Contains(t, last.Content, "invalid tool arguments")
	})
}

func TestRunGatewayFault(t *testing.T) {
	t.Run("should return an error result on gateway failure", func(t *testing.T) {
		reg := tools.NewRegistry(testLogger())
		provider := &fakeProvider{err: errors.New("429 rate limited")}

		f := newFixture(t, provider, reg, 5)
		result, err := f.runner.Run(context.Background(), "doomed")

		require.Error(t, err)
		assert.Equal(t, StatusError, result.Status)
		assert.Contains(t, result.Answer, "429 rate limited")
		assert.Equal(t, 0, result.Steps)

		tr, ok := f.tracer.Get(result.TraceID)
		require.True(t, ok)
		assert.Equal(t, trace.StatusError, tr.Status)
	})
}

func TestRunTraceAndCosts(t *testing.T) {
	t.Run("should record strictly increasing step numbers", func(t *testing.T) {
		var invocations int32
		reg := tools.NewRegistry(testLogger())
		require.NoError(t, reg.Register(countingTool("lookup", "ok", &invocations)))

		provider := &fakeProvider{responses: []*Response{
			toolResponse("one", call("a", "lookup", `{"input":"1"}`)),
			toolResponse("two", call("b", "lookup", `{"input":"2"}`)),
			textResponse("final"),
		}}

		f := newFixture(t, provider, reg, 10)
		result, err := f.runner.Run(context.Background(), "trace me")
		require.NoError(t, err)

		tr, ok := f.tracer.Get(result.TraceID)
		require.True(t, ok)
		require.Len(t, tr.Steps, 3)
		for i, step := range tr.Steps {
			assert.Equal(t, i+1, step.StepNumber)
		}
		assert.Equal(t, "final", tr.FinalAnswer)
	})

	t.Run("should feed the cost ledger with default rates", func(t *testing.T) {
		reg := tools.NewRegistry(testLogger())
		provider := &fakeProvider{responses: []*Response{textResponse("cheap")}}

		f := newFixture(t, provider, reg, 5)
		_, err := f.runner.Run(context.Background(), "how much")
		require.NoError(t, err)

		completed := f.tracker.Completed()
		require.Len(t, completed, 1)
		assert.Equal(t, 1000, completed[0].TotalInputTokens)
		assert.Equal(t, 500, completed[0].TotalOutputTokens)
		assert.InDelta(t, 0.00045, completed[0].TotalCostUSD, 1e-12)
	})
}

func TestRunDetectorResetBetweenRuns(t *testing.T) {
	t.Run("should not carry loop state across runs", func(t *testing.T) {
		var invocations int32
		reg := tools.NewRegistry(testLogger())
		require.NoError(t, reg.Register(countingTool("lookup", "ok", &invocations)))

		identical := func(id string) *Response {
			return toolResponse(fmt.Sprintf("attempt %s", id), call(id, "lookup", `{"input":"x"}`))
		}
		provider := &fakeProvider{responses: []*Response{
			identical("a"), identical("b"), textResponse("done one"),
			identical("c"), identical("d"), textResponse("done two"),
		}}

		f := newFixture(t, provider, reg, 10)

		_, err := f.runner.Run(context.Background(), "first")
		require.NoError(t, err)
		_, err = f.runner.Run(context.Background(), "second")
		require.NoError(t, err)

		// Two identical calls per run stay under the threshold only if the
		// detector resets in between.
		assert.Equal(t, int32(4), atomic.LoadInt32(&invocations))
	})
}

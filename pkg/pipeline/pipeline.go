// Package pipeline chains the research, analysis, and writing specialists
// into a three-phase run: research → analysis → report.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/halvard/skald/internal/observability"
	"github.com/halvard/skald/pkg/agent"
	"github.com/halvard/skald/pkg/costs"
	"github.com/halvard/skald/pkg/tools"
	"github.com/halvard/skald/pkg/trace"
	"github.com/rs/zerolog"
)

// Deps carries the shared collaborators every specialist is built from.
type Deps struct {
	Provider agent.Provider
	Registry *tools.Registry
	Tracker  *costs.Tracker
	Tracer   *trace.Tracer
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
	Out      io.Writer

	Model       string
	Temperature float64
	MaxTokens   int

	ResearcherMaxSteps int
	AnalystMaxSteps    int
	WriterMaxSteps     int
}

// PhaseResult pairs a phase name with the run that produced it.
type PhaseResult struct {
	Phase  string          `json:"phase"`
	Result agent.RunResult `json:"result"`
}

// Report is the outcome of one pipeline execution. FinalReport is empty
// when a phase aborted the chain.
type Report struct {
	Query       string        `json:"query"`
	Research    string        `json:"research"`
	Analysis    string        `json:"analysis"`
	FinalReport string        `json:"final_report"`
	Phases      []PhaseResult `json:"phases"`
}

// Pipeline owns the three specialists and runs them in order.
type Pipeline struct {
	researcher *agent.Runner
	analyst    *agent.Runner
	writer     *agent.Runner
	logger     zerolog.Logger
	out        io.Writer
}

// New builds the pipeline from shared dependencies.
func New(d Deps) (*Pipeline, error) {
	researcher, err := NewResearcher(d)
	if err != nil {
		return nil, fmt.Errorf("failed to build researcher: %w", err)
	}
	analyst, err := NewAnalyst(d)
	if err != nil {
		return nil, fmt.Errorf("failed to build analyst: %w", err)
	}
	writer, err := NewWriter(d)
	if err != nil {
		return nil, fmt.Errorf("failed to build writer: %w", err)
	}

	out := d.Out
	if out == nil {
		out = os.Stdout
	}

	return &Pipeline{
		researcher: researcher,
		analyst:    analyst,
		writer:     writer,
		logger:     d.Logger,
		out:        out,
	}, nil
}

// Execute runs the three phases in order. A phase ending in status error
// aborts the chain; the partial report and the phase error are returned.
func (p *Pipeline) Execute(ctx context.Context, query string) (Report, error) {
	report := Report{Query: query}

	fmt.Fprintf(p.out, "=== Phase 1/3: Research ===\n")
	research, err := p.runPhase(ctx, &report, p.researcher, query)
	if err != nil {
		return report, err
	}
	report.Research = research

	fmt.Fprintf(p.out, "\n=== Phase 2/3: Analysis ===\n")
	analysis, err := p.runPhase(ctx, &report, p.analyst, fmt.Sprintf(
		"Topic: %s\n\nResearch findings:\n%s\n\nAnalyze these findings.",
		query, research))
	if err != nil {
		return report, err
	}
	report.Analysis = analysis

	fmt.Fprintf(p.out, "\n=== Phase 3/3: Report ===\n")
	final, err := p.runPhase(ctx, &report, p.writer, fmt.Sprintf(
		"Topic: %s\n\nResearch findings:\n%s\n\nAnalysis:\n%s\n\nWrite the final report.",
		query, research, analysis))
	if err != nil {
		return report, err
	}
	report.FinalReport = final

	return report, nil
}

func (p *Pipeline) runPhase(ctx context.Context, report *Report, runner *agent.Runner, prompt string) (string, error) {
	result, err := runner.Run(ctx, prompt)
	report.Phases = append(report.Phases, PhaseResult{
		Phase:  runner.Name(),
		Result: result,
	})

	if err != nil {
		p.logger.Error().Err(err).Str("phase", runner.Name()).Msg("Pipeline phase failed")
		fmt.Fprintf(p.out, "Phase %s failed: %v\n", runner.Name(), err)
		return "", fmt.Errorf("phase %s failed: %w", runner.Name(), err)
	}

	fmt.Fprintf(p.out, "Phase %s completed in %d step(s).\n", runner.Name(), result.Steps)
	return result.Answer, nil
}

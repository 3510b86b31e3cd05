package pipeline

import (
	"github.com/halvard/skald/pkg/agent"
)

// Default step budgets per specialist role.
const (
	DefaultResearcherMaxSteps = 15
	DefaultAnalystMaxSteps    = 20
	DefaultWriterMaxSteps     = 4
)

const researcherPrompt = `You are a research specialist. Gather factual,
relevant information for the given topic using your tools. Cite where each
fact came from. When you have enough material, reply with a plain-text
summary of your findings and stop calling tools.`

const analystPrompt = `You are an analyst. You receive raw research findings
and must extract insights, run any calculations needed, and identify gaps or
contradictions. Reply with a structured analysis in plain text.`

const writerPrompt = `You are a technical writer. You receive research
findings and an analysis. Produce a clear, well-organized final report in
Markdown. Do not invent facts not present in your inputs.`

// NewResearcher builds the fact-gathering specialist. It may browse and
// read workspace files.
func NewResearcher(d Deps) (*agent.Runner, error) {
	return agent.NewRunner(agent.Config{
		Name:         "researcher",
		Provider:     d.Provider,
		Registry:     d.Registry.Subset("web_fetch", "read_file", "current_time"),
		Tracker:      d.Tracker,
		Tracer:       d.Tracer,
		Metrics:      d.Metrics,
		Logger:       d.Logger,
		Model:        d.Model,
		SystemPrompt: researcherPrompt,
		Temperature:  d.Temperature,
		MaxTokens:    d.MaxTokens,
		MaxSteps:     stepsOrDefault(d.ResearcherMaxSteps, DefaultResearcherMaxSteps),
	})
}

// NewAnalyst builds the analysis specialist. It may calculate and read
// workspace files, but never browse.
func NewAnalyst(d Deps) (*agent.Runner, error) {
	return agent.NewRunner(agent.Config{
		Name:         "analyst",
		Provider:     d.Provider,
		Registry:     d.Registry.Subset("calculate", "read_file"),
		Tracker:      d.Tracker,
		Tracer:       d.Tracer,
		Metrics:      d.Metrics,
		Logger:       d.Logger,
		Model:        d.Model,
		SystemPrompt: analystPrompt,
		Temperature:  d.Temperature,
		MaxTokens:    d.MaxTokens,
		MaxSteps:     stepsOrDefault(d.AnalystMaxSteps, DefaultAnalystMaxSteps),
	})
}

// NewWriter builds the report-writing specialist. It works from its inputs
// alone and gets no tools.
func NewWriter(d Deps) (*agent.Runner, error) {
	return agent.NewRunner(agent.Config{
		Name:         "writer",
		Provider:     d.Provider,
		Registry:     d.Registry.Subset(),
		Tracker:      d.Tracker,
		Tracer:       d.Tracer,
		Metrics:      d.Metrics,
		Logger:       d.Logger,
		Model:        d.Model,
		SystemPrompt: writerPrompt,
		Temperature:  d.Temperature,
		MaxTokens:    d.MaxTokens,
		MaxSteps:     stepsOrDefault(d.WriterMaxSteps, DefaultWriterMaxSteps),
	})
}

func stepsOrDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// Package loopdetect flags repeated tool invocations and stagnant reasoning
// output so the agent loop can stop spinning instead of burning tokens.
package loopdetect

import (
	"fmt"
	"strings"
	"sync"
)

// Strategy names for flagged results.
const (
	StrategyIdenticalCalls = "identical_calls"
	StrategyStagnantOutput = "stagnant_output"
)

// Result is the outcome of a loop check.
type Result struct {
	IsLooping bool
	Strategy  string
	Message   string
}

// Config tunes detection thresholds.
type Config struct {
	// MaxIdenticalCalls flags a tool call once the same (name, arguments)
	// signature has been seen this many times within the window.
	MaxIdenticalCalls int
	// CallWindow bounds how many recent call signatures are retained.
	CallWindow int
	// OutputWindow bounds how many recent reasoning texts are retained.
	OutputWindow int
}

// DefaultConfig returns the thresholds used when none are provided.
func DefaultConfig() Config {
	return Config{
		MaxIdenticalCalls: 3,
		CallWindow:        10,
		OutputWindow:      3,
	}
}

// Detector tracks recent tool-call signatures and reasoning outputs for one
// run. It is safe for concurrent use.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	calls   []string
	outputs []string
}

// New creates a detector with default thresholds.
func New() *Detector {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a detector with explicit thresholds. Zero values
// fall back to defaults.
func NewWithConfig(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.MaxIdenticalCalls <= 0 {
		cfg.MaxIdenticalCalls = def.MaxIdenticalCalls
	}
	if cfg.CallWindow <= 0 {
		cfg.CallWindow = def.CallWindow
	}
	if cfg.OutputWindow <= 0 {
		cfg.OutputWindow = def.OutputWindow
	}
	return &Detector{cfg: cfg}
}

// Reset clears all tracked state. Call it at the start of a run so one
// run's history cannot flag the next.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
	d.outputs = nil
}

// CheckToolCall records a requested tool call and reports whether the same
// tool with the same raw arguments is being requested repeatedly.
func (d *Detector) CheckToolCall(name, rawArgs string) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	sig := name + "\x00" + rawArgs

	d.calls = append(d.calls, sig)
	if len(d.calls) > d.cfg.CallWindow {
		d.calls = d.calls[len(d.calls)-d.cfg.CallWindow:]
	}

	count := 0
	for _, s := range d.calls {
		if s == sig {
			count++
		}
	}

	if count >= d.cfg.MaxIdenticalCalls {
		return Result{
			IsLooping: true,
			Strategy:  StrategyIdenticalCalls,
			Message:   fmt.Sprintf("tool %q has been called %d times with identical arguments", name, count),
		}
	}

	return Result{}
}

// CheckOutputStagnation records a reasoning text and reports whether it
// repeats a recent one. Tool output is never fed here; only the model's
// own reasoning counts as stagnation.
func (d *Detector) CheckOutputStagnation(text string) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	norm := normalize(text)
	if norm == "" {
		return Result{}
	}

	for _, prev := range d.outputs {
		if prev == norm {
			return Result{
				IsLooping: true,
				Strategy:  StrategyStagnantOutput,
				Message:   "reasoning output is repeating without progress",
			}
		}
	}

	d.outputs = append(d.outputs, norm)
	if len(d.outputs) > d.cfg.OutputWindow {
		d.outputs = d.outputs[len(d.outputs)-d.cfg.OutputWindow:]
	}

	return Result{}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

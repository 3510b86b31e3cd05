// Package agent implements the think-act-observe loop that drives a model
// against a tool registry.
//
// Each step makes exactly one gateway call. When the model requests tool
// calls they are executed concurrently and their observations joined back
// in request order; when it answers in plain text the run completes. Runs
// terminate on completion, step exhaustion, loop or stagnation detection,
// or a gateway fault.
package agent

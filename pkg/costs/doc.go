// Package costs maintains token and dollar-cost ledgers for agent runs.
//
// Invariants:
// - At most one ledger is active per Tracker at any time.
// - Ledger totals are updated incrementally with every appended step.
// - Tracker operations are log-and-continue; they never fail a run.
package costs

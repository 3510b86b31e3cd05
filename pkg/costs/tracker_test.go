package costs

import (
	"os"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

func TestTrackerLogCompletion(t *testing.T) {
	t.Run("should compute default rate cost", func(t *testing.T) {
		tracker := NewTracker(testLogger(), nil)
		tracker.StartQuery("test query")

		tracker.LogCompletion(1, "some-unknown-model", &Usage{InputTokens: 1000, OutputTokens: 500}, false)

		active, ok := tracker.Active()
		require.True(t, ok)
		require.Len(t, active.Steps, 1)
		assert.InDelta(t, 0.00045, active.Steps[0].CostUSD, 1e-12)
		assert.InDelta(t, 0.00045, active.TotalCostUSD, 1e-12)
	})

	t.Run("should maintain running totals incrementally", func(t *testing.T) {
		tracker := NewTracker(testLogger(), nil)
		tracker.StartQuery("test query")

		var wantCost float64
		var wantIn, wantOut int
		for step := 1; step <= 5; step++ {
			usage := &Usage{InputTokens: step * 100, OutputTokens: step * 10}
			tracker.LogCompletion(step, "", usage, step%2 == 0)

			wantCost += float64(usage.InputTokens)/1e6*0.15 + float64(usage.OutputTokens)/1e6*0.60
			wantIn += usage.InputTokens
			wantOut += usage.OutputTokens

			// Totals must equal the sum of steps after every append.
			active, ok := tracker.Active()
			require.True(t, ok)
			assert.InDelta(t, wantCost, active.TotalCostUSD, 1e-12)
			assert.Equal(t, wantIn, active.TotalInputTokens)
			assert.Equal(t, wantOut, active.TotalOutputTokens)

			var sum float64
			for _, s := range active.Steps {
				sum += s.CostUSD
			}
			assert.InDelta(t, sum, active.TotalCostUSD, 1e-12)
		}
	})

	t.Run("should no-op without an active query", func(t *testing.T) {
		tracker := NewTracker(testLogger(), nil)

		tracker.LogCompletion(1, "model", &Usage{InputTokens: 10, OutputTokens: 10}, false)

		_, ok := tracker.Active()
		assert.False(t, ok)
		assert.Empty(t, tracker.Completed())
	})

	t.Run("should no-op on absent usage", func(t *testing.T) {
		tracker := NewTracker(testLogger(), nil)
		tracker.StartQuery("q")

		tracker.LogCompletion(1, "model", nil, false)

		active, ok := tracker.Active()
		require.True(t, ok)
		assert.Empty(t, active.Steps)
	})

	t.Run("should use pricing table rates when present", func(t *testing.T) {
		table := DefaultTable()
		table.Set("expensive-model", Rate{InputPerMTok: 3.0, OutputPerMTok: 15.0})

		tracker := NewTracker(testLogger(), table)
		tracker.StartQuery("q")
		tracker.LogCompletion(1, "expensive-model", &Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, false)

		active, _ := tracker.Active()
		assert.InDelta(t, 18.0, active.TotalCostUSD, 1e-9)
	})
}

func TestTrackerLifecycle(t *testing.T) {
	t.Run("should seal active ledger on end", func(t *testing.T) {
		tracker := NewTracker(testLogger(), nil)
		tracker.StartQuery("q1")
		tracker.LogCompletion(1, "", &Usage{InputTokens: 1, OutputTokens: 1}, false)
		tracker.EndQuery()

		_, ok := tracker.Active()
		assert.False(t, ok)

		completed := tracker.Completed()
		require.Len(t, completed, 1)
		assert.Equal(t, "q1", completed[0].Query)
	})

	t.Run("should be a no-op to end without active ledger", func(t *testing.T) {
		tracker := NewTracker(testLogger(), nil)

		assert.NotPanics(t, func() { tracker.EndQuery() })
		assert.Empty(t, tracker.Completed())
	})

	t.Run("should seal previous ledger when a new query starts", func(t *testing.T) {
		tracker := NewTracker(testLogger(), nil)
		tracker.StartQuery("first")
		tracker.LogCompletion(1, "", &Usage{InputTokens: 1, OutputTokens: 1}, false)

		tracker.StartQuery("second")

		completed := tracker.Completed()
		require.Len(t, completed, 1)
		assert.Equal(t, "first", completed[0].Query)

		active, ok := tracker.Active()
		require.True(t, ok)
		assert.Equal(t, "second", active.Query)
		assert.Empty(t, active.Steps)
	})
}

func TestTrackerSummary(t *testing.T) {
	t.Run("should report when nothing is tracked", func(t *testing.T) {
		tracker := NewTracker(testLogger(), nil)
		assert.Contains(t, tracker.Summary(), "No queries tracked yet")
	})

	t.Run("should render per-step breakdown and grand totals", func(t *testing.T) {
		tracker := NewTracker(testLogger(), nil)
		tracker.StartQuery("how do ledgers work?")
		tracker.LogCompletion(1, "m1", &Usage{InputTokens: 1000, OutputTokens: 500}, false)
		tracker.LogCompletion(2, "m1", &Usage{InputTokens: 2000, OutputTokens: 100}, true)
		tracker.EndQuery()

		summary := tracker.Summary()
		assert.Contains(t, summary, "COST BREAKDOWN")
		assert.Contains(t, summary, "how do ledgers work?")
		assert.Contains(t, summary, "Step 1 (Response)")
		assert.Contains(t, summary, "Step 2 (Tool Call)")
		assert.Contains(t, summary, "TOTAL:")

		// Rendering must not mutate state.
		assert.Len(t, tracker.Completed(), 1)
	})

	t.Run("should not split a rune when shortening a long query", func(t *testing.T) {
		tracker := NewTracker(testLogger(), nil)
		// The 50-byte cut lands inside the first multi-byte rune.
		tracker.StartQuery(strings.Repeat("a", 49) + strings.Repeat("å", 10))
		tracker.LogCompletion(1, "m1", &Usage{InputTokens: 1, OutputTokens: 1}, false)
		tracker.EndQuery()

		summary := tracker.Summary()
		assert.True(t, utf8.ValidString(summary))
		assert.Contains(t, summary, strings.Repeat("a", 49)+"...")
	})
}

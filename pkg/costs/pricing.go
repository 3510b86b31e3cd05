package costs

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Rate holds USD prices per one million tokens.
type Rate struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// DefaultRate is used for models without a pricing entry.
var DefaultRate = Rate{InputPerMTok: 0.15, OutputPerMTok: 0.60}

// Table maps model identifiers to token rates. Lookups for unknown or empty
// model names fall back to DefaultRate.
type Table struct {
	mu     sync.RWMutex
	rates  map[string]Rate
	logger zerolog.Logger
}

// DefaultTable returns an empty table; every lookup resolves to DefaultRate.
func DefaultTable() *Table {
	return &Table{rates: make(map[string]Rate)}
}

// LoadTable reads a JSON file of the form {"model": {"input_per_mtok": x, "output_per_mtok": y}}.
func LoadTable(path string, logger zerolog.Logger) (*Table, error) {
	t := &Table{rates: make(map[string]Rate), logger: logger}
	if err := t.loadFrom(path); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) loadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pricing table: %w", err)
	}

	rates := make(map[string]Rate)
	if err := json.Unmarshal(data, &rates); err != nil {
		return fmt.Errorf("failed to parse pricing table: %w", err)
	}

	t.mu.Lock()
	t.rates = rates
	t.mu.Unlock()

	t.logger.Debug().Int("models", len(rates)).Str("path", path).Msg("Pricing table loaded")
	return nil
}

// Rate returns the rate pair for a model, falling back to DefaultRate.
func (t *Table) Rate(model string) Rate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, ok := t.rates[model]; ok {
		return r
	}
	return DefaultRate
}

// Set overrides the rate pair for a model.
func (t *Table) Set(model string, r Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[model] = r
}

// Cost computes the deterministic USD cost for a completion.
func (t *Table) Cost(model string, inputTokens, outputTokens int) float64 {
	r := t.Rate(model)
	return float64(inputTokens)/1_000_000*r.InputPerMTok + float64(outputTokens)/1_000_000*r.OutputPerMTok
}

// TableWatcher reloads a pricing table when its backing file changes.
type TableWatcher struct {
	watcher  *fsnotify.Watcher
	table    *Table
	path     string
	logger   zerolog.Logger
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// WatchTable starts watching path and reloads table on write events.
func WatchTable(table *Table, path string, logger zerolog.Logger) (*TableWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	tw := &TableWatcher{
		watcher:  watcher,
		table:    table,
		path:     path,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch pricing table: %w", err)
	}

	go tw.run()

	return tw, nil
}

// Stop stops the watcher.
func (tw *TableWatcher) Stop() error {
	close(tw.stopCh)
	return tw.watcher.Close()
}

func (tw *TableWatcher) run() {
	for {
		select {
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				tw.scheduleReload()
			}

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			tw.logger.Warn().Err(err).Msg("Pricing table watcher error")

		case <-tw.stopCh:
			return
		}
	}
}

func (tw *TableWatcher) scheduleReload() {
	if tw.timer != nil {
		tw.timer.Stop()
	}
	tw.timer = time.AfterFunc(tw.debounce, func() {
		if err := tw.table.loadFrom(tw.path); err != nil {
			tw.logger.Warn().Err(err).Msg("Pricing table reload failed")
			return
		}
		tw.logger.Info().Str("path", tw.path).Msg("Pricing table reloaded")
	})
}

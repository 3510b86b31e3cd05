package costs

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store persists sealed cost ledgers to SQLite for later inspection.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenStore opens (or creates) a ledger database at path.
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS queries (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			total_cost_usd REAL NOT NULL,
			total_input_tokens INTEGER NOT NULL,
			total_output_tokens INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS query_steps (
			id TEXT PRIMARY KEY,
			query_id TEXT NOT NULL REFERENCES queries(id),
			step_number INTEGER NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			is_tool_call INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_query_steps_query ON query_steps(query_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return nil
}

// SaveQuery writes one sealed ledger and its steps in a single transaction.
// It returns the generated ledger id.
func (s *Store) SaveQuery(q QueryCost) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate ledger id: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO queries (id, query, total_cost_usd, total_input_tokens, total_output_tokens)
		 VALUES (?, ?, ?, ?, ?)`,
		id, q.Query, q.TotalCostUSD, q.TotalInputTokens, q.TotalOutputTokens,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert ledger: %w", err)
	}

	for _, step := range q.Steps {
		stepID, err := gonanoid.New()
		if err != nil {
			return "", fmt.Errorf("failed to generate step id: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO query_steps (id, query_id, step_number, model, input_tokens, output_tokens, cost_usd, is_tool_call)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			stepID, id, step.StepNumber, step.Model, step.InputTokens, step.OutputTokens, step.CostUSD, step.IsToolCall,
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert step cost: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit ledger: %w", err)
	}

	s.logger.Debug().Str("ledger_id", id).Int("steps", len(q.Steps)).Msg("Ledger persisted")
	return id, nil
}

// SaveAll persists every ledger in order, stopping at the first failure.
func (s *Store) SaveAll(ledgers []QueryCost) error {
	for _, q := range ledgers {
		if _, err := s.SaveQuery(q); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bastion/core"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite is the detection rule store. Writes go through a single-connection
// pool so WAL mode keeps its one-writer guarantee; reads use a separate pool
// and run concurrently.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

// configureConnection applies the pragmas every pool needs: WAL journaling,
// foreign keys and a busy timeout. SQLite ships with foreign keys off, so the
// pragma is verified rather than assumed.
func configureConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got %d)", fkEnabled)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases report "memory", not "wal".
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got %s)", journalMode)
	}
	return nil
}

// NewSQLite opens the rule store, creating the database file and schema when
// absent.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Shared cache keeps both pools on the same database when it lives
	// in memory.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write pool: %w", err)
	}
	if err := configureConnection(writeDB, dbPath); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read pool: %w", err)
	}
	if err := configureConnection(readDB, dbPath); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Infow("SQLite rule store ready", "path", dbPath)
	return s, nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS detection_rules (
		rule_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		detection_query TEXT NOT NULL,
		level TEXT NOT NULL,
		severity INTEGER NOT NULL DEFAULT 0,
		mitre_techniques TEXT NOT NULL DEFAULT '[]',
		mitre_tactics TEXT NOT NULL DEFAULT '[]',
		category TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'custom',
		enabled INTEGER NOT NULL DEFAULT 1,
		aggregation TEXT,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_detection_rules_enabled ON detection_rules(enabled);
	CREATE INDEX IF NOT EXISTS idx_detection_rules_category ON detection_rules(category);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create detection_rules schema: %w", err)
	}
	return nil
}

const ruleColumns = `rule_id, title, description, detection_query, level, severity,
	mitre_techniques, mitre_tactics, category, source, enabled, aggregation, updated_at`

// CreateRule inserts a new detection rule.
func (s *SQLite) CreateRule(ctx context.Context, rule *core.DetectionRule) error {
	techniques, tactics, aggregation, err := marshalRuleFields(rule)
	if err != nil {
		return err
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}

	_, err = s.WriteDB.ExecContext(ctx, `
		INSERT INTO detection_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.RuleID, rule.Title, rule.Description, rule.DetectionQuery,
		rule.Level, rule.Severity, techniques, tactics,
		rule.Category, rule.Source, rule.Enabled, aggregation, rule.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.RuleID)
		}
		return fmt.Errorf("failed to insert rule %s: %w", rule.RuleID, err)
	}
	return nil
}

// UpsertRule inserts or replaces a detection rule by rule_id.
func (s *SQLite) UpsertRule(ctx context.Context, rule *core.DetectionRule) error {
	techniques, tactics, aggregation, err := marshalRuleFields(rule)
	if err != nil {
		return err
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}

	_, err = s.WriteDB.ExecContext(ctx, `
		INSERT INTO detection_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			detection_query = excluded.detection_query,
			level = excluded.level,
			severity = excluded.severity,
			mitre_techniques = excluded.mitre_techniques,
			mitre_tactics = excluded.mitre_tactics,
			category = excluded.category,
			source = excluded.source,
			enabled = excluded.enabled,
			aggregation = excluded.aggregation,
			updated_at = excluded.updated_at`,
		rule.RuleID, rule.Title, rule.Description, rule.DetectionQuery,
		rule.Level, rule.Severity, techniques, tactics,
		rule.Category, rule.Source, rule.Enabled, aggregation, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", rule.RuleID, err)
	}
	return nil
}

// GetRule returns a single rule by ID.
func (s *SQLite) GetRule(ctx context.Context, ruleID string) (*core.DetectionRule, error) {
	row := s.ReadDB.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM detection_rules WHERE rule_id = ?`, ruleID)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", ruleID, err)
	}
	return rule, nil
}

// ListRules returns all rules ordered by rule_id.
func (s *SQLite) ListRules(ctx context.Context) ([]core.DetectionRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM detection_rules ORDER BY rule_id`)
}

// GetEnabledRules returns all enabled rules in insertion order. This is the
// rule evaluator's refresh source.
func (s *SQLite) GetEnabledRules(ctx context.Context) ([]core.DetectionRule, error) {
	return s.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM detection_rules WHERE enabled = 1 ORDER BY rowid`)
}

// SetRuleEnabled toggles a rule without rewriting it.
func (s *SQLite) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	res, err := s.WriteDB.ExecContext(ctx,
		`UPDATE detection_rules SET enabled = ?, updated_at = ? WHERE rule_id = ?`,
		enabled, time.Now().UTC(), ruleID)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", ruleID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return nil
}

// DeleteRule removes a rule.
func (s *SQLite) DeleteRule(ctx context.Context, ruleID string) error {
	res, err := s.WriteDB.ExecContext(ctx,
		`DELETE FROM detection_rules WHERE rule_id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", ruleID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return nil
}

func (s *SQLite) queryRules(ctx context.Context, query string, args ...interface{}) ([]core.DetectionRule, error) {
	rows, err := s.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []core.DetectionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rule iteration failed: %w", err)
	}
	return rules, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*core.DetectionRule, error) {
	var rule core.DetectionRule
	var techniques, tactics string
	var aggregation sql.NullString

	err := row.Scan(&rule.RuleID, &rule.Title, &rule.Description, &rule.DetectionQuery,
		&rule.Level, &rule.Severity, &techniques, &tactics,
		&rule.Category, &rule.Source, &rule.Enabled, &aggregation, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(techniques), &rule.MitreTechniques); err != nil {
		return nil, fmt.Errorf("malformed mitre_techniques for rule %s: %w", rule.RuleID, err)
	}
	if err := json.Unmarshal([]byte(tactics), &rule.MitreTactics); err != nil {
		return nil, fmt.Errorf("malformed mitre_tactics for rule %s: %w", rule.RuleID, err)
	}
	if aggregation.Valid && aggregation.String != "" {
		rule.Aggregation = &core.RuleAggregation{}
		if err := json.Unmarshal([]byte(aggregation.String), rule.Aggregation); err != nil {
			return nil, fmt.Errorf("malformed aggregation for rule %s: %w", rule.RuleID, err)
		}
	}
	return &rule, nil
}

func marshalRuleFields(rule *core.DetectionRule) (techniques, tactics string, aggregation sql.NullString, err error) {
	t, err := json.Marshal(emptyIfNil(rule.MitreTechniques))
	if err != nil {
		return "", "", sql.NullString{}, fmt.Errorf("failed to marshal mitre_techniques: %w", err)
	}
	ta, err := json.Marshal(emptyIfNil(rule.MitreTactics))
	if err != nil {
		return "", "", sql.NullString{}, fmt.Errorf("failed to marshal mitre_tactics: %w", err)
	}
	if rule.Aggregation != nil {
		a, err := json.Marshal(rule.Aggregation)
		if err != nil {
			return "", "", sql.NullString{}, fmt.Errorf("failed to marshal aggregation: %w", err)
		}
		aggregation = sql.NullString{String: string(a), Valid: true}
	}
	return string(t), string(ta), aggregation, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

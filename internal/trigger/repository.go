package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for rule persistence.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context) ([]Rule, error)
	Create(ctx context.Context, rule *Rule) error
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
}

// LogStore persists evaluation and dynamic-run records.
type LogStore interface {
	// Create stores rec, assigning an ID when empty, and returns the ID.
	Create(ctx context.Context, rec *RuleLog) (string, error)
	ListByRule(ctx context.Context, ruleID string, limit int) ([]RuleLog, error)
	ListByExecution(ctx context.Context, executeID string) ([]RuleLog, error)
}

// ruleColumns is the SELECT column list for rule queries.
const ruleColumns = `id, name, condition, camera_ids, device_ids, execute, enabled, created_at, updated_at`

// logColumns is the SELECT column list for log queries.
const logColumns = `id, rule_id, rule_name, condition, execute_id, kind, trigger_sources,
			condition_results, fired, execute_result, status, error_message, created_at`

// SQLiteRepository implements Repository and LogStore using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a rule by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Rule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM trigger_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("querying rule by id: %w", err)
	}
	return rule, nil
}

// List retrieves all rules ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Rule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM trigger_rules ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning rule: %w", scanErr)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}
	return rules, nil
}

// Create inserts a new rule.
func (r *SQLiteRepository) Create(ctx context.Context, rule *Rule) error {
	cams, devs, exec, err := marshalRule(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO trigger_rules (
			id, name, condition, camera_ids, device_ids, execute, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID,
		rule.Name,
		rule.Condition,
		cams,
		devs,
		exec,
		boolToInt(rule.Enabled),
		rule.CreatedAt.Format(time.RFC3339),
		rule.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRuleExists
		}
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

// Update modifies an existing rule.
func (r *SQLiteRepository) Update(ctx context.Context, rule *Rule) error {
	cams, devs, exec, err := marshalRule(rule)
	if err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE trigger_rules SET
			name = ?, condition = ?, camera_ids = ?, device_ids = ?,
			execute = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name,
		rule.Condition,
		cams,
		devs,
		exec,
		boolToInt(rule.Enabled),
		rule.UpdatedAt.Format(time.RFC3339),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	return expectOneRow(result, ErrRuleNotFound)
}

// Delete removes a rule by ID. Its logs are kept.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM trigger_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	return expectOneRow(result, ErrRuleNotFound)
}

// CreateLog inserts an evaluation or dynamic-run record.
func (r *SQLiteRepository) CreateLog(ctx context.Context, rec *RuleLog) (string, error) {
	if rec.ID == "" {
		rec.ID = GenerateID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Kind == "" {
		rec.Kind = LogEvaluation
	}
	if rec.Status == "" {
		rec.Status = StatusDone
	}

	sources, err := json.Marshal(nonNil(rec.TriggerSources))
	if err != nil {
		return "", fmt.Errorf("marshalling trigger sources: %w", err)
	}
	results, err := json.Marshal(nonNilResults(rec.Results))
	if err != nil {
		return "", fmt.Errorf("marshalling condition results: %w", err)
	}
	var execute sql.NullString
	if rec.Execute != nil {
		data, err := json.Marshal(rec.Execute)
		if err != nil {
			return "", fmt.Errorf("marshalling execute result: %w", err)
		}
		execute = sql.NullString{String: string(data), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO trigger_rule_logs (
			id, rule_id, rule_name, condition, execute_id, kind, trigger_sources,
			condition_results, fired, execute_result, status, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.RuleID,
		rec.RuleName,
		rec.Condition,
		rec.ExecuteID,
		string(rec.Kind),
		string(sources),
		string(results),
		boolToInt(rec.Fired),
		execute,
		string(rec.Status),
		nullableString(rec.Error),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("inserting rule log: %w", err)
	}
	return rec.ID, nil
}

// ListLogsByRule returns the most recent logs for a rule, newest first.
func (r *SQLiteRepository) ListLogsByRule(ctx context.Context, ruleID string, limit int) ([]RuleLog, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	return r.queryLogs(ctx,
		`SELECT `+logColumns+` FROM trigger_rule_logs WHERE rule_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		ruleID, limit)
}

// ListLogsByExecution returns every log sharing an execute id, oldest first.
func (r *SQLiteRepository) ListLogsByExecution(ctx context.Context, executeID string) ([]RuleLog, error) {
	return r.queryLogs(ctx,
		`SELECT `+logColumns+` FROM trigger_rule_logs WHERE execute_id = ? ORDER BY created_at, rowid`,
		executeID)
}

func (r *SQLiteRepository) queryLogs(ctx context.Context, query string, args ...any) ([]RuleLog, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rule logs: %w", err)
	}
	defer rows.Close()

	var logs []RuleLog
	for rows.Next() {
		rec, scanErr := scanLog(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning rule log: %w", scanErr)
		}
		logs = append(logs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rule logs: %w", err)
	}
	return logs, nil
}

// Logs adapts the repository to the LogStore interface.
func (r *SQLiteRepository) Logs() LogStore {
	return sqliteLogStore{r}
}

type sqliteLogStore struct{ r *SQLiteRepository }

func (s sqliteLogStore) Create(ctx context.Context, rec *RuleLog) (string, error) {
	return s.r.CreateLog(ctx, rec)
}

func (s sqliteLogStore) ListByRule(ctx context.Context, ruleID string, limit int) ([]RuleLog, error) {
	return s.r.ListLogsByRule(ctx, ruleID, limit)
}

func (s sqliteLogStore) ListByExecution(ctx context.Context, executeID string) ([]RuleLog, error) {
	return s.r.ListLogsByExecution(ctx, executeID)
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(scanner rowScanner) (*Rule, error) {
	var rule Rule
	var cams, devs, exec string
	var enabled int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Condition,
		&cams,
		&devs,
		&exec,
		&enabled,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled != 0
	if t, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
		rule.CreatedAt = t
	}
	if t, parseErr := time.Parse(time.RFC3339, updatedAt); parseErr == nil {
		rule.UpdatedAt = t
	}

	if err := json.Unmarshal([]byte(cams), &rule.Cameras); err != nil {
		return nil, fmt.Errorf("unmarshalling camera ids: %w", err)
	}
	if err := json.Unmarshal([]byte(devs), &rule.Devices); err != nil {
		return nil, fmt.Errorf("unmarshalling device ids: %w", err)
	}
	if err := json.Unmarshal([]byte(exec), &rule.Execute); err != nil {
		return nil, fmt.Errorf("unmarshalling execute info: %w", err)
	}
	return &rule, nil
}

func scanLog(scanner rowScanner) (*RuleLog, error) {
	var rec RuleLog
	var kind, sources, results, status, createdAt string
	var fired int
	var execute, errMsg sql.NullString

	err := scanner.Scan(
		&rec.ID,
		&rec.RuleID,
		&rec.RuleName,
		&rec.Condition,
		&rec.ExecuteID,
		&kind,
		&sources,
		&results,
		&fired,
		&execute,
		&status,
		&errMsg,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = LogKind(kind)
	rec.Status = LogStatus(status)
	rec.Fired = fired != 0
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	if t, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
		rec.CreatedAt = t
	}

	if err := json.Unmarshal([]byte(sources), &rec.TriggerSources); err != nil {
		return nil, fmt.Errorf("unmarshalling trigger sources: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &rec.Results); err != nil {
		return nil, fmt.Errorf("unmarshalling condition results: %w", err)
	}
	if execute.Valid && execute.String != "" && execute.String != "null" {
		rec.Execute = &ExecuteResult{}
		if err := json.Unmarshal([]byte(execute.String), rec.Execute); err != nil {
			return nil, fmt.Errorf("unmarshalling execute result: %w", err)
		}
	}
	return &rec, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

func marshalRule(rule *Rule) (cams, devs, exec string, err error) {
	c, err := json.Marshal(nonNil(rule.Cameras))
	if err != nil {
		return "", "", "", fmt.Errorf("marshalling camera ids: %w", err)
	}
	d, err := json.Marshal(nonNil(rule.Devices))
	if err != nil {
		return "", "", "", fmt.Errorf("marshalling device ids: %w", err)
	}
	e, err := json.Marshal(rule.Execute)
	if err != nil {
		return "", "", "", fmt.Errorf("marshalling execute info: %w", err)
	}
	return string(c), string(d), string(e), nil
}

func expectOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilResults(r []ConditionResult) []ConditionResult {
	if r == nil {
		return []ConditionResult{}
	}
	return r
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "unique constraint")
}

// Package sqlite persists datasets, runs, item results, tag metrics, and
// drift alerts in a local SQLite database.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"llmeval/internal/domain"
	"llmeval/internal/storage"
)

// SchemaVersion is bumped when tables or columns change. Older databases are
// migrated additively on open; newer ones are rejected.
const SchemaVersion = 3

// Store wraps a SQLite handle with the repository operations.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies schema
// setup and additive migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_metadata (
		id             INTEGER PRIMARY KEY,
		schema_version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS datasets (
		dataset_name TEXT NOT NULL,
		version      TEXT NOT NULL,
		path         TEXT NOT NULL,
		checksum     TEXT NOT NULL,
		item_count   INTEGER NOT NULL,
		created_at   DATETIME NOT NULL,
		PRIMARY KEY (dataset_name, version)
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id               TEXT PRIMARY KEY,
		run_key              TEXT NOT NULL,
		run_version          INTEGER NOT NULL,
		variant_name         TEXT NOT NULL,
		dataset_name         TEXT NOT NULL,
		dataset_version      TEXT NOT NULL,
		model_name           TEXT NOT NULL,
		prompt_version       TEXT NOT NULL,
		retrieval_enabled    INTEGER NOT NULL,
		llm_judge_enabled    INTEGER NOT NULL,
		seed                 INTEGER NOT NULL,
		temperature          REAL NOT NULL DEFAULT 0.0,
		dataset_fingerprint  TEXT NOT NULL DEFAULT '',
		prompt_fingerprint   TEXT NOT NULL DEFAULT '',
		config_fingerprint   TEXT NOT NULL DEFAULT '',
		experiment_signature TEXT NOT NULL DEFAULT '',
		release_status       TEXT NOT NULL DEFAULT 'BLOCKED',
		status               TEXT NOT NULL,
		duration_ms          REAL,
		avg_latency_ms       REAL,
		p95_latency_ms       REAL,
		token_in_est         INTEGER NOT NULL DEFAULT 0,
		token_out_est        INTEGER NOT NULL DEFAULT 0,
		cost_est_usd         REAL NOT NULL DEFAULT 0.0,
		started_at           DATETIME NOT NULL,
		completed_at         DATETIME,
		aggregate_metrics    TEXT,
		gate_decision        TEXT,
		metadata             TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_runs_run_key ON runs(run_key);
	CREATE INDEX IF NOT EXISTS idx_runs_dataset ON runs(dataset_name, dataset_version);

	CREATE TABLE IF NOT EXISTS item_results (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id           TEXT NOT NULL,
		item_id          TEXT NOT NULL,
		prompt           TEXT NOT NULL,
		output_text      TEXT NOT NULL,
		expected_answer  TEXT,
		keywords         TEXT NOT NULL DEFAULT '[]',
		error            TEXT,
		latency_ms       REAL,
		token_in_est     INTEGER,
		token_out_est    INTEGER,
		schema_error     TEXT,
		keyword_misses   TEXT NOT NULL DEFAULT '[]',
		exact_match      REAL NOT NULL,
		keyword_coverage REAL NOT NULL,
		schema_valid     REAL NOT NULL,
		llm_judge_score  REAL,
		tags             TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_item_results_run ON item_results(run_id);

	CREATE TABLE IF NOT EXISTS run_tag_metrics (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id           TEXT NOT NULL,
		tag_key          TEXT NOT NULL,
		tag_value        TEXT NOT NULL,
		exact_match      REAL NOT NULL,
		keyword_coverage REAL NOT NULL,
		schema_valid     REAL NOT NULL,
		llm_judge_score  REAL,
		sample_count     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_tag_metrics_run ON run_tag_metrics(run_id);

	CREATE TABLE IF NOT EXISTS run_drift_alerts (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id          TEXT NOT NULL,
		dataset_name    TEXT NOT NULL,
		dataset_version TEXT NOT NULL,
		scope           TEXT NOT NULL,
		metric          TEXT,
		severity        TEXT NOT NULL,
		delta           REAL,
		threshold       REAL,
		message         TEXT NOT NULL,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_drift_alerts_run ON run_drift_alerts(run_id);
	CREATE INDEX IF NOT EXISTS idx_run_drift_alerts_dataset ON run_drift_alerts(dataset_name, dataset_version);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Migration: columns added after the initial schema shipped.
	runCols := map[string]string{
		"temperature":          "REAL DEFAULT 0.0",
		"dataset_fingerprint":  "TEXT DEFAULT ''",
		"prompt_fingerprint":   "TEXT DEFAULT ''",
		"config_fingerprint":   "TEXT DEFAULT ''",
		"experiment_signature": "TEXT DEFAULT ''",
		"release_status":       "TEXT DEFAULT 'BLOCKED'",
		"duration_ms":          "REAL",
		"avg_latency_ms":       "REAL",
		"p95_latency_ms":       "REAL",
		"token_in_est":         "INTEGER DEFAULT 0",
		"token_out_est":        "INTEGER DEFAULT 0",
		"cost_est_usd":         "REAL DEFAULT 0.0",
	}
	if err := s.ensureColumns("runs", runCols); err != nil {
		return err
	}
	itemCols := map[string]string{
		"expected_answer": "TEXT",
		"keywords":        "TEXT DEFAULT '[]'",
		"latency_ms":      "REAL",
		"token_in_est":    "INTEGER",
		"token_out_est":   "INTEGER",
		"schema_error":    "TEXT",
		"keyword_misses":  "TEXT DEFAULT '[]'",
	}
	if err := s.ensureColumns("item_results", itemCols); err != nil {
		return err
	}

	var version sql.NullInt64
	err := s.db.QueryRow(`SELECT schema_version FROM schema_metadata WHERE id = 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(`INSERT INTO schema_metadata (id, schema_version) VALUES (1, ?)`, SchemaVersion)
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version.Int64 > SchemaVersion:
		return fmt.Errorf("unsupported db schema version %d, expected <= %d", version.Int64, SchemaVersion)
	case version.Int64 < SchemaVersion:
		_, err = s.db.Exec(`UPDATE schema_metadata SET schema_version = ? WHERE id = 1`, SchemaVersion)
		if err != nil {
			return fmt.Errorf("bump schema version: %w", err)
		}
	}
	return nil
}

func (s *Store) ensureColumns(table string, columns map[string]string) error {
	for name, definition := range columns {
		var count int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?`, table)
		if err := s.db.QueryRow(query, name).Scan(&count); err != nil {
			return fmt.Errorf("inspect %s.%s: %w", table, name, err)
		}
		if count == 0 {
			alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, name, definition)
			if _, err := s.db.Exec(alter); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, name, err)
			}
		}
	}
	return nil
}

// CurrentSchemaVersion reads the version recorded in the database.
func (s *Store) CurrentSchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT schema_version FROM schema_metadata WHERE id = 1`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("schema metadata not initialized: %w", err)
	}
	return version, nil
}

// UpsertDataset replaces any existing registration for the same name and
// version.
func (s *Store) UpsertDataset(record domain.DatasetRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM datasets WHERE dataset_name = ? AND version = ?`, record.DatasetName, record.Version); err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO datasets (dataset_name, version, path, checksum, item_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.DatasetName, record.Version, record.Path, record.Checksum, record.ItemCount, record.CreatedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetDataset returns nil when the dataset version is not registered.
func (s *Store) GetDataset(datasetName, version string) (*domain.DatasetRecord, error) {
	row := s.db.QueryRow(
		`SELECT dataset_name, version, path, checksum, item_count, created_at
		 FROM datasets WHERE dataset_name = ? AND version = ?`,
		datasetName, version,
	)
	var record domain.DatasetRecord
	err := row.Scan(&record.DatasetName, &record.Version, &record.Path, &record.Checksum, &record.ItemCount, &record.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListDatasets returns all registrations, newest first.
func (s *Store) ListDatasets() ([]domain.DatasetRecord, error) {
	rows, err := s.db.Query(
		`SELECT dataset_name, version, path, checksum, item_count, created_at
		 FROM datasets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DatasetRecord
	for rows.Next() {
		var record domain.DatasetRecord
		if err := rows.Scan(&record.DatasetName, &record.Version, &record.Path, &record.Checksum, &record.ItemCount, &record.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// NextRunVersion returns one more than the highest version recorded for the
// run key, starting at 1.
func (s *Store) NextRunVersion(runKey string) (int, error) {
	var current sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(run_version) FROM runs WHERE run_key = ?`, runKey).Scan(&current)
	if err != nil {
		return 0, err
	}
	return int(current.Int64) + 1, nil
}

// CreateRun inserts the initial run row.
func (s *Store) CreateRun(run domain.RunRecord) error {
	metadataJSON, err := marshalOrDefault(run.Metadata, "{}")
	if err != nil {
		return err
	}
	aggregateJSON, err := marshalNullable(run.AggregateMetrics)
	if err != nil {
		return err
	}
	gateJSON, err := marshalNullable(run.GateDecision)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (
			run_id, run_key, run_version, variant_name, dataset_name, dataset_version,
			model_name, prompt_version, retrieval_enabled, llm_judge_enabled, seed, temperature,
			dataset_fingerprint, prompt_fingerprint, config_fingerprint, experiment_signature,
			release_status, status, duration_ms, avg_latency_ms, p95_latency_ms,
			token_in_est, token_out_est, cost_est_usd, started_at, completed_at,
			aggregate_metrics, gate_decision, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.RunKey, run.RunVersion, run.VariantName, run.DatasetName, run.DatasetVersion,
		run.ModelName, run.PromptVersion, run.RetrievalEnabled, run.JudgeEnabled, run.Seed, run.Temperature,
		run.DatasetFingerprint, run.PromptFingerprint, run.ConfigFingerprint, run.ExperimentSignature,
		orDefault(run.ReleaseStatus, domain.ReleaseBlocked), run.Status,
		nullFloat(run.DurationMS), nullFloat(run.AvgLatencyMS), nullFloat(run.P95LatencyMS),
		run.TokenInEst, run.TokenOutEst, run.CostEstUSD, run.StartedAt, run.CompletedAt,
		aggregateJSON, gateJSON, metadataJSON,
	)
	return err
}

// UpdateRunStatus moves a run to a new status. Terminal statuses stamp
// completed_at.
func (s *Store) UpdateRunStatus(runID, status string, update storage.RunUpdate) error {
	sets := []string{"status = ?"}
	args := []any{status}

	if status == domain.RunStatusCompleted || status == domain.RunStatusFailed {
		sets = append(sets, "completed_at = ?")
		args = append(args, time.Now().UTC())
	}
	if update.AggregateMetrics != nil {
		data, err := json.Marshal(update.AggregateMetrics)
		if err != nil {
			return err
		}
		sets = append(sets, "aggregate_metrics = ?")
		args = append(args, string(data))
	}
	if update.GateDecision != nil {
		data, err := json.Marshal(update.GateDecision)
		if err != nil {
			return err
		}
		sets = append(sets, "gate_decision = ?")
		args = append(args, string(data))
	}
	if update.Metadata != nil {
		data, err := json.Marshal(update.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, string(data))
	}
	if update.ReleaseStatus != "" {
		sets = append(sets, "release_status = ?")
		args = append(args, update.ReleaseStatus)
	}
	if update.DurationMS != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMS)
	}
	if update.AvgLatencyMS != nil {
		sets = append(sets, "avg_latency_ms = ?")
		args = append(args, *update.AvgLatencyMS)
	}
	if update.P95LatencyMS != nil {
		sets = append(sets, "p95_latency_ms = ?")
		args = append(args, *update.P95LatencyMS)
	}
	if update.TokenInEst != nil {
		sets = append(sets, "token_in_est = ?")
		args = append(args, *update.TokenInEst)
	}
	if update.TokenOutEst != nil {
		sets = append(sets, "token_out_est = ?")
		args = append(args, *update.TokenOutEst)
	}
	if update.CostEstUSD != nil {
		sets = append(sets, "cost_est_usd = ?")
		args = append(args, *update.CostEstUSD)
	}

	args = append(args, runID)
	query := "UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE run_id = ?"
	_, err := s.db.Exec(query, args...)
	return err
}

// UpdateRunMetadata replaces a run's metadata document.
func (s *Store) UpdateRunMetadata(runID string, metadata map[string]any) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE runs SET metadata = ? WHERE run_id = ?`, string(data), runID)
	return err
}

const runColumns = `run_id, run_key, run_version, variant_name, dataset_name, dataset_version,
	model_name, prompt_version, retrieval_enabled, llm_judge_enabled, seed, temperature,
	dataset_fingerprint, prompt_fingerprint, config_fingerprint, experiment_signature,
	release_status, status, duration_ms, avg_latency_ms, p95_latency_ms,
	token_in_est, token_out_est, cost_est_usd, started_at, completed_at,
	aggregate_metrics, gate_decision, metadata`

func scanRun(scanner interface{ Scan(...any) error }) (domain.RunRecord, error) {
	var run domain.RunRecord
	var durationMS, avgLatencyMS, p95LatencyMS sql.NullFloat64
	var completedAt sql.NullTime
	var aggregateJSON, gateJSON, metadataJSON sql.NullString

	err := scanner.Scan(
		&run.RunID, &run.RunKey, &run.RunVersion, &run.VariantName, &run.DatasetName, &run.DatasetVersion,
		&run.ModelName, &run.PromptVersion, &run.RetrievalEnabled, &run.JudgeEnabled, &run.Seed, &run.Temperature,
		&run.DatasetFingerprint, &run.PromptFingerprint, &run.ConfigFingerprint, &run.ExperimentSignature,
		&run.ReleaseStatus, &run.Status, &durationMS, &avgLatencyMS, &p95LatencyMS,
		&run.TokenInEst, &run.TokenOutEst, &run.CostEstUSD, &run.StartedAt, &completedAt,
		&aggregateJSON, &gateJSON, &metadataJSON,
	)
	if err != nil {
		return domain.RunRecord{}, err
	}
	run.DurationMS = durationMS.Float64
	run.AvgLatencyMS = avgLatencyMS.Float64
	run.P95LatencyMS = p95LatencyMS.Float64
	if completedAt.Valid {
		completed := completedAt.Time
		run.CompletedAt = &completed
	}
	if aggregateJSON.Valid && aggregateJSON.String != "" {
		var metrics domain.AggregateMetrics
		if err := json.Unmarshal([]byte(aggregateJSON.String), &metrics); err != nil {
			return domain.RunRecord{}, fmt.Errorf("decode aggregate_metrics for %s: %w", run.RunID, err)
		}
		run.AggregateMetrics = &metrics
	}
	if gateJSON.Valid && gateJSON.String != "" {
		var gate domain.GateDecision
		if err := json.Unmarshal([]byte(gateJSON.String), &gate); err != nil {
			return domain.RunRecord{}, fmt.Errorf("decode gate_decision for %s: %w", run.RunID, err)
		}
		run.GateDecision = &gate
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &run.Metadata); err != nil {
			return domain.RunRecord{}, fmt.Errorf("decode metadata for %s: %w", run.RunID, err)
		}
	}
	return run, nil
}

// GetRun returns nil when the run does not exist.
func (s *Store) GetRun(runID string) (*domain.RunRecord, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]domain.RunRecord, error) {
	return s.queryRuns(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`)
}

// ListRunsByDataset returns the dataset's run history, oldest first, which is
// the order trend analysis expects.
func (s *Store) ListRunsByDataset(datasetName, datasetVersion string) ([]domain.RunRecord, error) {
	return s.queryRuns(
		`SELECT `+runColumns+` FROM runs WHERE dataset_name = ? AND dataset_version = ? ORDER BY started_at ASC`,
		datasetName, datasetVersion,
	)
}

func (s *Store) queryRuns(query string, args ...any) ([]domain.RunRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// InsertItemResults stores a run's per-item rows in one transaction.
func (s *Store) InsertItemResults(results []domain.ItemResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO item_results (
			run_id, item_id, prompt, output_text, expected_answer, keywords, error,
			latency_ms, token_in_est, token_out_est, schema_error, keyword_misses,
			exact_match, keyword_coverage, schema_valid, llm_judge_score, tags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, result := range results {
		keywordsJSON, err := marshalOrDefault(result.Keywords, "[]")
		if err != nil {
			return err
		}
		missesJSON, err := marshalOrDefault(result.KeywordMisses, "[]")
		if err != nil {
			return err
		}
		tagsJSON, err := marshalOrDefault(result.Tags, "{}")
		if err != nil {
			return err
		}
		var judgeScore any
		if result.Scores.JudgeScore != nil {
			judgeScore = *result.Scores.JudgeScore
		}
		_, err = stmt.Exec(
			result.RunID, result.ItemID, result.Prompt, result.OutputText,
			nullString(result.ExpectedAnswer), keywordsJSON, nullString(result.Error),
			result.LatencyMS, result.TokenInEst, result.TokenOutEst,
			nullString(result.SchemaError), missesJSON,
			result.Scores.ExactMatch, result.Scores.KeywordCoverage, result.Scores.SchemaValid,
			judgeScore, tagsJSON,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListItemResults returns a run's item rows in insertion order.
func (s *Store) ListItemResults(runID string) ([]domain.ItemResult, error) {
	rows, err := s.db.Query(
		`SELECT run_id, item_id, prompt, output_text, expected_answer, keywords, error,
			latency_ms, token_in_est, token_out_est, schema_error, keyword_misses,
			exact_match, keyword_coverage, schema_valid, llm_judge_score, tags
		 FROM item_results WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ItemResult
	for rows.Next() {
		var result domain.ItemResult
		var expectedAnswer, errorText, schemaError sql.NullString
		var latencyMS sql.NullFloat64
		var tokenIn, tokenOut sql.NullInt64
		var judgeScore sql.NullFloat64
		var keywordsJSON, missesJSON, tagsJSON string

		err := rows.Scan(
			&result.RunID, &result.ItemID, &result.Prompt, &result.OutputText,
			&expectedAnswer, &keywordsJSON, &errorText,
			&latencyMS, &tokenIn, &tokenOut, &schemaError, &missesJSON,
			&result.Scores.ExactMatch, &result.Scores.KeywordCoverage, &result.Scores.SchemaValid,
			&judgeScore, &tagsJSON,
		)
		if err != nil {
			return nil, err
		}
		result.ExpectedAnswer = expectedAnswer.String
		result.Error = errorText.String
		result.SchemaError = schemaError.String
		result.LatencyMS = latencyMS.Float64
		result.TokenInEst = int(tokenIn.Int64)
		result.TokenOutEst = int(tokenOut.Int64)
		if judgeScore.Valid {
			score := judgeScore.Float64
			result.Scores.JudgeScore = &score
		}
		if err := json.Unmarshal([]byte(keywordsJSON), &result.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords for %s/%s: %w", runID, result.ItemID, err)
		}
		if err := json.Unmarshal([]byte(missesJSON), &result.KeywordMisses); err != nil {
			return nil, fmt.Errorf("decode keyword_misses for %s/%s: %w", runID, result.ItemID, err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &result.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s/%s: %w", runID, result.ItemID, err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// ReplaceTagMetrics swaps a run's tag slice rows atomically.
func (s *Store) ReplaceTagMetrics(runID string, metrics []domain.TagMetricRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM run_tag_metrics WHERE run_id = ?`, runID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT INTO run_tag_metrics (run_id, tag_key, tag_value, exact_match, keyword_coverage, schema_valid, llm_judge_score, sample_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, metric := range metrics {
		var judgeScore any
		if metric.JudgeScore != nil {
			judgeScore = *metric.JudgeScore
		}
		_, err := stmt.Exec(runID, metric.TagKey, metric.TagValue, metric.ExactMatch, metric.KeywordCoverage, metric.SchemaValid, judgeScore, metric.SampleCount)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListTagMetrics returns all tag slices for a run.
func (s *Store) ListTagMetrics(runID string) ([]domain.TagMetricRecord, error) {
	return s.queryTagMetrics(
		`SELECT run_id, tag_key, tag_value, exact_match, keyword_coverage, schema_valid, llm_judge_score, sample_count
		 FROM run_tag_metrics WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
}

// ListTagMetricsPage returns a page of tag slices ordered by sample count,
// largest groups first.
func (s *Store) ListTagMetricsPage(runID string, limit, offset int) ([]domain.TagMetricRecord, error) {
	return s.queryTagMetrics(
		`SELECT run_id, tag_key, tag_value, exact_match, keyword_coverage, schema_valid, llm_judge_score, sample_count
		 FROM run_tag_metrics WHERE run_id = ?
		 ORDER BY sample_count DESC, id ASC LIMIT ? OFFSET ?`,
		runID, limit, offset,
	)
}

// CountTagMetrics returns the number of tag slices stored for a run.
func (s *Store) CountTagMetrics(runID string) (int, error) {
	var total int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM run_tag_metrics WHERE run_id = ?`, runID).Scan(&total)
	return total, err
}

func (s *Store) queryTagMetrics(query string, args ...any) ([]domain.TagMetricRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []domain.TagMetricRecord
	for rows.Next() {
		var metric domain.TagMetricRecord
		var judgeScore sql.NullFloat64
		err := rows.Scan(&metric.RunID, &metric.TagKey, &metric.TagValue, &metric.ExactMatch, &metric.KeywordCoverage, &metric.SchemaValid, &judgeScore, &metric.SampleCount)
		if err != nil {
			return nil, err
		}
		if judgeScore.Valid {
			score := judgeScore.Float64
			metric.JudgeScore = &score
		}
		metrics = append(metrics, metric)
	}
	return metrics, rows.Err()
}

// ReplaceDriftAlerts swaps a run's drift alert rows atomically.
func (s *Store) ReplaceDriftAlerts(runID string, alerts []domain.DriftAlertRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM run_drift_alerts WHERE run_id = ?`, runID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT INTO run_drift_alerts (run_id, dataset_name, dataset_version, scope, metric, severity, delta, threshold, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, alert := range alerts {
		var delta, threshold any
		if alert.Delta != nil {
			delta = *alert.Delta
		}
		if alert.Threshold != nil {
			threshold = *alert.Threshold
		}
		_, err := stmt.Exec(runID, alert.DatasetName, alert.DatasetVersion, alert.Scope, nullString(alert.Metric), alert.Severity, delta, threshold, alert.Message, alert.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListDriftAlerts returns a run's alerts, newest first.
func (s *Store) ListDriftAlerts(runID string) ([]domain.DriftAlertRecord, error) {
	return s.queryDriftAlerts(
		`SELECT run_id, dataset_name, dataset_version, scope, metric, severity, delta, threshold, message, created_at
		 FROM run_drift_alerts WHERE run_id = ? ORDER BY created_at DESC, id DESC`,
		runID,
	)
}

// ListDriftAlertsForDataset returns the alert timeline for a dataset version,
// newest first, with optional severity and metric filters.
func (s *Store) ListDriftAlertsForDataset(datasetName, datasetVersion string, filter storage.AlertFilter, limit, offset int) ([]domain.DriftAlertRecord, error) {
	query := `SELECT run_id, dataset_name, dataset_version, scope, metric, severity, delta, threshold, message, created_at
		 FROM run_drift_alerts WHERE dataset_name = ? AND dataset_version = ?`
	args := []any{datasetName, datasetVersion}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, filter.Severity)
	}
	if filter.MetricContains != "" {
		query += ` AND metric LIKE ?`
		args = append(args, "%"+filter.MetricContains+"%")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return s.queryDriftAlerts(query, args...)
}

// CountDriftAlertsForDataset counts the alerts matching a filter.
func (s *Store) CountDriftAlertsForDataset(datasetName, datasetVersion string, filter storage.AlertFilter) (int, error) {
	query := `SELECT COUNT(*) FROM run_drift_alerts WHERE dataset_name = ? AND dataset_version = ?`
	args := []any{datasetName, datasetVersion}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, filter.Severity)
	}
	if filter.MetricContains != "" {
		query += ` AND metric LIKE ?`
		args = append(args, "%"+filter.MetricContains+"%")
	}
	var total int
	err := s.db.QueryRow(query, args...).Scan(&total)
	return total, err
}

func (s *Store) queryDriftAlerts(query string, args ...any) ([]domain.DriftAlertRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.DriftAlertRecord
	for rows.Next() {
		var alert domain.DriftAlertRecord
		var metric sql.NullString
		var delta, threshold sql.NullFloat64
		err := rows.Scan(&alert.RunID, &alert.DatasetName, &alert.DatasetVersion, &alert.Scope, &metric, &alert.Severity, &delta, &threshold, &alert.Message, &alert.CreatedAt)
		if err != nil {
			return nil, err
		}
		alert.Metric = metric.String
		if delta.Valid {
			v := delta.Float64
			alert.Delta = &v
		}
		if threshold.Valid {
			v := threshold.Float64
			alert.Threshold = &v
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func marshalOrDefault(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalNullable(v any) (any, error) {
	switch value := v.(type) {
	case *domain.AggregateMetrics:
		if value == nil {
			return nil, nil
		}
	case *domain.GateDecision:
		if value == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Package service wires storage, the run loop, and analysis into the
// operations exposed by the CLI and HTTP API.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"llmeval/internal/analysis"
	"llmeval/internal/config"
	"llmeval/internal/dataset"
	"llmeval/internal/domain"
	"llmeval/internal/llm"
	"llmeval/internal/runner"
	"llmeval/internal/schemaval"
	"llmeval/internal/scoring"
	"llmeval/internal/storage"
	"llmeval/internal/storage/sqlite"
)

// Service owns the application dependencies for one database.
type Service struct {
	store     *sqlite.Store
	repo      storage.Repository
	runner    *runner.Runner
	reportDir string
}

// New opens the database and builds the generation backend named in the
// config.
func New(cfg config.Config) (*Service, error) {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.DBPath, err)
	}

	var generator llm.Generator
	switch cfg.Backend {
	case "anthropic":
		generator = llm.NewAnthropicGenerator(cfg.AnthropicAPIKey)
	default:
		generator = llm.NewOllamaClient(cfg.OllamaURL, 0)
	}

	return &Service{
		store:     store,
		repo:      store,
		runner:    runner.New(store, generator, schemaval.New(), llm.NewEncoderRegistry()),
		reportDir: cfg.ReportDir,
	}, nil
}

// NewWithDeps builds a service around existing dependencies. Used by tests.
func NewWithDeps(store *sqlite.Store, r *runner.Runner, reportDir string) *Service {
	return &Service{store: store, repo: store, runner: r, reportDir: reportDir}
}

func (s *Service) Close() error { return s.store.Close() }

// Repo exposes the repository for callers that read stored records directly.
func (s *Service) Repo() storage.Repository { return s.repo }

// ReportDir is where exported reports land by default.
func (s *Service) ReportDir() string { return s.reportDir }

// SchemaVersion reports the database schema version for health checks.
func (s *Service) SchemaVersion() (int, error) { return s.store.CurrentSchemaVersion() }

// ListLocalModels lists the models available on the generation backend.
func (s *Service) ListLocalModels(ctx context.Context) ([]string, error) {
	return s.runner.ListLocalModels(ctx)
}

// RegisterDataset loads, checksums, and registers a JSONL dataset file.
func (s *Service) RegisterDataset(datasetName, version, path string) (domain.DatasetRecord, int, error) {
	items, err := dataset.LoadJSONL(path)
	if err != nil {
		return domain.DatasetRecord{}, 0, err
	}
	record, err := dataset.BuildRecord(datasetName, version, path, items)
	if err != nil {
		return domain.DatasetRecord{}, 0, err
	}
	if err := s.repo.UpsertDataset(record); err != nil {
		return domain.DatasetRecord{}, 0, fmt.Errorf("register dataset %s:%s: %w", datasetName, version, err)
	}
	return record, len(items), nil
}

// RunEval executes an evaluation run from an in-memory config.
func (s *Service) RunEval(ctx context.Context, runConfig domain.EvalRunConfig) (*domain.RunRecord, error) {
	return s.runner.Run(ctx, runConfig)
}

// Overrides are CLI-level tweaks applied on top of a run config file.
type Overrides struct {
	ModelName     string
	Seed          *int
	Temperature   *float64
	BaselineRunID string
}

// RunFromConfig loads a YAML run config, applies overrides, executes the run,
// and records the config provenance in the run metadata.
func (s *Service) RunFromConfig(ctx context.Context, path string, overrides Overrides) (*domain.RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run config: %w", err)
	}
	var runConfig domain.EvalRunConfig
	if err := yaml.Unmarshal(data, &runConfig); err != nil {
		return nil, fmt.Errorf("parse run config %s: %w", path, err)
	}
	if overrides.ModelName != "" {
		runConfig.Variant.ModelName = overrides.ModelName
	}
	if overrides.Seed != nil {
		runConfig.Variant.Seed = *overrides.Seed
	}
	if overrides.Temperature != nil {
		runConfig.Variant.Temperature = *overrides.Temperature
	}
	if overrides.BaselineRunID != "" {
		runConfig.Gates.BaselineRunID = overrides.BaselineRunID
	}

	run, err := s.runner.Run(ctx, runConfig)
	if err != nil {
		return nil, err
	}

	metadata := run.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["config_path"] = path
	if overrides.ModelName != "" {
		metadata["model_override"] = overrides.ModelName
	}
	if overrides.Seed != nil {
		metadata["seed_override"] = *overrides.Seed
	}
	if overrides.Temperature != nil {
		metadata["temperature_override"] = *overrides.Temperature
	}
	if overrides.BaselineRunID != "" {
		metadata["baseline_run_id_override"] = overrides.BaselineRunID
	}
	if err := s.repo.UpdateRunMetadata(run.RunID, metadata); err != nil {
		return nil, fmt.Errorf("record run provenance: %w", err)
	}
	updated, err := s.repo.GetRun(run.RunID)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("run %s not found after metadata update", run.RunID)
	}
	return updated, nil
}

// LoadGateConfigFile parses a gate config YAML. Both a bare gate document and
// one nested under a top-level "gates" key are accepted.
func (s *Service) LoadGateConfigFile(path string) (domain.GateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.GateConfig{}, fmt.Errorf("read gate config: %w", err)
	}
	var wrapper struct {
		Gates *domain.GateConfig `yaml:"gates"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err == nil && wrapper.Gates != nil {
		return *wrapper.Gates, nil
	}
	var gateConfig domain.GateConfig
	if err := yaml.Unmarshal(data, &gateConfig); err != nil {
		return domain.GateConfig{}, fmt.Errorf("parse gate config %s: %w", path, err)
	}
	return gateConfig, nil
}

// CompareRuns evaluates a candidate against a baseline with optional gate
// thresholds. Both runs must have completed with metrics.
func (s *Service) CompareRuns(baselineRunID, candidateRunID string, gateConfig *domain.GateConfig) (*domain.CompareResult, error) {
	baseline, err := s.repo.GetRun(baselineRunID)
	if err != nil {
		return nil, err
	}
	if baseline == nil || baseline.AggregateMetrics == nil {
		return nil, fmt.Errorf("baseline run %s missing metrics", baselineRunID)
	}
	candidate, err := s.repo.GetRun(candidateRunID)
	if err != nil {
		return nil, err
	}
	if candidate == nil || candidate.AggregateMetrics == nil {
		return nil, fmt.Errorf("candidate run %s missing metrics", candidateRunID)
	}

	effective := domain.GateConfig{MaxDropFromBaseline: map[string]float64{}}
	if gateConfig != nil {
		effective = *gateConfig
	}
	gateDecision := scoring.EvaluateGates(*candidate.AggregateMetrics, effective, baseline.AggregateMetrics)
	deltas := analysis.MetricDeltas(*candidate.AggregateMetrics, *baseline.AggregateMetrics)
	return &domain.CompareResult{
		BaselineRunID:    baselineRunID,
		CandidateRunID:   candidateRunID,
		BaselineMetrics:  *baseline.AggregateMetrics,
		CandidateMetrics: *candidate.AggregateMetrics,
		Deltas:           deltas,
		GateDecision:     gateDecision,
		ThresholdOverlay: analysis.BuildThresholdOverlay(deltas, effective.MaxDropFromBaseline),
	}, nil
}

// RunTrends summarizes the metric history and drift alerts for a run's
// dataset.
func (s *Service) RunTrends(runID string) (*domain.DriftSummary, error) {
	run, err := s.repo.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	history, err := s.repo.ListRunsByDataset(run.DatasetName, run.DatasetVersion)
	if err != nil {
		return nil, err
	}
	trends, volatility := analysis.SummarizeTrends(history)
	alerts, err := s.repo.ListDriftAlerts(runID)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		alerts = alertsFromMetadata(run.Metadata)
	}
	return &domain.DriftSummary{
		RunID:          runID,
		DatasetName:    run.DatasetName,
		DatasetVersion: run.DatasetVersion,
		Trends:         trends,
		Volatility:     volatility,
		Alerts:         alerts,
	}, nil
}

// FailureAnalysis is the paginated worst-failure view of a run.
type FailureAnalysis struct {
	RunID        string                   `json:"run_id"`
	WorstSamples []domain.FailureSample   `json:"worst_samples"`
	Clusters     analysis.FailureClusters `json:"clusters"`
	Total        int                      `json:"total"`
	Offset       int                      `json:"offset"`
	Limit        int                      `json:"limit"`
	HasMore      bool                     `json:"has_more"`
}

// GetFailureAnalysis ranks all of a run's items by severity and returns the
// requested page plus failure clusters.
func (s *Service) GetFailureAnalysis(runID string, limit, offset int) (*FailureAnalysis, error) {
	results, err := s.repo.ListItemResults(runID)
	if err != nil {
		return nil, err
	}
	ranked := analysis.WorstFailures(results, len(results))
	total := len(ranked)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	sliced := ranked[offset:end]
	if sliced == nil {
		sliced = []domain.FailureSample{}
	}
	return &FailureAnalysis{
		RunID:        runID,
		WorstSamples: sliced,
		Clusters:     analysis.ClusterFailures(results),
		Total:        total,
		Offset:       offset,
		Limit:        limit,
		HasMore:      offset+limit < total,
	}, nil
}

// AlertTimeline is the run- and dataset-scoped drift alert view.
type AlertTimeline struct {
	RunID                string                     `json:"run_id"`
	RunAlerts            []domain.DriftAlertRecord  `json:"run_alerts"`
	DatasetAlertTimeline []domain.DriftAlertRecord  `json:"dataset_alert_timeline"`
	Limit                int                        `json:"limit"`
	Offset               int                        `json:"offset"`
	Total                int                        `json:"total"`
	HasMore              bool                       `json:"has_more"`
}

// GetAlertTimeline returns the first page of the alert timeline.
func (s *Service) GetAlertTimeline(runID string) (*AlertTimeline, error) {
	return s.GetAlertTimelinePage(runID, 50, 0, storage.AlertFilter{})
}

// GetAlertTimelinePage returns the run's own alerts plus a filtered page of
// all alerts recorded for its dataset version.
func (s *Service) GetAlertTimelinePage(runID string, limit, offset int, filter storage.AlertFilter) (*AlertTimeline, error) {
	run, err := s.repo.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	runAlerts, err := s.repo.ListDriftAlerts(runID)
	if err != nil {
		return nil, err
	}
	datasetAlerts, err := s.repo.ListDriftAlertsForDataset(run.DatasetName, run.DatasetVersion, filter, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountDriftAlertsForDataset(run.DatasetName, run.DatasetVersion, filter)
	if err != nil {
		return nil, err
	}
	if runAlerts == nil {
		runAlerts = []domain.DriftAlertRecord{}
	}
	if datasetAlerts == nil {
		datasetAlerts = []domain.DriftAlertRecord{}
	}
	return &AlertTimeline{
		RunID:                runID,
		RunAlerts:            runAlerts,
		DatasetAlertTimeline: datasetAlerts,
		Limit:                limit,
		Offset:               offset,
		Total:                total,
		HasMore:              offset+limit < total,
	}, nil
}

// TagMetricsPage is one page of a run's tag slices.
type TagMetricsPage struct {
	RunID      string                   `json:"run_id"`
	TagMetrics []domain.TagMetricRecord `json:"tag_metrics"`
	Limit      int                      `json:"limit"`
	Offset     int                      `json:"offset"`
	Total      int                      `json:"total"`
	HasMore    bool                     `json:"has_more"`
}

// GetTagMetricsPage pages through a run's tag slices, largest groups first.
func (s *Service) GetTagMetricsPage(runID string, limit, offset int) (*TagMetricsPage, error) {
	rows, err := s.repo.ListTagMetricsPage(runID, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountTagMetrics(runID)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.TagMetricRecord{}
	}
	return &TagMetricsPage{
		RunID:      runID,
		TagMetrics: rows,
		Limit:      limit,
		Offset:     offset,
		Total:      total,
		HasMore:    offset+limit < total,
	}, nil
}

// ReleaseDecision is the resolved release view of a run.
type ReleaseDecision struct {
	RunID         string                    `json:"run_id"`
	ReleaseStatus string                    `json:"release_status"`
	GateDecision  *domain.GateDecision      `json:"gate_decision"`
	DriftAlerts   []domain.DriftAlertRecord `json:"drift_alerts"`
}

// GetReleaseDecision returns the stored release status with its supporting
// gate decision and drift alerts.
func (s *Service) GetReleaseDecision(runID string) (*ReleaseDecision, error) {
	run, err := s.repo.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	alerts, err := s.repo.ListDriftAlerts(runID)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []domain.DriftAlertRecord{}
	}
	return &ReleaseDecision{
		RunID:         runID,
		ReleaseStatus: run.ReleaseStatus,
		GateDecision:  run.GateDecision,
		DriftAlerts:   alerts,
	}, nil
}

// alertsFromMetadata recovers alert records persisted inside run metadata for
// runs written before the drift alert table existed.
func alertsFromMetadata(metadata map[string]any) []domain.DriftAlertRecord {
	raw, ok := metadata["drift_alerts"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var alerts []domain.DriftAlertRecord
	if err := json.Unmarshal(data, &alerts); err != nil {
		return nil
	}
	return alerts
}

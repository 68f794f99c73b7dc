// Package storage defines the repository contract implemented by the sqlite
// backend and consumed by the runner and service layers.
package storage

import "llmeval/internal/domain"

// RunUpdate carries the optional fields of a run status transition. Nil
// pointers leave the stored value untouched.
type RunUpdate struct {
	AggregateMetrics *domain.AggregateMetrics
	GateDecision     *domain.GateDecision
	Metadata         map[string]any
	ReleaseStatus    string
	DurationMS       *float64
	AvgLatencyMS     *float64
	P95LatencyMS     *float64
	TokenInEst       *int
	TokenOutEst      *int
	CostEstUSD       *float64
}

// AlertFilter narrows drift alert listings. Zero values match everything.
type AlertFilter struct {
	Severity       string
	MetricContains string
}

// Repository is the persistence surface of the platform.
type Repository interface {
	UpsertDataset(record domain.DatasetRecord) error
	GetDataset(datasetName, version string) (*domain.DatasetRecord, error)
	ListDatasets() ([]domain.DatasetRecord, error)

	UpdateRunMetadata(runID string, metadata map[string]any) error
	NextRunVersion(runKey string) (int, error)
	CreateRun(run domain.RunRecord) error
	UpdateRunStatus(runID, status string, update RunUpdate) error
	GetRun(runID string) (*domain.RunRecord, error)
	ListRuns() ([]domain.RunRecord, error)
	ListRunsByDataset(datasetName, datasetVersion string) ([]domain.RunRecord, error)

	InsertItemResults(results []domain.ItemResult) error
	ListItemResults(runID string) ([]domain.ItemResult, error)

	ReplaceTagMetrics(runID string, metrics []domain.TagMetricRecord) error
	ListTagMetrics(runID string) ([]domain.TagMetricRecord, error)
	ListTagMetricsPage(runID string, limit, offset int) ([]domain.TagMetricRecord, error)
	CountTagMetrics(runID string) (int, error)

	ReplaceDriftAlerts(runID string, alerts []domain.DriftAlertRecord) error
	ListDriftAlerts(runID string) ([]domain.DriftAlertRecord, error)
	ListDriftAlertsForDataset(datasetName, datasetVersion string, filter AlertFilter, limit, offset int) ([]domain.DriftAlertRecord, error)
	CountDriftAlertsForDataset(datasetName, datasetVersion string, filter AlertFilter) (int, error)
}

package domain

import (
	"encoding/json"
	"time"
)

// Run lifecycle states. A run moves running -> completed or running -> failed,
// both terminal.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Release statuses. Every run starts BLOCKED until gate and drift resolve.
const (
	ReleaseApproved     = "APPROVED"
	ReleaseDriftWarning = "DRIFT_WARNING"
	ReleaseBlocked      = "BLOCKED"
)

// Drift alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Gate decision statuses.
const (
	GatePass = "pass"
	GateFail = "fail"
)

// DatasetItem is one evaluation case. Immutable once loaded.
type DatasetItem struct {
	ItemID         string            `json:"item_id" yaml:"item_id"`
	Prompt         string            `json:"prompt" yaml:"prompt"`
	ExpectedAnswer string            `json:"expected_answer,omitempty" yaml:"expected_answer"`
	Keywords       []string          `json:"keywords,omitempty" yaml:"keywords"`
	Tags           map[string]string `json:"tags,omitempty" yaml:"tags"`
	OutputSchema   json.RawMessage   `json:"output_schema,omitempty" yaml:"-"`
	Metadata       map[string]any    `json:"metadata,omitempty" yaml:"metadata"`
}

type DatasetRecord struct {
	DatasetName string    `json:"dataset_name"`
	Version     string    `json:"version"`
	Path        string    `json:"path"`
	Checksum    string    `json:"checksum"`
	ItemCount   int       `json:"item_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// VariantConfig describes the model variant under evaluation.
type VariantConfig struct {
	Name             string  `json:"name" yaml:"name"`
	DatasetName      string  `json:"dataset_name" yaml:"dataset_name"`
	DatasetVersion   string  `json:"dataset_version" yaml:"dataset_version"`
	ModelName        string  `json:"model_name" yaml:"model_name"`
	PromptVersion    string  `json:"prompt_version" yaml:"prompt_version"`
	PromptTemplate   string  `json:"prompt_template" yaml:"prompt_template"`
	RetrievalEnabled bool    `json:"retrieval_enabled" yaml:"retrieval_enabled"`
	JudgeEnabled     bool    `json:"llm_judge_enabled" yaml:"llm_judge_enabled"`
	JudgeModel       string  `json:"llm_judge_model,omitempty" yaml:"llm_judge_model"`
	Seed             int     `json:"seed" yaml:"seed"`
	Temperature      float64 `json:"temperature" yaml:"temperature"`
}

// GateConfig holds absolute minimums and baseline-relative drop limits.
// Both maps may be empty.
type GateConfig struct {
	BaselineRunID       string             `json:"baseline_run_id,omitempty" yaml:"baseline_run_id"`
	MinMetric           map[string]float64 `json:"min_metric" yaml:"min_metric"`
	MaxDropFromBaseline map[string]float64 `json:"max_drop_from_baseline" yaml:"max_drop_from_baseline"`
}

type EvalRunConfig struct {
	Variant VariantConfig `json:"variant" yaml:"variant"`
	Gates   GateConfig    `json:"gates" yaml:"gates"`
}

// ItemScore carries the per-item correctness signals, all in [0,1].
// JudgeScore is nil when no judge ran for the item.
type ItemScore struct {
	ExactMatch      float64  `json:"exact_match"`
	KeywordCoverage float64  `json:"keyword_coverage"`
	SchemaValid     float64  `json:"schema_valid"`
	JudgeScore      *float64 `json:"llm_judge_score,omitempty"`
}

// ItemResult is created exactly once per (run, item) and never mutated.
type ItemResult struct {
	RunID          string            `json:"run_id"`
	ItemID         string            `json:"item_id"`
	Prompt         string            `json:"prompt"`
	OutputText     string            `json:"output_text"`
	ExpectedAnswer string            `json:"expected_answer,omitempty"`
	Keywords       []string          `json:"keywords,omitempty"`
	Error          string            `json:"error,omitempty"`
	LatencyMS      float64           `json:"latency_ms"`
	TokenInEst     int               `json:"token_in_est"`
	TokenOutEst    int               `json:"token_out_est"`
	SchemaError    string            `json:"schema_error,omitempty"`
	KeywordMisses  []string          `json:"keyword_misses,omitempty"`
	Scores         ItemScore         `json:"scores"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// AggregateMetrics is the mean of each score field across a run's items.
// JudgeScore is nil unless at least one item produced a judge score.
type AggregateMetrics struct {
	ExactMatch      float64  `json:"exact_match"`
	KeywordCoverage float64  `json:"keyword_coverage"`
	SchemaValid     float64  `json:"schema_valid"`
	JudgeScore      *float64 `json:"llm_judge_score,omitempty"`
	SampleCount     int      `json:"sample_count"`
}

// Metric returns the named aggregate value, or false when the metric is
// unknown or has no value (nil judge score).
func (m AggregateMetrics) Metric(name string) (float64, bool) {
	switch name {
	case "exact_match":
		return m.ExactMatch, true
	case "keyword_coverage":
		return m.KeywordCoverage, true
	case "schema_valid":
		return m.SchemaValid, true
	case "llm_judge_score":
		if m.JudgeScore == nil {
			return 0, false
		}
		return *m.JudgeScore, true
	}
	return 0, false
}

// GateCheck is one threshold evaluation inside a GateDecision.
type GateCheck struct {
	Passed    bool    `json:"passed"`
	Value     float64 `json:"value,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Drop      float64 `json:"drop,omitempty"`
	MaxDrop   float64 `json:"max_drop,omitempty"`
}

type GateDecision struct {
	Status  string               `json:"status"`
	Reasons []string             `json:"reasons"`
	Checks  map[string]GateCheck `json:"checks"`
}

type RunRecord struct {
	RunID                string            `json:"run_id"`
	RunKey               string            `json:"run_key"`
	RunVersion           int               `json:"run_version"`
	VariantName          string            `json:"variant_name"`
	DatasetName          string            `json:"dataset_name"`
	DatasetVersion       string            `json:"dataset_version"`
	ModelName            string            `json:"model_name"`
	PromptVersion        string            `json:"prompt_version"`
	RetrievalEnabled     bool              `json:"retrieval_enabled"`
	JudgeEnabled         bool              `json:"llm_judge_enabled"`
	Seed                 int               `json:"seed"`
	Temperature          float64           `json:"temperature"`
	DatasetFingerprint   string            `json:"dataset_fingerprint"`
	PromptFingerprint    string            `json:"prompt_fingerprint"`
	ConfigFingerprint    string            `json:"config_fingerprint"`
	ExperimentSignature  string            `json:"experiment_signature"`
	ReleaseStatus        string            `json:"release_status"`
	Status               string            `json:"status"`
	DurationMS           float64           `json:"duration_ms,omitempty"`
	AvgLatencyMS         float64           `json:"avg_latency_ms,omitempty"`
	P95LatencyMS         float64           `json:"p95_latency_ms,omitempty"`
	TokenInEst           int               `json:"token_in_est"`
	TokenOutEst          int               `json:"token_out_est"`
	CostEstUSD           float64           `json:"cost_est_usd"`
	StartedAt            time.Time         `json:"started_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	AggregateMetrics     *AggregateMetrics `json:"aggregate_metrics,omitempty"`
	GateDecision         *GateDecision     `json:"gate_decision,omitempty"`
	Metadata             map[string]any    `json:"metadata,omitempty"`
}

type TagMetricRecord struct {
	RunID           string   `json:"run_id"`
	TagKey          string   `json:"tag_key"`
	TagValue        string   `json:"tag_value"`
	ExactMatch      float64  `json:"exact_match"`
	KeywordCoverage float64  `json:"keyword_coverage"`
	SchemaValid     float64  `json:"schema_valid"`
	JudgeScore      *float64 `json:"llm_judge_score,omitempty"`
	SampleCount     int      `json:"sample_count"`
}

type DriftAlertRecord struct {
	RunID          string    `json:"run_id"`
	DatasetName    string    `json:"dataset_name"`
	DatasetVersion string    `json:"dataset_version"`
	Scope          string    `json:"scope"`
	Metric         string    `json:"metric,omitempty"`
	Severity       string    `json:"severity"`
	Delta          *float64  `json:"delta,omitempty"`
	Threshold      *float64  `json:"threshold,omitempty"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

type DriftSummary struct {
	RunID          string               `json:"run_id"`
	DatasetName    string               `json:"dataset_name"`
	DatasetVersion string               `json:"dataset_version"`
	Trends         map[string][]float64 `json:"trends"`
	Volatility     map[string]float64   `json:"volatility"`
	Alerts         []DriftAlertRecord   `json:"alerts"`
}

// FailureSample is a ranked view over an ItemResult.
type FailureSample struct {
	ItemID         string            `json:"item_id"`
	Severity       float64           `json:"severity"`
	ExpectedAnswer string            `json:"expected_answer,omitempty"`
	OutputText     string            `json:"output_text"`
	Error          string            `json:"error,omitempty"`
	SchemaError    string            `json:"schema_error,omitempty"`
	KeywordMisses  []string          `json:"keyword_misses,omitempty"`
	Scores         ItemScore         `json:"scores"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// OverlayEntry is one metric row of a threshold overlay.
// Breach is 0 exactly when the allowed drop was respected.
type OverlayEntry struct {
	Delta       float64 `json:"delta"`
	AllowedDrop float64 `json:"allowed_drop"`
	ActualDrop  float64 `json:"actual_drop"`
	Breach      float64 `json:"breach"`
	Passed      bool    `json:"passed"`
}

type CompareResult struct {
	BaselineRunID    string                  `json:"baseline_run_id"`
	CandidateRunID   string                  `json:"candidate_run_id"`
	BaselineMetrics  AggregateMetrics        `json:"baseline_metrics"`
	CandidateMetrics AggregateMetrics        `json:"candidate_metrics"`
	Deltas           map[string]float64      `json:"deltas"`
	GateDecision     GateDecision            `json:"gate_decision"`
	ThresholdOverlay map[string]OverlayEntry `json:"threshold_overlay"`
}

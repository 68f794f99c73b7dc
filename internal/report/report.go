// Package report exports run results as markdown, a full JSON dump, and a
// compact metrics snapshot for dashboards.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"llmeval/internal/analysis"
	"llmeval/internal/domain"
	"llmeval/internal/storage"
)

// ExportPaths names the three files written for one run.
type ExportPaths struct {
	MarkdownReport  string `json:"markdown_report"`
	JSONReport      string `json:"json_report"`
	MetricsSnapshot string `json:"metrics_snapshot"`
}

// Export writes the markdown report, JSON report, and metrics snapshot for a
// run into outputDir, creating the directory if needed. A non-nil compare adds
// the baseline comparison section and switches the snapshot to the comparison
// gate decision.
func Export(repo storage.Repository, runID, outputDir string, compare *domain.CompareResult) (ExportPaths, error) {
	run, err := repo.GetRun(runID)
	if err != nil {
		return ExportPaths{}, err
	}
	if run == nil {
		return ExportPaths{}, fmt.Errorf("run %s not found", runID)
	}
	results, err := repo.ListItemResults(runID)
	if err != nil {
		return ExportPaths{}, err
	}
	runAlerts, err := repo.ListDriftAlerts(runID)
	if err != nil {
		return ExportPaths{}, err
	}
	timeline, err := repo.ListDriftAlertsForDataset(run.DatasetName, run.DatasetVersion, storage.AlertFilter{}, 100, 0)
	if err != nil {
		return ExportPaths{}, err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return ExportPaths{}, fmt.Errorf("create report dir: %w", err)
	}

	breakdown := analysis.TagBreakdown(results)

	markdown, err := BuildMarkdownReport(run, compare, breakdown, runAlerts, timeline)
	if err != nil {
		return ExportPaths{}, err
	}

	reportPayload := map[string]any{
		"run":                    run,
		"compare":                compare,
		"tag_breakdown":          breakdown,
		"degraded_slices":        analysis.DegradedSlices(breakdown),
		"drift_alerts":           orEmptyAlerts(runAlerts),
		"dataset_alert_timeline": orEmptyAlerts(timeline),
	}

	var deltas map[string]float64
	gate := run.GateDecision
	if compare != nil {
		deltas = compare.Deltas
		gate = &compare.GateDecision
	}
	snapshot := MetricsSnapshot(run, deltas, gate)

	paths := ExportPaths{
		MarkdownReport:  filepath.Join(outputDir, runID+".report.md"),
		JSONReport:      filepath.Join(outputDir, runID+".report.json"),
		MetricsSnapshot: filepath.Join(outputDir, runID+".metrics_snapshot.json"),
	}
	if err := os.WriteFile(paths.MarkdownReport, []byte(markdown), 0o644); err != nil {
		return ExportPaths{}, fmt.Errorf("write markdown report: %w", err)
	}
	if err := writeJSON(paths.JSONReport, reportPayload); err != nil {
		return ExportPaths{}, err
	}
	if err := writeJSON(paths.MetricsSnapshot, snapshot); err != nil {
		return ExportPaths{}, err
	}
	return paths, nil
}

// BuildMarkdownReport renders the human-readable report. The run must carry
// aggregate metrics.
func BuildMarkdownReport(
	run *domain.RunRecord,
	compare *domain.CompareResult,
	breakdown map[string]domain.TagMetricRecord,
	runAlerts []domain.DriftAlertRecord,
	timeline []domain.DriftAlertRecord,
) (string, error) {
	agg := run.AggregateMetrics
	if agg == nil {
		return "", fmt.Errorf("run %s has no aggregate metrics", run.RunID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# LLM Eval Report: %s\n", run.RunID)
	b.WriteString("\n## Summary\n\n")
	b.WriteString("| Metric | Value |\n|---|---:|\n")
	fmt.Fprintf(&b, "| exact_match | %.4f |\n", agg.ExactMatch)
	fmt.Fprintf(&b, "| keyword_coverage | %.4f |\n", agg.KeywordCoverage)
	fmt.Fprintf(&b, "| schema_valid | %.4f |\n", agg.SchemaValid)
	if agg.JudgeScore != nil {
		fmt.Fprintf(&b, "| llm_judge_score | %.4f |\n", *agg.JudgeScore)
	}

	if run.GateDecision != nil {
		b.WriteString("\n## Gate Status\n\n")
		fmt.Fprintf(&b, "- status: **%s**\n", strings.ToUpper(run.GateDecision.Status))
		if len(run.GateDecision.Reasons) > 0 {
			b.WriteString("- reasons:\n")
			for _, reason := range run.GateDecision.Reasons {
				fmt.Fprintf(&b, "  - %s\n", reason)
			}
		}
	}

	if compare != nil {
		b.WriteString("\n## Baseline Comparison\n\n")
		b.WriteString("| Metric | Delta (candidate - baseline) |\n|---|---:|\n")
		for _, metric := range sortedKeys(compare.Deltas) {
			fmt.Fprintf(&b, "| %s | %.4f |\n", metric, compare.Deltas[metric])
		}
		if len(compare.ThresholdOverlay) > 0 {
			b.WriteString("\n### Threshold Overlay\n\n")
			b.WriteString("| Metric | Delta | Allowed Drop | Actual Drop | Breach | Passed |\n")
			b.WriteString("|---|---:|---:|---:|---:|---|\n")
			for _, metric := range overlayKeys(compare.ThresholdOverlay) {
				row := compare.ThresholdOverlay[metric]
				fmt.Fprintf(&b, "| %s | %.4f | %.4f | %.4f | %.4f | %t |\n",
					metric, row.Delta, row.AllowedDrop, row.ActualDrop, row.Breach, row.Passed)
			}
		}
	}

	if slices := analysis.DegradedSlices(breakdown); len(slices) > 0 {
		b.WriteString("\n## Top Degraded Slices\n\n")
		b.WriteString("| Slice | Degradation Score | exact_match | keyword_coverage | schema_valid |\n")
		b.WriteString("|---|---:|---:|---:|---:|\n")
		if len(slices) > 10 {
			slices = slices[:10]
		}
		for _, row := range slices {
			fmt.Fprintf(&b, "| %s | %.4f | %.4f | %.4f | %.4f |\n",
				row.Slice, row.DegradationScore, row.ExactMatch, row.KeywordCoverage, row.SchemaValid)
		}
	}

	if len(runAlerts) > 0 {
		b.WriteString("\n## Drift Alerts\n\n")
		for _, alert := range runAlerts {
			fmt.Fprintf(&b, "- [%s] %s\n", alert.Severity, alert.Message)
		}
	}

	if len(timeline) > 0 {
		b.WriteString("\n## Alert Timeline\n\n")
		if len(timeline) > 20 {
			timeline = timeline[:20]
		}
		for _, alert := range timeline {
			metric := alert.Metric
			if metric == "" {
				metric = "global"
			}
			fmt.Fprintf(&b, "- %s | %s | %s | %s\n",
				alert.CreatedAt.UTC().Format("2006-01-02 15:04:05"), alert.Severity, metric, alert.Message)
		}
	}

	b.WriteString("\n## Per-Tag Breakdown\n\n")
	b.WriteString("| Tag | exact_match | keyword_coverage | schema_valid |\n|---|---:|---:|---:|\n")
	labels := make([]string, 0, len(breakdown))
	for label := range breakdown {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		metrics := breakdown[label]
		fmt.Fprintf(&b, "| %s | %.4f | %.4f | %.4f |\n",
			label, metrics.ExactMatch, metrics.KeywordCoverage, metrics.SchemaValid)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// MetricsSnapshot is the flat dashboard payload for one run.
func MetricsSnapshot(run *domain.RunRecord, deltas map[string]float64, gate *domain.GateDecision) map[string]any {
	metrics := any(map[string]any{})
	if run.AggregateMetrics != nil {
		metrics = run.AggregateMetrics
	}
	gateStatus := "n/a"
	gateReasons := []string{}
	if gate != nil {
		gateStatus = gate.Status
		if gate.Reasons != nil {
			gateReasons = gate.Reasons
		}
	}
	if deltas == nil {
		deltas = map[string]float64{}
	}
	return map[string]any{
		"run_id":               run.RunID,
		"variant_name":         run.VariantName,
		"dataset":              run.DatasetName + ":" + run.DatasetVersion,
		"model_name":           run.ModelName,
		"prompt_version":       run.PromptVersion,
		"retrieval_enabled":    run.RetrievalEnabled,
		"llm_judge_enabled":    run.JudgeEnabled,
		"experiment_signature": run.ExperimentSignature,
		"release_status":       run.ReleaseStatus,
		"status":               run.Status,
		"duration_ms":          run.DurationMS,
		"avg_latency_ms":       run.AvgLatencyMS,
		"p95_latency_ms":       run.P95LatencyMS,
		"token_in_est":         run.TokenInEst,
		"token_out_est":        run.TokenOutEst,
		"cost_est_usd":         run.CostEstUSD,
		"metrics":              metrics,
		"deltas_vs_baseline":   deltas,
		"gate_status":          gateStatus,
		"gate_reasons":         gateReasons,
	}
}

// writeJSON serializes with two-space indentation and sorted keys throughout.
// The generic round-trip turns struct fields into map entries so nested keys
// sort too.
func writeJSON(path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("normalize %s: %w", path, err)
	}
	data, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func orEmptyAlerts(alerts []domain.DriftAlertRecord) []domain.DriftAlertRecord {
	if alerts == nil {
		return []domain.DriftAlertRecord{}
	}
	return alerts
}

func sortedKeys(values map[string]float64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func overlayKeys(overlay map[string]domain.OverlayEntry) []string {
	keys := make([]string, 0, len(overlay))
	for key := range overlay {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

package service

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"llmeval/internal/domain"
	"llmeval/internal/runner"
	"llmeval/internal/schemaval"
	"llmeval/internal/storage"
	"llmeval/internal/storage/sqlite"
)

type scriptedGenerator struct {
	output string
}

func (g *scriptedGenerator) Generate(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	return g.output, nil
}

func (g *scriptedGenerator) ListModels(ctx context.Context) ([]string, error) {
	return []string{"llama3"}, nil
}

func newTestService(t *testing.T, output string) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "eval.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := runner.New(store, &scriptedGenerator{output: output}, schemaval.New(), nil)
	return NewWithDeps(store, r, filepath.Join(dir, "reports")), dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func registerDataset(t *testing.T, svc *Service, dir string) {
	t.Helper()
	path := writeFile(t, dir, "eval.jsonl",
		`{"item_id":"i1","prompt":"capital of France","expected_answer":"Paris","keywords":["paris"],"tags":{"domain":"geo"}}`+"\n"+
			`{"item_id":"i2","prompt":"capital of Spain","expected_answer":"Madrid","keywords":["madrid"],"tags":{"domain":"geo"}}`+"\n")
	if _, _, err := svc.RegisterDataset("support_eval", "v1", path); err != nil {
		t.Fatalf("register dataset: %v", err)
	}
}

const runConfigYAML = `variant:
  name: baseline
  dataset_name: support_eval
  dataset_version: v1
  model_name: llama3
  prompt_version: p1
  prompt_template: "{prompt}"
  seed: 42
  temperature: 0.1
gates:
  min_metric: {}
  max_drop_from_baseline: {}
`

func TestRegisterDataset(t *testing.T) {
	svc, dir := newTestService(t, "Paris")
	path := writeFile(t, dir, "d.jsonl", `{"item_id":"a","prompt":"p"}`+"\n")

	record, count, err := svc.RegisterDataset("d", "v1", path)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if count != 1 || record.Checksum == "" || record.ItemCount != 1 {
		t.Fatalf("unexpected record: %+v count=%d", record, count)
	}

	stored, err := svc.Repo().GetDataset("d", "v1")
	if err != nil || stored == nil {
		t.Fatalf("dataset not stored: %v %+v", err, stored)
	}
}

func TestRunFromConfigRecordsProvenance(t *testing.T) {
	svc, dir := newTestService(t, "Paris")
	registerDataset(t, svc, dir)
	configPath := writeFile(t, dir, "run.yaml", runConfigYAML)

	seed := 7
	temperature := 0.5
	run, err := svc.RunFromConfig(context.Background(), configPath, Overrides{
		ModelName:   "mistral",
		Seed:        &seed,
		Temperature: &temperature,
	})
	if err != nil {
		t.Fatalf("run from config: %v", err)
	}
	if run.ModelName != "mistral" || run.Seed != 7 || run.Temperature != 0.5 {
		t.Fatalf("overrides not applied: %+v", run)
	}
	if run.Metadata["config_path"] != configPath {
		t.Fatalf("config path not recorded: %+v", run.Metadata)
	}
	if run.Metadata["model_override"] != "mistral" {
		t.Fatalf("model override not recorded: %+v", run.Metadata)
	}
	if run.Metadata["seed_override"] != float64(7) {
		t.Fatalf("seed override not recorded: %+v", run.Metadata)
	}
}

func TestLoadGateConfigFileBothShapes(t *testing.T) {
	svc, dir := newTestService(t, "x")

	bare := writeFile(t, dir, "bare.yaml", "min_metric:\n  exact_match: 0.8\n")
	gateConfig, err := svc.LoadGateConfigFile(bare)
	if err != nil {
		t.Fatalf("load bare: %v", err)
	}
	if gateConfig.MinMetric["exact_match"] != 0.8 {
		t.Fatalf("bare shape not parsed: %+v", gateConfig)
	}

	nested := writeFile(t, dir, "nested.yaml", "gates:\n  max_drop_from_baseline:\n    exact_match: 0.2\n")
	gateConfig, err = svc.LoadGateConfigFile(nested)
	if err != nil {
		t.Fatalf("load nested: %v", err)
	}
	if gateConfig.MaxDropFromBaseline["exact_match"] != 0.2 {
		t.Fatalf("nested shape not parsed: %+v", gateConfig)
	}
}

func seedCompletedRun(t *testing.T, svc *Service, runID string, metrics domain.AggregateMetrics) {
	t.Helper()
	run := domain.RunRecord{
		RunID:          runID,
		RunKey:         runID,
		RunVersion:     1,
		VariantName:    "seeded",
		DatasetName:    "support_eval",
		DatasetVersion: "v1",
		ModelName:      "llama3",
		PromptVersion:  "p1",
		ReleaseStatus:  domain.ReleaseApproved,
		Status:         domain.RunStatusCompleted,
		StartedAt:      time.Now().UTC(),
	}
	if err := svc.Repo().CreateRun(run); err != nil {
		t.Fatalf("create run %s: %v", runID, err)
	}
	err := svc.Repo().UpdateRunStatus(runID, domain.RunStatusCompleted, storage.RunUpdate{AggregateMetrics: &metrics})
	if err != nil {
		t.Fatalf("complete run %s: %v", runID, err)
	}
}

func TestCompareRunsWorkedExample(t *testing.T) {
	svc, _ := newTestService(t, "x")
	seedCompletedRun(t, svc, "baseline-run", domain.AggregateMetrics{ExactMatch: 0.8, KeywordCoverage: 0.8, SchemaValid: 1.0, SampleCount: 10})
	seedCompletedRun(t, svc, "candidate-run", domain.AggregateMetrics{ExactMatch: 0.7, KeywordCoverage: 0.75, SchemaValid: 1.0, SampleCount: 10})

	result, err := svc.CompareRuns("baseline-run", "candidate-run", &domain.GateConfig{
		MaxDropFromBaseline: map[string]float64{"exact_match": 0.2},
	})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if math.Abs(result.Deltas["exact_match"]+0.1) > 1e-9 || math.Abs(result.Deltas["keyword_coverage"]+0.05) > 1e-9 {
		t.Fatalf("unexpected deltas: %v", result.Deltas)
	}
	if result.GateDecision.Status != domain.GatePass {
		t.Fatalf("drop 0.1 within allowance 0.2 should pass: %+v", result.GateDecision)
	}
	overlay := result.ThresholdOverlay["exact_match"]
	if !overlay.Passed || math.Abs(overlay.ActualDrop-0.1) > 1e-9 {
		t.Fatalf("unexpected overlay: %+v", overlay)
	}

	if _, err := svc.CompareRuns("missing", "candidate-run", nil); err == nil {
		t.Fatal("expected error for missing baseline")
	}
}

func TestFailureAnalysisPagination(t *testing.T) {
	svc, _ := newTestService(t, "x")
	seedCompletedRun(t, svc, "r1", domain.AggregateMetrics{SampleCount: 3})
	results := []domain.ItemResult{
		{RunID: "r1", ItemID: "clean", OutputText: "ok", Scores: domain.ItemScore{ExactMatch: 1, KeywordCoverage: 1, SchemaValid: 1}},
		{RunID: "r1", ItemID: "broken", Error: "timeout", Scores: domain.ItemScore{}},
		{RunID: "r1", ItemID: "partial", KeywordMisses: []string{"refund"}, Scores: domain.ItemScore{ExactMatch: 0, KeywordCoverage: 0.5, SchemaValid: 1}},
	}
	if err := svc.Repo().InsertItemResults(results); err != nil {
		t.Fatalf("insert results: %v", err)
	}

	page, err := svc.GetFailureAnalysis("r1", 2, 0)
	if err != nil {
		t.Fatalf("failure analysis: %v", err)
	}
	if page.Total != 3 || len(page.WorstSamples) != 2 || !page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.WorstSamples[0].ItemID != "broken" {
		t.Fatalf("errored item should rank first: %+v", page.WorstSamples)
	}
	if len(page.Clusters.KeywordMisses) != 1 || page.Clusters.KeywordMisses[0].Keyword != "refund" {
		t.Fatalf("unexpected clusters: %+v", page.Clusters)
	}

	last, err := svc.GetFailureAnalysis("r1", 2, 2)
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	if len(last.WorstSamples) != 1 || last.HasMore {
		t.Fatalf("unexpected last page: %+v", last)
	}
}

func TestAlertTimelineAndReleaseDecision(t *testing.T) {
	svc, _ := newTestService(t, "x")
	seedCompletedRun(t, svc, "r1", domain.AggregateMetrics{SampleCount: 1})

	delta := -0.3
	alerts := []domain.DriftAlertRecord{{
		RunID: "r1", DatasetName: "support_eval", DatasetVersion: "v1",
		Scope: "global", Metric: "exact_match", Severity: domain.SeverityCritical,
		Delta: &delta, Message: "dropped", CreatedAt: time.Now().UTC(),
	}}
	if err := svc.Repo().ReplaceDriftAlerts("r1", alerts); err != nil {
		t.Fatalf("store alerts: %v", err)
	}

	timeline, err := svc.GetAlertTimeline("r1")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(timeline.RunAlerts) != 1 || len(timeline.DatasetAlertTimeline) != 1 || timeline.Total != 1 {
		t.Fatalf("unexpected timeline: %+v", timeline)
	}

	filtered, err := svc.GetAlertTimelinePage("r1", 10, 0, storage.AlertFilter{Severity: domain.SeverityWarning})
	if err != nil {
		t.Fatalf("filtered timeline: %v", err)
	}
	if filtered.Total != 0 || len(filtered.DatasetAlertTimeline) != 0 {
		t.Fatalf("severity filter should exclude critical: %+v", filtered)
	}

	decision, err := svc.GetReleaseDecision("r1")
	if err != nil {
		t.Fatalf("release decision: %v", err)
	}
	if decision.ReleaseStatus != domain.ReleaseApproved || len(decision.DriftAlerts) != 1 {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	if _, err := svc.GetReleaseDecision("missing"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestRunTrendsFromService(t *testing.T) {
	svc, dir := newTestService(t, "Paris")
	registerDataset(t, svc, dir)
	configPath := writeFile(t, dir, "run.yaml", runConfigYAML)

	run, err := svc.RunFromConfig(context.Background(), configPath, Overrides{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	summary, err := svc.RunTrends(run.RunID)
	if err != nil {
		t.Fatalf("trends: %v", err)
	}
	if summary.DatasetName != "support_eval" || summary.DatasetVersion != "v1" {
		t.Fatalf("unexpected summary identity: %+v", summary)
	}
	if len(summary.Trends["exact_match"]) != 1 {
		t.Fatalf("expected one history point: %+v", summary.Trends)
	}
}

func TestTagMetricsPageFromService(t *testing.T) {
	svc, dir := newTestService(t, "Paris")
	registerDataset(t, svc, dir)
	configPath := writeFile(t, dir, "run.yaml", runConfigYAML)

	run, err := svc.RunFromConfig(context.Background(), configPath, Overrides{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	page, err := svc.GetTagMetricsPage(run.RunID, 10, 0)
	if err != nil {
		t.Fatalf("tag metrics: %v", err)
	}
	if page.Total != 1 || len(page.TagMetrics) != 1 || page.TagMetrics[0].TagValue != "geo" {
		t.Fatalf("unexpected tag page: %+v", page)
	}
	if page.HasMore {
		t.Fatal("single page should not report more")
	}
	if !strings.HasSuffix(run.RunID, "-v1") {
		t.Fatalf("unexpected run id: %s", run.RunID)
	}
}

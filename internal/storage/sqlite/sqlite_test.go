package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"llmeval/internal/domain"
	"llmeval/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "eval.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRun(runID, runKey string, version int) domain.RunRecord {
	return domain.RunRecord{
		RunID:          runID,
		RunKey:         runKey,
		RunVersion:     version,
		VariantName:    "baseline",
		DatasetName:    "support_eval",
		DatasetVersion: "v1",
		ModelName:      "llama3",
		PromptVersion:  "p1",
		Seed:           42,
		Temperature:    0.2,
		ReleaseStatus:  domain.ReleaseBlocked,
		Status:         domain.RunStatusRunning,
		StartedAt:      time.Now().UTC(),
	}
}

func TestSchemaVersionRecorded(t *testing.T) {
	store := newTestStore(t)
	version, err := store.CurrentSchemaVersion()
	if err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != SchemaVersion {
		t.Fatalf("expected schema version %d, got %d", SchemaVersion, version)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	second.Close()
}

func TestDatasetUpsertAndGet(t *testing.T) {
	store := newTestStore(t)

	record := domain.DatasetRecord{
		DatasetName: "support_eval",
		Version:     "v1",
		Path:        "/data/support.jsonl",
		Checksum:    "abc123",
		ItemCount:   10,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.UpsertDataset(record); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetDataset("support_eval", "v1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Checksum != "abc123" || got.ItemCount != 10 {
		t.Fatalf("unexpected record: %+v", got)
	}

	record.Checksum = "def456"
	if err := store.UpsertDataset(record); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err = store.GetDataset("support_eval", "v1")
	if err != nil {
		t.Fatalf("get after re-upsert: %v", err)
	}
	if got.Checksum != "def456" {
		t.Fatalf("upsert should replace: %+v", got)
	}

	missing, err := store.GetDataset("support_eval", "v9")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unregistered version, got %+v", missing)
	}
}

func TestNextRunVersion(t *testing.T) {
	store := newTestStore(t)

	version, err := store.NextRunVersion("deadbeef00000000")
	if err != nil {
		t.Fatalf("next version: %v", err)
	}
	if version != 1 {
		t.Fatalf("first version should be 1, got %d", version)
	}

	if err := store.CreateRun(sampleRun("deadbeef00000000-v1", "deadbeef00000000", 1)); err != nil {
		t.Fatalf("create run: %v", err)
	}
	version, err = store.NextRunVersion("deadbeef00000000")
	if err != nil {
		t.Fatalf("next version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2 after one run, got %d", version)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)

	run := sampleRun("k1-v1", "k1", 1)
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	created, err := store.GetRun("k1-v1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if created.Status != domain.RunStatusRunning || created.ReleaseStatus != domain.ReleaseBlocked {
		t.Fatalf("unexpected initial run: %+v", created)
	}
	if created.CompletedAt != nil {
		t.Fatal("running run should have no completion time")
	}

	judge := 0.8
	duration := 1234.5
	avg := 120.0
	p95 := 300.0
	tokens := 500
	cost := 0.0
	err = store.UpdateRunStatus("k1-v1", domain.RunStatusCompleted, storage.RunUpdate{
		AggregateMetrics: &domain.AggregateMetrics{ExactMatch: 0.9, KeywordCoverage: 0.8, SchemaValid: 1.0, JudgeScore: &judge, SampleCount: 5},
		GateDecision:     &domain.GateDecision{Status: domain.GatePass, Reasons: []string{}},
		ReleaseStatus:    domain.ReleaseApproved,
		DurationMS:       &duration,
		AvgLatencyMS:     &avg,
		P95LatencyMS:     &p95,
		TokenInEst:       &tokens,
		TokenOutEst:      &tokens,
		CostEstUSD:       &cost,
		Metadata:         map[string]any{"errors": 0},
	})
	if err != nil {
		t.Fatalf("update run: %v", err)
	}

	completed, err := store.GetRun("k1-v1")
	if err != nil {
		t.Fatalf("get completed run: %v", err)
	}
	if completed.Status != domain.RunStatusCompleted || completed.ReleaseStatus != domain.ReleaseApproved {
		t.Fatalf("unexpected completed run: %+v", completed)
	}
	if completed.CompletedAt == nil {
		t.Fatal("terminal status must stamp completed_at")
	}
	if completed.AggregateMetrics == nil || completed.AggregateMetrics.SampleCount != 5 {
		t.Fatalf("aggregate metrics not round-tripped: %+v", completed.AggregateMetrics)
	}
	if completed.AggregateMetrics.JudgeScore == nil || *completed.AggregateMetrics.JudgeScore != 0.8 {
		t.Fatalf("judge score not round-tripped: %+v", completed.AggregateMetrics)
	}
	if completed.GateDecision == nil || completed.GateDecision.Status != domain.GatePass {
		t.Fatalf("gate decision not round-tripped: %+v", completed.GateDecision)
	}

	missing, err := store.GetRun("nope")
	if err != nil {
		t.Fatalf("get missing run: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown run, got %+v", missing)
	}
}

func TestListRunsByDatasetOrdering(t *testing.T) {
	store := newTestStore(t)

	older := sampleRun("k1-v1", "k1", 1)
	older.StartedAt = time.Now().UTC().Add(-time.Hour)
	newer := sampleRun("k1-v2", "k1", 2)
	newer.StartedAt = time.Now().UTC()

	if err := store.CreateRun(newer); err != nil {
		t.Fatalf("create newer: %v", err)
	}
	if err := store.CreateRun(older); err != nil {
		t.Fatalf("create older: %v", err)
	}

	history, err := store.ListRunsByDataset("support_eval", "v1")
	if err != nil {
		t.Fatalf("list by dataset: %v", err)
	}
	if len(history) != 2 || history[0].RunID != "k1-v1" {
		t.Fatalf("dataset history should be oldest first: %+v", history)
	}

	all, err := store.ListRuns()
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(all) != 2 || all[0].RunID != "k1-v2" {
		t.Fatalf("run listing should be newest first: %+v", all)
	}
}

func TestItemResultsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateRun(sampleRun("k1-v1", "k1", 1)); err != nil {
		t.Fatalf("create run: %v", err)
	}

	judge := 0.7
	results := []domain.ItemResult{
		{
			RunID:          "k1-v1",
			ItemID:         "item-1",
			Prompt:         "rendered prompt",
			OutputText:     "the answer",
			ExpectedAnswer: "the answer",
			Keywords:       []string{"answer"},
			LatencyMS:      45.5,
			TokenInEst:     12,
			TokenOutEst:    4,
			Scores:         domain.ItemScore{ExactMatch: 1.0, KeywordCoverage: 1.0, SchemaValid: 1.0, JudgeScore: &judge},
			Tags:           map[string]string{"domain": "billing"},
		},
		{
			RunID:         "k1-v1",
			ItemID:        "item-2",
			Prompt:        "rendered prompt 2",
			OutputText:    "",
			Error:         "generate timeout",
			SchemaError:   "invalid json",
			KeywordMisses: []string{"refund"},
			Keywords:      []string{"refund"},
			Scores:        domain.ItemScore{ExactMatch: 0.0, KeywordCoverage: 0.0, SchemaValid: 0.0},
		},
	}
	if err := store.InsertItemResults(results); err != nil {
		t.Fatalf("insert results: %v", err)
	}

	got, err := store.ListItemResults("k1-v1")
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	first := got[0]
	if first.ItemID != "item-1" || first.Scores.JudgeScore == nil || *first.Scores.JudgeScore != 0.7 {
		t.Fatalf("unexpected first row: %+v", first)
	}
	if first.Tags["domain"] != "billing" || len(first.Keywords) != 1 {
		t.Fatalf("json columns not round-tripped: %+v", first)
	}
	second := got[1]
	if second.Error != "generate timeout" || second.SchemaError != "invalid json" {
		t.Fatalf("error fields lost: %+v", second)
	}
	if len(second.KeywordMisses) != 1 || second.KeywordMisses[0] != "refund" {
		t.Fatalf("keyword misses lost: %+v", second)
	}
	if second.Scores.JudgeScore != nil {
		t.Fatal("absent judge score must stay nil")
	}

	if err := store.InsertItemResults(nil); err != nil {
		t.Fatalf("inserting no results should be a no-op: %v", err)
	}
}

func TestTagMetricsReplaceAndPage(t *testing.T) {
	store := newTestStore(t)

	judge := 0.9
	metrics := []domain.TagMetricRecord{
		{RunID: "r1", TagKey: "domain", TagValue: "billing", ExactMatch: 0.5, KeywordCoverage: 0.6, SchemaValid: 1.0, JudgeScore: &judge, SampleCount: 8},
		{RunID: "r1", TagKey: "domain", TagValue: "support", ExactMatch: 0.9, KeywordCoverage: 0.9, SchemaValid: 1.0, SampleCount: 2},
		{RunID: "r1", TagKey: "difficulty", TagValue: "hard", ExactMatch: 0.2, KeywordCoverage: 0.3, SchemaValid: 0.8, SampleCount: 5},
	}
	if err := store.ReplaceTagMetrics("r1", metrics); err != nil {
		t.Fatalf("replace: %v", err)
	}

	total, err := store.CountTagMetrics("r1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 slices, got %d", total)
	}

	page, err := store.ListTagMetricsPage("r1", 2, 0)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].SampleCount != 8 || page[1].SampleCount != 5 {
		t.Fatalf("page should order by sample count desc: %+v", page)
	}
	if page[0].JudgeScore == nil || *page[0].JudgeScore != 0.9 {
		t.Fatalf("judge score lost: %+v", page[0])
	}

	if err := store.ReplaceTagMetrics("r1", metrics[:1]); err != nil {
		t.Fatalf("second replace: %v", err)
	}
	total, err = store.CountTagMetrics("r1")
	if err != nil {
		t.Fatalf("count after replace: %v", err)
	}
	if total != 1 {
		t.Fatalf("replace should drop previous rows, got %d", total)
	}
}

func TestDriftAlertTimelineFilters(t *testing.T) {
	store := newTestStore(t)

	delta := -0.3
	threshold := -0.2
	now := time.Now().UTC()
	alerts := []domain.DriftAlertRecord{
		{RunID: "r1", DatasetName: "support_eval", DatasetVersion: "v1", Scope: "global", Metric: "exact_match", Severity: domain.SeverityCritical, Delta: &delta, Threshold: &threshold, Message: "exact_match dropped", CreatedAt: now.Add(-time.Minute)},
		{RunID: "r1", DatasetName: "support_eval", DatasetVersion: "v1", Scope: "global", Metric: "keyword_coverage", Severity: domain.SeverityWarning, Message: "nearing threshold", CreatedAt: now},
	}
	if err := store.ReplaceDriftAlerts("r1", alerts); err != nil {
		t.Fatalf("replace alerts: %v", err)
	}

	byRun, err := store.ListDriftAlerts("r1")
	if err != nil {
		t.Fatalf("list by run: %v", err)
	}
	if len(byRun) != 2 || byRun[0].Metric != "keyword_coverage" {
		t.Fatalf("alerts should come back newest first: %+v", byRun)
	}

	critical, err := store.ListDriftAlertsForDataset("support_eval", "v1", storage.AlertFilter{Severity: domain.SeverityCritical}, 10, 0)
	if err != nil {
		t.Fatalf("filter by severity: %v", err)
	}
	if len(critical) != 1 || critical[0].Metric != "exact_match" {
		t.Fatalf("severity filter failed: %+v", critical)
	}
	if critical[0].Delta == nil || *critical[0].Delta != -0.3 {
		t.Fatalf("delta lost: %+v", critical[0])
	}

	matched, err := store.ListDriftAlertsForDataset("support_eval", "v1", storage.AlertFilter{MetricContains: "keyword"}, 10, 0)
	if err != nil {
		t.Fatalf("filter by metric: %v", err)
	}
	if len(matched) != 1 || matched[0].Severity != domain.SeverityWarning {
		t.Fatalf("metric filter failed: %+v", matched)
	}

	count, err := store.CountDriftAlertsForDataset("support_eval", "v1", storage.AlertFilter{})
	if err != nil {
		t.Fatalf("count alerts: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 alerts, got %d", count)
	}
}

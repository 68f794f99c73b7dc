package scoring

import (
	"strings"
	"testing"

	"llmeval/internal/domain"
)

func TestEvaluateGatesPassWithinAllowedDrop(t *testing.T) {
	candidate := domain.AggregateMetrics{ExactMatch: 0.7, KeywordCoverage: 0.75, SchemaValid: 1.0, SampleCount: 10}
	baseline := domain.AggregateMetrics{ExactMatch: 0.8, KeywordCoverage: 0.8, SchemaValid: 1.0, SampleCount: 10}

	decision := EvaluateGates(candidate, domain.GateConfig{
		MaxDropFromBaseline: map[string]float64{"exact_match": 0.2},
	}, &baseline)

	if decision.Status != domain.GatePass {
		t.Fatalf("expected pass (drop 0.1 <= 0.2), got %s reasons=%v", decision.Status, decision.Reasons)
	}
	check, ok := decision.Checks["max_drop.exact_match"]
	if !ok {
		t.Fatal("expected max_drop.exact_match check")
	}
	if !check.Passed || check.Drop < 0.0999 || check.Drop > 0.1001 {
		t.Fatalf("unexpected check: %+v", check)
	}
}

func TestEvaluateGatesFailIffReasonsNonEmpty(t *testing.T) {
	candidate := domain.AggregateMetrics{ExactMatch: 0.5, KeywordCoverage: 0.9, SchemaValid: 1.0, SampleCount: 4}

	pass := EvaluateGates(candidate, domain.GateConfig{MinMetric: map[string]float64{"exact_match": 0.4}}, nil)
	if pass.Status != domain.GatePass || len(pass.Reasons) != 0 {
		t.Fatalf("expected clean pass, got %+v", pass)
	}

	fail := EvaluateGates(candidate, domain.GateConfig{MinMetric: map[string]float64{"exact_match": 0.6}}, nil)
	if fail.Status != domain.GateFail || len(fail.Reasons) == 0 {
		t.Fatalf("expected fail with reasons, got %+v", fail)
	}
	if !strings.Contains(fail.Reasons[0], "below minimum") {
		t.Fatalf("unexpected reason: %q", fail.Reasons[0])
	}
}

func TestEvaluateGatesMissingMetricSentinels(t *testing.T) {
	candidate := domain.AggregateMetrics{ExactMatch: 0.9, KeywordCoverage: 0.9, SchemaValid: 1.0, SampleCount: 4}

	decision := EvaluateGates(candidate, domain.GateConfig{
		MinMetric: map[string]float64{"llm_judge_score": 0.5},
	}, nil)
	check := decision.Checks["min_metric.llm_judge_score"]
	if decision.Status != domain.GateFail || check.Passed || check.Value != -1.0 {
		t.Fatalf("expected missing-metric sentinel failure, got %+v", decision)
	}
}

func TestEvaluateGatesMissingBaselineSentinels(t *testing.T) {
	candidate := domain.AggregateMetrics{ExactMatch: 0.9, KeywordCoverage: 0.9, SchemaValid: 1.0, SampleCount: 4}

	decision := EvaluateGates(candidate, domain.GateConfig{
		MaxDropFromBaseline: map[string]float64{"exact_match": 0.1},
	}, nil)
	check := decision.Checks["max_drop.exact_match"]
	if decision.Status != domain.GateFail || check.Passed || check.Drop != 999.0 {
		t.Fatalf("expected missing-baseline sentinel failure, got %+v", decision)
	}
}

func TestEvaluateGatesReasonsAreDeterministic(t *testing.T) {
	candidate := domain.AggregateMetrics{ExactMatch: 0.1, KeywordCoverage: 0.1, SchemaValid: 0.1, SampleCount: 1}
	config := domain.GateConfig{MinMetric: map[string]float64{
		"schema_valid":     0.9,
		"exact_match":      0.9,
		"keyword_coverage": 0.9,
	}}

	first := EvaluateGates(candidate, config, nil)
	for i := 0; i < 5; i++ {
		again := EvaluateGates(candidate, config, nil)
		for j := range first.Reasons {
			if first.Reasons[j] != again.Reasons[j] {
				t.Fatalf("reasons order not stable: %v vs %v", first.Reasons, again.Reasons)
			}
		}
	}
	if !strings.HasPrefix(first.Reasons[0], "exact_match") {
		t.Fatalf("expected sorted metric order, got %v", first.Reasons)
	}
}

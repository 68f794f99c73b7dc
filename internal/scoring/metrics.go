// Package scoring computes per-item correctness signals, aggregates them into
// run-level metrics, and evaluates release gates.
package scoring

import (
	"errors"
	"strconv"
	"strings"

	"llmeval/internal/domain"
)

// ErrNoScores is returned when aggregation is asked for zero items.
var ErrNoScores = errors.New("no scores were provided to aggregate")

// SchemaValidator checks output text against a JSON schema document.
// A nil return means the output parsed and validated.
type SchemaValidator interface {
	Validate(schemaDoc []byte, output string) error
}

// ExactMatchScore is 1 iff the trimmed, case-folded output equals the expected
// answer. Items without an expected answer always score 0.
func ExactMatchScore(expected, output string) float64 {
	if expected == "" {
		return 0.0
	}
	if strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(output)) {
		return 1.0
	}
	return 0.0
}

// KeywordCoverageScore is the fraction of keywords present as case-insensitive
// substrings of the output. No keywords is a vacuous pass.
func KeywordCoverageScore(keywords []string, output string) float64 {
	if len(keywords) == 0 {
		return 1.0
	}
	outputLower := strings.ToLower(output)
	matches := 0
	for _, keyword := range keywords {
		if strings.Contains(outputLower, strings.ToLower(keyword)) {
			matches++
		}
	}
	return float64(matches) / float64(len(keywords))
}

// SchemaValidityScore is 1 when the item has no schema or the output
// validates; parse failures and violations both score 0.
func SchemaValidityScore(validator SchemaValidator, schemaDoc []byte, output string) float64 {
	if len(schemaDoc) == 0 {
		return 1.0
	}
	if err := validator.Validate(schemaDoc, output); err != nil {
		return 0.0
	}
	return 1.0
}

// SchemaErrorMessage returns the validation failure text for an item with a
// schema, or "" when the output validates.
func SchemaErrorMessage(validator SchemaValidator, schemaDoc []byte, output string) string {
	if len(schemaDoc) == 0 {
		return ""
	}
	if err := validator.Validate(schemaDoc, output); err != nil {
		return err.Error()
	}
	return ""
}

// JudgeScoreFromText parses a judge response into [0,1]. Non-numeric output
// falls back to keyword heuristics, defaulting to 0.5 when inconclusive.
func JudgeScoreFromText(judgeOutput string) float64 {
	cleaned := strings.TrimSpace(judgeOutput)
	if value, err := strconv.ParseFloat(cleaned, 64); err == nil {
		if value < 0.0 {
			return 0.0
		}
		if value > 1.0 {
			return 1.0
		}
		return value
	}
	lower := strings.ToLower(cleaned)
	if strings.Contains(lower, "pass") || strings.Contains(lower, "good") {
		return 1.0
	}
	if strings.Contains(lower, "fail") || strings.Contains(lower, "bad") {
		return 0.0
	}
	return 0.5
}

// KeywordMisses lists the keywords absent from the output, in keyword order.
func KeywordMisses(keywords []string, output string) []string {
	outputLower := strings.ToLower(output)
	var misses []string
	for _, keyword := range keywords {
		if !strings.Contains(outputLower, strings.ToLower(keyword)) {
			misses = append(misses, keyword)
		}
	}
	return misses
}

// ScoreItem computes all signals for a single generated output. It never
// fails: invalid JSON is a scoring outcome, not an error.
func ScoreItem(validator SchemaValidator, item domain.DatasetItem, output string, judgeScore *float64) domain.ItemScore {
	return domain.ItemScore{
		ExactMatch:      ExactMatchScore(item.ExpectedAnswer, output),
		KeywordCoverage: KeywordCoverageScore(item.Keywords, output),
		SchemaValid:     SchemaValidityScore(validator, item.OutputSchema, output),
		JudgeScore:      judgeScore,
	}
}

// Aggregate reduces per-item scores to run-level means. The judge mean covers
// only items that produced a judge score and is omitted when none did.
func Aggregate(scores []domain.ItemScore) (domain.AggregateMetrics, error) {
	if len(scores) == 0 {
		return domain.AggregateMetrics{}, ErrNoScores
	}
	var exactSum, keywordSum, schemaSum, judgeSum float64
	judgeCount := 0
	for _, score := range scores {
		exactSum += score.ExactMatch
		keywordSum += score.KeywordCoverage
		schemaSum += score.SchemaValid
		if score.JudgeScore != nil {
			judgeSum += *score.JudgeScore
			judgeCount++
		}
	}
	n := float64(len(scores))
	metrics := domain.AggregateMetrics{
		ExactMatch:      exactSum / n,
		KeywordCoverage: keywordSum / n,
		SchemaValid:     schemaSum / n,
		SampleCount:     len(scores),
	}
	if judgeCount > 0 {
		judgeMean := judgeSum / float64(judgeCount)
		metrics.JudgeScore = &judgeMean
	}
	return metrics, nil
}

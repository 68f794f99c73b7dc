// Package analysis turns stored run data into decisions: latency percentiles,
// tag slices, trend volatility, drift alerts, failure ranking, and the release
// status derived from all of the above.
package analysis

import (
	"fmt"
	"math"
	"sort"

	"llmeval/internal/domain"
)

// TrendMetrics are the metric names tracked across run history.
var TrendMetrics = []string{"exact_match", "keyword_coverage", "schema_valid"}

// DriftParams tunes the drift detector. The warn band is the fraction of the
// allowed drop at which a warning fires; the volatility cutoff is the
// population standard deviation above which a metric counts as unstable.
type DriftParams struct {
	WarnBand         float64
	VolatilityCutoff float64
}

// DefaultDriftParams returns the detector tuning used in production.
func DefaultDriftParams() DriftParams {
	return DriftParams{WarnBand: 0.7, VolatilityCutoff: 0.15}
}

// P95 returns the 95th percentile of values using the nearest-rank method.
// The second return is false for an empty input.
func P95(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	ordered := make([]float64, len(values))
	copy(ordered, values)
	sort.Float64s(ordered)
	idx := int(math.Ceil(0.95*float64(len(ordered)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(ordered)-1 {
		idx = len(ordered) - 1
	}
	return ordered[idx], true
}

// BuildTagMetrics groups item results by (tag key, tag value) and averages
// each score over the group. Records come back sorted by key then value.
func BuildTagMetrics(runID string, results []domain.ItemResult) []domain.TagMetricRecord {
	type tagPair struct{ key, value string }
	grouped := make(map[tagPair][]domain.ItemResult)
	for _, result := range results {
		for k, v := range result.Tags {
			pair := tagPair{k, v}
			grouped[pair] = append(grouped[pair], result)
		}
	}

	pairs := make([]tagPair, 0, len(grouped))
	for pair := range grouped {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	records := make([]domain.TagMetricRecord, 0, len(pairs))
	for _, pair := range pairs {
		rows := grouped[pair]
		record := domain.TagMetricRecord{
			RunID:       runID,
			TagKey:      pair.key,
			TagValue:    pair.value,
			SampleCount: len(rows),
		}
		var judgeSum float64
		judgeCount := 0
		for _, row := range rows {
			record.ExactMatch += row.Scores.ExactMatch
			record.KeywordCoverage += row.Scores.KeywordCoverage
			record.SchemaValid += row.Scores.SchemaValid
			if row.Scores.JudgeScore != nil {
				judgeSum += *row.Scores.JudgeScore
				judgeCount++
			}
		}
		n := float64(len(rows))
		record.ExactMatch /= n
		record.KeywordCoverage /= n
		record.SchemaValid /= n
		if judgeCount > 0 {
			judgeMean := judgeSum / float64(judgeCount)
			record.JudgeScore = &judgeMean
		}
		records = append(records, record)
	}
	return records
}

// SummarizeTrends extracts per-metric value series from run history, oldest
// first, and computes the population standard deviation of each series.
// Runs without aggregate metrics are skipped. Series shorter than two values
// report zero volatility.
func SummarizeTrends(runs []domain.RunRecord) (map[string][]float64, map[string]float64) {
	trends := make(map[string][]float64, len(TrendMetrics))
	for _, name := range TrendMetrics {
		trends[name] = []float64{}
	}
	for _, run := range runs {
		if run.AggregateMetrics == nil {
			continue
		}
		for _, name := range TrendMetrics {
			value, _ := run.AggregateMetrics.Metric(name)
			trends[name] = append(trends[name], value)
		}
	}
	volatility := make(map[string]float64, len(trends))
	for name, values := range trends {
		volatility[name] = pstdev(values)
	}
	return trends, volatility
}

func pstdev(values []float64) float64 {
	if len(values) < 2 {
		return 0.0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(values)))
}

// BuildDriftAlerts compares candidate metrics against the gate baseline and
// flags drops beyond (critical) or nearing (warning) each allowed threshold,
// plus a warning for any metric whose history is volatile. All alerts have
// global scope. A nil baseline yields threshold alerts for nothing.
func BuildDriftAlerts(
	baseline *domain.AggregateMetrics,
	candidate domain.AggregateMetrics,
	volatility map[string]float64,
	maxDropFromBaseline map[string]float64,
	params DriftParams,
) []domain.DriftAlertRecord {
	var alerts []domain.DriftAlertRecord

	for _, metric := range sortedFloatKeys(maxDropFromBaseline) {
		if baseline == nil {
			continue
		}
		threshold := maxDropFromBaseline[metric]
		baseValue, baseOK := baseline.Metric(metric)
		candValue, candOK := candidate.Metric(metric)
		if !baseOK || !candOK {
			continue
		}
		drop := baseValue - candValue
		delta := -drop
		negThreshold := -threshold
		switch {
		case drop > threshold:
			alerts = append(alerts, domain.DriftAlertRecord{
				Scope:     "global",
				Metric:    metric,
				Severity:  domain.SeverityCritical,
				Delta:     &delta,
				Threshold: &negThreshold,
				Message:   fmt.Sprintf("%s dropped by %.4f, allowed %.4f", metric, drop, threshold),
			})
		case drop > threshold*params.WarnBand:
			alerts = append(alerts, domain.DriftAlertRecord{
				Scope:     "global",
				Metric:    metric,
				Severity:  domain.SeverityWarning,
				Delta:     &delta,
				Threshold: &negThreshold,
				Message:   fmt.Sprintf("%s nearing threshold with drop %.4f", metric, drop),
			})
		}
	}

	for _, metric := range sortedFloatKeys(volatility) {
		std := volatility[metric]
		if std > params.VolatilityCutoff {
			alerts = append(alerts, domain.DriftAlertRecord{
				Scope:    "global",
				Metric:   metric,
				Severity: domain.SeverityWarning,
				Message:  fmt.Sprintf("High volatility for %s: std=%.4f", metric, std),
			})
		}
	}
	return alerts
}

// ReleaseStatus resolves a run's release decision: a failed gate blocks,
// active drift alerts warn, otherwise the run is approved.
func ReleaseStatus(gateDecision domain.GateDecision, driftAlerts []domain.DriftAlertRecord) string {
	if gateDecision.Status == domain.GateFail {
		return domain.ReleaseBlocked
	}
	if len(driftAlerts) > 0 {
		return domain.ReleaseDriftWarning
	}
	return domain.ReleaseApproved
}

// WorstFailures ranks item results by a weighted severity score and returns
// the top entries. Errors weigh heaviest, then schema problems, then score
// shortfalls. Ties keep input order.
func WorstFailures(results []domain.ItemResult, limit int) []domain.FailureSample {
	ranked := make([]domain.FailureSample, 0, len(results))
	for _, row := range results {
		severity := 0.0
		if row.Error != "" {
			severity += 4.0
		}
		if row.SchemaError != "" {
			severity += 3.0
		}
		severity += (1.0 - row.Scores.ExactMatch) * 2.0
		severity += (1.0 - row.Scores.KeywordCoverage) * 2.0
		severity += (1.0 - row.Scores.SchemaValid) * 3.0
		ranked = append(ranked, domain.FailureSample{
			ItemID:         row.ItemID,
			Severity:       severity,
			ExpectedAnswer: row.ExpectedAnswer,
			OutputText:     row.OutputText,
			Error:          row.Error,
			SchemaError:    row.SchemaError,
			KeywordMisses:  row.KeywordMisses,
			Scores:         row.Scores,
			Tags:           row.Tags,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Severity > ranked[j].Severity })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// SchemaViolationCluster counts item results sharing a schema error message.
type SchemaViolationCluster struct {
	Error string `json:"error"`
	Count int    `json:"count"`
}

// KeywordMissCluster counts how many items missed a given keyword.
type KeywordMissCluster struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

// FailureClusters groups failures by shared cause, most frequent first.
type FailureClusters struct {
	SchemaViolations []SchemaViolationCluster `json:"schema_violations"`
	KeywordMisses    []KeywordMissCluster     `json:"keyword_misses"`
}

// ClusterFailures buckets results by schema error message and by missed
// keyword. Each bucket list is ordered by descending count, then name.
func ClusterFailures(results []domain.ItemResult) FailureClusters {
	schemaGroups := make(map[string]int)
	keywordGroups := make(map[string]int)
	for _, row := range results {
		if row.SchemaError != "" {
			schemaGroups[row.SchemaError]++
		}
		for _, miss := range row.KeywordMisses {
			keywordGroups[miss]++
		}
	}

	clusters := FailureClusters{
		SchemaViolations: []SchemaViolationCluster{},
		KeywordMisses:    []KeywordMissCluster{},
	}
	for _, key := range sortedCountKeys(schemaGroups) {
		clusters.SchemaViolations = append(clusters.SchemaViolations, SchemaViolationCluster{Error: key, Count: schemaGroups[key]})
	}
	for _, key := range sortedCountKeys(keywordGroups) {
		clusters.KeywordMisses = append(clusters.KeywordMisses, KeywordMissCluster{Keyword: key, Count: keywordGroups[key]})
	}
	return clusters
}

// MetricDeltas is candidate minus baseline for every shared metric. The judge
// delta appears only when both runs scored with a judge.
func MetricDeltas(candidate, baseline domain.AggregateMetrics) map[string]float64 {
	deltas := map[string]float64{
		"exact_match":      candidate.ExactMatch - baseline.ExactMatch,
		"keyword_coverage": candidate.KeywordCoverage - baseline.KeywordCoverage,
		"schema_valid":     candidate.SchemaValid - baseline.SchemaValid,
	}
	if candidate.JudgeScore != nil && baseline.JudgeScore != nil {
		deltas["llm_judge_score"] = *candidate.JudgeScore - *baseline.JudgeScore
	}
	return deltas
}

// BuildThresholdOverlay annotates each metric delta with the configured
// allowed drop. Improvements have zero actual drop; a metric passes exactly
// when its breach is zero. Metrics with no configured drop allow none.
func BuildThresholdOverlay(deltas map[string]float64, allowedDrops map[string]float64) map[string]domain.OverlayEntry {
	overlay := make(map[string]domain.OverlayEntry, len(deltas))
	for metric, delta := range deltas {
		allowedDrop := allowedDrops[metric]
		actualDrop := math.Max(0.0, -delta)
		breach := math.Max(0.0, actualDrop-allowedDrop)
		overlay[metric] = domain.OverlayEntry{
			Delta:       delta,
			AllowedDrop: allowedDrop,
			ActualDrop:  actualDrop,
			Breach:      breach,
			Passed:      breach == 0.0,
		}
	}
	return overlay
}

// TagBreakdown averages scores per "key:value" slice of a run's results.
// Unlike BuildTagMetrics it keys on the combined label, which is what the
// report templates consume.
func TagBreakdown(results []domain.ItemResult) map[string]domain.TagMetricRecord {
	breakdown := make(map[string]domain.TagMetricRecord)
	for _, record := range BuildTagMetrics("", results) {
		breakdown[record.TagKey+":"+record.TagValue] = record
	}
	return breakdown
}

// DegradedSlice scores how far a tag slice sits from perfect, weighting exact
// match and keyword coverage at 0.4 each and schema validity at 0.2.
type DegradedSlice struct {
	Slice            string  `json:"slice"`
	DegradationScore float64 `json:"degradation_score"`
	ExactMatch       float64 `json:"exact_match"`
	KeywordCoverage  float64 `json:"keyword_coverage"`
	SchemaValid      float64 `json:"schema_valid"`
}

// DegradedSlices ranks tag slices worst first. Ties order by slice name.
func DegradedSlices(breakdown map[string]domain.TagMetricRecord) []DegradedSlice {
	rows := make([]DegradedSlice, 0, len(breakdown))
	for label, metrics := range breakdown {
		score := (1-metrics.ExactMatch)*0.4 + (1-metrics.KeywordCoverage)*0.4 + (1-metrics.SchemaValid)*0.2
		rows = append(rows, DegradedSlice{
			Slice:            label,
			DegradationScore: score,
			ExactMatch:       metrics.ExactMatch,
			KeywordCoverage:  metrics.KeywordCoverage,
			SchemaValid:      metrics.SchemaValid,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].DegradationScore != rows[j].DegradationScore {
			return rows[i].DegradationScore > rows[j].DegradationScore
		}
		return rows[i].Slice < rows[j].Slice
	})
	return rows
}

func sortedFloatKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedCountKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

package scoring

import (
	"fmt"
	"sort"

	"llmeval/internal/domain"
)

// Sentinel values recorded on checks whose inputs were missing, so that a
// check row always carries numbers.
const (
	missingMetricValue = -1.0
	missingDropValue   = 999.0
)

// EvaluateGates applies the configured thresholds to candidate metrics.
// Pure function: the decision fails exactly when at least one reason was
// recorded. Check keys are stable: min_metric.<name> and max_drop.<name>.
func EvaluateGates(candidate domain.AggregateMetrics, gateConfig domain.GateConfig, baseline *domain.AggregateMetrics) domain.GateDecision {
	var reasons []string
	checks := make(map[string]domain.GateCheck)

	// Sorted iteration keeps the reasons list deterministic.
	for _, metricName := range sortedKeys(gateConfig.MinMetric) {
		threshold := gateConfig.MinMetric[metricName]
		key := "min_metric." + metricName
		value, ok := candidate.Metric(metricName)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("Metric %s missing in candidate.", metricName))
			checks[key] = domain.GateCheck{Passed: false, Value: missingMetricValue, Threshold: threshold}
			continue
		}
		passed := value >= threshold
		checks[key] = domain.GateCheck{Passed: passed, Value: value, Threshold: threshold}
		if !passed {
			reasons = append(reasons, fmt.Sprintf("%s=%.4f below minimum %.4f.", metricName, value, threshold))
		}
	}

	for _, metricName := range sortedKeys(gateConfig.MaxDropFromBaseline) {
		maxDrop := gateConfig.MaxDropFromBaseline[metricName]
		key := "max_drop." + metricName
		candValue, candOK := candidate.Metric(metricName)
		var baseValue float64
		baseOK := false
		if baseline != nil {
			baseValue, baseOK = baseline.Metric(metricName)
		}
		if !candOK || !baseOK {
			reasons = append(reasons, fmt.Sprintf("Metric %s missing for baseline comparison.", metricName))
			checks[key] = domain.GateCheck{Passed: false, Drop: missingDropValue, MaxDrop: maxDrop}
			continue
		}
		drop := baseValue - candValue
		passed := drop <= maxDrop
		checks[key] = domain.GateCheck{Passed: passed, Drop: drop, MaxDrop: maxDrop}
		if !passed {
			reasons = append(reasons, fmt.Sprintf("%s dropped by %.4f (allowed %.4f) vs baseline.", metricName, drop, maxDrop))
		}
	}

	status := domain.GatePass
	if len(reasons) > 0 {
		status = domain.GateFail
	}
	if reasons == nil {
		reasons = []string{}
	}
	return domain.GateDecision{Status: status, Reasons: reasons, Checks: checks}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

package runner

import "llmeval/internal/domain"

// BuildRetrievalContext renders the synthetic retrieval header prepended to
// prompts when retrieval is enabled for a variant.
func BuildRetrievalContext(item domain.DatasetItem) string {
	domainTag := item.Tags["domain"]
	if domainTag == "" {
		domainTag = "general"
	}
	difficulty := item.Tags["difficulty"]
	if difficulty == "" {
		difficulty = "unknown"
	}
	return "[retrieval-context] domain=" + domainTag + "; difficulty=" + difficulty
}

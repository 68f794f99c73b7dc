// Package notify posts run outcomes to Slack.
package notify

import (
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"

	"llmeval/internal/domain"
)

// Notifier posts evaluation outcomes to a Slack channel. A nil Notifier is
// valid and does nothing, so callers never need to guard on configuration.
type Notifier struct {
	api       *slack.Client
	channelID string
}

// New builds a Notifier, or nil when the token or channel is unset.
func New(botToken, channelID string) *Notifier {
	if botToken == "" || channelID == "" {
		return nil
	}
	return &Notifier{api: slack.New(botToken), channelID: channelID}
}

// NotifyRunCompleted posts a summary of a finished run, including its release
// status and any drift alerts.
func (n *Notifier) NotifyRunCompleted(run *domain.RunRecord, alerts []domain.DriftAlertRecord) error {
	if n == nil {
		return nil
	}
	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType,
				fmt.Sprintf("Eval run %s: %s", run.RunID, run.ReleaseStatus), false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, BuildRunSummary(run, alerts), false, false),
			nil, nil,
		),
	}
	_, _, err := n.api.PostMessage(n.channelID, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		log.Printf("Error posting run summary to Slack: %v", err)
		return fmt.Errorf("post run summary: %w", err)
	}
	log.Printf("Posted run summary run_id=%s channel=%s", run.RunID, n.channelID)
	return nil
}

// NotifyRunFailed posts a short failure notice.
func (n *Notifier) NotifyRunFailed(runID string, runErr error) error {
	if n == nil {
		return nil
	}
	text := fmt.Sprintf(":x: Eval run `%s` failed: %v", runID, runErr)
	_, _, err := n.api.PostMessage(n.channelID, slack.MsgOptionText(text, false))
	if err != nil {
		log.Printf("Error posting failure notice to Slack: %v", err)
		return fmt.Errorf("post failure notice: %w", err)
	}
	return nil
}

// BuildRunSummary renders the message body for a completed run.
func BuildRunSummary(run *domain.RunRecord, alerts []domain.DriftAlertRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Dataset:* %s:%s\n", run.DatasetName, run.DatasetVersion)
	fmt.Fprintf(&b, "*Model:* %s (prompt %s)\n", run.ModelName, run.PromptVersion)
	if run.AggregateMetrics != nil {
		agg := run.AggregateMetrics
		fmt.Fprintf(&b, "*Metrics:* exact_match %.4f | keyword_coverage %.4f | schema_valid %.4f",
			agg.ExactMatch, agg.KeywordCoverage, agg.SchemaValid)
		if agg.JudgeScore != nil {
			fmt.Fprintf(&b, " | llm_judge_score %.4f", *agg.JudgeScore)
		}
		fmt.Fprintf(&b, " (%d samples)\n", agg.SampleCount)
	}
	if run.GateDecision != nil && len(run.GateDecision.Reasons) > 0 {
		b.WriteString("*Gate failures:*\n")
		for _, reason := range run.GateDecision.Reasons {
			fmt.Fprintf(&b, "• %s\n", reason)
		}
	}
	if len(alerts) > 0 {
		b.WriteString("*Drift alerts:*\n")
		for _, alert := range alerts {
			fmt.Fprintf(&b, "• [%s] %s\n", alert.Severity, alert.Message)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

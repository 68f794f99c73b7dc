// Package runner executes evaluation runs end to end: dataset loading,
// generation, scoring, aggregation, gating, drift detection, and persistence.
package runner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"llmeval/internal/analysis"
	"llmeval/internal/dataset"
	"llmeval/internal/domain"
	"llmeval/internal/identity"
	"llmeval/internal/llm"
	"llmeval/internal/scoring"
	"llmeval/internal/storage"
)

// Runner drives the execution loop. Drift defaults to the production tuning;
// override it before the first Run call.
type Runner struct {
	repo      storage.Repository
	generator llm.Generator
	validator scoring.SchemaValidator
	encoders  *llm.EncoderRegistry

	Drift analysis.DriftParams
}

func New(repo storage.Repository, generator llm.Generator, validator scoring.SchemaValidator, encoders *llm.EncoderRegistry) *Runner {
	if encoders == nil {
		encoders = llm.NewEncoderRegistry()
	}
	return &Runner{
		repo:      repo,
		generator: generator,
		validator: validator,
		encoders:  encoders,
		Drift:     analysis.DefaultDriftParams(),
	}
}

// ListLocalModels reports the models available on the generation backend.
func (r *Runner) ListLocalModels(ctx context.Context) ([]string, error) {
	return r.generator.ListModels(ctx)
}

// Run executes one evaluation run and returns the stored run record. Item
// generation failures are captured per item and scored as empty output; only
// infrastructure failures (storage, missing dataset or baseline) fail the run.
func (r *Runner) Run(ctx context.Context, config domain.EvalRunConfig) (*domain.RunRecord, error) {
	variant := config.Variant

	datasetRecord, err := r.repo.GetDataset(variant.DatasetName, variant.DatasetVersion)
	if err != nil {
		return nil, fmt.Errorf("look up dataset: %w", err)
	}
	if datasetRecord == nil {
		return nil, fmt.Errorf("dataset %s:%s not registered", variant.DatasetName, variant.DatasetVersion)
	}
	items, err := dataset.LoadJSONL(datasetRecord.Path)
	if err != nil {
		return nil, fmt.Errorf("load dataset %s:%s: %w", variant.DatasetName, variant.DatasetVersion, err)
	}

	fingerprints, err := identity.BuildFingerprints(
		variant.DatasetName, variant.DatasetVersion, datasetRecord.Checksum,
		variant.PromptVersion, variant.PromptTemplate,
		variant.ModelName,
		variant.RetrievalEnabled, variant.JudgeEnabled,
		variant.JudgeModel,
		variant.Temperature,
		variant.Seed,
	)
	if err != nil {
		return nil, fmt.Errorf("build fingerprints: %w", err)
	}
	runKey, err := identity.BuildRunKey(
		variant.DatasetName, variant.DatasetVersion, variant.PromptVersion, variant.ModelName,
		variant.RetrievalEnabled, variant.JudgeEnabled, variant.Seed,
	)
	if err != nil {
		return nil, fmt.Errorf("build run key: %w", err)
	}
	runVersion, err := r.repo.NextRunVersion(runKey)
	if err != nil {
		return nil, fmt.Errorf("allocate run version: %w", err)
	}
	runID := fmt.Sprintf("%s-v%d", runKey, runVersion)

	runRecord := domain.RunRecord{
		RunID:               runID,
		RunKey:              runKey,
		RunVersion:          runVersion,
		VariantName:         variant.Name,
		DatasetName:         variant.DatasetName,
		DatasetVersion:      variant.DatasetVersion,
		ModelName:           variant.ModelName,
		PromptVersion:       variant.PromptVersion,
		RetrievalEnabled:    variant.RetrievalEnabled,
		JudgeEnabled:        variant.JudgeEnabled,
		Seed:                variant.Seed,
		Temperature:         variant.Temperature,
		DatasetFingerprint:  fingerprints.Dataset,
		PromptFingerprint:   fingerprints.Prompt,
		ConfigFingerprint:   fingerprints.Config,
		ExperimentSignature: fingerprints.ExperimentSignature,
		ReleaseStatus:       domain.ReleaseBlocked,
		Status:              domain.RunStatusRunning,
		StartedAt:           time.Now().UTC(),
	}
	if err := r.repo.CreateRun(runRecord); err != nil {
		return nil, fmt.Errorf("create run %s: %w", runID, err)
	}
	log.Printf("runner run started run_id=%s dataset=%s:%s model=%s items=%d", runID, variant.DatasetName, variant.DatasetVersion, variant.ModelName, len(items))

	record, err := r.execute(ctx, config, runID, items)
	if err != nil {
		if failErr := r.repo.UpdateRunStatus(runID, domain.RunStatusFailed, storage.RunUpdate{}); failErr != nil {
			log.Printf("runner failed to mark run failed run_id=%s err=%v", runID, failErr)
		}
		return nil, err
	}
	return record, nil
}

func (r *Runner) execute(ctx context.Context, config domain.EvalRunConfig, runID string, items []domain.DatasetItem) (*domain.RunRecord, error) {
	variant := config.Variant
	startedAt := time.Now()

	results := make([]domain.ItemResult, 0, len(items))
	for _, item := range items {
		renderedPrompt := strings.ReplaceAll(variant.PromptTemplate, "{prompt}", item.Prompt)
		if variant.RetrievalEnabled {
			renderedPrompt = BuildRetrievalContext(item) + "\n\n" + renderedPrompt
		}

		var outputText, itemError string
		var judgeScore *float64
		itemStart := time.Now()
		generated, err := r.generator.Generate(ctx, variant.ModelName, renderedPrompt, variant.Temperature)
		if err != nil {
			itemError = err.Error()
			log.Printf("runner item generation failed run_id=%s item_id=%s err=%v", runID, item.ItemID, err)
		} else {
			outputText = generated
			if variant.JudgeEnabled && variant.JudgeModel != "" {
				judgePrompt := "Score this response from 0 to 1.\n" +
					"Prompt: " + item.Prompt + "\n" +
					"Response: " + outputText + "\n" +
					"Return only a numeric score."
				judgeOutput, judgeErr := r.generator.Generate(ctx, variant.JudgeModel, judgePrompt, 0.0)
				if judgeErr != nil {
					itemError = judgeErr.Error()
					log.Printf("runner judge failed run_id=%s item_id=%s err=%v", runID, item.ItemID, judgeErr)
				} else {
					score := scoring.JudgeScoreFromText(judgeOutput)
					judgeScore = &score
				}
			}
		}
		latencyMS := float64(time.Since(itemStart)) / float64(time.Millisecond)

		scores := scoring.ScoreItem(r.validator, item, outputText, judgeScore)
		schemaError := scoring.SchemaErrorMessage(r.validator, item.OutputSchema, outputText)
		keywordMisses := scoring.KeywordMisses(item.Keywords, outputText)

		results = append(results, domain.ItemResult{
			RunID:          runID,
			ItemID:         item.ItemID,
			Prompt:         renderedPrompt,
			OutputText:     outputText,
			ExpectedAnswer: item.ExpectedAnswer,
			Keywords:       item.Keywords,
			Error:          itemError,
			LatencyMS:      latencyMS,
			TokenInEst:     r.encoders.EstimateTokens(renderedPrompt, variant.ModelName),
			TokenOutEst:    r.encoders.EstimateTokens(outputText, variant.ModelName),
			SchemaError:    schemaError,
			KeywordMisses:  keywordMisses,
			Scores:         scores,
			Tags:           item.Tags,
		})
	}

	if err := r.repo.InsertItemResults(results); err != nil {
		return nil, fmt.Errorf("store item results for %s: %w", runID, err)
	}

	itemScores := make([]domain.ItemScore, len(results))
	for i, result := range results {
		itemScores[i] = result.Scores
	}
	aggregate, err := scoring.Aggregate(itemScores)
	if err != nil {
		return nil, fmt.Errorf("aggregate scores for %s: %w", runID, err)
	}

	baseline, err := r.loadBaseline(config.Gates.BaselineRunID)
	if err != nil {
		return nil, err
	}
	gateDecision := scoring.EvaluateGates(aggregate, config.Gates, baseline)

	tagMetrics := analysis.BuildTagMetrics(runID, results)
	if err := r.repo.ReplaceTagMetrics(runID, tagMetrics); err != nil {
		return nil, fmt.Errorf("store tag metrics for %s: %w", runID, err)
	}

	history, err := r.repo.ListRunsByDataset(variant.DatasetName, variant.DatasetVersion)
	if err != nil {
		return nil, fmt.Errorf("load run history for %s: %w", runID, err)
	}
	current := domain.RunRecord{AggregateMetrics: &aggregate}
	trends, volatility := analysis.SummarizeTrends(append(history, current))

	driftAlerts := analysis.BuildDriftAlerts(baseline, aggregate, volatility, config.Gates.MaxDropFromBaseline, r.Drift)
	now := time.Now().UTC()
	for i := range driftAlerts {
		driftAlerts[i].RunID = runID
		driftAlerts[i].DatasetName = variant.DatasetName
		driftAlerts[i].DatasetVersion = variant.DatasetVersion
		driftAlerts[i].CreatedAt = now
	}
	if err := r.repo.ReplaceDriftAlerts(runID, driftAlerts); err != nil {
		return nil, fmt.Errorf("store drift alerts for %s: %w", runID, err)
	}
	releaseStatus := analysis.ReleaseStatus(gateDecision, driftAlerts)

	durationMS := float64(time.Since(startedAt)) / float64(time.Millisecond)
	latencies := make([]float64, 0, len(results))
	errorCount := 0
	tokenIn, tokenOut := 0, 0
	for _, result := range results {
		latencies = append(latencies, result.LatencyMS)
		tokenIn += result.TokenInEst
		tokenOut += result.TokenOutEst
		if result.Error != "" {
			errorCount++
		}
	}
	var avgLatency, p95Latency float64
	if len(latencies) > 0 {
		var sum float64
		for _, v := range latencies {
			sum += v
		}
		avgLatency = sum / float64(len(latencies))
		p95Latency, _ = analysis.P95(latencies)
	}

	cost := 0.0
	err = r.repo.UpdateRunStatus(runID, domain.RunStatusCompleted, storage.RunUpdate{
		AggregateMetrics: &aggregate,
		GateDecision:     &gateDecision,
		ReleaseStatus:    releaseStatus,
		DurationMS:       &durationMS,
		AvgLatencyMS:     &avgLatency,
		P95LatencyMS:     &p95Latency,
		TokenInEst:       &tokenIn,
		TokenOutEst:      &tokenOut,
		CostEstUSD:       &cost,
		Metadata: map[string]any{
			"errors":       errorCount,
			"drift_alerts": driftAlerts,
			"trends":       trends,
			"volatility":   volatility,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("complete run %s: %w", runID, err)
	}
	log.Printf("runner run completed run_id=%s status=%s release=%s gate=%s errors=%d", runID, domain.RunStatusCompleted, releaseStatus, gateDecision.Status, errorCount)

	updated, err := r.repo.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("reload run %s: %w", runID, err)
	}
	if updated == nil {
		return nil, fmt.Errorf("run %s missing after completion", runID)
	}
	return updated, nil
}

func (r *Runner) loadBaseline(baselineRunID string) (*domain.AggregateMetrics, error) {
	if baselineRunID == "" {
		return nil, nil
	}
	baseline, err := r.repo.GetRun(baselineRunID)
	if err != nil {
		return nil, fmt.Errorf("load baseline run %s: %w", baselineRunID, err)
	}
	if baseline == nil || baseline.AggregateMetrics == nil {
		return nil, fmt.Errorf("baseline run %s not found or has no metrics", baselineRunID)
	}
	return baseline.AggregateMetrics, nil
}

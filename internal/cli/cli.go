// Package cli implements the llmeval command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"llmeval/internal/api"
	"llmeval/internal/config"
	"llmeval/internal/domain"
	"llmeval/internal/notify"
	"llmeval/internal/report"
	"llmeval/internal/schedule"
	"llmeval/internal/service"
	"llmeval/internal/storage"
)

// Execute runs the root command.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCommand builds the full command tree.
func NewRootCommand() *cobra.Command {
	var dbPath, reportDir, ollamaURL string

	root := &cobra.Command{
		Use:           "llmeval",
		Short:         "Local-first LLM evaluation platform",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&dbPath, "db-path", "", "SQLite database path (overrides config)")
	root.PersistentFlags().StringVar(&reportDir, "report-dir", "", "report output directory (overrides config)")
	root.PersistentFlags().StringVar(&ollamaURL, "ollama-url", "", "Ollama base URL (overrides config)")

	open := func() (*service.Service, config.Config, error) {
		cfg := config.Load()
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		if reportDir != "" {
			cfg.ReportDir = reportDir
		}
		if ollamaURL != "" {
			cfg.OllamaURL = ollamaURL
		}
		svc, err := service.New(cfg)
		return svc, cfg, err
	}

	root.AddCommand(
		newRegisterDatasetCommand(open),
		newRunEvalCommand(open),
		newCompareRunsCommand(open),
		newExportReportCommand(open),
		newDBCheckCommand(open),
		newRunTrendsCommand(open),
		newRunFailuresCommand(open),
		newRunReleaseDecisionCommand(open),
		newRunAlertsCommand(open),
		newListModelsCommand(open),
		newServeCommand(open),
		newWatchCommand(open),
	)
	return root
}

type opener func() (*service.Service, config.Config, error)

func newRegisterDatasetCommand(open opener) *cobra.Command {
	var datasetName, version, path string
	cmd := &cobra.Command{
		Use:   "register-dataset",
		Short: "Register a JSONL dataset version",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()
			_, count, err := svc.RegisterDataset(datasetName, version, path)
			if err != nil {
				return err
			}
			fmt.Printf("registered dataset %s:%s (%d items)\n", datasetName, version, count)
			return nil
		},
	}
	cmd.Flags().StringVar(&datasetName, "dataset-name", "", "dataset name")
	cmd.Flags().StringVar(&version, "version", "", "dataset version")
	cmd.Flags().StringVar(&path, "path", "", "path to the JSONL file")
	cmd.MarkFlagRequired("dataset-name")
	cmd.MarkFlagRequired("version")
	cmd.MarkFlagRequired("path")
	return cmd
}

func newRunEvalCommand(open opener) *cobra.Command {
	var configPath, modelName, baselineRunID string
	var seed int
	var temperature float64
	cmd := &cobra.Command{
		Use:   "run-eval",
		Short: "Execute an evaluation run from a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()

			overrides := service.Overrides{ModelName: modelName, BaselineRunID: baselineRunID}
			if cmd.Flags().Changed("seed") {
				overrides.Seed = &seed
			}
			if cmd.Flags().Changed("temperature") {
				overrides.Temperature = &temperature
			}
			run, err := svc.RunFromConfig(cmd.Context(), configPath, overrides)
			if err != nil {
				return err
			}
			fmt.Printf("completed run %s status=%s\n", run.RunID, run.Status)
			if run.AggregateMetrics != nil {
				printJSON(run.AggregateMetrics)
			}
			if run.GateDecision != nil {
				printJSON(run.GateDecision)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run config YAML")
	cmd.Flags().StringVar(&modelName, "model", "", "override the variant model")
	cmd.Flags().IntVar(&seed, "seed", 0, "override the variant seed")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "override the variant temperature")
	cmd.Flags().StringVar(&baselineRunID, "baseline-run-id", "", "override the gate baseline run")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newCompareRunsCommand(open opener) *cobra.Command {
	var baselineRunID, candidateRunID, gateConfigPath string
	cmd := &cobra.Command{
		Use:   "compare-runs",
		Short: "Compare a candidate run against a baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()

			var gateConfig *domain.GateConfig
			if gateConfigPath != "" {
				loaded, err := svc.LoadGateConfigFile(gateConfigPath)
				if err != nil {
					return err
				}
				gateConfig = &loaded
			}
			result, err := svc.CompareRuns(baselineRunID, candidateRunID, gateConfig)
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&baselineRunID, "baseline-run-id", "", "baseline run id")
	cmd.Flags().StringVar(&candidateRunID, "candidate-run-id", "", "candidate run id")
	cmd.Flags().StringVar(&gateConfigPath, "gate-config", "", "gate config YAML")
	cmd.MarkFlagRequired("baseline-run-id")
	cmd.MarkFlagRequired("candidate-run-id")
	return cmd
}

func newExportReportCommand(open opener) *cobra.Command {
	var runID, baselineRunID, outputDir string
	cmd := &cobra.Command{
		Use:   "export-report",
		Short: "Write the markdown report, JSON report, and metrics snapshot for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()

			var compare *domain.CompareResult
			if baselineRunID != "" {
				compare, err = svc.CompareRuns(baselineRunID, runID, nil)
				if err != nil {
					return err
				}
			}
			dir := outputDir
			if dir == "" {
				dir = svc.ReportDir()
			}
			paths, err := report.Export(svc.Repo(), runID, dir, compare)
			if err != nil {
				return err
			}
			printJSON(paths)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to export")
	cmd.Flags().StringVar(&baselineRunID, "baseline-run-id", "", "optional baseline for a comparison section")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "report output directory")
	cmd.MarkFlagRequired("run-id")
	return cmd
}

func newDBCheckCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "db-check",
		Short: "Open the database and report its schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()
			version, err := svc.SchemaVersion()
			if err != nil {
				return err
			}
			printJSON(map[string]any{"db_path": cfg.DBPath, "schema_version": version})
			return nil
		},
	}
}

func newRunTrendsCommand(open opener) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "run-trends",
		Short: "Show metric history and drift alerts for a run's dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()
			summary, err := svc.RunTrends(runID)
			if err != nil {
				return err
			}
			printJSON(summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.MarkFlagRequired("run-id")
	return cmd
}

func newRunFailuresCommand(open opener) *cobra.Command {
	var runID string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "run-failures",
		Short: "Rank a run's worst items and cluster its failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()
			page, err := svc.GetFailureAnalysis(runID, limit, offset)
			if err != nil {
				return err
			}
			printJSON(page)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().IntVar(&limit, "limit", 10, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.MarkFlagRequired("run-id")
	return cmd
}

func newRunReleaseDecisionCommand(open opener) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "run-release-decision",
		Short: "Show a run's release status with its gate decision and alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()
			decision, err := svc.GetReleaseDecision(runID)
			if err != nil {
				return err
			}
			printJSON(decision)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.MarkFlagRequired("run-id")
	return cmd
}

func newRunAlertsCommand(open opener) *cobra.Command {
	var runID, severity, metric string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "run-alerts",
		Short: "Show the drift alert timeline for a run's dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()
			if !cmd.Flags().Changed("limit") {
				limit = cfg.AlertLimit
			}
			timeline, err := svc.GetAlertTimelinePage(runID, limit, offset, storage.AlertFilter{
				Severity:       severity,
				MetricContains: metric,
			})
			if err != nil {
				return err
			}
			printJSON(timeline)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity (warning|critical)")
	cmd.Flags().StringVar(&metric, "metric", "", "filter by metric substring")
	cmd.MarkFlagRequired("run-id")
	return cmd
}

func newListModelsCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "list-models",
		Short: "List models available on the generation backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()
			models, err := svc.ListLocalModels(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(map[string]any{"models": models})
			return nil
		},
	}
}

func newServeCommand(open opener) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()
			if addr == "" {
				addr = cfg.APIAddr
			}
			return api.Serve(svc, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	return cmd
}

func newWatchCommand(open opener) *cobra.Command {
	var configPath, spec string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run an eval config on a cron schedule and post outcomes to Slack",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := open()
			if err != nil {
				return err
			}
			defer svc.Close()
			if configPath == "" {
				configPath = cfg.WatchConfigPath
			}
			if configPath == "" {
				return fmt.Errorf("no run config: set --config or watch_config_path")
			}
			if spec == "" {
				spec = cfg.WatchSchedule
			}
			notifier := notify.New(cfg.SlackBotToken, cfg.SlackChannelID)
			if notifier == nil {
				log.Println("Slack notifications disabled (token or channel not set)")
			}
			return schedule.Start(cmd.Context(), spec, func(ctx context.Context) error {
				run, err := svc.RunFromConfig(ctx, configPath, service.Overrides{})
				if err != nil {
					notifier.NotifyRunFailed(configPath, err)
					return err
				}
				alerts, alertErr := svc.Repo().ListDriftAlerts(run.RunID)
				if alertErr != nil {
					log.Printf("Error loading alerts for %s: %v", run.RunID, alertErr)
				}
				return notifier.NotifyRunCompleted(run, alerts)
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run config YAML")
	cmd.Flags().StringVar(&spec, "schedule", "", "5-field cron expression")
	return cmd
}

func printJSON(payload any) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		log.Printf("Error encoding output: %v", err)
		return
	}
	fmt.Println(string(data))
}

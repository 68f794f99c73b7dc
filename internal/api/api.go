// Package api exposes the evaluation platform over HTTP.
package api

import (
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"llmeval/internal/domain"
	"llmeval/internal/report"
	"llmeval/internal/service"
	"llmeval/internal/storage"
)

type registerDatasetRequest struct {
	DatasetName string `json:"dataset_name" binding:"required"`
	Version     string `json:"version" binding:"required"`
	Path        string `json:"path" binding:"required"`
}

type compareRequest struct {
	BaselineRunID  string             `json:"baseline_run_id" binding:"required"`
	CandidateRunID string             `json:"candidate_run_id" binding:"required"`
	GateConfig     *domain.GateConfig `json:"gate_config"`
}

type exportReportRequest struct {
	RunID         string `json:"run_id" binding:"required"`
	BaselineRunID string `json:"baseline_run_id"`
	OutputDir     string `json:"output_dir"`
}

type runFromConfigRequest struct {
	ConfigPath    string   `json:"config_path" binding:"required"`
	ModelName     string   `json:"model_name"`
	Seed          *int     `json:"seed"`
	Temperature   *float64 `json:"temperature"`
	BaselineRunID string   `json:"baseline_run_id"`
}

// NewRouter builds the HTTP router over a service.
func NewRouter(svc *service.Service) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		version, err := svc.SchemaVersion()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "schema_version": version})
	})

	router.GET("/models/local", func(c *gin.Context) {
		models, err := svc.ListLocalModels(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, gin.H{
				"models":  []string{},
				"source":  "ollama",
				"warning": "Unable to reach Ollama model registry.",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"models": models, "source": "ollama"})
	})

	router.POST("/datasets/register", func(c *gin.Context) {
		var req registerDatasetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		if _, err := os.Stat(req.Path); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Dataset path not found: " + req.Path})
			return
		}
		record, _, err := svc.RegisterDataset(req.DatasetName, req.Version, req.Path)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "dataset": record})
	})

	router.GET("/runs", func(c *gin.Context) {
		runs, err := svc.Repo().ListRuns()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		if runs == nil {
			runs = []domain.RunRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	})

	router.POST("/runs", func(c *gin.Context) {
		var runConfig domain.EvalRunConfig
		if err := c.ShouldBindJSON(&runConfig); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		run, err := svc.RunEval(c.Request.Context(), runConfig)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "run": run})
	})

	router.POST("/runs/from-config", func(c *gin.Context) {
		var req runFromConfigRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		run, err := svc.RunFromConfig(c.Request.Context(), req.ConfigPath, service.Overrides{
			ModelName:     req.ModelName,
			Seed:          req.Seed,
			Temperature:   req.Temperature,
			BaselineRunID: req.BaselineRunID,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "run": run})
	})

	router.GET("/runs/:run_id", func(c *gin.Context) {
		runID := c.Param("run_id")
		run, err := svc.Repo().GetRun(runID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Run not found: " + runID})
			return
		}
		c.JSON(http.StatusOK, gin.H{"run": run})
	})

	router.GET("/runs/:run_id/results", func(c *gin.Context) {
		runID := c.Param("run_id")
		run, err := svc.Repo().GetRun(runID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Run not found: " + runID})
			return
		}
		items, err := svc.Repo().ListItemResults(runID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		if items == nil {
			items = []domain.ItemResult{}
		}
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "items": items})
	})

	router.GET("/runs/:run_id/tag-metrics", func(c *gin.Context) {
		page, err := svc.GetTagMetricsPage(c.Param("run_id"), queryInt(c, "limit", 50), queryInt(c, "offset", 0))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, page)
	})

	router.GET("/runs/:run_id/trends", func(c *gin.Context) {
		summary, err := svc.RunTrends(c.Param("run_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"drift": summary})
	})

	router.GET("/runs/:run_id/failures", func(c *gin.Context) {
		page, err := svc.GetFailureAnalysis(c.Param("run_id"), queryInt(c, "limit", 10), queryInt(c, "offset", 0))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, page)
	})

	router.GET("/runs/:run_id/release-decision", func(c *gin.Context) {
		decision, err := svc.GetReleaseDecision(c.Param("run_id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, decision)
	})

	router.GET("/runs/:run_id/alerts", func(c *gin.Context) {
		filter := storage.AlertFilter{
			Severity:       c.Query("severity"),
			MetricContains: c.Query("metric"),
		}
		timeline, err := svc.GetAlertTimelinePage(c.Param("run_id"), queryInt(c, "limit", 50), queryInt(c, "offset", 0), filter)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, timeline)
	})

	router.POST("/compare", func(c *gin.Context) {
		var req compareRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		result, err := svc.CompareRuns(req.BaselineRunID, req.CandidateRunID, req.GateConfig)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"compare": result})
	})

	router.POST("/reports/export", func(c *gin.Context) {
		var req exportReportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		var compare *domain.CompareResult
		if req.BaselineRunID != "" {
			var err error
			compare, err = svc.CompareRuns(req.BaselineRunID, req.RunID, nil)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
				return
			}
		}
		outputDir := req.OutputDir
		if outputDir == "" {
			outputDir = svc.ReportDir()
		}
		paths, err := report.Export(svc.Repo(), req.RunID, outputDir, compare)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "artifacts": paths})
	})

	return router
}

// Serve runs the HTTP API until the listener fails.
func Serve(svc *service.Service, addr string) error {
	log.Printf("Serving HTTP API on %s", addr)
	return NewRouter(svc).Run(addr)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// Package api exposes the operator HTTP surface: project and group
// inspection, QC runs, dataset generation, and the annotation tool
// webhook.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/urban-vision/annoqc/internal/config"
	"github.com/urban-vision/annoqc/internal/dataset"
	"github.com/urban-vision/annoqc/internal/ingest"
	"github.com/urban-vision/annoqc/internal/qc"
	"github.com/urban-vision/annoqc/internal/security"
	"github.com/urban-vision/annoqc/internal/store"
	"github.com/urban-vision/annoqc/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	db            *store.DB
	tasks         *store.TaskStore
	agreements    *store.AgreementStore
	canonical     *store.CanonicalStore
	runner        *qc.Runner
	generator     *dataset.Generator
	events        *ingest.Handler
	tuning        *config.TuningConfig
	webhookSecret string
}

func NewServer(db *store.DB, tasks *store.TaskStore, agreements *store.AgreementStore, canonical *store.CanonicalStore, runner *qc.Runner, generator *dataset.Generator, events *ingest.Handler, tuning *config.TuningConfig, webhookSecret string) *Server {
	return &Server{
		db:            db,
		tasks:         tasks,
		agreements:    agreements,
		canonical:     canonical,
		runner:        runner,
		generator:     generator,
		events:        events,
		tuning:        tuning,
		webhookSecret: webhookSecret,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects", s.listProjects)
	mux.HandleFunc("/api/tasks", s.listTasks)
	mux.HandleFunc("/api/qc/groups", s.listGroups)
	mux.HandleFunc("/api/qc/records", s.listRecords)
	mux.HandleFunc("/api/qc/run", s.runQC)
	mux.HandleFunc("/api/qc/force-approve", s.forceApprove)
	mux.HandleFunc("/api/qc/chart", s.qcChart)
	mux.HandleFunc("/api/qc/params", s.showParams)
	mux.HandleFunc("/api/dataset/generate", s.generateDataset)
	mux.HandleFunc("/api/dataset/artifact", s.downloadArtifact)
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// projectParam parses the required project_id query parameter.
func (s *Server) projectParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("project_id")
	projectID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || projectID <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid 'project_id' parameter")
		return 0, false
	}
	return projectID, true
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	projects, err := s.tasks.ListProjects(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list projects: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"projects": projects})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	projectID, ok := s.projectParam(w, r)
	if !ok {
		return
	}

	tasks, err := s.tasks.ListByProject(r.Context(), projectID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list tasks: %v", err))
		return
	}
	json.NewEncoder(w).Encode(tasks)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	projectID, ok := s.projectParam(w, r)
	if !ok {
		return
	}

	states, err := s.agreements.ListGroupStates(r.Context(), projectID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list group states: %v", err))
		return
	}
	json.NewEncoder(w).Encode(states)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	projectID, ok := s.projectParam(w, r)
	if !ok {
		return
	}
	groupKey := r.URL.Query().Get("group")
	if groupKey == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'group' parameter")
		return
	}

	records, err := s.agreements.ListGroupRecords(r.Context(), projectID, groupKey)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list agreement records: %v", err))
		return
	}
	json.NewEncoder(w).Encode(records)
}

func (s *Server) runQC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	projectID, ok := s.projectParam(w, r)
	if !ok {
		return
	}

	results, err := s.runner.RunProject(r.Context(), projectID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("QC run failed: %v", err))
		return
	}

	type groupSummary struct {
		Group      string   `json:"group"`
		Annotators []string `json:"annotators"`
		State      string   `json:"state"`
		Reason     string   `json:"reason,omitempty"`
		IAA        *float64 `json:"iaa,omitempty"`
		Kappa      *float64 `json:"kappa,omitempty"`
		Error      string   `json:"error,omitempty"`
	}
	summaries := make([]groupSummary, 0, len(results))
	for _, res := range results {
		summary := groupSummary{
			Group:      res.Key,
			Annotators: res.Annotators,
			State:      res.Decision.State,
			Reason:     res.Decision.Reason,
		}
		if !res.Scores.IAA.NoData {
			v := res.Scores.IAA.Value
			summary.IAA = &v
		}
		if !res.Scores.KappaMean.NoData {
			v := res.Scores.KappaMean.Value
			summary.Kappa = &v
		}
		if res.Err != nil {
			summary.Error = res.Err.Error()
		}
		summaries = append(summaries, summary)
	}
	json.NewEncoder(w).Encode(map[string]any{"project_id": projectID, "groups": summaries})
}

func (s *Server) forceApprove(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	projectID, ok := s.projectParam(w, r)
	if !ok {
		return
	}
	groupKey := r.URL.Query().Get("group")
	if groupKey == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'group' parameter")
		return
	}

	if err := s.runner.ForceApprove(r.Context(), projectID, groupKey); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Force approval failed: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"project_id": projectID, "group": groupKey, "state": store.QCPassed, "forced": true,
	})
}

func (s *Server) generateDataset(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	projectID, ok := s.projectParam(w, r)
	if !ok {
		return
	}

	result, err := s.generator.Generate(r.Context(), projectID)
	if errors.Is(err, dataset.ErrGenerationInProgress) {
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Dataset generation failed: %v", err))
		return
	}
	json.NewEncoder(w).Encode(result)
}

// downloadArtifact serves the project's current CSV artifact. The path
// is validated against the dataset directory before serving.
func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	projectID, ok := s.projectParam(w, r)
	if !ok {
		return
	}

	path := s.generator.ArtifactPath(projectID)
	if err := security.ValidatePathWithinDirectory(path, s.generator.Dir()); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid artifact path")
		return
	}
	if _, err := os.Stat(path); err != nil {
		s.writeJSONError(w, http.StatusNotFound, "No artifact generated for project")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=project_%d.csv", projectID))
	http.ServeFile(w, r, path)
}

// qcChart renders a bar chart of per-group spatial agreement against the
// configured pass threshold.
func (s *Server) qcChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	projectID, ok := s.projectParam(w, r)
	if !ok {
		return
	}

	states, err := s.agreements.ListGroupStates(r.Context(), projectID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list group states: %v", err))
		return
	}

	keys := make([]string, 0, len(states))
	values := make([]opts.BarData, 0, len(states))
	for _, state := range states {
		keys = append(keys, state.GroupKey)
		if state.IAANoData {
			values = append(values, opts.BarData{Value: 0, Name: "no data"})
			continue
		}
		values = append(values, opts.BarData{Value: state.IAA})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Project %d spatial agreement", projectID),
			Subtitle: fmt.Sprintf("pass threshold %.2f", s.tuning.GetMinIAA()),
		}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1}),
	)
	bar.SetXAxis(keys).AddSeries("IAA", values)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := bar.Render(w); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to render chart")
	}
}

func (s *Server) showParams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	params := map[string]any{
		"version":                       version.Version,
		"match_iou":                     s.tuning.GetMatchIoU(),
		"consensus_ratio":               s.tuning.GetConsensusRatio(),
		"min_iaa":                       s.tuning.GetMinIAA(),
		"min_kappa":                     s.tuning.GetMinKappa(),
		"require_kappa":                 s.tuning.GetRequireKappa(),
		"single_annotator_auto_approve": s.tuning.GetSingleAnnotatorAutoApprove(),
		"dataset_dir":                   s.tuning.GetDatasetDir(),
		"frame_width":                   s.tuning.GetFrameWidth(),
		"frame_height":                  s.tuning.GetFrameHeight(),
	}
	if err := json.NewEncoder(w).Encode(params); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write params")
	}
}

// handleWebhook receives task lifecycle events from the annotation tool.
// Duplicate deliveries return 200 so the tool stops retrying.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.webhookSecret != "" && r.Header.Get("X-Webhook-Secret") != s.webhookSecret {
		s.writeJSONError(w, http.StatusUnauthorized, "Invalid webhook secret")
		return
	}

	var ev ingest.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid event payload")
		return
	}
	if ev.TaskID <= 0 || ev.Status == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Event missing task_id or status")
		return
	}

	processed, err := s.events.HandleEvent(r.Context(), ev)
	if err != nil {
		s.writeJSONError(w, http.StatusBadGateway,
			fmt.Sprintf("Failed to process event: %v", err))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"processed": processed})
}

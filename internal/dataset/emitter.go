// Package dataset turns passed overlap groups into canonical annotations
// and emits them as an action-recognition training CSV.
package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/urban-vision/annoqc/internal/labelmap"
	"github.com/urban-vision/annoqc/internal/monitoring"
	"github.com/urban-vision/annoqc/internal/qc"
	"github.com/urban-vision/annoqc/internal/store"
)

// ErrGenerationInProgress is returned when another generation run holds
// the project's dataset lock.
var ErrGenerationInProgress = errors.New("dataset generation already in progress")

// csvHeader is the emitted column layout. Coordinates are normalized to
// [0, 1] with six decimal places; person_id is the canonical track index
// within the clip.
var csvHeader = []string{
	"video_id", "frame_timestamp", "x1", "y1", "x2", "y2", "action_id", "person_id",
}

// Config controls where and how datasets are written.
type Config struct {
	// Dir is the directory CSV artifacts and lock files live in.
	Dir string
	// FrameWidth and FrameHeight are the pixel dimensions used to
	// normalize box coordinates.
	FrameWidth  int
	FrameHeight int
}

// Result summarizes one generation run.
type Result struct {
	RunID string `json:"run_id"`
	// Groups is the number of groups newly emitted by this run.
	Groups int `json:"groups"`
	// Rows counts the artifact rows contributed by this run's newly
	// emitted groups; zero when nothing new passed since the last run.
	Rows int `json:"rows"`
	// TotalRows is the full row count of the rewritten artifact,
	// covering this run and every earlier one.
	TotalRows int    `json:"total_rows"`
	Path      string `json:"path"`
}

// Generator merges passed groups into canonical annotations and writes
// the per-project training CSV.
type Generator struct {
	tasks       *store.TaskStore
	annotations *store.AnnotationStore
	agreements  *store.AgreementStore
	canonical   *store.CanonicalStore
	defs        *labelmap.Definitions
	aligner     qc.AlignerConfig
	cfg         Config
}

// NewGenerator wires a generator over the given stores and label table.
func NewGenerator(tasks *store.TaskStore, annotations *store.AnnotationStore, agreements *store.AgreementStore, canonical *store.CanonicalStore, defs *labelmap.Definitions, aligner qc.AlignerConfig, cfg Config) *Generator {
	return &Generator{
		tasks:       tasks,
		annotations: annotations,
		agreements:  agreements,
		canonical:   canonical,
		defs:        defs,
		aligner:     aligner,
		cfg:         cfg,
	}
}

// Dir returns the directory artifacts are written to.
func (g *Generator) Dir() string {
	return g.cfg.Dir
}

// ArtifactPath returns where the project's CSV artifact lives. The file
// exists only after at least one Generate call for the project.
func (g *Generator) ArtifactPath(projectID int64) string {
	return filepath.Join(g.cfg.Dir, fmt.Sprintf("project_%d.csv", projectID))
}

// Generate emits every passed, not-yet-emitted group of the project and
// rewrites the project CSV from all canonical annotations. Each group
// commits atomically with its emission marker, so a crash mid-run emits
// a prefix of the groups and a rerun picks up the rest; groups are never
// emitted twice.
func (g *Generator) Generate(ctx context.Context, projectID int64) (*Result, error) {
	if err := os.MkdirAll(g.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}

	lock := flock.New(filepath.Join(g.cfg.Dir, fmt.Sprintf("project_%d.lock", projectID)))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire dataset lock: %w", err)
	}
	if !locked {
		return nil, ErrGenerationInProgress
	}
	defer lock.Unlock()

	runID := uuid.New().String()
	start := time.Now()

	emitted, newRows, err := g.emitPassedGroups(ctx, runID, projectID)
	if err != nil {
		return nil, err
	}

	total, path, err := g.writeArtifact(ctx, projectID)
	if err != nil {
		return nil, err
	}

	monitoring.Logf("dataset: project %d run %s emitted %d groups, %d new rows (%d total) in %v",
		projectID, runID, emitted, newRows, total, time.Since(start).Round(time.Millisecond))
	monitoring.ObserveDatasetRun(time.Since(start), total)

	return &Result{RunID: runID, Groups: emitted, Rows: newRows, TotalRows: total, Path: path}, nil
}

func (g *Generator) emitPassedGroups(ctx context.Context, runID string, projectID int64) (groups, newRows int, err error) {
	passed, err := g.agreements.ListPassedGroups(ctx, projectID)
	if err != nil {
		return 0, 0, fmt.Errorf("list passed groups: %w", err)
	}

	tasks, err := g.tasks.ListCompletedByProject(ctx, projectID)
	if err != nil {
		return 0, 0, fmt.Errorf("list completed tasks: %w", err)
	}
	taskGroups, _ := qc.GroupTasks(tasks)
	byKey := make(map[string]*qc.OverlapGroup, len(taskGroups))
	for _, group := range taskGroups {
		byKey[group.Key] = group
	}

	for _, key := range passed {
		done, err := g.canonical.IsGroupEmitted(ctx, projectID, key)
		if err != nil {
			return groups, newRows, fmt.Errorf("check emission marker for %s: %w", key, err)
		}
		if done {
			continue
		}

		group, ok := byKey[key]
		if !ok {
			monitoring.Logf("dataset: project %d group %s passed but has no completed tasks, skipping", projectID, key)
			continue
		}

		taskIDs := make([]int64, len(group.Tasks))
		for i, task := range group.Tasks {
			taskIDs[i] = task.TaskID
		}
		byTask, err := g.annotations.ListByTasks(ctx, taskIDs)
		if err != nil {
			return groups, newRows, fmt.Errorf("load annotations for %s: %w", key, err)
		}

		tracks := qc.AlignTracks(group, byTask, g.aligner)
		merged := qc.MergeGroup(group, byTask, tracks)
		if err := g.canonical.CommitGroup(ctx, runID, projectID, key, merged); err != nil {
			return groups, newRows, fmt.Errorf("commit group %s: %w", key, err)
		}
		groups++
		for _, c := range merged {
			newRows += g.countRows(c)
		}
	}
	return groups, newRows, nil
}

// countRows reports how many artifact rows one canonical annotation
// produces: one per attribute selection the label table can encode,
// mirroring writeRows.
func (g *Generator) countRows(a *store.CanonicalAnnotation) int {
	n := 0
	for _, cat := range g.defs.Categories() {
		selection, ok := a.Attributes[cat.Name]
		if !ok {
			continue
		}
		if _, err := g.defs.Encode(cat.Name, selection); err == nil {
			n++
		}
	}
	return n
}

// writeArtifact rewrites the project CSV from every canonical annotation
// on record, writing to a temp file and renaming into place so readers
// never see a partial file.
func (g *Generator) writeArtifact(ctx context.Context, projectID int64) (int, string, error) {
	all, err := g.canonical.ListByProject(ctx, projectID)
	if err != nil {
		return 0, "", fmt.Errorf("list canonical annotations: %w", err)
	}

	path := g.ArtifactPath(projectID)
	tmp, err := os.CreateTemp(g.cfg.Dir, "dataset-*.csv.tmp")
	if err != nil {
		return 0, "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(csvHeader); err != nil {
		tmp.Close()
		return 0, "", err
	}

	rows := 0
	for _, a := range all {
		n, err := g.writeRows(w, a)
		if err != nil {
			tmp.Close()
			return 0, "", err
		}
		rows += n
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return 0, "", err
	}
	if err := tmp.Close(); err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, "", fmt.Errorf("publish artifact: %w", err)
	}
	return rows, path, nil
}

// writeRows emits one CSV row per encoded attribute selection of one
// canonical annotation. Selections the label table does not know are
// logged and skipped rather than failing the run.
func (g *Generator) writeRows(w *csv.Writer, a *store.CanonicalAnnotation) (int, error) {
	rows := 0
	for _, cat := range g.defs.Categories() {
		selection, ok := a.Attributes[cat.Name]
		if !ok {
			continue
		}
		actionID, err := g.defs.Encode(cat.Name, selection)
		if err != nil {
			monitoring.Logf("dataset: clip %s frame %d: %v", a.ClipID, a.Frame, err)
			continue
		}

		record := []string{
			a.ClipID,
			strconv.Itoa(a.Frame),
			normCoord(a.XTL, g.cfg.FrameWidth),
			normCoord(a.YTL, g.cfg.FrameHeight),
			normCoord(a.XBR, g.cfg.FrameWidth),
			normCoord(a.YBR, g.cfg.FrameHeight),
			strconv.Itoa(actionID),
			strconv.Itoa(a.TrackIndex),
		}
		if err := w.Write(record); err != nil {
			return rows, err
		}
		rows++
	}
	return rows, nil
}

// normCoord normalizes a pixel coordinate against a frame dimension,
// clamps it to [0, 1], and formats it with six decimal places.
func normCoord(v float64, dim int) string {
	n := v / float64(dim)
	if n < 0 {
		n = 0
	}
	if n > 1 {
		n = 1
	}
	return strconv.FormatFloat(n, 'f', 6, 64)
}

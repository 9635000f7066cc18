package qc

import (
	"context"
	"fmt"

	"github.com/urban-vision/annoqc/internal/monitoring"
	"github.com/urban-vision/annoqc/internal/store"
)

// GroupResult is the per-group outcome of one QC run.
type GroupResult struct {
	Key        string
	Annotators []string
	Decision   Decision
	Scores     GroupScores
	Err        error
}

// Runner drives full QC runs over a project: grouping, alignment,
// scoring, and consensus evaluation, persisting agreement records and
// group state as it goes.
type Runner struct {
	tasks       *store.TaskStore
	annotations *store.AnnotationStore
	agreements  *store.AgreementStore

	aligner    AlignerConfig
	policy     Policy
	categories []string
}

// NewRunner wires a runner over the given stores. categories names the
// attribute categories scored for Kappa.
func NewRunner(tasks *store.TaskStore, annotations *store.AnnotationStore, agreements *store.AgreementStore, aligner AlignerConfig, policy Policy, categories []string) *Runner {
	return &Runner{
		tasks:       tasks,
		annotations: annotations,
		agreements:  agreements,
		aligner:     aligner,
		policy:      policy,
		categories:  categories,
	}
}

// RunProject recomputes QC for every overlap group of completed tasks in
// the project. A failing group never aborts the run: its error is
// reported in its GroupResult and the remaining groups still process.
// Re-running replaces each group's agreement records and state, clearing
// any earlier force approval.
func (r *Runner) RunProject(ctx context.Context, projectID int64) ([]GroupResult, error) {
	tasks, err := r.tasks.ListCompletedByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list completed tasks: %w", err)
	}

	groups, malformed := GroupTasks(tasks)
	for taskID, err := range malformed {
		monitoring.Logf("qc: project %d task %d skipped: %v", projectID, taskID, err)
	}
	monitoring.Logf("qc: project %d run over %d groups (%d tasks, %d malformed)",
		projectID, len(groups), len(tasks), len(malformed))

	results := make([]GroupResult, 0, len(groups))
	for _, group := range groups {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res := r.runGroup(ctx, projectID, group)
		if res.Err != nil {
			monitoring.Logf("qc: project %d group %s: %v", projectID, group.Key, res.Err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) runGroup(ctx context.Context, projectID int64, group *OverlapGroup) GroupResult {
	res := GroupResult{Key: group.Key, Annotators: group.Annotators}

	taskIDs := make([]int64, len(group.Tasks))
	for i, task := range group.Tasks {
		taskIDs[i] = task.TaskID
	}
	byTask, err := r.annotations.ListByTasks(ctx, taskIDs)
	if err != nil {
		res.Err = fmt.Errorf("load annotations: %w", err)
		return res
	}

	tracks := AlignTracks(group, byTask, r.aligner)
	res.Scores = ScoreGroup(group, byTask, tracks, r.categories)
	res.Decision = r.policy.Evaluate(group, res.Scores)
	monitoring.CountGroupResult(res.Decision.State)

	if err := r.agreements.ReplaceGroupRecords(ctx, projectID, group.Key, agreementRecords(res.Scores)); err != nil {
		res.Err = fmt.Errorf("persist agreement records: %w", err)
		return res
	}
	if err := r.agreements.SetGroupState(ctx, &store.GroupState{
		ProjectID: projectID,
		GroupKey:  group.Key,
		State:     res.Decision.State,
		IAA:       res.Scores.IAA.Value,
		IAANoData: res.Scores.IAA.NoData,
	}); err != nil {
		res.Err = fmt.Errorf("persist group state: %w", err)
		return res
	}
	if err := r.tasks.SetGroupQCStatus(ctx, projectID, group.Key, res.Decision.State); err != nil {
		res.Err = fmt.Errorf("update task qc status: %w", err)
	}
	return res
}

// ForceApprove marks a group passed regardless of its scores, keeping
// the recorded agreement values so the override stays auditable.
func (r *Runner) ForceApprove(ctx context.Context, projectID int64, groupKey string) error {
	state, err := r.agreements.GetGroupState(ctx, projectID, groupKey)
	if err != nil {
		return fmt.Errorf("load group state: %w", err)
	}
	if state == nil {
		state = &store.GroupState{ProjectID: projectID, GroupKey: groupKey, IAANoData: true}
	}
	state.State = store.QCPassed
	state.Forced = true
	if err := r.agreements.SetGroupState(ctx, state); err != nil {
		return fmt.Errorf("persist group state: %w", err)
	}
	if err := r.tasks.SetGroupQCStatus(ctx, projectID, groupKey, store.QCPassed); err != nil {
		return fmt.Errorf("update task qc status: %w", err)
	}
	monitoring.Logf("qc: project %d group %s force-approved", projectID, groupKey)
	return nil
}

// agreementRecords flattens group scores into persistable records: one
// group-level IAA record, one IoU record per track and frame, and one
// Kappa record per attribute category plus the category mean.
func agreementRecords(scores GroupScores) []*store.AgreementRecord {
	records := []*store.AgreementRecord{{
		Kind:   store.MetricIoUIAA,
		Scope:  "group",
		Value:  scores.IAA.Value,
		NoData: scores.IAA.NoData,
	}}
	for _, tf := range scores.TrackFrameIoU {
		records = append(records, &store.AgreementRecord{
			Kind:  store.MetricIoUIAA,
			Scope: fmt.Sprintf("track:%d/frame:%d", tf.TrackIndex, tf.Frame),
			Value: tf.Value,
		})
	}
	records = append(records, &store.AgreementRecord{
		Kind:   store.MetricKappa,
		Scope:  "group",
		Value:  scores.KappaMean.Value,
		NoData: scores.KappaMean.NoData,
	})
	for cat, v := range scores.Kappa {
		records = append(records, &store.AgreementRecord{
			Kind:   store.MetricKappa,
			Scope:  cat,
			Value:  v.Value,
			NoData: v.NoData,
		})
	}
	return records
}

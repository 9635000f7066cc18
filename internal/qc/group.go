package qc

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/urban-vision/annoqc/internal/store"
)

// ErrMalformedTaskName is returned when a task name does not follow the
// <annotator>_<clip> convention. The task cannot be grouped until renamed.
var ErrMalformedTaskName = errors.New("malformed task name")

// OverlapGroup is the set of tasks covering the same underlying clip.
// Member order is retrieval order and carries no meaning.
type OverlapGroup struct {
	Key        string
	Tasks      []*store.ClipTask
	Annotators []string // distinct, sorted

	// NotComparable marks groups with fewer than two annotators. They are
	// skipped by scoring but may still pass through to the dataset under a
	// single-annotator auto-approval policy.
	NotComparable bool
}

// SplitTaskName parses a task name into its annotator and clip parts.
// The convention splits on the first underscore: everything before it is
// the annotator, everything after it identifies the clip.
func SplitTaskName(name string) (annotator, clip string, err error) {
	i := strings.Index(name, "_")
	if i < 0 {
		return "", "", fmt.Errorf("%w: %q has no separator", ErrMalformedTaskName, name)
	}
	annotator = name[:i]
	clip = name[i+1:]
	if annotator == "" || clip == "" {
		return "", "", fmt.Errorf("%w: %q has an empty annotator or clip part", ErrMalformedTaskName, name)
	}
	return annotator, clip, nil
}

// GroupTasks partitions tasks into overlap groups keyed by clip name.
// Tasks with malformed names are reported in the second return value and
// excluded; they never abort grouping of their siblings. Groups are
// returned sorted by key so repeated runs see the same order.
func GroupTasks(tasks []*store.ClipTask) ([]*OverlapGroup, map[int64]error) {
	byKey := make(map[string]*OverlapGroup)
	malformed := make(map[int64]error)

	for _, task := range tasks {
		annotator, clip, err := SplitTaskName(task.Name)
		if err != nil {
			malformed[task.TaskID] = err
			continue
		}
		// The stored annotator identity wins when present; the name prefix
		// is the fallback for tool exports that omit the assignee.
		if task.Annotator == "" {
			task.Annotator = annotator
		}

		g, ok := byKey[clip]
		if !ok {
			g = &OverlapGroup{Key: clip}
			byKey[clip] = g
		}
		g.Tasks = append(g.Tasks, task)
	}

	groups := make([]*OverlapGroup, 0, len(byKey))
	for _, g := range byKey {
		seen := make(map[string]bool)
		for _, task := range g.Tasks {
			if !seen[task.Annotator] {
				seen[task.Annotator] = true
				g.Annotators = append(g.Annotators, task.Annotator)
			}
		}
		sort.Strings(g.Annotators)
		g.NotComparable = len(g.Annotators) < 2
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups, malformed
}

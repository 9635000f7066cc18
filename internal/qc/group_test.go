package qc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/urban-vision/annoqc/internal/store"
)

func TestSplitTaskName(t *testing.T) {
	cases := []struct {
		name      string
		annotator string
		clip      string
		wantErr   bool
	}{
		{name: "alice_clip_000", annotator: "alice", clip: "clip_000"},
		{name: "bob_2024-06-01_cam3", annotator: "bob", clip: "2024-06-01_cam3"},
		{name: "noseparator", wantErr: true},
		{name: "_clip", wantErr: true},
		{name: "alice_", wantErr: true},
		{name: "", wantErr: true},
	}
	for _, tc := range cases {
		annotator, clip, err := SplitTaskName(tc.name)
		if tc.wantErr {
			if !errors.Is(err, ErrMalformedTaskName) {
				t.Errorf("SplitTaskName(%q) err = %v, want ErrMalformedTaskName", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("SplitTaskName(%q): %v", tc.name, err)
			continue
		}
		if annotator != tc.annotator || clip != tc.clip {
			t.Errorf("SplitTaskName(%q) = (%q, %q), want (%q, %q)",
				tc.name, annotator, clip, tc.annotator, tc.clip)
		}
	}
}

func TestGroupTasks(t *testing.T) {
	tasks := []*store.ClipTask{
		{TaskID: 1, Name: "alice_clip_a"},
		{TaskID: 2, Name: "bob_clip_a"},
		{TaskID: 3, Name: "alice_clip_b"},
		{TaskID: 4, Name: "badname"},
	}

	groups, malformed := GroupTasks(tasks)

	if len(malformed) != 1 {
		t.Fatalf("malformed = %v, want exactly task 4", malformed)
	}
	if _, ok := malformed[4]; !ok {
		t.Fatalf("task 4 not reported malformed: %v", malformed)
	}

	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].Key != "clip_a" || groups[1].Key != "clip_b" {
		t.Fatalf("group keys = %q, %q, want clip_a, clip_b", groups[0].Key, groups[1].Key)
	}

	a := groups[0]
	if diff := cmp.Diff([]string{"alice", "bob"}, a.Annotators); diff != "" {
		t.Errorf("clip_a annotators mismatch (-want +got):\n%s", diff)
	}
	if a.NotComparable {
		t.Error("two-annotator group marked not comparable")
	}

	b := groups[1]
	if !b.NotComparable {
		t.Error("single-annotator group not marked not comparable")
	}
}

func TestGroupTasksOrderIndependent(t *testing.T) {
	forward := []*store.ClipTask{
		{TaskID: 1, Name: "alice_clip_a"},
		{TaskID: 2, Name: "bob_clip_a"},
		{TaskID: 3, Name: "carol_clip_a"},
	}
	reversed := []*store.ClipTask{
		{TaskID: 3, Name: "carol_clip_a"},
		{TaskID: 2, Name: "bob_clip_a"},
		{TaskID: 1, Name: "alice_clip_a"},
	}

	g1, _ := GroupTasks(forward)
	g2, _ := GroupTasks(reversed)

	if len(g1) != 1 || len(g2) != 1 {
		t.Fatalf("group counts = %d, %d, want 1, 1", len(g1), len(g2))
	}
	if diff := cmp.Diff(g1[0].Annotators, g2[0].Annotators); diff != "" {
		t.Errorf("annotator sets differ under input reorder:\n%s", diff)
	}
	if g1[0].Key != g2[0].Key {
		t.Errorf("keys differ: %q vs %q", g1[0].Key, g2[0].Key)
	}
}

func TestGroupTasksPrefersStoredAnnotator(t *testing.T) {
	tasks := []*store.ClipTask{
		{TaskID: 1, Name: "alice_clip_a", Annotator: "alice@example.com"},
	}
	groups, _ := GroupTasks(tasks)
	if groups[0].Annotators[0] != "alice@example.com" {
		t.Errorf("annotator = %q, want stored identity", groups[0].Annotators[0])
	}
}

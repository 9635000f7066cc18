package qc

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/urban-vision/annoqc/internal/store"
)

// twoAnnotatorGroup builds a group of two tasks by the given annotators
// over the same clip.
func twoAnnotatorGroup(a, b string) *OverlapGroup {
	return &OverlapGroup{
		Key: "clip",
		Tasks: []*store.ClipTask{
			{TaskID: 1, Name: a + "_clip", Annotator: a},
			{TaskID: 2, Name: b + "_clip", Annotator: b},
		},
		Annotators: []string{a, b},
	}
}

func ann(taskID, trackID int64, frame int, b Box, outside bool) *store.RawAnnotation {
	return &store.RawAnnotation{
		TaskID: taskID, TrackID: trackID, Frame: frame,
		XTL: b.XTL, YTL: b.YTL, XBR: b.XBR, YBR: b.YBR,
		Outside: outside,
	}
}

func TestAlignTracksBindsOverlappingTracks(t *testing.T) {
	group := twoAnnotatorGroup("alice", "bob")
	box := Box{XTL: 10, YTL: 10, XBR: 50, YBR: 50}
	shifted := Box{XTL: 12, YTL: 10, XBR: 52, YBR: 50}

	byTask := map[int64][]*store.RawAnnotation{
		1: {ann(1, 0, 0, box, false), ann(1, 0, 1, box, false)},
		2: {ann(2, 0, 0, shifted, false), ann(2, 0, 1, shifted, false)},
	}

	tracks := AlignTracks(group, byTask, DefaultAlignerConfig())
	if len(tracks) != 1 {
		t.Fatalf("got %d canonical tracks, want 1", len(tracks))
	}
	want := []TrackMember{
		{Annotator: "alice", TaskID: 1, TrackID: 0},
		{Annotator: "bob", TaskID: 2, TrackID: 0},
	}
	if diff := cmp.Diff(want, tracks[0].Members); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}
}

func TestAlignTracksDisjointBoxesStaySingletons(t *testing.T) {
	group := twoAnnotatorGroup("alice", "bob")
	byTask := map[int64][]*store.RawAnnotation{
		1: {ann(1, 0, 0, Box{XTL: 0, YTL: 0, XBR: 10, YBR: 10}, false)},
		2: {ann(2, 0, 0, Box{XTL: 100, YTL: 100, XBR: 110, YBR: 110}, false)},
	}

	tracks := AlignTracks(group, byTask, DefaultAlignerConfig())
	if len(tracks) != 2 {
		t.Fatalf("got %d canonical tracks, want 2 singletons", len(tracks))
	}
	for _, tr := range tracks {
		if len(tr.Members) != 1 {
			t.Errorf("track %d has %d members, want singleton", tr.Index, len(tr.Members))
		}
	}
}

func TestAlignTracksRatioBelowThresholdStaysSplit(t *testing.T) {
	group := twoAnnotatorGroup("alice", "bob")
	hit := Box{XTL: 10, YTL: 10, XBR: 50, YBR: 50}
	miss := Box{XTL: 200, YTL: 200, XBR: 240, YBR: 240}

	// 1 matching frame out of 3 co-present: ratio 1/3 < 0.5.
	byTask := map[int64][]*store.RawAnnotation{
		1: {ann(1, 0, 0, hit, false), ann(1, 0, 1, hit, false), ann(1, 0, 2, hit, false)},
		2: {ann(2, 0, 0, hit, false), ann(2, 0, 1, miss, false), ann(2, 0, 2, miss, false)},
	}

	tracks := AlignTracks(group, byTask, DefaultAlignerConfig())
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2 (ratio below threshold must not bind)", len(tracks))
	}
}

func TestAlignTracksOutsideFramesNotCoPresent(t *testing.T) {
	group := twoAnnotatorGroup("alice", "bob")
	box := Box{XTL: 10, YTL: 10, XBR: 50, YBR: 50}

	// Frames where either side is outside do not count as co-present, so
	// the one remaining active frame with a match gives ratio 1/1.
	byTask := map[int64][]*store.RawAnnotation{
		1: {ann(1, 0, 0, box, false), ann(1, 0, 1, box, true), ann(1, 0, 2, box, true)},
		2: {ann(2, 0, 0, box, false), ann(2, 0, 1, box, false), ann(2, 0, 2, box, false)},
	}

	tracks := AlignTracks(group, byTask, DefaultAlignerConfig())
	if len(tracks) != 1 {
		t.Fatalf("got %d tracks, want 1 (outside frames must not dilute the ratio)", len(tracks))
	}
}

func TestAlignTracksGreedyBindsOnce(t *testing.T) {
	group := twoAnnotatorGroup("alice", "bob")
	box := Box{XTL: 10, YTL: 10, XBR: 50, YBR: 50}

	// Both of bob's tracks overlap alice's single track perfectly. Only
	// one can bind; the other stays a singleton.
	byTask := map[int64][]*store.RawAnnotation{
		1: {ann(1, 0, 0, box, false)},
		2: {ann(2, 0, 0, box, false), ann(2, 1, 0, box, false)},
	}

	tracks := AlignTracks(group, byTask, DefaultAlignerConfig())
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2 (one bound pair + one singleton)", len(tracks))
	}

	var pair, singleton *CanonicalTrack
	for i := range tracks {
		switch len(tracks[i].Members) {
		case 2:
			pair = &tracks[i]
		case 1:
			singleton = &tracks[i]
		}
	}
	if pair == nil || singleton == nil {
		t.Fatalf("expected one pair and one singleton, got %+v", tracks)
	}
	// Tie on ratio resolves to the lower local track id.
	if pair.Members[1].TrackID != 0 {
		t.Errorf("tie bound track %d, want lower track id 0", pair.Members[1].TrackID)
	}
	if singleton.Members[0].TrackID != 1 {
		t.Errorf("singleton is track %d, want 1", singleton.Members[0].TrackID)
	}
}

func TestAlignTracksDeterministic(t *testing.T) {
	group := &OverlapGroup{
		Key: "clip",
		Tasks: []*store.ClipTask{
			{TaskID: 1, Annotator: "alice"},
			{TaskID: 2, Annotator: "bob"},
			{TaskID: 3, Annotator: "carol"},
		},
		Annotators: []string{"alice", "bob", "carol"},
	}
	b1 := Box{XTL: 0, YTL: 0, XBR: 40, YBR: 40}
	b2 := Box{XTL: 100, YTL: 0, XBR: 140, YBR: 40}

	byTask := map[int64][]*store.RawAnnotation{
		1: {ann(1, 0, 0, b1, false), ann(1, 1, 0, b2, false)},
		2: {ann(2, 0, 0, b2, false), ann(2, 1, 0, b1, false)},
		3: {ann(3, 0, 0, b1, false)},
	}

	first := AlignTracks(group, byTask, DefaultAlignerConfig())
	for i := 0; i < 10; i++ {
		again := AlignTracks(group, byTask, DefaultAlignerConfig())
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("alignment not deterministic on run %d:\n%s", i, diff)
		}
	}
}

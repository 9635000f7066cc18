package qc

import (
	"fmt"
	"sort"

	"github.com/urban-vision/annoqc/internal/store"
)

// Merge policy identifiers recorded on every canonical annotation.
const (
	MergeCentroidAverage = "centroid-average"
	MergeSingleAnnotator = "single-annotator"
)

// Policy holds the consensus thresholds a group must clear to pass QC.
type Policy struct {
	// MinIAA is the minimum group spatial agreement.
	MinIAA float64
	// MinKappa is the minimum pairwise-averaged Cohen's Kappa.
	MinKappa float64
	// RequireKappa gates on MinKappa; when false only spatial agreement
	// is enforced.
	RequireKappa bool
	// SingleAnnotatorAutoApprove passes groups that have only one
	// annotator and so cannot be scored.
	SingleAnnotatorAutoApprove bool
}

// DefaultPolicy returns the default consensus thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinIAA:       0.5,
		MinKappa:     0.4,
		RequireKappa: true,
	}
}

// Decision is the outcome of evaluating a group against a policy.
type Decision struct {
	State  string
	Reason string
}

// Evaluate applies the policy to a scored group. Groups with a single
// annotator either auto-approve or land in the not-comparable state;
// they never fail.
func (p Policy) Evaluate(group *OverlapGroup, scores GroupScores) Decision {
	if group.NotComparable {
		if p.SingleAnnotatorAutoApprove {
			return Decision{State: store.QCPassed, Reason: "single annotator, auto-approved"}
		}
		return Decision{State: store.QCNotComparable, Reason: "fewer than two annotators"}
	}
	if scores.IAA.NoData {
		return Decision{State: store.QCNotComparable, Reason: "no comparable frames"}
	}
	if scores.IAA.Value < p.MinIAA {
		return Decision{
			State:  store.QCFailed,
			Reason: fmt.Sprintf("spatial agreement %.4f below %.4f", scores.IAA.Value, p.MinIAA),
		}
	}
	if p.RequireKappa && !scores.KappaMean.NoData && scores.KappaMean.Value < p.MinKappa {
		return Decision{
			State:  store.QCFailed,
			Reason: fmt.Sprintf("kappa %.4f below %.4f", scores.KappaMean.Value, p.MinKappa),
		}
	}
	return Decision{State: store.QCPassed}
}

// MergeGroup resolves a passed group's canonical tracks into one set of
// canonical annotations. Multi-member tracks get the component-wise mean
// box and per-category majority-vote attributes at every frame where all
// members are active; singleton tracks are carried through as drawn.
// Frames where any member is outside are dropped.
func MergeGroup(group *OverlapGroup, byTask map[int64][]*store.RawAnnotation, tracks []CanonicalTrack) []*store.CanonicalAnnotation {
	idx := buildIndex(group, byTask)

	var out []*store.CanonicalAnnotation
	for _, track := range tracks {
		if len(track.Members) == 1 {
			out = append(out, mergeSingleton(group.Key, track, idx)...)
			continue
		}

		for _, frame := range sharedFrames(idx, track.Members) {
			anns := make([]*store.RawAnnotation, 0, len(track.Members))
			active := true
			for _, m := range track.Members {
				a := idx.frames[trackKey{m.Annotator, m.TaskID, m.TrackID}][frame]
				if a.Outside {
					active = false
					break
				}
				anns = append(anns, a)
			}
			if !active {
				continue
			}

			boxes := make([]Box, len(anns))
			for i, a := range anns {
				boxes[i] = boxOf(a)
			}
			box := MeanBox(boxes)

			out = append(out, &store.CanonicalAnnotation{
				ClipID:     group.Key,
				TrackIndex: track.Index,
				Frame:      frame,
				XTL:        box.XTL,
				YTL:        box.YTL,
				XBR:        box.XBR,
				YBR:        box.YBR,
				Policy:     MergeCentroidAverage,
				Attributes: voteAttributes(track.Members, anns),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TrackIndex != out[j].TrackIndex {
			return out[i].TrackIndex < out[j].TrackIndex
		}
		return out[i].Frame < out[j].Frame
	})
	return out
}

func mergeSingleton(clipID string, track CanonicalTrack, idx *annIndex) []*store.CanonicalAnnotation {
	m := track.Members[0]
	frames := idx.frames[trackKey{m.Annotator, m.TaskID, m.TrackID}]

	ordered := make([]int, 0, len(frames))
	for frame := range frames {
		ordered = append(ordered, frame)
	}
	sort.Ints(ordered)

	var out []*store.CanonicalAnnotation
	for _, frame := range ordered {
		a := frames[frame]
		if a.Outside {
			continue
		}
		attrs := make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			attrs[k] = v
		}
		out = append(out, &store.CanonicalAnnotation{
			ClipID:     clipID,
			TrackIndex: track.Index,
			Frame:      frame,
			XTL:        a.XTL,
			YTL:        a.YTL,
			XBR:        a.XBR,
			YBR:        a.YBR,
			Policy:     MergeSingleAnnotator,
			Attributes: attrs,
		})
	}
	return out
}

// voteAttributes majority-votes every attribute category seen in any
// member's annotation. A tie goes to the selection of the member with
// the lowest annotator id among the tied selections.
func voteAttributes(members []TrackMember, anns []*store.RawAnnotation) map[string]string {
	// Visit members in annotator order so tie-breaks are reproducible.
	order := make([]int, len(members))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return members[order[i]].Annotator < members[order[j]].Annotator
	})

	seen := make(map[string]bool)
	var categories []string
	for _, i := range order {
		for cat := range anns[i].Attributes {
			if !seen[cat] {
				seen[cat] = true
				categories = append(categories, cat)
			}
		}
	}
	sort.Strings(categories)

	out := make(map[string]string, len(categories))
	for _, cat := range categories {
		counts := make(map[string]int)
		for _, i := range order {
			if sel, ok := anns[i].Attributes[cat]; ok {
				counts[sel]++
			}
		}
		best := 0
		for _, n := range counts {
			if n > best {
				best = n
			}
		}
		for _, i := range order {
			if sel, ok := anns[i].Attributes[cat]; ok && counts[sel] == best {
				out[cat] = sel
				break
			}
		}
	}
	return out
}

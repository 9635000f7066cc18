package qc

import (
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/urban-vision/annoqc/internal/store"
)

// AgreementValue is a metric value that can also report the absence of
// data. NoData is distinct from a value of zero: a group with no
// comparable frames has no agreement, good or bad.
type AgreementValue struct {
	Value  float64
	NoData bool
}

// TrackFrameIoU is the mean pairwise IoU among the annotators of one
// canonical track at one frame.
type TrackFrameIoU struct {
	TrackIndex int
	Frame      int
	Value      float64
}

// GroupScores carries the agreement metrics for one overlap group.
type GroupScores struct {
	// IAA is the inter-annotator spatial agreement: the mean of all
	// per-track per-frame pairwise IoU values.
	IAA AgreementValue
	// TrackFrameIoU holds the individual values the IAA averages.
	TrackFrameIoU []TrackFrameIoU
	// Kappa maps attribute category name to the pairwise-averaged
	// Cohen's Kappa for that category.
	Kappa map[string]AgreementValue
	// KappaMean averages the per-category Kappa values that have data.
	KappaMean AgreementValue
}

// ScoreGroup computes spatial and categorical agreement for one overlap
// group given its canonical track alignment. categories names the
// attribute categories to score Kappa for.
//
// Tracks the aligner left unbound are paired up by co-presence for
// scoring, so a group whose boxes consistently overlap below the match
// threshold still reports its low agreement instead of no data. Those
// comparison pairs never affect merging.
func ScoreGroup(group *OverlapGroup, byTask map[int64][]*store.RawAnnotation, tracks []CanonicalTrack, categories []string) GroupScores {
	idx := buildIndex(group, byTask)
	scores := GroupScores{Kappa: make(map[string]AgreementValue)}

	tracks = append(append([]CanonicalTrack(nil), tracks...), comparisonPairs(idx, tracks)...)

	// labelPairs accumulates, per annotator pair and category, the
	// (selection A, selection B) observations feeding the Kappa matrix.
	type pairID struct{ a, b string }
	labelPairs := make(map[pairID]map[string][][2]string)

	var iouValues []float64
	for _, track := range tracks {
		if len(track.Members) < 2 {
			continue
		}

		frames := sharedFrames(idx, track.Members)
		for _, frame := range frames {
			anns := make([]*store.RawAnnotation, 0, len(track.Members))
			skip := false
			for _, m := range track.Members {
				a := idx.frames[trackKey{m.Annotator, m.TaskID, m.TrackID}][frame]
				if a.Outside {
					skip = true
					break
				}
				anns = append(anns, a)
			}
			if skip {
				continue
			}

			var pairIoUs []float64
			for i := 0; i < len(anns); i++ {
				for j := i + 1; j < len(anns); j++ {
					pairIoUs = append(pairIoUs, IoU(boxOf(anns[i]), boxOf(anns[j])))
				}
			}
			if len(pairIoUs) == 0 {
				continue
			}
			v := stat.Mean(pairIoUs, nil)
			iouValues = append(iouValues, v)
			scores.TrackFrameIoU = append(scores.TrackFrameIoU, TrackFrameIoU{
				TrackIndex: track.Index, Frame: frame, Value: v,
			})

			for i := 0; i < len(anns); i++ {
				for j := i + 1; j < len(anns); j++ {
					a, b := track.Members[i], track.Members[j]
					annA, annB := anns[i], anns[j]
					if a.Annotator > b.Annotator {
						a, b = b, a
						annA, annB = annB, annA
					}
					key := pairID{a.Annotator, b.Annotator}
					byCat, ok := labelPairs[key]
					if !ok {
						byCat = make(map[string][][2]string)
						labelPairs[key] = byCat
					}
					for _, cat := range categories {
						selA, okA := annA.Attributes[cat]
						selB, okB := annB.Attributes[cat]
						if !okA || !okB {
							continue
						}
						byCat[cat] = append(byCat[cat], [2]string{selA, selB})
					}
				}
			}
		}
	}

	if len(iouValues) == 0 {
		scores.IAA = AgreementValue{NoData: true}
	} else {
		scores.IAA = AgreementValue{Value: stat.Mean(iouValues, nil)}
	}

	var catMeans []float64
	for _, cat := range categories {
		var kappas []float64
		for _, byCat := range labelPairs {
			obs := byCat[cat]
			if len(obs) == 0 {
				continue
			}
			kappas = append(kappas, cohensKappa(obs))
		}
		if len(kappas) == 0 {
			scores.Kappa[cat] = AgreementValue{NoData: true}
			continue
		}
		v := stat.Mean(kappas, nil)
		scores.Kappa[cat] = AgreementValue{Value: v}
		catMeans = append(catMeans, v)
	}
	if len(catMeans) == 0 {
		scores.KappaMean = AgreementValue{NoData: true}
	} else {
		scores.KappaMean = AgreementValue{Value: stat.Mean(catMeans, nil)}
	}

	return scores
}

// comparisonPairs pairs tracks the aligner left as singletons with their
// best co-present counterpart from another annotator. Binding for merging
// stays strict; these pairs exist only so low spatial agreement gets
// measured and can fail the group rather than leaving it unscored. Each
// pair reuses the canonical index of its first member's singleton track.
func comparisonPairs(idx *annIndex, tracks []CanonicalTrack) []CanonicalTrack {
	bound := make(map[trackKey]bool)
	singletonIndex := make(map[trackKey]int)
	for _, tr := range tracks {
		if len(tr.Members) > 1 {
			for _, m := range tr.Members {
				bound[trackKey{m.Annotator, m.TaskID, m.TrackID}] = true
			}
			continue
		}
		m := tr.Members[0]
		singletonIndex[trackKey{m.Annotator, m.TaskID, m.TrackID}] = tr.Index
	}

	var pairs []pairAffinity
	for i := 0; i < len(idx.tracks); i++ {
		for j := i + 1; j < len(idx.tracks); j++ {
			a, b := idx.tracks[i], idx.tracks[j]
			if a.annotator == b.annotator || bound[a] || bound[b] {
				continue
			}

			p := pairAffinity{a: a, b: b}
			for frame, annA := range idx.frames[a] {
				annB, ok := idx.frames[b][frame]
				if !ok || annA.Outside || annB.Outside {
					continue
				}
				p.coPresent++
			}
			if p.coPresent > 0 {
				pairs = append(pairs, p)
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].coPresent != pairs[j].coPresent {
			return pairs[i].coPresent > pairs[j].coPresent
		}
		if pairs[i].a.annotator != pairs[j].a.annotator {
			return pairs[i].a.annotator < pairs[j].a.annotator
		}
		if pairs[i].a.trackID != pairs[j].a.trackID {
			return pairs[i].a.trackID < pairs[j].a.trackID
		}
		if pairs[i].b.annotator != pairs[j].b.annotator {
			return pairs[i].b.annotator < pairs[j].b.annotator
		}
		return pairs[i].b.trackID < pairs[j].b.trackID
	})

	taken := make(map[trackKey]bool)
	var out []CanonicalTrack
	for _, p := range pairs {
		if taken[p.a] || taken[p.b] {
			continue
		}
		taken[p.a] = true
		taken[p.b] = true
		out = append(out, CanonicalTrack{
			Index:   singletonIndex[p.a],
			Members: []TrackMember{memberOf(p.a), memberOf(p.b)},
		})
	}
	return out
}

// sharedFrames returns the sorted frames at which every member has an
// annotation.
func sharedFrames(idx *annIndex, members []TrackMember) []int {
	first := idx.frames[trackKey{members[0].Annotator, members[0].TaskID, members[0].TrackID}]
	var frames []int
	for frame := range first {
		present := true
		for _, m := range members[1:] {
			if _, ok := idx.frames[trackKey{m.Annotator, m.TaskID, m.TrackID}][frame]; !ok {
				present = false
				break
			}
		}
		if present {
			frames = append(frames, frame)
		}
	}
	sort.Ints(frames)
	return frames
}

// cohensKappa computes Cohen's Kappa over paired label observations via a
// confusion matrix with empirical marginals. A degenerate matrix with no
// variance on either side (expected agreement of one) scores 1.0: both
// annotators always chose the same single label, which is perfect, not
// undefined, agreement.
func cohensKappa(obs [][2]string) float64 {
	labels := make(map[string]int)
	for _, o := range obs {
		for _, l := range o {
			if _, ok := labels[l]; !ok {
				labels[l] = 0
			}
		}
	}
	ordered := make([]string, 0, len(labels))
	for l := range labels {
		ordered = append(ordered, l)
	}
	sort.Strings(ordered)
	for i, l := range ordered {
		labels[l] = i
	}

	n := len(ordered)
	confusion := mat.NewDense(n, n, nil)
	for _, o := range obs {
		i, j := labels[o[0]], labels[o[1]]
		confusion.Set(i, j, confusion.At(i, j)+1)
	}

	total := mat.Sum(confusion)
	po := mat.Trace(confusion) / total

	var pe float64
	for k := 0; k < n; k++ {
		row := mat.Sum(confusion.RowView(k))
		col := mat.Sum(confusion.ColView(k))
		pe += (row / total) * (col / total)
	}

	if 1-pe < 1e-12 {
		return 1.0
	}
	return (po - pe) / (1 - pe)
}
